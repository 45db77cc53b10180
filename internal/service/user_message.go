package service

import (
	"errors"
	"net/http"
	"strings"

	"charaforge/internal/infrastructure/generator"
)

// 展示给用户的失败文案。服务商原文可能包含内部信息，不直接透出，
// 只有用户自己能修正的问题（格式不支持、文件过大）才给出具体提示。
const (
	msgGenerationFailed = "Image generation failed. Please try again later."
	msgUnsupportedImage = "The uploaded image format is not supported. Please upload a PNG, JPEG or WebP image."
	msgImageTooLarge    = "The uploaded image is too large. Please upload a smaller image."
)

var unsupportedImagePatterns = []string{
	"unsupported image",
	"unsupported mime",
	"invalid image",
	"image format",
	"could not decode",
	"画像形式",
	"サポートされていない",
	"対応していない",
}

var imageTooLargePatterns = []string{
	"too large",
	"payload too large",
	"exceeds the maximum",
	"file size",
	"サイズが大きすぎ",
	"容量",
}

func userMessage(err error) string {
	var perr *generator.ProviderError
	if errors.As(err, &perr) {
		switch perr.StatusCode {
		case http.StatusRequestEntityTooLarge:
			return msgImageTooLarge
		case http.StatusUnsupportedMediaType:
			return msgUnsupportedImage
		}
	}

	text := strings.ToLower(err.Error())
	for _, p := range imageTooLargePatterns {
		if strings.Contains(text, p) {
			return msgImageTooLarge
		}
	}
	for _, p := range unsupportedImagePatterns {
		if strings.Contains(text, p) {
			return msgUnsupportedImage
		}
	}
	return msgGenerationFailed
}
