package handler

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"charaforge/internal/service"
	"charaforge/pkg/cost"
	"charaforge/pkg/response"

	"github.com/gin-gonic/gin"
)

// 表单字段和图片之外的请求体余量
const formOverhead = 1 << 20

type generateBody struct {
	Tier     string   `json:"tier"`
	Prompt   string   `json:"prompt"`
	Image    string   `json:"image"` // base64 或 data URL
	MimeType string   `json:"mime_type"`
	Parts    []string `json:"parts"`
}

// Generate 计费生成
// POST /api/v1/generate/:kind
//
// 支持 multipart（image 文件字段）和 JSON（image 为 base64）两种请求体。
func (h *Handler) Generate(c *gin.Context) {
	req := service.GenerateRequest{
		UserID: currentUserID(c),
		Kind:   service.GenerationKind(c.Param("kind")),
	}
	if _, ok := req.Kind.Operation(); !ok {
		response.Error(c, http.StatusNotFound, fmt.Sprintf("unknown generation kind %q", req.Kind))
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, int64(h.maxImageBytes)*4/3+formOverhead)

	var err error
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		err = h.bindMultipart(c, &req)
	} else {
		err = h.bindJSON(c, &req)
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Error(c, http.StatusRequestEntityTooLarge, "Image is too large")
			return
		}
		response.ParamError(c, err.Error())
		return
	}

	result, err := h.generation.Generate(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	body := gin.H{
		"intent_no": result.IntentNo,
		"kind":      result.Kind,
		"tier":      result.Tier,
		"cost":      result.Cost,
		"tokens":    result.Tokens,
	}
	for k, v := range assetFields(result.Asset) {
		body[k] = v
	}
	response.Success(c, body)
}

func (h *Handler) bindMultipart(c *gin.Context, req *service.GenerateRequest) error {
	// FormFile 先解析表单，解析错误（包括超限）从这里返回
	header, err := c.FormFile("image")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return errors.New("image is required")
		}
		return err
	}
	req.Tier = cost.ModelTier(c.PostForm("tier"))
	req.Prompt = c.PostForm("prompt")
	for _, p := range c.PostFormArray("parts") {
		req.Parts = append(req.Parts, strings.Split(p, ",")...)
	}
	f, err := header.Open()
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, int64(h.maxImageBytes)+1))
	if err != nil {
		return err
	}
	req.SourceImage = data
	req.SourceMimeType = header.Header.Get("Content-Type")
	if req.SourceMimeType == "application/octet-stream" {
		req.SourceMimeType = ""
	}
	return nil
}

func (h *Handler) bindJSON(c *gin.Context, req *service.GenerateRequest) error {
	var body generateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return errors.New("invalid JSON body")
	}
	req.Tier = cost.ModelTier(body.Tier)
	req.Prompt = body.Prompt
	req.Parts = body.Parts

	data, mimeType, err := decodeImage(body.Image)
	if err != nil {
		return err
	}
	req.SourceImage = data
	req.SourceMimeType = mimeType
	if body.MimeType != "" {
		req.SourceMimeType = body.MimeType
	}
	return nil
}

// decodeImage 解析 base64 图片，支持 data:image/png;base64,... 形式
func decodeImage(s string) ([]byte, string, error) {
	if s == "" {
		return nil, "", errors.New("image is required")
	}

	var mimeType string
	if strings.HasPrefix(s, "data:") {
		meta, payload, ok := strings.Cut(s[len("data:"):], ",")
		if !ok || !strings.HasSuffix(meta, ";base64") {
			return nil, "", errors.New("image must be a base64 data URL")
		}
		mimeType, _, _ = mime.ParseMediaType(strings.TrimSuffix(meta, ";base64"))
		s = payload
	}

	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, "", errors.New("image is not valid base64")
	}
	return data, mimeType, nil
}

// assetFields 按结果形态展开到响应体
func assetFields(a service.Asset) gin.H {
	switch v := a.(type) {
	case service.SingleAsset:
		return gin.H{"type": v.AssetType(), "url": v.URL}
	case service.KeyedAsset:
		return gin.H{"type": v.AssetType(), "images": v.Images}
	case service.PartsAsset:
		fields := gin.H{"type": v.AssetType(), "parts": v.Parts}
		if len(v.Failed) > 0 {
			fields["failed"] = v.Failed
		}
		return fields
	}
	return gin.H{}
}
