package generator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"charaforge/internal/config"
	"charaforge/pkg/cost"
)

// ============================================================================
// 外部图像生成服务客户端
// ============================================================================
//
// 每次调用只产出一张图；多图操作由上层并发扇出。
// 超时由这里的 http.Client 负责，编排层不再额外加 deadline。
//
// ============================================================================

// Request 一次子调用的输入
type Request struct {
	Kind           string         // concept_art / pose / character_sheet / expressions / live2d_parts
	Variant        string         // 视角、表情、部件名；单图操作为空
	Prompt         string         // 用户补充描述
	Tier           cost.ModelTier // 决定使用哪个模型
	SourceImage    []byte
	SourceMimeType string
}

// Image 生成结果
type Image struct {
	Data     []byte
	MimeType string
}

// ProviderError 服务商返回的错误，Message 是原文，不能直接展示给用户
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("image provider error (status %d): %s", e.StatusCode, e.Message)
}

var ErrEmptyImage = errors.New("image provider returned no image")

type generateRequest struct {
	Model    string `json:"model"`
	Task     string `json:"task"`
	Variant  string `json:"variant,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
	Image    string `json:"image"`
	MimeType string `json:"mime_type"`
}

type generateResponse struct {
	Image    string `json:"image"`
	MimeType string `json:"mime_type"`
	Error    *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Client 无状态，除了 API Key 之外没有共享数据，可以被多个请求并发使用
type Client struct {
	httpClient    *http.Client
	baseURL       string
	apiKey        string
	standardModel string
	proModel      string
}

// NewClient 创建客户端
func NewClient(cfg *config.GeneratorConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("generator.base_url 未配置")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("generator.api_key 未配置")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		httpClient:    &http.Client{Timeout: timeout},
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		standardModel: cfg.StandardModel,
		proModel:      cfg.ProModel,
	}, nil
}

var (
	defaultClient *Client
	defaultErr    error
	defaultOnce   sync.Once
)

// Default 进程级单例，首次调用时才创建，之后复用
//
// 多实例部署时每个进程各有一个，客户端无状态所以没有问题。
func Default(cfg *config.GeneratorConfig) (*Client, error) {
	defaultOnce.Do(func() {
		defaultClient, defaultErr = NewClient(cfg)
	})
	return defaultClient, defaultErr
}

func (c *Client) modelFor(tier cost.ModelTier) string {
	if tier == cost.TierPro {
		return c.proModel
	}
	return c.standardModel
}

// Generate 调用服务商生成一张图
func (c *Client) Generate(ctx context.Context, req Request) (*Image, error) {
	body, err := json.Marshal(generateRequest{
		Model:    c.modelFor(req.Tier),
		Task:     req.Kind,
		Variant:  req.Variant,
		Prompt:   req.Prompt,
		Image:    base64.StdEncoding.EncodeToString(req.SourceImage),
		MimeType: req.SourceMimeType,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/images/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("调用生成服务失败: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("读取生成结果失败: %w", err)
	}

	var out generateResponse
	decodeErr := json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		if decodeErr == nil && out.Error != nil {
			msg = out.Error.Message
		}
		return nil, &ProviderError{StatusCode: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("解析生成结果失败: %w", decodeErr)
	}
	if out.Error != nil {
		return nil, &ProviderError{StatusCode: resp.StatusCode, Message: out.Error.Message}
	}
	if out.Image == "" {
		return nil, ErrEmptyImage
	}

	data, err := base64.StdEncoding.DecodeString(out.Image)
	if err != nil {
		return nil, fmt.Errorf("解码生成图片失败: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}

	mimeType := out.MimeType
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return &Image{Data: data, MimeType: mimeType}, nil
}
