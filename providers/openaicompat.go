package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cvflow/cvflow/internal/tlsutil"
	"github.com/cvflow/cvflow/types"
)

// OpenAICompatConfig OpenAI 兼容提供商配置。DeepSeek、Qwen、GLM 等
// 兼容端点只需改 BaseURL 与模型名。
type OpenAICompatConfig struct {
	// ProviderName 提供商标识（日志与指标用）。
	ProviderName string
	// APIKey 鉴权密钥。
	APIKey string
	// BaseURL API 根地址（如 "https://api.openai.com"）。
	BaseURL string
	// ChatModel 默认生成模型。
	ChatModel string
	// EmbeddingModel 嵌入模型。
	EmbeddingModel string
	// EmbeddingDims 嵌入维度（供 Dimensions() 汇报）。
	EmbeddingDims int
	// Timeout HTTP 客户端超时，0 用 30s。
	Timeout time.Duration
	// ChatPath / EmbeddingPath 端点路径，空用 OpenAI 默认。
	ChatPath      string
	EmbeddingPath string
}

// OpenAICompatProvider OpenAI 兼容的 LLM + 嵌入提供商。
// 同一结构体同时实现 LLMProvider 与 EmbeddingProvider。
type OpenAICompatProvider struct {
	cfg    OpenAICompatConfig
	client *http.Client
	logger *zap.Logger
}

// NewOpenAICompatProvider 创建提供商。
func NewOpenAICompatProvider(cfg OpenAICompatConfig, logger *zap.Logger) *OpenAICompatProvider {
	if cfg.ProviderName == "" {
		cfg.ProviderName = "openai-compat"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ChatPath == "" {
		cfg.ChatPath = "/v1/chat/completions"
	}
	if cfg.EmbeddingPath == "" {
		cfg.EmbeddingPath = "/v1/embeddings"
	}
	if cfg.EmbeddingDims <= 0 {
		cfg.EmbeddingDims = 1536
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAICompatProvider{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(cfg.Timeout),
		logger: logger.With(zap.String("component", "llm_provider"), zap.String("provider", cfg.ProviderName)),
	}
}

// Name 实现 LLMProvider.Name。
func (p *OpenAICompatProvider) Name() string { return p.cfg.ProviderName }

// Dimensions 实现 EmbeddingProvider.Dimensions。
func (p *OpenAICompatProvider) Dimensions() int { return p.cfg.EmbeddingDims }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Generate 实现 LLMProvider.Generate。
func (p *OpenAICompatProvider) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.ChatModel
	}
	msgs := make([]chatMessage, 0, 2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: req.Prompt})

	body := chatRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var parsed chatResponse
	if err := p.post(ctx, p.cfg.ChatPath, body, &parsed); err != nil {
		return "", err
	}
	if len(parsed.Choices) == 0 {
		return "", types.NewPipelineError(types.StageGeneration, types.ErrGeneration,
			types.SeverityRecoverable, "empty completion response", nil)
	}
	return parsed.Choices[0].Message.Content, nil
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed 实现 EmbeddingProvider.Embed。
func (p *OpenAICompatProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	var parsed embeddingResponse
	err := p.post(ctx, p.cfg.EmbeddingPath, embeddingRequest{
		Model: p.cfg.EmbeddingModel,
		Input: []string{text},
	}, &parsed)
	if err != nil {
		return nil, err
	}
	if len(parsed.Data) == 0 {
		return nil, types.NewPipelineError(types.StageRetrieval, types.ErrEmbedding,
			types.SeverityRecoverable, "empty embedding response", nil)
	}
	return parsed.Data[0].Embedding, nil
}

func (p *OpenAICompatProvider) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(path), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return types.NewPipelineError("", types.ErrUpstreamTimeout,
				types.SeverityRecoverable, p.cfg.ProviderName+" call timed out", err)
		}
		return types.NewPipelineError("", types.ErrGeneration,
			types.SeverityRecoverable, p.cfg.ProviderName+" call failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return p.mapHTTPError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewPipelineError("", types.ErrGeneration,
			types.SeverityRecoverable, "decode response", err)
	}
	return nil
}

// mapHTTPError 把上游状态码映射为统一错误码。
// 429 映射为 RATE_LIMITED，是退避重试链路的触发条件。
func (p *OpenAICompatProvider) mapHTTPError(resp *http.Response) error {
	msg := readErrorMessage(resp.Body)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return types.NewPipelineError("", types.ErrRateLimited,
			types.SeverityRecoverable, msg, nil)
	case resp.StatusCode == http.StatusGatewayTimeout:
		return types.NewPipelineError("", types.ErrUpstreamTimeout,
			types.SeverityRecoverable, msg, nil)
	case resp.StatusCode >= 500:
		return types.NewPipelineError("", types.ErrGeneration,
			types.SeverityRecoverable, msg, nil)
	default:
		return types.NewPipelineError("", types.ErrInvalidRequest,
			types.SeverityFatal, msg, nil)
	}
}

func (p *OpenAICompatProvider) endpoint(path string) string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + path
}

// readErrorMessage 尽力从错误响应体提取可读信息。
func readErrorMessage(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(raw) == 0 {
		return "upstream error"
	}
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &parsed) == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return strings.TrimSpace(string(raw))
}
