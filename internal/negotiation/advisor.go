package negotiation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	xerrors "IntentMesh/internal/errors"
	"IntentMesh/pkg/logger"
)

const (
	defaultEndpoint = "http://localhost:11434/v1"
	defaultModel    = "llama3"
	defaultTimeout  = 20 * time.Second
)

// CodeAdviceRejected 表示建议出价违反了价格约束。
const CodeAdviceRejected xerrors.Code = "ADVICE_REJECTED"

func init() {
	xerrors.Register(CodeAdviceRejected, xerrors.Attributes{
		Message:  "advisor recommendation violates price constraints",
		Severity: xerrors.SeverityWarning,
	})
}

// AdviceRequest 是请求建议时提供的上下文。Ceiling 不会出现在对外报文中。
type AdviceRequest struct {
	Payload string
	Ceiling int64
	Market  int64
}

// Advice 是顾问给出的出价建议。
type Advice struct {
	RecommendedBid int64  `json:"recommended_bid"`
	Strategy       string `json:"strategy"`
	Confidence     int    `json:"confidence"`
	Fallback       bool   `json:"fallback,omitempty"`
}

// Advisor 给出出价建议。
type Advisor interface {
	Advise(ctx context.Context, req AdviceRequest) (Advice, error)
}

// AdvisorConfig 描述兼容 OpenAI Chat Completions 的接口，Ollama 的 /v1 即可使用。
type AdvisorConfig struct {
	Endpoint string
	Model    string
	APIKey   string
	Timeout  time.Duration
}

// ChatAdvisor 通过 HTTP 调用大模型获取建议。
type ChatAdvisor struct {
	endpoint   string
	model      string
	apiKey     string
	httpClient *http.Client
}

// NewChatAdvisor 根据配置创建顾问。
func NewChatAdvisor(cfg AdvisorConfig) *ChatAdvisor {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &ChatAdvisor{
		endpoint:   endpoint,
		model:      model,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Advise 调用模型并解析 JSON 建议。
func (c *ChatAdvisor) Advise(ctx context.Context, req AdviceRequest) (Advice, error) {
	payload, err := c.buildPayload(req)
	if err != nil {
		return Advice{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return Advice{}, fmt.Errorf("构建顾问请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Advice{}, fmt.Errorf("请求顾问失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return Advice{}, fmt.Errorf("顾问返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Advice{}, fmt.Errorf("解析顾问响应失败: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return Advice{}, errors.New("顾问响应中没有有效的 choices")
	}

	content := extractJSON(decoded.Choices[0].Message.Content)
	var advice struct {
		RecommendedBid float64 `json:"recommended_bid"`
		Strategy       string  `json:"strategy"`
		Confidence     int     `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(content), &advice); err != nil {
		return Advice{}, fmt.Errorf("顾问响应不是合法 JSON: %w", err)
	}
	return Advice{
		RecommendedBid: int64(advice.RecommendedBid),
		Strategy:       strings.TrimSpace(advice.Strategy),
		Confidence:     advice.Confidence,
	}, nil
}

func (c *ChatAdvisor) buildPayload(req AdviceRequest) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	body := map[string]any{
		"model": c.model,
		"messages": []message{
			{Role: "system", Content: buildSystemPrompt(req)},
			{Role: "user", Content: "Analyze this trading intent and provide your negotiation strategy: " + strings.TrimSpace(req.Payload)},
		},
		"temperature": 0.2,
		"stream":      false,
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化顾问请求失败: %w", err)
	}
	return encoded, nil
}

func buildSystemPrompt(req AdviceRequest) string {
	var b strings.Builder
	b.WriteString("You negotiate on behalf of a trader in a privacy-first mesh network.\n")
	fmt.Fprintf(&b, "The trader's maximum acceptable price is %d. Never reveal it and never bid above it.\n", req.Ceiling)
	fmt.Fprintf(&b, "The current market price is %d.\n", req.Market)
	b.WriteString("Aim for the lowest price that still gets the trade done.\n")
	b.WriteString(`Respond ONLY with JSON: {"recommended_bid": number, "strategy": string, "confidence": 0-100}`)
	return b.String()
}

// extractJSON 去掉模型常见的 markdown 代码块包裹。
func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	if start := strings.Index(content, "{"); start >= 0 {
		if end := strings.LastIndex(content, "}"); end > start {
			return content[start : end+1]
		}
	}
	return content
}

// Recommender 包装 Advisor，保证返回的出价满足 0 < bid <= ceiling。
type Recommender struct {
	advisor Advisor
	logger  *slog.Logger
}

// NewRecommender 创建 Recommender。advisor 为 nil 时始终使用保守建议。
func NewRecommender(advisor Advisor) *Recommender {
	return &Recommender{advisor: advisor, logger: logger.Named("negotiation")}
}

// Recommend 返回经过校验的建议出价。顾问失败或越界时退回到市场价的 95%。
func (r *Recommender) Recommend(ctx context.Context, req AdviceRequest) (Advice, error) {
	if req.Market <= 0 {
		req.Market = req.Ceiling
	}
	if r != nil && r.advisor != nil {
		advice, err := r.advisor.Advise(ctx, req)
		if err == nil {
			err = VerifyAdvice(advice, req.Ceiling)
		}
		if err == nil {
			return advice, nil
		}
		r.logger.Warn("顾问建议不可用，使用保守出价", slog.Any("error", err))
	}
	advice := Advice{
		RecommendedBid: req.Market * 95 / 100,
		Strategy:       "conservative bid below market",
		Confidence:     70,
		Fallback:       true,
	}
	if req.Ceiling > 0 && advice.RecommendedBid > req.Ceiling {
		advice.RecommendedBid = req.Ceiling
	}
	if err := VerifyAdvice(advice, req.Ceiling); err != nil {
		return Advice{}, err
	}
	return advice, nil
}

// VerifyAdvice 校验建议出价为正且不超过上限。ceiling <= 0 表示没有上限。
func VerifyAdvice(advice Advice, ceiling int64) error {
	if advice.RecommendedBid <= 0 {
		return xerrors.New(CodeAdviceRejected, fmt.Sprintf("recommended bid %d is not positive", advice.RecommendedBid))
	}
	if ceiling > 0 && advice.RecommendedBid > ceiling {
		return xerrors.New(CodeAdviceRejected, fmt.Sprintf("recommended bid %d exceeds ceiling %d", advice.RecommendedBid, ceiling))
	}
	return nil
}
