package service

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
)

// Outcome 网关调用结果分类
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeRateLimited    Outcome = "rate_limited"
	OutcomeAppUninstalled Outcome = "target_app_uninstalled"
	OutcomeTransportError Outcome = "transport_error"
)

// 网关错误码（结构化）
const (
	GatewayCodeUninstalled = "target_app_uninstalled"
	GatewayCodeRateLimited = "rate_limited"
)

// PingRequest POST /ping 请求体
type PingRequest struct {
	Token     string                 `json:"token"`
	Sender    string                 `json:"sender"`
	ProutKey  string                 `json:"proutKey"`
	Platform  string                 `json:"platform,omitempty"`
	ExtraData map[string]interface{} `json:"extraData,omitempty"`
}

// GatewayError 网关返回的非 2xx 响应
type GatewayError struct {
	Status  int
	Code    string
	Message string
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("gateway error %d: %s", e.Status, e.Message)
}

// NotificationGateway 推送网关
type NotificationGateway interface {
	Ping(ctx context.Context, req PingRequest) error
}

// HTTPGateway 通过 HTTP 调用推送网关
type HTTPGateway struct {
	baseURL string
	client  *http.Client
}

func NewHTTPGateway(baseURL string, client *http.Client) *HTTPGateway {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPGateway{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// Ping 发送一次 ping；空 token 不会发出
func (g *HTTPGateway) Ping(ctx context.Context, req PingRequest) error {
	if strings.TrimSpace(req.Token) == "" {
		return invalid("token", "empty")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode ping: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/ping", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build ping request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to call gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return DecodeGatewayError(resp.StatusCode, raw)
}

// gatewayErrorBody 网关错误响应的已知结构
type gatewayErrorBody struct {
	Code    string          `json:"code"`
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details"`
}

// DecodeGatewayError 解析错误响应体
// 优先读取结构化的 code 字段，只有没有 code 时才在自由文本里查找已知原因
func DecodeGatewayError(status int, raw []byte) *GatewayError {
	gerr := &GatewayError{Status: status, Message: strings.TrimSpace(string(raw))}

	var body gatewayErrorBody
	if err := json.Unmarshal(raw, &body); err == nil {
		gerr.Code = body.Code
		if body.Message != "" {
			gerr.Message = body.Message
		}
		// {"error": "..."} 或 {"error": {"code": "...", "message": "..."}}
		if len(body.Error) > 0 {
			var s string
			var nested struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			}
			if json.Unmarshal(body.Error, &s) == nil && body.Message == "" {
				gerr.Message = s
			} else if json.Unmarshal(body.Error, &nested) == nil {
				if gerr.Code == "" {
					gerr.Code = nested.Code
				}
				if nested.Message != "" {
					gerr.Message = nested.Message
				}
			}
		}
	}

	if gerr.Code == "" {
		gerr.Code = sniffReason(string(raw))
	}
	return gerr
}

func sniffReason(text string) string {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, GatewayCodeUninstalled), strings.Contains(lower, "devicenotregistered"):
		return GatewayCodeUninstalled
	case strings.Contains(lower, GatewayCodeRateLimited), strings.Contains(lower, "too many requests"):
		return GatewayCodeRateLimited
	}
	return ""
}

// Classify 把网关调用的错误映射到结果分类
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	var gerr *GatewayError
	if !errors.As(err, &gerr) {
		return OutcomeTransportError
	}
	switch {
	case gerr.Code == GatewayCodeUninstalled:
		return OutcomeAppUninstalled
	case gerr.Status == http.StatusTooManyRequests, gerr.Code == GatewayCodeRateLimited:
		return OutcomeRateLimited
	}
	return OutcomeTransportError
}
