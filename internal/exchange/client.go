package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/betbot/gotrader/pkg/ratelimit"
)

// Config 网关配置。
type Config struct {
	BaseURL     string
	Credentials Credentials

	RequestTimeout time.Duration // 单次请求硬超时（默认 10s）
	MaxRetries     int           // 默认 3
	RetryBase      time.Duration // 默认 100ms

	PublicPerSecond  int // 公共端点每秒上限（默认 10）
	PrivatePerSecond int // 私有端点每秒上限（默认 8）

	OnRequestEvent AuditHook // 可选：每次尝试的审计钩子
}

// Client 签名重试 HTTP 网关。
//
// 每次调用：限流 → （私有端点）签名 → 硬超时下发起请求 → 分类结果。
// 429/5xx/超时在内部按指数退避重试，调用方只看到最终结果；
// 命中版本不匹配状态码时向备选版本端点回退一次。
type Client struct {
	http  *resty.Client
	cfg   Config
	retry RetryConfig

	publicLimiter  *ratelimit.SlidingWindow
	privateLimiter *ratelimit.SlidingWindow

	hook AuditHook
}

// NewClient 创建交易所网关客户端。
func NewClient(cfg Config) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 100 * time.Millisecond
	}
	if cfg.PublicPerSecond <= 0 {
		cfg.PublicPerSecond = 10
	}
	if cfg.PrivatePerSecond <= 0 {
		cfg.PrivatePerSecond = 8
	}

	// 重试由本层驱动（需要逐次上报审计事件），不使用 resty 内建重试
	hc := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetTimeout(cfg.RequestTimeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "gotrader")

	return &Client{
		http:           hc,
		cfg:            cfg,
		retry:          RetryConfig{MaxRetries: cfg.MaxRetries, RetryBase: cfg.RetryBase},
		publicLimiter:  ratelimit.NewSlidingWindow(cfg.PublicPerSecond, time.Second),
		privateLimiter: ratelimit.NewSlidingWindow(cfg.PrivatePerSecond, time.Second),
		hook:           cfg.OnRequestEvent,
	}
}

// Request 执行一次交易所调用，返回响应体。
//   - query: 查询参数（GET/DELETE）
//   - body:  请求参数（POST，JSON 编码；同时参与签名规范化）
//   - private: 是否私有端点（决定限流器与签名）
func (c *Client) Request(ctx context.Context, method, path string, query, body map[string]string, private bool) ([]byte, error) {
	payload, err := c.doWithRetry(ctx, method, path, query, body, private)
	if err != nil && isWrongVersion(err) {
		if alt, ok := fallbackEndpoints[path]; ok {
			gatewayLog.Warnf("%s %s 疑似版本不匹配，回退到 %s", method, path, alt)
			return c.doWithRetry(ctx, method, alt, query, body, private)
		}
	}
	return payload, err
}

// doWithRetry 对单一端点执行完整的重试周期。
func (c *Client) doWithRetry(ctx context.Context, method, path string, query, body map[string]string, private bool) ([]byte, error) {
	var payload []byte

	err := withRetry(ctx, c.retry, func(attempt int) error {
		limiter := c.publicLimiter
		if private {
			limiter = c.privateLimiter
		}
		if err := limiter.Take(ctx, 1); err != nil {
			return err
		}

		start := time.Now()
		b, status, err := c.doOnce(ctx, method, path, query, body, private)
		dur := time.Since(start)

		ev := RequestEvent{
			Method:     method,
			Path:       path,
			Attempt:    attempt,
			OK:         err == nil,
			Status:     status,
			Retryable:  IsRetryable(err),
			DurationMS: dur.Milliseconds(),
		}
		if err != nil {
			ev.Err = err.Error()
		}
		c.hook.emit(ev)

		if err != nil {
			return err
		}
		payload = b
		return nil
	})
	return payload, err
}

// doOnce 单次网络调用 + 结果分类。
func (c *Client) doOnce(ctx context.Context, method, path string, query, body map[string]string, private bool) ([]byte, int, error) {
	req := c.http.R().SetContext(ctx)

	// 签名覆盖全部请求参数（query 或 body，两者不会同时出现）
	if private {
		params := query
		if len(body) > 0 {
			params = body
		}
		token, err := BuildBearerToken(c.cfg.Credentials, CanonicalQuery(params))
		if err != nil {
			return nil, 0, err
		}
		req.SetHeader("Authorization", "Bearer "+token)
	}

	if len(query) > 0 {
		req.SetQueryParams(query)
	}
	if len(body) > 0 {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	var resp *resty.Response
	var err error
	switch method {
	case http.MethodGet:
		resp, err = req.Get(path)
	case http.MethodPost:
		resp, err = req.Post(path)
	case http.MethodDelete:
		resp, err = req.Delete(path)
	default:
		return nil, 0, errors.Errorf("unsupported method: %s", method)
	}

	if err != nil {
		// 传输层失败（含超时）：结果不明，按可重试处理
		return nil, 0, &APIError{
			Status:    0,
			Message:   err.Error(),
			Retryable: true,
		}
	}

	status := resp.StatusCode()
	if resp.IsSuccess() {
		return resp.Body(), status, nil
	}

	apiErr := &APIError{
		Status:    status,
		Retryable: classifyStatus(status),
		Message:   strings.TrimSpace(string(resp.Body())),
	}
	// 交易所错误体约定 {"error":{"name":..., "message":...}}
	var wrapped struct {
		Error struct {
			Name    string `json:"name"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if jsonErr := json.Unmarshal(resp.Body(), &wrapped); jsonErr == nil && wrapped.Error.Name != "" {
		apiErr.Code = wrapped.Error.Name
		apiErr.Message = wrapped.Error.Message
	}
	return nil, status, apiErr
}
