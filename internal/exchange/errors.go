package exchange

import (
	"context"
	"fmt"
	"net"

	"github.com/pkg/errors"
)

// APIError 交易所 API 调用的结构化错误。
type APIError struct {
	Status    int    // HTTP 状态码（网络层失败为 0）
	Code      string // 交易所返回的错误码（可选）
	Message   string
	Retryable bool
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("exchange: status=%d code=%s retryable=%v: %s", e.Status, e.Code, e.Retryable, e.Message)
	}
	return fmt.Sprintf("exchange: status=%d retryable=%v: %s", e.Status, e.Retryable, e.Message)
}

// IsRetryable 错误是否可重试（超时 / 429 / 5xx / 网络层失败）。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// wrongVersionStatuses 命中这些状态码时，怀疑是端点版本不匹配，
// 允许向等价的备选版本端点回退一次。
func isWrongVersionStatus(status int) bool {
	switch status {
	case 400, 404, 405, 422:
		return true
	default:
		return false
	}
}

// isWrongVersion 错误是否属于“端点版本可能不对”的致命 4xx。
func isWrongVersion(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return !apiErr.Retryable && isWrongVersionStatus(apiErr.Status)
	}
	return false
}

// classifyStatus HTTP 状态码分类：429 与 5xx 可重试，其余非 2xx 致命。
func classifyStatus(status int) (retryable bool) {
	return status == 429 || status >= 500
}
