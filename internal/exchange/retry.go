package exchange

import (
	"context"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
)

var gatewayLog = logrus.WithField("component", "exchange")

// RequestEvent 每次请求尝试（成功或失败）上报一次的审计事件。
type RequestEvent struct {
	Method     string
	Path       string
	Attempt    int // 从 0 开始
	OK         bool
	Status     int
	Retryable  bool
	DurationMS int64
	Err        string
}

// AuditHook 审计钩子。钩子的失败/panic 不得影响请求结果。
type AuditHook func(RequestEvent)

// RetryConfig 重试策略参数。
type RetryConfig struct {
	MaxRetries int           // 额外重试次数（总尝试 = MaxRetries+1）
	RetryBase  time.Duration // 第 attempt 次重试前延迟 RetryBase * 2^attempt + jitter
}

// withRetry 执行 fn，最多 MaxRetries+1 次尝试。
// 只重试可重试错误；耗尽后原样抛出最后一次的错误（仍标记可重试）。
func withRetry(ctx context.Context, cfg RetryConfig, fn func(attempt int) error) error {
	var lastErr error
	attempts := cfg.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(cfg.RetryBase, attempt-1)
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}

		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// backoffDelay 指数退避 + 随机抖动。
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	delay := base * (1 << uint(attempt))
	jitter := time.Duration(rand.Int63n(int64(base)/2 + 1))
	return delay + jitter
}

// emit 调用审计钩子，吞掉钩子内的任何 panic。
func (h AuditHook) emit(ev RequestEvent) {
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			gatewayLog.Warnf("audit hook panic（已忽略）: %v", r)
		}
	}()
	h(ev)
}
