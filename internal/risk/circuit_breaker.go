package risk

import (
	"sync"
	"time"
)

// BreakerConfig 断路器配置。
// 约定：阈值 <= 0 表示关闭对应限制。
type BreakerConfig struct {
	// FailureThreshold 滑动窗口内可重试下单失败次数上限。
	FailureThreshold int

	// Window 失败计数的滑动窗口长度（默认 60s）。
	Window time.Duration

	// OnTrip 熔断回调。由编排层挂接（自动拉闸等）。
	// 回调在持锁之外执行，允许回调内再访问断路器。
	OnTrip func(failures int, window time.Duration)
}

// CircuitBreaker 按滑动时间窗口累计可重试失败，达到阈值即熔断。
//
// 熔断只由编排层通过回调落实（拉闸 + 记录事件），断路器本身
// 不直接阻断交易，避免和风控闸门出现两套放行口径。
type CircuitBreaker struct {
	mu       sync.Mutex
	failures []time.Time
	tripped  bool

	threshold int
	window    time.Duration
	onTrip    func(failures int, window time.Duration)

	now func() time.Time // 测试注入
}

func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &CircuitBreaker{
		threshold: cfg.FailureThreshold,
		window:    cfg.Window,
		onTrip:    cfg.OnTrip,
		now:       time.Now,
	}
}

// RecordFailure 记录一次可重试的下单失败。达到阈值时触发熔断回调（只触发一次）。
func (cb *CircuitBreaker) RecordFailure() {
	if cb == nil || cb.threshold <= 0 {
		return
	}

	cb.mu.Lock()
	now := cb.now()
	cb.prune(now)
	cb.failures = append(cb.failures, now)
	shouldTrip := !cb.tripped && len(cb.failures) >= cb.threshold
	if shouldTrip {
		cb.tripped = true
	}
	count := len(cb.failures)
	cb.mu.Unlock()

	if shouldTrip && cb.onTrip != nil {
		cb.onTrip(count, cb.window)
	}
}

// RecordSuccess 记录一次成功。成功不清空窗口（窗口自然滑出），只用于观测。
func (cb *CircuitBreaker) RecordSuccess() {}

// Tripped 是否已熔断。熔断后不自动恢复，需显式 Reset。
func (cb *CircuitBreaker) Tripped() bool {
	if cb == nil {
		return false
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.tripped
}

// Reset 人工恢复，同时清空失败窗口。
func (cb *CircuitBreaker) Reset() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.tripped = false
	cb.failures = nil
}

// FailureCount 当前窗口内的失败次数。
func (cb *CircuitBreaker) FailureCount() int {
	if cb == nil {
		return 0
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.prune(cb.now())
	return len(cb.failures)
}

// prune 丢弃窗口外的失败记录。调用方持锁。
func (cb *CircuitBreaker) prune(now time.Time) {
	cutoff := now.Add(-cb.window)
	i := 0
	for i < len(cb.failures) && !cb.failures[i].After(cutoff) {
		i++
	}
	if i > 0 {
		cb.failures = append(cb.failures[:0], cb.failures[i:]...)
	}
}
