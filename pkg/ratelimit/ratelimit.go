package ratelimit

import (
	"context"
	"time"
)

// RateLimiter 速率限制器接口
type RateLimiter interface {
	Take(ctx context.Context, n int) error
	Allow() bool
	Remaining() int
	ResetTime() time.Time
}

// SlidingWindow 滑动窗口速率限制器。
//
// 语义：任意尾随 1 个窗口期内的放行次数不超过 limit。
// Take 会阻塞调用者直到有空位；组件本身从不失败，只会延迟
// （唯一的错误来源是 ctx 取消）。
//
// 并发调用通过容量为 1 的入口信号量严格串行化：
// check-and-record 是原子的，不会出现两个调用者同时观察到
// “有空位”而双双放行导致超限；阻塞在信号量上的 goroutine
// 按到达顺序排队（FIFO，不会饿死）。
type SlidingWindow struct {
	limit      int
	windowSize time.Duration
	admissions []time.Time

	// 入口信号量：持有者独占 prune/check/wait/record 全程
	gate chan struct{}
}

// NewSlidingWindow 创建滑动窗口限制器（windowSize 缺省 1s）。
func NewSlidingWindow(limit int, windowSize time.Duration) *SlidingWindow {
	if limit <= 0 {
		limit = 1
	}
	if windowSize <= 0 {
		windowSize = time.Second
	}
	return &SlidingWindow{
		limit:      limit,
		windowSize: windowSize,
		admissions: make([]time.Time, 0, limit),
		gate:       make(chan struct{}, 1),
	}
}

// prune 移除窗口外的放行时间戳（调用方需已持有 gate）。
func (sw *SlidingWindow) prune(now time.Time) {
	cutoff := now.Add(-sw.windowSize)
	i := 0
	for i < len(sw.admissions) && !sw.admissions[i].After(cutoff) {
		i++
	}
	if i > 0 {
		sw.admissions = append(sw.admissions[:0], sw.admissions[i:]...)
	}
}

// Take 获取 n 个放行名额，必要时阻塞等待。
// n 大于 limit 时跨多个窗口逐个获取。
func (sw *SlidingWindow) Take(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}

	// 进入临界区（阻塞的发送者按 FIFO 排队）
	select {
	case sw.gate <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-sw.gate }()

	for granted := 0; granted < n; {
		now := time.Now()
		sw.prune(now)

		if len(sw.admissions) < sw.limit {
			// 有空位：立即放行一个名额
			sw.admissions = append(sw.admissions, now)
			granted++
			continue
		}

		// 等到最老的放行滑出窗口
		wait := sw.admissions[0].Add(sw.windowSize).Sub(now)
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return nil
}

// Allow 非阻塞检查：有空位则记录并返回 true。
func (sw *SlidingWindow) Allow() bool {
	select {
	case sw.gate <- struct{}{}:
	default:
		return false
	}
	defer func() { <-sw.gate }()

	now := time.Now()
	sw.prune(now)
	if len(sw.admissions) >= sw.limit {
		return false
	}
	sw.admissions = append(sw.admissions, now)
	return true
}

// Remaining 当前窗口剩余名额（诊断用，结果可能立即过期）。
func (sw *SlidingWindow) Remaining() int {
	sw.gate <- struct{}{}
	defer func() { <-sw.gate }()

	sw.prune(time.Now())
	r := sw.limit - len(sw.admissions)
	if r < 0 {
		r = 0
	}
	return r
}

// ResetTime 最早出现空位的时间点。
func (sw *SlidingWindow) ResetTime() time.Time {
	sw.gate <- struct{}{}
	defer func() { <-sw.gate }()

	sw.prune(time.Now())
	if len(sw.admissions) < sw.limit {
		return time.Now()
	}
	return sw.admissions[0].Add(sw.windowSize)
}
