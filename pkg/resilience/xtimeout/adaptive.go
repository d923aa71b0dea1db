package xtimeout

import (
	"context"
	"sync"
	"time"
)

// maxBackoffExponent 超时最多放大 2^4 倍。
const maxBackoffExponent = 4

// Adaptive 随连续超时放大的时限。
//
// Current = min(Base × 2^min(failures, 4), Max)。
type Adaptive struct {
	base time.Duration
	max  time.Duration
	now  func() time.Time

	mu          sync.Mutex
	failures    int
	lastFailure time.Time
}

// AdaptiveOption Adaptive 配置项。
type AdaptiveOption func(*Adaptive)

// WithClock 注入时钟，用于测试。
func WithClock(now func() time.Time) AdaptiveOption {
	return func(a *Adaptive) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAdaptive 创建自适应时限。maxTimeout 小于 base 时取 base。
func NewAdaptive(base, maxTimeout time.Duration, opts ...AdaptiveOption) *Adaptive {
	maxTimeout = max(maxTimeout, base)
	a := &Adaptive{base: base, max: maxTimeout, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Base 基础时限。
func (a *Adaptive) Base() time.Duration { return a.base }

// Max 时限上限。
func (a *Adaptive) Max() time.Duration { return a.max }

// Current 当前时限。
func (a *Adaptive) Current() time.Duration {
	a.mu.Lock()
	n := min(a.failures, maxBackoffExponent)
	a.mu.Unlock()
	return min(a.base<<n, a.max)
}

// Failures 当前失败计数。
func (a *Adaptive) Failures() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failures
}

// RecordFailure 失败计数加一。
func (a *Adaptive) RecordFailure() {
	a.mu.Lock()
	a.failures++
	a.lastFailure = a.now()
	a.mu.Unlock()
}

// RecordSuccess 失败计数减一，最小为 0。
func (a *Adaptive) RecordSuccess() {
	a.mu.Lock()
	if a.failures > 0 {
		a.failures--
	}
	a.mu.Unlock()
}

// ResetIfQuiet 距上次失败已超过 quiet 时清零，返回是否清零。
func (a *Adaptive) ResetIfQuiet(quiet time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failures == 0 || a.now().Sub(a.lastFailure) < quiet {
		return false
	}
	a.failures = 0
	return true
}

// Do 以当前时限执行 fn。超时记为失败，成功记为成功，其余错误不影响计数。
func (a *Adaptive) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	err := Do(ctx, fn, Options{Timeout: a.Current()})
	switch {
	case err == nil:
		a.RecordSuccess()
	case IsTimeout(err):
		a.RecordFailure()
	}
	return err
}
