package xfallback

import (
	"context"
	"errors"
	"time"

	"github.com/omeyang/xguard/pkg/resilience/xtimeout"
)

// ErrNoStrategies 未提供任何策略且没有兜底值。
var ErrNoStrategies = errors.New("xfallback: no strategies")

// Strategy 一个候选实现。
type Strategy[T any] func(ctx context.Context) (T, error)

type config[T any] struct {
	value     T
	hasValue  bool
	onFailure func(index int, err error)
}

// Option 降级配置项。
type Option[T any] func(*config[T])

// WithValue 全部策略失败时返回 v 而不是最后一个错误。
func WithValue[T any](v T) Option[T] {
	return func(c *config[T]) {
		c.value = v
		c.hasValue = true
	}
}

// WithOnFailure 每个策略失败时回调，index 为策略下标。
func WithOnFailure[T any](f func(index int, err error)) Option[T] {
	return func(c *config[T]) { c.onFailure = f }
}

func newConfig[T any](opts []Option[T]) *config[T] {
	c := &config[T]{}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *config[T]) failed(index int, err error) {
	if c.onFailure != nil {
		c.onFailure(index, err)
	}
}

func (c *config[T]) exhausted(last error) (T, error) {
	if c.hasValue {
		return c.value, nil
	}
	var zero T
	if last == nil {
		last = ErrNoStrategies
	}
	return zero, last
}

// Do 依次尝试 strategies，返回第一个成功结果。
// 全部失败时返回 WithValue 指定的值，否则返回最后一个错误。ctx 结束时停止尝试。
func Do[T any](ctx context.Context, strategies []Strategy[T], opts ...Option[T]) (T, error) {
	c := newConfig(opts)
	var last error
	for i, s := range strategies {
		if s == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			last = err
			break
		}
		v, err := s(ctx)
		if err == nil {
			return v, nil
		}
		c.failed(i, err)
		last = err
	}
	return c.exhausted(last)
}

type outcome[T any] struct {
	index int
	val   T
	err   error
}

// Parallel 并发执行全部 strategies，每个受 timeout 约束，返回最先成功的结果。
//
// 一旦有策略成功或 ctx 结束，其余策略通过 ctx 被取消，Parallel 不等待它们退出。
// 全部失败时的返回规则与 Do 相同，最后一个错误指最后完成的策略的错误。
func Parallel[T any](ctx context.Context, strategies []Strategy[T], timeout time.Duration, opts ...Option[T]) (T, error) {
	c := newConfig(opts)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan outcome[T], len(strategies))
	pending := 0
	for i, s := range strategies {
		if s == nil {
			continue
		}
		pending++
		go func() {
			v, err := xtimeout.DoWithData(ctx, func(ctx context.Context) (T, error) {
				return s(ctx)
			}, xtimeout.Options{Timeout: timeout})
			results <- outcome[T]{index: i, val: v, err: err}
		}()
	}

	var last error
	for ; pending > 0; pending-- {
		select {
		case out := <-results:
			if out.err == nil {
				return out.val, nil
			}
			c.failed(out.index, out.err)
			last = out.err
		case <-ctx.Done():
			return c.exhausted(context.Cause(ctx))
		}
	}
	return c.exhausted(last)
}
