package xtimeout

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout 所有 *TimeoutError 都匹配该错误。
	ErrTimeout = errors.New("xtimeout: operation timed out")

	// ErrPanic fn 发生 panic。
	ErrPanic = errors.New("xtimeout: operation panicked")

	// ErrNilFunc 传入的操作函数为 nil。
	ErrNilFunc = errors.New("xtimeout: function cannot be nil")
)

// TimeoutError 操作超过时限。Retryable 返回 true。
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("xtimeout: operation timed out after %s", e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

func (e *TimeoutError) Retryable() bool { return true }

// IsTimeout 判断 err 是否为超时。
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// Options 超时参数。
type Options struct {
	// Timeout 时限，<= 0 表示不限时，直接同步执行。
	Timeout time.Duration
	// OnTimeout 到期时调用，其 panic 会被吞掉。
	OnTimeout func()
}

// Do 在时限内执行 fn。
//
// fn 在独立 goroutine 中运行并收到派生的 ctx。到期时调用 OnTimeout，
// 取消派生 ctx 并立即返回 *TimeoutError，不等待 fn 退出；
// fn 只有遵循 ctx 取消才能真正停止。父 ctx 先结束时返回其错误。
func Do(ctx context.Context, fn func(ctx context.Context) error, opts Options) error {
	if fn == nil {
		return ErrNilFunc
	}
	_, err := DoWithData(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, opts)
	return err
}

type outcome[T any] struct {
	val T
	err error
}

// DoWithData 带返回值的 Do。
func DoWithData[T any](ctx context.Context, fn func(ctx context.Context) (T, error), opts Options) (T, error) {
	var zero T
	if fn == nil {
		return zero, ErrNilFunc
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if opts.Timeout <= 0 {
		return fn(ctx)
	}

	tctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	done := make(chan outcome[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome[T]{err: fmt.Errorf("%w: %v", ErrPanic, r)}
			}
		}()
		v, err := fn(tctx)
		done <- outcome[T]{val: v, err: err}
	}()

	select {
	case out := <-done:
		// fn 可能先于本 select 观察到截止时间并返回，此时同样按超时处理。
		expired := out.err != nil && ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded)
		cancel()
		if !expired {
			return out.val, out.err
		}
	case <-tctx.Done():
		cancel()
		if err := context.Cause(ctx); err != nil {
			return zero, err
		}
	}
	callOnTimeout(opts.OnTimeout)
	return zero, &TimeoutError{Timeout: opts.Timeout}
}

func callOnTimeout(f func()) {
	if f == nil {
		return
	}
	defer func() { _ = recover() }()
	f()
}
