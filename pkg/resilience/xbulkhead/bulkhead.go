package xbulkhead

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/omeyang/xguard/pkg/observability/xmetrics"
)

var (
	// ErrInvalidConfig 并发上限必须为正数。
	ErrInvalidConfig = errors.New("xbulkhead: max concurrent must be positive")

	// ErrFull 舱壁已满，且不允许继续排队。
	ErrFull = errors.New("xbulkhead: bulkhead is full")

	// ErrNilFunc 传入的操作函数为 nil。
	ErrNilFunc = errors.New("xbulkhead: function cannot be nil")
)

type options struct {
	name     string
	maxQueue int
	observer xmetrics.Observer
}

// Option 舱壁配置项。
type Option func(*options)

// WithName 名称，用于观测属性。
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithMaxQueue 最大排队数，超出时 Execute 立即返回 ErrFull。默认不限。
func WithMaxQueue(n int) Option {
	return func(o *options) { o.maxQueue = n }
}

// WithObserver 每次执行记录 span。
func WithObserver(obs xmetrics.Observer) Option {
	return func(o *options) { o.observer = obs }
}

// Bulkhead 并发闸门。
//
// 底层为 semaphore.Weighted，等待者按到达顺序获准进入；
// ctx 结束时排队中的调用方退出队列并返回 ctx 错误。
type Bulkhead struct {
	sem    *semaphore.Weighted
	max    int
	opts   options
	active atomic.Int64
	queued atomic.Int64
}

// New 创建舱壁。
func New(maxConcurrent int, opts ...Option) (*Bulkhead, error) {
	if maxConcurrent <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidConfig, maxConcurrent)
	}
	o := options{observer: xmetrics.NoopObserver{}}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return &Bulkhead{
		sem:  semaphore.NewWeighted(int64(maxConcurrent)),
		max:  maxConcurrent,
		opts: o,
	}, nil
}

// Execute 获得许可后执行 fn，许可不足时排队等待。
func (b *Bulkhead) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return ErrNilFunc
	}
	ctx, span := xmetrics.Start(ctx, b.opts.observer, xmetrics.SpanOptions{
		Component: "xbulkhead",
		Operation: "execute",
		Attrs:     []xmetrics.Attr{xmetrics.String("bulkhead", b.opts.name), xmetrics.Int("max_concurrent", b.max)},
	})
	err := b.execute(ctx, fn)
	span.End(xmetrics.Result{Err: err})
	return err
}

func (b *Bulkhead) execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.sem.TryAcquire(1) {
		if b.opts.maxQueue > 0 && b.queued.Load() >= int64(b.opts.maxQueue) {
			return ErrFull
		}
		b.queued.Add(1)
		err := b.sem.Acquire(ctx, 1)
		b.queued.Add(-1)
		if err != nil {
			return err
		}
	}
	b.active.Add(1)
	defer func() {
		b.active.Add(-1)
		b.sem.Release(1)
	}()
	return fn(ctx)
}

// TryExecute 不排队，许可不足时立即返回 ErrFull。
func (b *Bulkhead) TryExecute(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return ErrNilFunc
	}
	if !b.sem.TryAcquire(1) {
		return ErrFull
	}
	b.active.Add(1)
	defer func() {
		b.active.Add(-1)
		b.sem.Release(1)
	}()
	return fn(ctx)
}

// Active 正在执行的调用数。
func (b *Bulkhead) Active() int { return int(b.active.Load()) }

// Queued 排队等待的调用数。
func (b *Bulkhead) Queued() int { return int(b.queued.Load()) }

// Max 并发上限。
func (b *Bulkhead) Max() int { return b.max }

// Stats 舱壁状态。
type Stats struct {
	Name   string `json:"name,omitempty"`
	Active int    `json:"active"`
	Queued int    `json:"queued"`
	Max    int    `json:"max"`
}

// Stats 当前状态。
func (b *Bulkhead) Stats() Stats {
	return Stats{Name: b.opts.name, Active: b.Active(), Queued: b.Queued(), Max: b.max}
}
