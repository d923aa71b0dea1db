// Package xmetrics 定义统一的可观测埋点接口 Observer，并提供 OpenTelemetry 实现。
//
// 弹性组件（熔断、重试、舱壁、健康检查）通过 Observer 记录每次操作的
// span 与耗时，调用方未注入时使用 NoopObserver：
//
//	ctx, span := xmetrics.Start(ctx, obs, xmetrics.SpanOptions{Component: "xbreaker", Operation: "execute"})
//	err := call(ctx)
//	span.End(xmetrics.Result{Err: err})
package xmetrics

import "context"

// Kind span 类型。
type Kind int

const (
	KindInternal Kind = iota
	KindServer
	KindClient
)

// Status 操作结果状态。
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Attr 与后端无关的属性。
type Attr struct {
	Key   string
	Value any
}

// SpanOptions 启动 span 的参数。
type SpanOptions struct {
	Component string
	Operation string
	Kind      Kind
	Attrs     []Attr
}

// Result span 结束时的结果。Status 为空时根据 Err 推断。
type Result struct {
	Status Status
	Err    error
	Attrs  []Attr
}

// Span 一次操作的观测句柄。
type Span interface {
	End(result Result)
}

// Observer 观测器。
type Observer interface {
	Start(ctx context.Context, opts SpanOptions) (context.Context, Span)
}

// NoopObserver 不记录任何数据。
type NoopObserver struct{}

func (NoopObserver) Start(ctx context.Context, _ SpanOptions) (context.Context, Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx, NoopSpan{}
}

// NoopSpan 空 span。
type NoopSpan struct{}

func (NoopSpan) End(Result) {}

// Start 在 observer 为 nil 时退化为 Noop，保证返回值非 nil。
func Start(ctx context.Context, observer Observer, opts SpanOptions) (context.Context, Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	if observer == nil {
		return ctx, NoopSpan{}
	}
	retCtx, span := observer.Start(ctx, opts)
	if retCtx == nil {
		retCtx = ctx
	}
	if span == nil {
		span = NoopSpan{}
	}
	return retCtx, span
}

// String 等属性构造函数。
func String(key, value string) Attr { return Attr{Key: key, Value: value} }

func Int(key string, value int) Attr { return Attr{Key: key, Value: value} }

func Bool(key string, value bool) Attr { return Attr{Key: key, Value: value} }

func Float64(key string, value float64) Attr { return Attr{Key: key, Value: value} }
