// Package xrun 管理进程内长期运行的服务与后台循环。
//
// Group 基于 errgroup：任一服务返回错误即取消其余服务；Run 额外监听
// SIGINT/SIGTERM 等信号完成优雅退出。Daemon 提供可重复启动、
// 停止时等待退出的单个后台循环，用于周期性的心跳与健康检查。
package xrun

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/omeyang/xguard/pkg/observability/xlog"
)

type groupOptions struct {
	logger          xlog.Logger
	name            string
	signals         []os.Signal
	noSignalHandler bool
}

// Option Group 配置项。
type Option func(*groupOptions)

// WithLogger 指定日志，默认 xlog.Default()。
func WithLogger(l xlog.Logger) Option {
	return func(o *groupOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithName 指定 Group 名称，用于日志。
func WithName(name string) Option {
	return func(o *groupOptions) {
		if name != "" {
			o.name = name
		}
	}
}

// WithSignals 覆盖 Run 监听的信号。
func WithSignals(sigs ...os.Signal) Option {
	copied := append([]os.Signal(nil), sigs...)
	return func(o *groupOptions) { o.signals = copied }
}

// WithoutSignalHandler Run 不监听信号。
func WithoutSignalHandler() Option {
	return func(o *groupOptions) { o.noSignalHandler = true }
}

// DefaultSignals Run 默认监听的退出信号。
func DefaultSignals() []os.Signal {
	return []os.Signal{syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT}
}

// Group 一组共享生命周期的服务。
type Group struct {
	eg     *errgroup.Group
	ctx    context.Context
	cause  context.Context
	cancel context.CancelCauseFunc
	opts   *groupOptions
}

// NewGroup 创建 Group，返回的 ctx 在任一服务失败或 Cancel 时取消。
func NewGroup(ctx context.Context, opts ...Option) (*Group, context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	o := &groupOptions{name: "xrun"}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.logger == nil {
		o.logger = xlog.Default()
	}
	cause, cancel := context.WithCancelCause(ctx)
	eg, egCtx := errgroup.WithContext(cause)
	return &Group{eg: eg, ctx: egCtx, cause: cause, cancel: cancel, opts: o}, egCtx
}

// Go 启动一个具名服务。
func (g *Group) Go(name string, fn func(ctx context.Context) error) {
	g.eg.Go(func() error {
		if fn == nil {
			return ErrNilFunc
		}
		attrs := []slog.Attr{slog.String("group", g.opts.name), slog.String("service", name)}
		g.opts.logger.Debug(g.ctx, "service starting", attrs...)
		err := fn(g.ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			g.opts.logger.Warn(g.ctx, "service exited with error", append(attrs, xlog.Err(err))...)
		} else {
			g.opts.logger.Debug(g.ctx, "service stopped", attrs...)
		}
		return err
	})
}

// Cancel 以 cause 取消全部服务，Wait 将返回 cause。
func (g *Group) Cancel(cause error) { g.cancel(cause) }

// Context Group 的上下文。
func (g *Group) Context() context.Context { return g.ctx }

// Wait 等待全部服务退出。
//
// 由 Cancel(nil) 或父 ctx 取消引起的 context.Canceled 视为正常退出返回 nil；
// 带 cause 的取消返回 cause（如 *SignalError）。
func (g *Group) Wait() error {
	defer g.cancel(nil)
	err := g.eg.Wait()

	if g.cause.Err() != nil {
		if c := context.Cause(g.cause); c != nil && !errors.Is(c, context.Canceled) {
			if err == nil || errors.Is(err, context.Canceled) {
				return c
			}
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
	}
	return err
}

// Run 运行服务直到任一失败、ctx 取消或收到退出信号。
func Run(ctx context.Context, opts []Option, services map[string]func(ctx context.Context) error) error {
	g, _ := NewGroup(ctx, opts...)
	if !g.opts.noSignalHandler {
		sigs := g.opts.signals
		if len(sigs) == 0 {
			sigs = DefaultSignals()
		}
		g.Go("signal", func(ctx context.Context) error {
			ch := make(chan os.Signal, 1)
			signal.Notify(ch, sigs...)
			defer signal.Stop(ch)
			select {
			case sig := <-ch:
				g.opts.logger.Info(ctx, "received signal", slog.String("signal", sig.String()))
				g.cancel(&SignalError{Signal: sig})
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	for name, svc := range services {
		g.Go(name, svc)
	}
	return g.Wait()
}
