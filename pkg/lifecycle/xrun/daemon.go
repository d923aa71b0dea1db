package xrun

import (
	"context"
	"sync"
)

// Daemon 单个可停止的后台循环。零值可用。
//
// Start 在已运行时不重复启动；Stop 取消循环并等待其返回，可重复调用。
type Daemon struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Start 以 ctx 的派生上下文启动 fn，返回是否真正启动。
// fn 的返回值被忽略，循环内部应自行记录错误。
func (d *Daemon) Start(ctx context.Context, fn func(ctx context.Context) error) bool {
	if fn == nil {
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done != nil {
		return false
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	d.cancel, d.done = cancel, done
	go func() {
		defer close(done)
		_ = fn(runCtx) //nolint:errcheck // 由循环自身记录
	}()
	return true
}

// Stop 停止并等待后台循环退出。
func (d *Daemon) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running 是否有后台循环在运行。
func (d *Daemon) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done != nil
}
