package xmonitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/omeyang/xguard/pkg/observability/xlog"
)

// DefaultSampleSchedule 默认系统采样计划。
const DefaultSampleSchedule = "@every 30s"

// ErrSamplerRunning 采样器已在运行。
var ErrSamplerRunning = errors.New("xmonitor: sampler already running")

type sampler struct {
	cron *cron.Cron
	stop chan struct{}
	once sync.Once
	done chan struct{}
}

// halt 停止 cron 并等待进行中的任务结束，可重复调用。
func (s *sampler) halt() {
	s.once.Do(func() {
		close(s.stop)
		<-s.cron.Stop().Done()
		close(s.done)
	})
	<-s.done
}

// StartSampler 按 cron 表达式周期执行 RecordSystem，schedule 为空时取 DefaultSampleSchedule。
// ctx 取消后采样器自动停止。
func (c *Collector) StartSampler(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultSampleSchedule
	}
	c.samplerMu.Lock()
	defer c.samplerMu.Unlock()
	if c.sampler != nil {
		return ErrSamplerRunning
	}

	logger := cronLogger{c.opts.logger}
	cr := cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	if _, err := cr.AddFunc(schedule, func() {
		_, _ = c.RecordSystem(ctx) //nolint:errcheck // RecordSystem 自行记录
	}); err != nil {
		return fmt.Errorf("xmonitor: schedule %q: %w", schedule, err)
	}
	s := &sampler{cron: cr, stop: make(chan struct{}), done: make(chan struct{})}
	cr.Start()
	c.sampler = s

	go func() {
		select {
		case <-ctx.Done():
			c.release(s)
		case <-s.stop:
		}
	}()
	return nil
}

// StopSampler 停止采样并等待进行中的采样结束，可重复调用。
func (c *Collector) StopSampler() {
	c.samplerMu.Lock()
	s := c.sampler
	c.samplerMu.Unlock()
	if s != nil {
		c.release(s)
	}
}

func (c *Collector) release(s *sampler) {
	s.halt()
	c.samplerMu.Lock()
	if c.sampler == s {
		c.sampler = nil
	}
	c.samplerMu.Unlock()
}

// SamplerRunning 采样器是否在运行。
func (c *Collector) SamplerRunning() bool {
	c.samplerMu.Lock()
	defer c.samplerMu.Unlock()
	return c.sampler != nil
}

// cronLogger 将 cron 的日志接口转到 xlog。
type cronLogger struct {
	l xlog.Logger
}

func (cl cronLogger) Info(msg string, keysAndValues ...any) {
	cl.l.Debug(context.Background(), "cron: "+msg, xlog.Component("xmonitor"), slog.Any("kv", keysAndValues))
}

func (cl cronLogger) Error(err error, msg string, keysAndValues ...any) {
	cl.l.Error(context.Background(), "cron: "+msg, xlog.Component("xmonitor"), xlog.Err(err), slog.Any("kv", keysAndValues))
}
