package xmongo

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/v2/event"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/omeyang/xguard/pkg/observability/xhealth"
)

// 默认值。
const (
	DefaultHealthTimeout  = 5 * time.Second
	DefaultSlowThreshold  = 100 * time.Millisecond
	defaultConnectTimeout = 10 * time.Second
)

var (
	// ErrNilClient 客户端为 nil。
	ErrNilClient = errors.New("xmongo: nil client")

	// ErrEmptyURI 未配置连接串。
	ErrEmptyURI = errors.New("xmongo: uri is required")
)

// Pinger *mongo.Client 满足该接口。
type Pinger interface {
	Ping(ctx context.Context, rp *readpref.ReadPref) error
}

// Prober 以 Ping primary 判断连接是否可用，并累计探测次数。
type Prober struct {
	client  Pinger
	timeout time.Duration

	pings      atomic.Int64
	pingErrors atomic.Int64
}

// NewProber 创建探测器，timeout 非正时取 DefaultHealthTimeout。
func NewProber(client Pinger, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = DefaultHealthTimeout
	}
	return &Prober{client: client, timeout: timeout}
}

// Probe 实现 xhealth.Prober。
func (p *Prober) Probe(ctx context.Context) (bool, error) {
	if p.client == nil {
		return false, ErrNilClient
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	p.pings.Add(1)
	if err := p.client.Ping(ctx, readpref.Primary()); err != nil {
		p.pingErrors.Add(1)
		return false, fmt.Errorf("xmongo: ping: %w", err)
	}
	return true, nil
}

// Stats 探测统计。
type Stats struct {
	PingCount  int64 `json:"pingCount"`
	PingErrors int64 `json:"pingErrors"`
}

// Stats 返回累计的探测次数。
func (p *Prober) Stats() Stats {
	return Stats{PingCount: p.pings.Load(), PingErrors: p.pingErrors.Load()}
}

// Check 以 name 构造数据库健康检查。
func (p *Prober) Check(name string) *xhealth.DatabaseCheck {
	return xhealth.NewDatabaseCheck(name, p)
}

// QueryRecorder 接收数据库命令耗时。
type QueryRecorder interface {
	RecordDatabaseQuery(d time.Duration, slow bool)
}

// CommandMonitor 在命令完成（成功或失败）时上报耗时，超过 slow 记为慢查询。
func CommandMonitor(rec QueryRecorder, slow time.Duration) *event.CommandMonitor {
	if slow <= 0 {
		slow = DefaultSlowThreshold
	}
	record := func(d time.Duration) {
		if rec != nil {
			rec.RecordDatabaseQuery(d, d >= slow)
		}
	}
	return &event.CommandMonitor{
		Succeeded: func(_ context.Context, e *event.CommandSucceededEvent) { record(e.Duration) },
		Failed:    func(_ context.Context, e *event.CommandFailedEvent) { record(e.Duration) },
	}
}

// Config 连接配置。
type Config struct {
	URI           string        `koanf:"uri"`
	HealthTimeout time.Duration `koanf:"health_timeout"`
	SlowThreshold time.Duration `koanf:"slow_threshold"`
}

// Connect 按配置创建客户端并挂载命令监控。驱动惰性连接，此处不做网络 I/O。
func Connect(cfg Config, rec QueryRecorder) (*mongo.Client, error) {
	if cfg.URI == "" {
		return nil, ErrEmptyURI
	}
	opts := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(defaultConnectTimeout).
		SetServerSelectionTimeout(defaultConnectTimeout).
		SetMonitor(CommandMonitor(rec, cfg.SlowThreshold))
	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("xmongo: connect: %w", err)
	}
	return client, nil
}

var _ xhealth.Prober = (*Prober)(nil)
