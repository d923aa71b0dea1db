package controlplane

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.uber.org/goleak"

	"github.com/omeyang/xguard/pkg/ha/xbalance"
	"github.com/omeyang/xguard/pkg/lifecycle/xrun"
	"github.com/omeyang/xguard/pkg/observability/xhealth"
	"github.com/omeyang/xguard/pkg/observability/xlog"
	"github.com/omeyang/xguard/pkg/resilience/xbreaker"
	"github.com/omeyang/xguard/pkg/resilience/xlimit"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func quietLogger(t *testing.T) xlog.LoggerWithLevel {
	t.Helper()
	l, _, err := xlog.New().SetOutput(io.Discard).Build()
	require.NoError(t, err)
	return l
}

func newTestControlPlane(t *testing.T, cfg Config, opts ...Option) *ControlPlane {
	t.Helper()
	cp, err := New(cfg, append([]Option{WithLogger(quietLogger(t))}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, cp.Close()) })
	return cp
}

type fakePinger struct {
	err   error
	calls atomic.Int64
}

func (p *fakePinger) Ping(context.Context, *readpref.ReadPref) error {
	p.calls.Add(1)
	return p.err
}

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.Production())
	assert.Equal(t, 30*time.Second, cfg.Registry.HeartbeatTimeout)
	assert.Equal(t, 5*time.Second, cfg.Cluster.HeartbeatInterval)
	assert.Equal(t, xbreaker.DefaultConfig(), cfg.Breaker)
}

func TestConfig_ValidateJoinsErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Addr = ""
	cfg.Log.Level = "loud"
	cfg.Limits.User = xlimit.Config{}
	cfg.Balancer.Strategy = "random"
	cfg.Health.HTTP = []HTTPCheckConfig{{Name: "upstream"}}

	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorIs(t, err, xlimit.ErrInvalidConfig)
	assert.ErrorIs(t, err, xbalance.ErrUnknownStrategy)
	for _, want := range []string{"server.addr", "limits.user", "health.http[0]"} {
		assert.Contains(t, err.Error(), want)
	}
}

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestLoadConfig(t *testing.T) {
	cfg, src, err := LoadConfig("")
	require.NoError(t, err)
	assert.Nil(t, src)
	assert.Equal(t, DefaultConfig(), cfg)

	path := filepath.Join(t.TempDir(), "xguard.yaml")
	writeConfig(t, path, `
env: production
limits:
  ip:
    max_tokens: 5
    refill_rate: 0.5
breaker:
  timeout: 5s
cluster:
  heartbeat_interval: 2s
  node_id: node-a
balancer:
  strategy: weighted
  nodes:
    - id: a
      host: 10.0.0.1
      port: 80
      weight: 3
health:
  http:
    - name: upstream
      url: http://127.0.0.1:9/health
      timeout: 1s
`)
	cfg, src, err = LoadConfig(path)
	require.NoError(t, err)
	require.NotNil(t, src)
	assert.True(t, cfg.Production())
	assert.Equal(t, xlimit.Config{MaxTokens: 5, RefillRate: 0.5}, cfg.Limits.IP)
	assert.Equal(t, DefaultConfig().Limits.Endpoint, cfg.Limits.Endpoint, "unset fields keep defaults")
	assert.Equal(t, 5*time.Second, cfg.Breaker.Timeout)
	assert.Equal(t, xbreaker.DefaultFailureThreshold, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 2*time.Second, cfg.Cluster.HeartbeatInterval)
	assert.Equal(t, "node-a", cfg.Cluster.NodeID)
	require.Len(t, cfg.Balancer.Nodes, 1)
	assert.Equal(t, 3, cfg.Balancer.Nodes[0].Weight)
	require.Len(t, cfg.Health.HTTP, 1)
	assert.Equal(t, time.Second, cfg.Health.HTTP[0].Timeout)

	writeConfig(t, path, "balancer:\n  strategy: random\n")
	_, _, err = LoadConfig(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNew_Components(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cluster.NodeID = "self"
	cfg.Balancer.Nodes = []xbalance.Node{{ID: "a", Host: "10.0.0.1", Port: 80}}
	cp := newTestControlPlane(t, cfg)

	assert.Equal(t, []string{"disk", "memory"}, cp.Health.Names())
	assert.Equal(t, "self", cp.Cluster.SelfID())
	assert.True(t, cp.Cluster.IsPrimary())

	nodes := cp.Balancer.Nodes()
	require.Len(t, nodes, 1)
	assert.True(t, nodes[0].Healthy)

	for _, scope := range []xlimit.Scope{xlimit.ScopeIP, xlimit.ScopeEndpoint, xlimit.ScopeUser} {
		l, ok := cp.Limiters.Get(scope)
		require.True(t, ok)
		assert.Equal(t, scope, l.Scope())
	}
	_, ok := cp.Limiters.Get("tenant")
	assert.False(t, ok)
	_, ok = cp.MongoStats()
	assert.False(t, ok)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Limits.IP.MaxTokens = 0
	_, err := New(cfg, WithLogger(quietLogger(t)))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestDatabaseCheck_GoesThroughBreaker(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Breaker.FailureThreshold = 2
	pinger := &fakePinger{}
	cp := newTestControlPlane(t, cfg, WithMongoPinger(pinger))
	ctx := context.Background()

	res, ok := cp.Health.Run(ctx, "database")
	require.True(t, ok)
	assert.Equal(t, xhealth.StatusHealthy, res.Status)

	pinger.err = errors.New("connection refused")
	for range 2 {
		res, _ = cp.Health.Run(ctx, "database")
		assert.Equal(t, xhealth.StatusUnhealthy, res.Status)
	}
	b, ok := cp.Breakers.Lookup(MongoBreaker)
	require.True(t, ok)
	assert.Equal(t, xbreaker.StateOpen, b.State())

	calls := pinger.calls.Load()
	res, _ = cp.Health.Run(ctx, "database")
	assert.Equal(t, xhealth.StatusUnhealthy, res.Status)
	assert.Equal(t, calls, pinger.calls.Load(), "open breaker skips the ping")

	stats, ok := cp.MongoStats()
	require.True(t, ok)
	assert.Equal(t, int64(3), stats.PingCount)
	assert.Equal(t, int64(2), stats.PingErrors)
}

type namedCheck string

func (c namedCheck) Name() string { return string(c) }

func (namedCheck) Check(context.Context) xhealth.Result {
	return xhealth.Result{Status: xhealth.StatusHealthy, Timestamp: time.Now()}
}

func TestWithChecks(t *testing.T) {
	cp := newTestControlPlane(t, DefaultConfig(), WithChecks(namedCheck("queue")))
	assert.Contains(t, cp.Health.Names(), "queue")
}

func TestRun_StartsAndStopsServices(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Monitor.SampleSchedule = "@every 1h"
	cp := newTestControlPlane(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cp.Run(ctx, nil, xrun.WithoutSignalHandler()) }()

	assert.Eventually(t, func() bool {
		return cp.Health.Running() && cp.Monitor.SamplerRunning() && cp.Cluster.Status().HealthChecking
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return len(cp.Health.LastResults()) == 2 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("control plane did not stop")
	}
	assert.False(t, cp.Health.Running())
	assert.False(t, cp.Monitor.SamplerRunning())
}

func TestRun_ExtraServiceFailureStopsAll(t *testing.T) {
	cp := newTestControlPlane(t, DefaultConfig())
	boom := errors.New("listener failed")
	err := cp.Run(context.Background(), map[string]func(context.Context) error{
		"http": func(context.Context) error { return boom },
	}, xrun.WithoutSignalHandler())
	assert.ErrorIs(t, err, boom)
	assert.False(t, cp.Health.Running())
}

func TestWatch_ReloadsLogLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xguard.yaml")
	writeConfig(t, path, "log:\n  level: info\n")
	cfg, src, err := LoadConfig(path)
	require.NoError(t, err)
	cp := newTestControlPlane(t, cfg)

	w, err := cp.Watch(src)
	require.NoError(t, err)
	defer func() { assert.NoError(t, w.Stop()) }()

	writeConfig(t, path, "log:\n  level: debug\n")
	assert.Eventually(t, func() bool { return cp.Logger.GetLevel() == xlog.LevelDebug }, 3*time.Second, 20*time.Millisecond)

	writeConfig(t, path, "log:\n  level: shouting\n")
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, xlog.LevelDebug, cp.Logger.GetLevel(), "invalid reload keeps the current level")
}

func TestApplyLogLevel(t *testing.T) {
	cp := newTestControlPlane(t, DefaultConfig())
	require.NoError(t, cp.ApplyLogLevel("warn"))
	assert.Equal(t, xlog.LevelWarn, cp.Logger.GetLevel())
	assert.Error(t, cp.ApplyLogLevel("verbose"))
}

func TestClose_Idempotent(t *testing.T) {
	cp, err := New(DefaultConfig(), WithLogger(quietLogger(t)))
	require.NoError(t, err)
	require.NoError(t, cp.Close())
	require.NoError(t, cp.Close())
}
