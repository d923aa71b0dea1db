package xcluster

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omeyang/xguard/pkg/lifecycle/xrun"
	"github.com/omeyang/xguard/pkg/observability/xlog"
)

// DefaultHeartbeatInterval 默认心跳间隔。
const DefaultHeartbeatInterval = 5 * time.Second

// 健康分级阈值，以心跳间隔的倍数表示。
const (
	degradedFactor = 1.5
	inactiveFactor = 3
)

// ErrInvalidMember 成员缺少地址。
var ErrInvalidMember = errors.New("xcluster: member host is required")

// Status 成员健康状态。
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusDegraded Status = "DEGRADED"
	StatusInactive Status = "INACTIVE"
)

// Role 成员角色。
type Role string

const (
	RolePrimary   Role = "primary"
	RoleSecondary Role = "secondary"
	RoleArbiter   Role = "arbiter"
)

// Member 集群成员。
type Member struct {
	ID            string             `json:"id"`
	NodeID        string             `json:"nodeId"`
	Host          string             `json:"host"`
	Port          int                `json:"port"`
	Status        Status             `json:"status"`
	Role          Role               `json:"role"`
	JoinedAt      time.Time          `json:"joinedAt"`
	LastHeartbeat time.Time          `json:"lastHeartbeat"`
	Metrics       map[string]float64 `json:"metrics,omitempty"`
}

func (m Member) clone() Member {
	m.Metrics = maps.Clone(m.Metrics)
	return m
}

// Config 集群配置。
type Config struct {
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval" json:"heartbeatInterval"`
}

type options struct {
	now    func() time.Time
	logger xlog.Logger
}

// Option 管理器配置项。
type Option func(*options)

// WithClock 注入时钟。
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger 指定日志。
func WithLogger(l xlog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Manager 集群成员管理与主节点选举。
//
// 创建时自身即为唯一的主节点。自身永远视为 ACTIVE，其余成员按心跳年龄分级：
// 超过 3 倍间隔为 INACTIVE，超过 1.5 倍为 DEGRADED。主节点变为 INACTIVE
// 或被移除时，从非 INACTIVE 的从节点中选出心跳最新者。
type Manager struct {
	mu        sync.RWMutex
	selfID    string
	primaryID string
	members   map[string]*Member
	cfg       Config
	opts      options
	daemon    xrun.Daemon
}

// New 创建管理器并将 self 注册为主节点。self.ID 为空时生成 UUID。
func New(self Member, cfg Config, opts ...Option) (*Manager, error) {
	if self.Host == "" {
		return nil, ErrInvalidMember
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	o := options{now: time.Now, logger: xlog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if self.ID == "" {
		self.ID = uuid.NewString()
	}
	if self.NodeID == "" {
		self.NodeID = self.ID
	}
	now := o.now()
	self = self.clone()
	self.Role = RolePrimary
	self.Status = StatusActive
	self.JoinedAt = now
	self.LastHeartbeat = now

	return &Manager{
		selfID:    self.ID,
		primaryID: self.ID,
		members:   map[string]*Member{self.ID: &self},
		cfg:       cfg,
		opts:      o,
	}, nil
}

// SelfID 自身成员 ID。
func (m *Manager) SelfID() string { return m.selfID }

// HeartbeatInterval 心跳间隔。
func (m *Manager) HeartbeatInterval() time.Duration { return m.cfg.HeartbeatInterval }

// AddMember 加入或覆盖成员，新成员为 ACTIVE。
// 角色为空时为从节点；不允许通过 AddMember 指定主节点。
func (m *Manager) AddMember(mem Member) (Member, error) {
	if mem.Host == "" {
		return Member{}, ErrInvalidMember
	}
	if mem.ID == "" {
		mem.ID = uuid.NewString()
	}
	if mem.NodeID == "" {
		mem.NodeID = mem.ID
	}
	if mem.Role == "" || mem.Role == RolePrimary {
		mem.Role = RoleSecondary
	}
	now := m.opts.now()
	mem = mem.clone()
	mem.Status = StatusActive
	mem.JoinedAt = now
	mem.LastHeartbeat = now

	m.mu.Lock()
	if mem.ID == m.selfID {
		m.mu.Unlock()
		return Member{}, ErrInvalidMember
	}
	if old, ok := m.members[mem.ID]; ok && old.Role == RolePrimary {
		mem.Role = RolePrimary
	}
	m.members[mem.ID] = &mem
	out := mem.clone()
	m.mu.Unlock()

	m.opts.logger.Info(context.Background(), "cluster member added",
		xlog.Component("xcluster"),
		xlog.Key(mem.ID),
		slog.String("role", string(mem.Role)),
	)
	return out, nil
}

// RemoveMember 移除成员，移除的是主节点时触发选举。自身不可移除。
func (m *Manager) RemoveMember(id string) bool {
	m.mu.Lock()
	if id == m.selfID {
		m.mu.Unlock()
		return false
	}
	if _, ok := m.members[id]; !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.members, id)
	var elected *Member
	if m.primaryID == id {
		m.primaryID = ""
		elected = m.electLocked()
	}
	m.mu.Unlock()

	m.opts.logger.Info(context.Background(), "cluster member removed",
		xlog.Component("xcluster"),
		xlog.Key(id),
	)
	m.logElection(elected)
	return true
}

// RecordHeartbeat 刷新成员心跳，INACTIVE 成员恢复为 ACTIVE。
func (m *Manager) RecordHeartbeat(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.members[id]
	if !ok {
		return false
	}
	mem.LastHeartbeat = m.opts.now()
	if mem.Status == StatusInactive {
		mem.Status = StatusActive
	}
	return true
}

// UpdateMetrics 覆盖成员上报的指标。
func (m *Manager) UpdateMetrics(id string, metrics map[string]float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.members[id]
	if !ok {
		return false
	}
	mem.Metrics = maps.Clone(metrics)
	return true
}

// CheckMemberHealth 按心跳年龄重新分级全部成员，主节点失效时选举。
func (m *Manager) CheckMemberHealth() {
	now := m.opts.now()
	degraded := time.Duration(float64(m.cfg.HeartbeatInterval) * degradedFactor)
	inactive := m.cfg.HeartbeatInterval * inactiveFactor

	type change struct {
		id     string
		status Status
	}
	var changes []change
	var elected *Member

	m.mu.Lock()
	for id, mem := range m.members {
		if id == m.selfID {
			mem.LastHeartbeat = now
			mem.Status = StatusActive
			continue
		}
		age := now.Sub(mem.LastHeartbeat)
		next := StatusActive
		switch {
		case age > inactive:
			next = StatusInactive
		case age > degraded:
			next = StatusDegraded
		}
		if next != mem.Status {
			mem.Status = next
			changes = append(changes, change{id, next})
		}
	}
	if p, ok := m.members[m.primaryID]; !ok || p.Status == StatusInactive {
		elected = m.electLocked()
	}
	m.mu.Unlock()

	for _, c := range changes {
		m.opts.logger.Warn(context.Background(), "cluster member status changed",
			xlog.Component("xcluster"),
			xlog.Key(c.id),
			xlog.State(string(c.status)),
		)
	}
	m.logElection(elected)
}

// ElectNewPrimary 在非 INACTIVE 的从节点中选出心跳最新者为主节点，原主节点降为从节点。
// 没有候选者时保持原状并返回 false。
func (m *Manager) ElectNewPrimary() (Member, bool) {
	m.mu.Lock()
	elected := m.electLocked()
	m.mu.Unlock()
	m.logElection(elected)
	if elected == nil {
		return Member{}, false
	}
	return *elected, true
}

// electLocked 调用方持有写锁，返回新主节点副本，未选出时返回 nil。
func (m *Manager) electLocked() *Member {
	var best *Member
	for _, mem := range m.members {
		if mem.Role != RoleSecondary || mem.Status == StatusInactive {
			continue
		}
		if best == nil || mem.LastHeartbeat.After(best.LastHeartbeat) ||
			(mem.LastHeartbeat.Equal(best.LastHeartbeat) && mem.ID < best.ID) {
			best = mem
		}
	}
	if best == nil {
		return nil
	}
	if prev, ok := m.members[m.primaryID]; ok {
		prev.Role = RoleSecondary
	}
	best.Role = RolePrimary
	m.primaryID = best.ID
	out := best.clone()
	return &out
}

func (m *Manager) logElection(elected *Member) {
	if elected == nil {
		return
	}
	m.opts.logger.Info(context.Background(), "new primary elected",
		xlog.Component("xcluster"),
		xlog.Key(elected.ID),
	)
}

// Primary 当前主节点。
func (m *Manager) Primary() (Member, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.members[m.primaryID]
	if !ok {
		return Member{}, false
	}
	return p.clone(), true
}

// IsPrimary 自身是否为主节点。
func (m *Manager) IsPrimary() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.primaryID == m.selfID
}

// Member 按 ID 查找成员。
func (m *Manager) Member(id string) (Member, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mem, ok := m.members[id]
	if !ok {
		return Member{}, false
	}
	return mem.clone(), true
}

// Members 全部成员，自身在前，其余按加入时间与 ID 排序。
func (m *Manager) Members() []Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Member, 0, len(m.members))
	for _, mem := range m.members {
		out = append(out, mem.clone())
	}
	self := m.selfID
	slices.SortFunc(out, func(a, b Member) int {
		switch {
		case a.ID == b.ID:
			return 0
		case a.ID == self:
			return -1
		case b.ID == self:
			return 1
		}
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// ClusterStatus 集群概况。
type ClusterStatus struct {
	SelfID            string `json:"selfId"`
	PrimaryID         string `json:"primaryId,omitempty"`
	IsPrimary         bool   `json:"isPrimary"`
	TotalMembers      int    `json:"totalMembers"`
	ActiveMembers     int    `json:"activeMembers"`
	DegradedMembers   int    `json:"degradedMembers"`
	InactiveMembers   int    `json:"inactiveMembers"`
	HeartbeatInterval int64  `json:"heartbeatIntervalMs"`
	HealthChecking    bool   `json:"healthChecking"`
}

// Status 返回集群概况。
func (m *Manager) Status() ClusterStatus {
	m.mu.RLock()
	s := ClusterStatus{
		SelfID:            m.selfID,
		PrimaryID:         m.primaryID,
		IsPrimary:         m.primaryID == m.selfID,
		TotalMembers:      len(m.members),
		HeartbeatInterval: m.cfg.HeartbeatInterval.Milliseconds(),
	}
	for _, mem := range m.members {
		switch mem.Status {
		case StatusActive:
			s.ActiveMembers++
		case StatusDegraded:
			s.DegradedMembers++
		case StatusInactive:
			s.InactiveMembers++
		}
	}
	m.mu.RUnlock()
	s.HealthChecking = m.daemon.Running()
	return s
}

// StartHealthChecks 每个心跳间隔执行一次 CheckMemberHealth，已在运行时返回 false。
func (m *Manager) StartHealthChecks(ctx context.Context) bool {
	return m.daemon.Start(ctx, xrun.Ticker(m.cfg.HeartbeatInterval, false, func(context.Context) error {
		m.CheckMemberHealth()
		return nil
	}))
}

// StopHealthChecks 停止并等待健康检查循环退出，可重复调用。
func (m *Manager) StopHealthChecks() { m.daemon.Stop() }
