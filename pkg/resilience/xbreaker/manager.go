package xbreaker

import (
	"sort"
	"sync"
)

// ManagerOption Manager 配置项。
type ManagerOption func(*Manager)

// WithDefaults 按需创建熔断器时使用的默认配置。
func WithDefaults(cfg Config) ManagerOption {
	return func(m *Manager) { m.defaults = cfg.withDefaults() }
}

// WithOverride 为指定名称的熔断器使用单独配置。
func WithOverride(name string, cfg Config) ManagerOption {
	return func(m *Manager) { m.overrides[name] = cfg.withDefaults() }
}

// WithBreakerOptions 应用于 Manager 创建的每个熔断器。
func WithBreakerOptions(opts ...Option) ManagerOption {
	return func(m *Manager) { m.opts = append(m.opts, opts...) }
}

// Manager 按名称管理熔断器，首次 Get 时创建。
type Manager struct {
	mu        sync.RWMutex
	breakers  map[string]*Breaker
	defaults  Config
	overrides map[string]Config
	opts      []Option
}

// NewManager 创建 Manager，默认配置为 DefaultConfig()。
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		breakers:  make(map[string]*Breaker),
		defaults:  DefaultConfig(),
		overrides: make(map[string]Config),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Get 返回名称对应的熔断器，不存在时创建。
func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b
	}
	cfg, ok := m.overrides[name]
	if !ok {
		cfg = m.defaults
	}
	b = New(name, cfg, m.opts...)
	m.breakers[name] = b
	return b
}

// Lookup 查找已存在的熔断器，不会创建。
func (m *Manager) Lookup(name string) (*Breaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.breakers[name]
	return b, ok
}

// Names 已创建的熔断器名称，已排序。
func (m *Manager) Names() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.breakers))
	for name := range m.breakers {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Snapshots 按名称排序的全部快照。
func (m *Manager) Snapshots() []Snapshot {
	out := make([]Snapshot, 0)
	for _, b := range m.list() {
		out = append(out, b.Snapshot())
	}
	return out
}

// Reset 重置指定熔断器，不存在时返回 false。
func (m *Manager) Reset(name string) bool {
	b, ok := m.Lookup(name)
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// ResetAll 重置全部熔断器，返回重置数量。
func (m *Manager) ResetAll() int {
	list := m.list()
	for _, b := range list {
		b.Reset()
	}
	return len(list)
}

// OpenCount 当前处于 OPEN 状态的熔断器数量。
func (m *Manager) OpenCount() int {
	n := 0
	for _, b := range m.list() {
		if b.State() == StateOpen {
			n++
		}
	}
	return n
}

// Len 已创建的熔断器数量。
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.breakers)
}

func (m *Manager) list() []*Breaker {
	m.mu.RLock()
	list := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		list = append(list, b)
	}
	m.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].name < list[j].name })
	return list
}
