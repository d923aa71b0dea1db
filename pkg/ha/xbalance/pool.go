package xbalance

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

var (
	// ErrNoHealthyNode 没有可选的健康节点。
	ErrNoHealthyNode = errors.New("xbalance: no healthy node")

	// ErrInvalidNode 节点 ID 为空。
	ErrInvalidNode = errors.New("xbalance: node id is required")

	// ErrUnknownStrategy 未知的负载均衡策略。
	ErrUnknownStrategy = errors.New("xbalance: unknown strategy")
)

// Node 后端节点。
type Node struct {
	ID          string `json:"id"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Weight      int    `json:"weight,omitempty"`
	Healthy     bool   `json:"healthy"`
	Connections int    `json:"connections"`
}

// Address 返回 host:port。
func (n Node) Address() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

// Stats 节点统计。
type Stats struct {
	RequestCount      int64
	ErrorCount        int64
	TotalResponseTime time.Duration
	AvgResponseTime   time.Duration
	LastSelected      time.Time
}

// MarshalJSON 耗时以毫秒输出。
func (s Stats) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		RequestCount      int64     `json:"requestCount"`
		ErrorCount        int64     `json:"errorCount"`
		TotalResponseTime float64   `json:"totalResponseTime"`
		AvgResponseTime   float64   `json:"avgResponseTime"`
		LastSelected      time.Time `json:"lastSelected,omitzero"`
	}{
		RequestCount:      s.RequestCount,
		ErrorCount:        s.ErrorCount,
		TotalResponseTime: millis(s.TotalResponseTime),
		AvgResponseTime:   millis(s.AvgResponseTime),
		LastSelected:      s.LastSelected,
	})
}

func millis(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

// pool 各策略共享的节点表与统计，调用方持有 mu。
type pool struct {
	mu    sync.Mutex
	nodes []Node
	stats map[string]*Stats
	now   func() time.Time
}

func newPool() pool {
	return pool{stats: make(map[string]*Stats), now: time.Now}
}

func (p *pool) indexOf(id string) int {
	for i := range p.nodes {
		if p.nodes[i].ID == id {
			return i
		}
	}
	return -1
}

// upsert 新增或替换节点，已有节点保留连接数与统计。
func (p *pool) upsert(n Node) (added bool, err error) {
	if n.ID == "" {
		return false, ErrInvalidNode
	}
	if i := p.indexOf(n.ID); i >= 0 {
		n.Connections = p.nodes[i].Connections
		p.nodes[i] = n
		return false, nil
	}
	p.nodes = append(p.nodes, n)
	p.stats[n.ID] = &Stats{}
	return true, nil
}

func (p *pool) remove(id string) bool {
	i := p.indexOf(id)
	if i < 0 {
		return false
	}
	p.nodes = append(p.nodes[:i], p.nodes[i+1:]...)
	delete(p.stats, id)
	return true
}

func (p *pool) setHealthy(id string, healthy bool) bool {
	i := p.indexOf(id)
	if i < 0 {
		return false
	}
	p.nodes[i].Healthy = healthy
	return true
}

// healthy 健康节点下标，保持加入顺序。
func (p *pool) healthy() []int {
	out := make([]int, 0, len(p.nodes))
	for i := range p.nodes {
		if p.nodes[i].Healthy {
			out = append(out, i)
		}
	}
	return out
}

func (p *pool) selected(i int) Node {
	if s := p.stats[p.nodes[i].ID]; s != nil {
		s.LastSelected = p.now()
	}
	return p.nodes[i]
}

func (p *pool) snapshotNodes() []Node {
	out := make([]Node, len(p.nodes))
	copy(out, p.nodes)
	return out
}

func (p *pool) record(id string, d time.Duration, isError bool) bool {
	s, ok := p.stats[id]
	if !ok {
		return false
	}
	s.RequestCount++
	s.TotalResponseTime += d
	if isError {
		s.ErrorCount++
	}
	s.AvgResponseTime = s.TotalResponseTime / time.Duration(s.RequestCount)
	return true
}

func (p *pool) snapshotStats() map[string]Stats {
	out := make(map[string]Stats, len(p.stats))
	for id, s := range p.stats {
		out[id] = *s
	}
	return out
}

// base 实现 Balancer 的公共方法。
type base struct {
	pool
}

// AddNode 新增或更新节点。
func (b *base) AddNode(n Node) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.upsert(n)
	return err
}

// RemoveNode 移除节点及其统计。
func (b *base) RemoveNode(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remove(id)
}

// SetHealthy 标记节点健康状态。
func (b *base) SetHealthy(id string, healthy bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.setHealthy(id, healthy)
}

// Nodes 节点副本，按加入顺序。
func (b *base) Nodes() []Node {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotNodes()
}

// RecordResponse 累计节点的响应耗时与错误数。
func (b *base) RecordResponse(id string, d time.Duration, isError bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.record(id, d, isError)
}

// Stats 各节点统计副本。
func (b *base) Stats() map[string]Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotStats()
}

// Release 默认无连接计数，返回节点是否存在。
func (b *base) Release(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.indexOf(id) >= 0
}

func noHealthy(strategy Strategy) error {
	return fmt.Errorf("%w: strategy %s", ErrNoHealthyNode, strategy)
}
