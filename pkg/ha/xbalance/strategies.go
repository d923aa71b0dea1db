package xbalance

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Strategy 负载均衡策略名。
type Strategy string

const (
	StrategyRoundRobin       Strategy = "round-robin"
	StrategyLeastConnections Strategy = "least-connections"
	StrategyWeighted         Strategy = "weighted"
	StrategyIPHash           Strategy = "ip-hash"
)

// Strategies 全部内置策略。
func Strategies() []Strategy {
	return []Strategy{StrategyRoundRobin, StrategyLeastConnections, StrategyWeighted, StrategyIPHash}
}

// Picker 按客户端选择节点，不关心客户端的策略忽略 clientIP。
type Picker interface {
	Pick(clientIP string) (Node, error)
}

// Balancer 节点表管理与选择。
type Balancer interface {
	Picker
	Strategy() Strategy
	AddNode(n Node) error
	RemoveNode(id string) bool
	SetHealthy(id string, healthy bool) bool
	Nodes() []Node
	RecordResponse(id string, d time.Duration, isError bool) bool
	Stats() map[string]Stats
	// Release 归还 Pick 占用的连接，只有 LeastConnections 会计数。
	Release(id string) bool
}

// New 按策略名创建 Balancer。
func New(strategy Strategy) (Balancer, error) {
	switch strategy {
	case StrategyRoundRobin:
		return NewRoundRobin(), nil
	case StrategyLeastConnections:
		return NewLeastConnections(), nil
	case StrategyWeighted:
		return NewWeighted(), nil
	case StrategyIPHash:
		return NewIPHash(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
}

// RoundRobin 在健康节点间轮转，N 个健康节点的任意连续 N 次选择各命中一次。
type RoundRobin struct {
	base
	next uint64
}

// NewRoundRobin 创建轮询均衡器。
func NewRoundRobin() *RoundRobin { return &RoundRobin{base: base{pool: newPool()}} }

func (*RoundRobin) Strategy() Strategy { return StrategyRoundRobin }

// Next 返回 healthy[idx % len]，idx 递增。
func (r *RoundRobin) Next() (Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	healthy := r.healthy()
	if len(healthy) == 0 {
		return Node{}, noHealthy(StrategyRoundRobin)
	}
	i := healthy[r.next%uint64(len(healthy))]
	r.next++
	return r.selected(i), nil
}

func (r *RoundRobin) Pick(string) (Node, error) { return r.Next() }

// LeastConnections 选择连接数最少的健康节点并占用一个连接。
// 调用方必须对每次选择调用 Release，否则连接数只增不减。
type LeastConnections struct {
	base
}

// NewLeastConnections 创建最少连接均衡器。
func NewLeastConnections() *LeastConnections {
	return &LeastConnections{base: base{pool: newPool()}}
}

func (*LeastConnections) Strategy() Strategy { return StrategyLeastConnections }

// Next 连接数相同时取先加入者。
func (l *LeastConnections) Next() (Node, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	best := -1
	for _, i := range l.healthy() {
		if best < 0 || l.nodes[i].Connections < l.nodes[best].Connections {
			best = i
		}
	}
	if best < 0 {
		return Node{}, noHealthy(StrategyLeastConnections)
	}
	l.nodes[best].Connections++
	return l.selected(best), nil
}

func (l *LeastConnections) Pick(string) (Node, error) { return l.Next() }

// Release 连接数减一，最小为 0。
func (l *LeastConnections) Release(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.indexOf(id)
	if i < 0 {
		return false
	}
	if l.nodes[i].Connections > 0 {
		l.nodes[i].Connections--
	}
	return true
}

// Weighted 平滑加权轮询（nginx 算法）。
//
// 每次选择时各健康节点 current += weight，选 current 最大者并减去总权重。
// 节点集合不变时，任意 Σweight 次连续选择中每个节点恰好被选中 weight 次，
// 且高权重节点的选择在窗口内均匀分散。weight <= 0 按 1 处理。
type Weighted struct {
	base
	current map[string]int
}

// NewWeighted 创建加权均衡器。
func NewWeighted() *Weighted {
	return &Weighted{base: base{pool: newPool()}, current: make(map[string]int)}
}

func (*Weighted) Strategy() Strategy { return StrategyWeighted }

// AddNode 节点变更后重新开始一轮分配。
func (w *Weighted) AddNode(n Node) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.upsert(n); err != nil {
		return err
	}
	clear(w.current)
	return nil
}

func (w *Weighted) RemoveNode(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.remove(id) {
		return false
	}
	clear(w.current)
	return true
}

func (w *Weighted) SetHealthy(id string, healthy bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.setHealthy(id, healthy) {
		return false
	}
	clear(w.current)
	return true
}

// Next 平滑加权选择。
func (w *Weighted) Next() (Node, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	best, total := -1, 0
	for _, i := range w.healthy() {
		n := w.nodes[i]
		weight := effectiveWeight(n.Weight)
		total += weight
		w.current[n.ID] += weight
		if best < 0 || w.current[n.ID] > w.current[w.nodes[best].ID] {
			best = i
		}
	}
	if best < 0 {
		return Node{}, noHealthy(StrategyWeighted)
	}
	w.current[w.nodes[best].ID] -= total
	return w.selected(best), nil
}

func (w *Weighted) Pick(string) (Node, error) { return w.Next() }

func effectiveWeight(weight int) int {
	if weight <= 0 {
		return 1
	}
	return weight
}

// IPHash 按客户端 IP 的 xxhash 取模选择，健康节点集合不变时同一 IP 总是命中同一节点。
type IPHash struct {
	base
}

// NewIPHash 创建 IP 哈希均衡器。
func NewIPHash() *IPHash { return &IPHash{base: base{pool: newPool()}} }

func (*IPHash) Strategy() Strategy { return StrategyIPHash }

// NextFor 返回 ip 对应的节点。
func (h *IPHash) NextFor(ip string) (Node, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	healthy := h.healthy()
	if len(healthy) == 0 {
		return Node{}, noHealthy(StrategyIPHash)
	}
	i := healthy[xxhash.Sum64String(ip)%uint64(len(healthy))]
	return h.selected(i), nil
}

func (h *IPHash) Pick(clientIP string) (Node, error) { return h.NextFor(clientIP) }

var (
	_ Balancer = (*RoundRobin)(nil)
	_ Balancer = (*LeastConnections)(nil)
	_ Balancer = (*Weighted)(nil)
	_ Balancer = (*IPHash)(nil)
)
