package xlru

import (
	"reflect"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// maxSize 条目数上限。
const maxSize = 1 << 24

// Config 缓存配置。
type Config struct {
	// Size 最大条目数，必须在 (0, 16777216] 内。
	Size int

	// TTL 条目空闲过期时间，0 表示不过期。
	TTL time.Duration
}

// Cache 带空闲 TTL 的并发安全 LRU。
//
// 与底层 expirable.LRU 的差异：GetOrAdd 命中时会刷新 TTL，
// 因此 TTL 表达的是"多久未被访问"而非"写入后多久"。
// 必须通过 New 创建；Close 后读操作返回零值，写操作被忽略。
type Cache[K comparable, V any] struct {
	lru    *expirable.LRU[K, V]
	mu     sync.Mutex // 串行化 GetOrAdd 的查找与创建
	closed atomic.Bool
	once   sync.Once
}

// New 创建 Cache。onEvict 可为 nil，回调在底层锁内执行，不得回调 Cache 自身。
func New[K comparable, V any](cfg Config, onEvict func(K, V)) (*Cache[K, V], error) {
	switch {
	case cfg.Size <= 0:
		return nil, ErrInvalidSize
	case cfg.Size > maxSize:
		return nil, ErrSizeExceedsMax
	case cfg.TTL < 0:
		return nil, ErrInvalidTTL
	}
	return &Cache[K, V]{lru: expirable.NewLRU(cfg.Size, onEvict, cfg.TTL)}, nil
}

// GetOrAdd 返回 key 对应的值；不存在时调用 create 创建并写入。
// 两种情况都会刷新条目的 TTL 与 LRU 位置。loaded 表示值是否已存在。
func (c *Cache[K, V]) GetOrAdd(key K, create func() V) (value V, loaded bool) {
	if c.closed.Load() {
		return create(), false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.lru.Get(key); ok {
		c.lru.Add(key, v)
		return v, true
	}
	v := create()
	c.lru.Add(key, v)
	return v, false
}

// Get 获取值，不刷新 TTL。
func (c *Cache[K, V]) Get(key K) (value V, ok bool) {
	if c.closed.Load() {
		return value, false
	}
	return c.lru.Get(key)
}

// Peek 获取值，不影响 LRU 顺序。
func (c *Cache[K, V]) Peek(key K) (value V, ok bool) {
	if c.closed.Load() {
		return value, false
	}
	return c.lru.Peek(key)
}

// Set 写入值并刷新 TTL，返回是否触发了淘汰。
func (c *Cache[K, V]) Set(key K, value V) bool {
	if c.closed.Load() {
		return false
	}
	return c.lru.Add(key, value)
}

// Delete 删除条目，返回条目是否存在。
func (c *Cache[K, V]) Delete(key K) bool {
	if c.closed.Load() {
		return false
	}
	return c.lru.Remove(key)
}

// Len 条目数，可能包含尚未清理的过期条目。
func (c *Cache[K, V]) Len() int {
	if c.closed.Load() {
		return 0
	}
	return c.lru.Len()
}

// Keys 按从旧到新的顺序返回全部未过期键。
func (c *Cache[K, V]) Keys() []K {
	if c.closed.Load() {
		return nil
	}
	return c.lru.Keys()
}

// Values 与 Keys 同序返回全部未过期值。
func (c *Cache[K, V]) Values() []V {
	if c.closed.Load() {
		return nil
	}
	return c.lru.Values()
}

// Clear 清空全部条目。
func (c *Cache[K, V]) Clear() {
	if c.closed.Load() {
		return
	}
	c.lru.Purge()
}

// Close 清空缓存并停止后台过期清理协程，幂等。
func (c *Cache[K, V]) Close() {
	c.closed.Store(true)
	c.once.Do(func() {
		c.lru.Purge()
		stopJanitor(c.lru)
	})
}

// stopJanitor 关闭 expirable.LRU 的后台清理协程。
//
// golang-lru v2.0.7 在 TTL > 0 时启动清理协程，但没有导出 Close，
// 这里通过反射关闭其内部 done 通道。字段不存在或已关闭时返回 false。
func stopJanitor(lru any) (stopped bool) {
	defer func() {
		if r := recover(); r != nil {
			stopped = false
		}
	}()

	v := reflect.ValueOf(lru)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return false
	}
	done := v.Elem().FieldByName("done")
	if !done.IsValid() || done.IsNil() || done.Type() != reflect.TypeOf(make(chan struct{})) {
		return false
	}
	ch := *(*chan struct{})(unsafe.Pointer(done.UnsafeAddr())) //nolint:gosec // 访问上游未导出字段
	close(ch)
	return true
}
