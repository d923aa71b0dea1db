// Package xlru 提供带空闲过期的泛型 LRU 缓存，基于 hashicorp/golang-lru/v2/expirable。
//
// 用于给按键增长的内存状态（限流桶、端点指标）设置容量与空闲淘汰上界：
//
//	c, err := xlru.New[string, *Bucket](xlru.Config{Size: 10000, TTL: 10 * time.Minute}, nil)
//	b, _ := c.GetOrAdd("10.0.0.1", newBucket)
//	defer c.Close()
//
// TTL > 0 时底层会启动后台清理协程，使用完毕必须调用 Close。
package xlru
