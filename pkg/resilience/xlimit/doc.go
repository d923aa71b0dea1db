// Package xlimit 提供进程内的令牌桶限流。
//
// # 核心概念
//
//   - Bucket：按 key 维护的令牌桶集合，容量 MaxTokens，按 RefillRate（个/秒）惰性补充
//   - Scoped：为 Bucket 绑定作用域（ip / endpoint / user）与从请求提取 key 的规则
//   - Middleware：HTTP 中间件，总是写出 X-*RateLimit-* 响应头，拒绝时返回 429 与 Retry-After
//
// # 快速开始
//
//	ip, err := xlimit.NewScoped(xlimit.ScopeIP, xlimit.Config{MaxTokens: 100, RefillRate: 100.0 / 60},
//		xlimit.WithWhitelist("10.0.0.0/8"),
//		xlimit.WithLogger(logger),
//	)
//	if err != nil {
//		return err
//	}
//	defer ip.Close()
//
//	handler = xlimit.Chain(ip, endpoint, user)(mux)
//
// # 内存上界
//
// 每个 key 的桶存放在带空闲 TTL 的 LRU 中。被淘汰的桶在下次访问时以满容量重建，
// 而空闲超过 TTL 的桶本就已补满，因此淘汰对限流结果没有可观察的影响。
//
// 所有状态仅在单进程内有效，多实例部署时每个实例独立计数。
package xlimit
