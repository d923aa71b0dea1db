// Package resilience 提供容错相关的子包。
//
// 子包列表：
//   - xlimit: 令牌桶限流，按 IP、端点、用户分级
//   - xbreaker: 熔断器与按名管理
//   - xretry: 指数退避重试
//   - xtimeout: 超时控制与自适应超时
//   - xfallback: 顺序与并行降级
//   - xbulkhead: 并发舱壁
package resilience
