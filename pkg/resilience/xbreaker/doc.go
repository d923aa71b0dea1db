// Package xbreaker 提供命名熔断器及其管理器。
//
// Breaker 基于 sony/gobreaker/v2，固定使用"连续失败"判定且不做周期清零：
//
//	b := xbreaker.New("payment", xbreaker.Config{FailureThreshold: 3, SuccessThreshold: 2, Timeout: time.Second})
//	resp, err := xbreaker.Do(ctx, b, func(ctx context.Context) (*Response, error) {
//		return client.Charge(ctx, req)
//	})
//	if xbreaker.IsOpen(err) {
//		// 降级
//	}
//
// 半开状态最多放行 SuccessThreshold 个探测请求，其余返回 ErrTooManyProbes。
//
// Manager 按名称惰性创建熔断器，用于业务代码中按下游服务名获取：
//
//	mgr := xbreaker.NewManager(xbreaker.WithBreakerOptions(xbreaker.WithLogger(logger)))
//	err := mgr.Get("user-service").Execute(ctx, call)
package xbreaker
