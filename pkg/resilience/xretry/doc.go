// Package xretry 提供指数退避重试，底层使用 [avast/retry-go/v5]。
//
//	err := xretry.Do(ctx, func(ctx context.Context) error {
//		return client.Call(ctx)
//	}, xretry.DefaultOptions())
//
// 第 k 次重试前等待 min(Delay × BackoffMultiplier^(k-1), MaxDelay)。
// 默认只重试实现 Retryable() 返回 true 的错误，以及信息中包含连接重置/拒绝、
// timeout、503、429 的错误；熔断器与限流器的错误都声明为不可重试。
//
// 与 xtimeout 组合时使用 WithTimeout，每次尝试单独计时。
//
// [avast/retry-go/v5]: https://github.com/avast/retry-go
package xretry
