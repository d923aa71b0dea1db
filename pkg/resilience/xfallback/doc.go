// Package xfallback 在多个候选实现之间降级。
//
//	v, err := xfallback.Do(ctx, []xfallback.Strategy[*Profile]{
//		fromCache,
//		fromPrimary,
//		fromReplica,
//	}, xfallback.WithValue(defaultProfile))
//
// Parallel 同时发起全部策略，取最先成功者，适合对延迟敏感的多副本读取。
package xfallback
