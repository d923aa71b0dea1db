// Package xtimeout 为任意调用加时限，并提供随超时次数放大的自适应时限。
//
//	err := xtimeout.Do(ctx, call, xtimeout.Options{Timeout: 2 * time.Second})
//	if xtimeout.IsTimeout(err) {
//		// 可重试
//	}
//
// 到期后 Do 立即返回，不等待 fn；fn 应遵循 ctx 取消以释放资源。
package xtimeout
