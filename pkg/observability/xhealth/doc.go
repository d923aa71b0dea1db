// Package xhealth 可插拔的健康检查与聚合。
//
// 内置 HTTP、内存、磁盘、数据库四类检查；Aggregator 并行执行并按最差状态归并，
// 也可为每项检查启动独立的周期循环，通过 LastResults 低成本轮询：
//
//	agg := xhealth.NewAggregator()
//	_ = agg.Register(xhealth.NewDiskCheck("/", 0, 0))
//	_ = agg.StartPeriodic(ctx, 30*time.Second)
//	defer agg.Stop()
package xhealth
