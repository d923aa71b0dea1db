// Package xmongo 将 MongoDB 客户端接入健康检查与查询指标。
//
// Probe 把 Ping 适配为 xhealth.Prober；CommandMonitor 按命令耗时
// 向 QueryRecorder（通常是 xmonitor.Collector）上报查询与慢查询。
package xmongo
