// Package xmonitor 收集进程内的请求、缓存、数据库与系统指标，
// 并提供面板、文本报告、告警与 Prometheus 导出。
//
// 端点表按 LRU 限制容量，系统快照保留固定条数的环形历史；
// p95 基于每个端点最近的样本计算。
package xmonitor
