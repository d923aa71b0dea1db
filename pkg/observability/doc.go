// Package observability 提供可观测性相关的子包。
//
// 子包列表：
//   - xlog: 结构化日志，基于 log/slog 扩展
//   - xrotate: 日志文件轮转
//   - xmetrics: 统一可观测性接口（指标、追踪），基于 OpenTelemetry
//   - xhealth: 健康检查与结果聚合
//   - xmonitor: 端点、缓存、数据库与系统指标收集，Prometheus 导出
//
// 设计原则：
//   - 遵循 OpenTelemetry 语义规范
//   - 自动从 context 中提取请求 ID 注入日志
//   - 支持动态级别控制
package observability
