// Package controlplane 组装限流、熔断、负载均衡、服务注册、集群、健康检查与指标组件。
//
// 进程启动时构建一个 ControlPlane 并注入到 HTTP 处理器与测试中，
// 各组件不存在包级单例。配置来自 xconf，日志级别随配置文件热更新。
package controlplane
