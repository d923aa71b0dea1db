// Package ha 提供高可用相关的子包。
//
// 子包列表：
//   - xbalance: 负载均衡策略
//   - xregistry: 服务注册与心跳过期
//   - xcluster: 集群成员管理与主节点选举
package ha
