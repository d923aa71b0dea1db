// Package util 提供通用工具相关的子包。
//
// 子包列表：
//   - xlru: LRU 缓存，泛型支持、自动 TTL 过期
//   - xsys: 进程与主机资源快照、磁盘使用率、文件描述符上限
package util
