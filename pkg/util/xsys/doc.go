// Package xsys 提供进程与主机资源的采样。
//
// Snapshot 汇总当前进程的堆内存、RSS、CPU 占用、goroutine 数量和运行时长，
// 数据来源为 runtime 与 gopsutil；DiskUsage 查询指定路径所在文件系统的使用率；
// GetFileLimit 读取进程文件描述符上限（仅 Unix）。
//
// 采样函数通过包级变量注入，测试可替换为固定数据。
package xsys
