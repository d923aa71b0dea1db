// Package storage 提供数据存储相关的子包。
//
// 子包列表：
//   - xmongo: MongoDB 连接、命令耗时记录与健康探测
package storage
