// Package xregistry 基于心跳的进程内服务注册表。
//
// 实例按 服务名 → 实例 ID 两级组织。心跳超时只会把实例标记为不健康，
// HealthyInstances 随即将其排除；彻底移除需要 Deregister。
package xregistry
