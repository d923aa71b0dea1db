// Package xcluster 维护进程视角下的集群成员表，按心跳分级成员健康并在主节点失效时选举。
//
// 成员状态只在本进程内有效，不与其他实例同步：
//
//	cm, _ := xcluster.New(xcluster.Member{Host: "10.0.0.1", Port: 7000}, xcluster.Config{})
//	cm.StartHealthChecks(ctx)
//	defer cm.StopHealthChecks()
package xcluster
