// Package xbalance 提供负载均衡的节点选择策略。
//
// 只负责选择与统计，不做请求转发：
//
//	lb, _ := xbalance.New(xbalance.StrategyLeastConnections)
//	_ = lb.AddNode(xbalance.Node{ID: "a", Host: "10.0.0.1", Port: 8080, Healthy: true})
//	n, err := lb.Pick(clientIP)
//	if err != nil {
//		return err
//	}
//	defer lb.Release(n.ID)
//	start := time.Now()
//	err = forward(n.Address())
//	lb.RecordResponse(n.ID, time.Since(start), err != nil)
package xbalance
