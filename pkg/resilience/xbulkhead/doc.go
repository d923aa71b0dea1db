// Package xbulkhead 限制同时进行的调用数量，排队者按到达顺序放行。
//
//	bh, _ := xbulkhead.New(10, xbulkhead.WithName("report-export"))
//	err := bh.Execute(ctx, export)
package xbulkhead
