// Package httpapi 提供 /resilience、/monitoring 与 /ha 三组管理接口。
//
// 所有 JSON 响应使用 {success, data, timestamp} 信封；错误为
// {success:false, error}，非生产环境附带 detail。入站请求依次经过
// 请求 ID、指标记录、panic 恢复与 IP→端点→用户三级限流后再分发到路由。
package httpapi
