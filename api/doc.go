// Copyright (c) pacegate Authors.
// Licensed under the MIT License.

// Package api 描述 pacegate 的只读诊断 HTTP 接口，处理器位于 api/handlers。
//
// # 路由
//
//	GET /health, /healthz            存活探针
//	GET /ready                       就绪探针，包含存储与数据库探活
//	GET /version                     构建信息
//	GET /metrics                     Prometheus 指标
//	GET /v1/diagnostics/breakers     熔断器状态
//	GET /v1/diagnostics/ratelimits   令牌桶余量
//	GET /v1/diagnostics/governor     并发槽位
//	GET /v1/diagnostics/advisors     账号节奏倍率
//	GET /v1/diagnostics/paused       暂停中的账号
//	GET /v1/contexts                 已知编排上下文
//	GET /v1/contexts/{id}/state      上下文状态
//	GET /v1/contexts/{id}/adjustments?take=N
//	GET /v1/stream/adjustments       websocket 推送节奏切换，可用 ?context= 过滤
//
// # 响应
//
// 成功与失败都使用 handlers.Response 包装；失败时 error.code 为 types.ErrorCode，
// 准入类错误返回 429 并设置 Retry-After。
//
// # 鉴权
//
// 配置 server.jwt.secret 后，除探针与 /metrics 外的路由需要
// Authorization: Bearer <HS256 token>，token 必须带 exp。
package api
