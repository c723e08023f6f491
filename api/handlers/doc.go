// Copyright (c) pacegate Authors.
// Licensed under the MIT License.

/*
Package handlers 实现 pacegate 的只读诊断 HTTP 接口。

# 路由

  - /health /healthz /ready /version：存活、就绪与版本
  - /metrics：Prometheus 指标
  - /v1/diagnostics/{breakers,ratelimits,governor,advisors,paused}：组件快照
  - /v1/contexts/{id}/state、/v1/contexts/{id}/adjustments?take=N：编排器状态与最近决策
  - /v1/stream/adjustments[?context=ID]：websocket 实时推送决策

所有 JSON 响应使用 Response 包装；错误来自 types.Error，状态码由
StatusForCode 映射，带 RetryAfter 的错误同时写 Retry-After 头。
*/
package handlers
