// Copyright (c) pacegate Authors.
// Licensed under the MIT License.

/*
Package main 是 pacegate 诊断服务的可执行入口。

# 子命令

  - serve    组合 Gate 与存储、指标、遥测，启动 HTTP 诊断服务
  - migrate  up / down / version / status，管理 SQL 快照表
  - health   请求 /ready，非 200 时以非零状态退出
  - version  打印 ldflags 注入的版本信息

# 中间件顺序

Recovery → RequestID → SecurityHeaders → OTelTracing → Metrics →
RequestLogger → CORS → RateLimiter → JWTAuth（配置了密钥时）。
探活与 /metrics 路径不经过限流和鉴权。

# 关闭

收到 SIGINT/SIGTERM 后按初始化的逆序释放：HTTP 服务、热重载、
Gate（等待快照写入）、worker 池、存储、遥测 provider。
*/
package main
