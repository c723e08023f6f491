// Copyright (c) pacegate Authors.
// Licensed under the MIT License.

// Package telemetry 初始化 OpenTelemetry SDK（OTLP gRPC 导出 trace 与指标），
// 并把 TracerProvider 与 Meter 交给组合根注入 Gate 和 metrics.OTelSink。
// 关闭遥测时使用 noop 实现，不连接任何外部服务。
package telemetry
