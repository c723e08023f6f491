// Copyright (c) pacegate Authors.
// Licensed under the MIT License.

/*
包 metrics 提供控制面的指标出口抽象，替代进程级静态指标。

# 概述

组合根创建一个 Sink（Prometheus、OTel 或二者的 MultiSink），再通过
构造函数注入限流器、熔断器、并发调控器等组件。每个指标的标签 key
固定为白名单（DefaultLabelKeys），白名单外的 key 会被丢弃，以此约束
时间序列的基数。

# 核心类型

  - Sink：CreateCounter / CreateHistogram
  - PrometheusSink：基于注入的 prometheus.Registerer，重复注册时复用已有向量
  - OTelSink：基于 go.opentelemetry.io/otel/metric 的 Meter
  - MultiSink：多路写入
  - NopSink：丢弃所有指标
*/
package metrics
