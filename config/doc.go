// Copyright (c) pacegate Authors.
// Licensed under the MIT License.

// Package config 加载 pacegate 的配置。
//
// 优先级: 默认值 → YAML 文件 → PACEGATE_* 环境变量。
// 环境变量名由 env tag 逐级拼接，例如
// PACEGATE_RESILIENCE_ANTI_DETECTION_SLIDING_WINDOW。
// Watcher 监听配置文件变化并重新加载，供日志级别等运行时可调项使用。
package config
