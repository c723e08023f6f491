// Copyright (c) pacegate Authors.
// Licensed under the MIT License.

// Package tlsutil 集中维护诊断服务与健康检查客户端的 TLS 配置。
// 统一要求 TLS 1.2 以上，TLS 1.2 下只启用 AEAD 套件。
package tlsutil
