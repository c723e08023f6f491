// Copyright (c) pacegate Authors.
// Licensed under the MIT License.

// Package persistence 为风控决策提供尽力而为的审计快照存储。
//
// 支持的后端：
//   - memory：开发与测试（默认）
//   - file：单节点部署，每个路径一个 JSON 文件，原子替换
//   - redis：多实例部署
//   - sql：postgres / mysql / sqlite，经 gorm 访问
//   - mongo：MongoDB
//
// 所有后端都以 JSON 编码值；读取不存在的路径返回 ErrNotFound，
// LoadAs 在不存在时返回 nil。
package persistence
