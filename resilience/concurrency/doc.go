// Copyright (c) pacegate Authors.
// Licensed under the MIT License.

// Package concurrency 按 (账号, 操作类别) 限制同时在途的浏览器操作数。
//
// 每个 key 对应一个 golang.org/x/sync/semaphore.Weighted，首次使用时创建。
// 默认写 1、读 2；Lease 必须在所有退出路径上释放，重复释放是空操作。
package concurrency
