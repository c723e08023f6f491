// Copyright (c) pacegate Authors.
// Licensed under the MIT License.

/*
Package server 管理诊断 HTTP 服务的生命周期。

Manager 封装 net/http.Server：Start 非阻塞监听，用
netutil.LimitListener 限制并发连接数，配置证书时以 TLS 提供服务；
Wait 在 ctx 结束或服务异常退出后执行带超时的优雅关闭。
*/
package server
