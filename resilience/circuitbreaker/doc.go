// Copyright (c) pacegate Authors.
// Licensed under the MIT License.

/*
Package circuitbreaker 提供按 key 隔离的熔断器注册表。

# 状态机

	Closed --(窗口内失败数 >= FailureThreshold，FailureRatio>0 时还须达到失败率)--> Open
	Open --(OpenDuration 到期，惰性判断)--> HalfOpen
	HalfOpen --(成功)--> Closed
	HalfOpen --(失败，冷却重新计时)--> Open

所有查询与记录都是非阻塞的，每个 key 只持有自己的锁。
IsOpen 在半开状态返回 false，以放行试探请求。

# 使用方式

	reg := circuitbreaker.NewRegistry(cfg, logger, circuitbreaker.WithMetrics(sink))
	if reg.IsOpen("acct-1:write") { ... }
	reg.RecordFailure("acct-1:write", "HTTP_429")

也可以用 Call / CallWithResult 直接包裹单次调用，浏览器会话的页面状态查询即如此。
非结构化错误统一记为 RUN_ERROR，原始文本只进日志与 LastReason。
*/
package circuitbreaker
