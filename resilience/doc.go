// Copyright (c) pacegate Authors.
// Licensed under the MIT License.

/*
Package resilience 把反检测编排器、节奏顾问、限流器、熔断器与并发治理器
组合成一个准入门面 Gate。

# 调用顺序

	lease   := governor.Acquire(kind, account)
	admit   := limiter.Acquire(category, account)   // 写类先查 "{account}:write" 熔断
	outcome := fn(ctx)
	breaker.RecordSuccess / RecordFailure
	adj     := orchestrator.Record(signal(outcome))
	advisors.Observe(403, 429); advisors.ApplyProfile(adj.PacingProfile)

编排器要求暂停时，Gate 在 GateConfig.PauseDuration 内拒绝该账号的新交互。
各组件也可以单独使用，见子包。
*/
package resilience
