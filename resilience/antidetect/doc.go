// Copyright (c) pacegate Authors.
// Licensed under the MIT License.

/*
Package antidetect 实现自适应节奏状态机（反检测编排器）。

# 概述

每个上下文（账号/会话）保留最近 SlidingWindow 个风险信号。
信号满足以下任一条件即视为风险：HTTP 429、HTTP 403、验证码、
P95 延迟超过 RiskyLatencyMsThreshold、拟人分数低于 MinHumanLikeScore。

  - 风险信号：立即降级到 Conservative 并开启 navigator 补丁，不受冷却限制。
  - 连续 AggressiveWindowRequirement 个无风险信号且距上次调整超过
    MinimumAdjustmentInterval：提升节奏，Reason 以 "连续窗口零异常，提升节奏" 开头。
  - 其他情况：返回镜像当前状态的决策，不写入历史。

# 并发

同一上下文的 Record 由上下文自己的互斥锁串行化；上下文之间没有共享锁。
审计快照通过后台任务池异步写入 persistence.Store，失败只记录日志。
*/
package antidetect
