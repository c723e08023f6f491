// Copyright (c) pacegate Authors.
// Licensed under the MIT License.

/*
Package browser 定义浏览器执行方的边界，并把命令批次接入 resilience.Gate。

本包不包含具体驱动。调用方实现 Browser（Execute / GetState / Close），
GuardedSession 负责：

  - 以批次为单位申请准入，被拒时不执行任何命令
  - 命令之间按账号当前的顾问倍率放大停顿
  - 汇总状态码、耗时、验证码次数为 resilience.Outcome 反馈给 Gate
  - 遇到 4xx/5xx 或验证码时停止批次剩余命令

Sessions 按账号复用会话，Factory 负责创建浏览器实例。
*/
package browser
