// Copyright (c) pacegate Authors.
// Licensed under the MIT License.

/*
Package ratelimit 提供按 (账号, 接口类别) 隔离的令牌桶准入控制。

# 准入流程

 1. 写类（like/collect/comment）先查询 "{accountID}:write" 熔断器，熔断中立即拒绝；
 2. 按 MultiplierSource 的倍率 m 计算令牌数：写类 ceil(m)，读类 max(1, round(m/2))；
 3. 从桶中预约令牌并等待；ctx 取消时撤销预约。

Acquire 返回三态的 Admission（Admitted / Rejected / Errored），
拒绝是正常的控制流，不是错误；需要 error 时调用 AsError。
*/
package ratelimit
