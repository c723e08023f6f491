// Copyright (c) pacegate Authors.
// Licensed under the MIT License.

/*
Package types 提供 pacegate 控制面的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 resilience、browser、
api 等上层模块提供统一的错误契约与上下文传播工具，避免循环依赖。

# 核心类型

  - Error / ErrorCode: 结构化错误，携带 HTTP 状态码、Retryable、
    RetryAfter 与账号标记
  - 准入错误码：BREAKER_OPEN / RATE_EXHAUSTED / INTERACTIONS_PAUSED
  - 交互错误码：RATE_LIMITED / FORBIDDEN / CAPTCHA 等
  - 接口错误码：INVALID_REQUEST / NOT_FOUND / UNAUTHORIZED 等

# 主要能力

  - Context 传播：WithTraceID / WithAccountID / WithWorkflow / WithRequestID
  - 错误工具链：AsError / IsErrorCode / IsRetryable / RetryAfter
*/
package types
