// Copyright (c) pacegate Authors.
// Licensed under the MIT License.

/*
Package testutil 提供 pacegate 测试的共享工具和辅助函数。

# 概述

testutil 包为各包的单元测试提供统一的辅助能力，避免重复实现相似的
测试基础设施。本包不依赖任何业务包，可被任意测试安全引用。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 异步断言: AssertEventuallyTrue / WaitFor / WaitForChannel
  - 模拟时钟: FakeClock（Now / Advance / Set），配合各组件的 WithClock 选项

# 子包

  - testutil/fixtures: 风险信号与交互结果的测试数据工厂
*/
package testutil
