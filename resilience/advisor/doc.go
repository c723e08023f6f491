// Copyright (c) pacegate Authors.
// Licensed under the MIT License.

// Package advisor 把近期的 403/429 转换为不小于 1 的延迟倍率。
//
// 每次 403 向"降级能量" E 增加 (HTTP403BaseMultiplier-1)，每次 429 增加
// (HTTP429BaseMultiplier-1)；E 按半衰期连续衰减，倍率为 clamp(1+E, 1, Max)。
// 编排器给出的档位通过 ApplyProfile 设定停顿倍率（PacedMultiplier）的下限，
// 下限默认为 1，且从不影响 CurrentMultiplier。
//
// Advisor 是单个全局顾问，Set 按账号隔离；两者都提供 MultiplierFor，
// 供限流器按账号缩放令牌消耗。
package advisor
