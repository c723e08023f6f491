package testutil

import (
	"sync"
	"time"
)

// FakeClock 可手动推进的时钟，组件通过 WithClock(clock.Now) 注入
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock 创建从给定时间开始的时钟
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now 返回当前模拟时间
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance 推进模拟时间
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set 将模拟时间设为指定值
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}
