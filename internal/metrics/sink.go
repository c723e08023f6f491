// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import "sync"

// Labels 指标标签（仅允许白名单内的 key）
type Labels map[string]string

// Counter 单调递增计数器
type Counter interface {
	Add(value float64, labels Labels)
}

// Histogram 分布统计
type Histogram interface {
	Record(value float64, labels Labels)
}

// Sink 指标出口，由组合根创建后注入各组件
type Sink interface {
	CreateCounter(name, description string) Counter
	CreateHistogram(name, description string) Histogram
}

// DefaultLabelKeys 默认标签白名单。账号 ID 等高基数字段刻意不在其中。
func DefaultLabelKeys() []string {
	return []string{
		"category", "outcome", "reason", "state", "kind", "profile",
		"method", "path", "status",
	}
}

// labelFilter 负责把任意标签裁剪为固定的白名单 key 集合
type labelFilter struct {
	keys    []string
	allowed map[string]struct{}
}

func newLabelFilter(keys []string) labelFilter {
	if len(keys) == 0 {
		keys = DefaultLabelKeys()
	}
	f := labelFilter{
		keys:    make([]string, 0, len(keys)),
		allowed: make(map[string]struct{}, len(keys)),
	}
	for _, k := range keys {
		if _, dup := f.allowed[k]; dup || k == "" {
			continue
		}
		f.allowed[k] = struct{}{}
		f.keys = append(f.keys, k)
	}
	return f
}

// apply 返回只包含白名单 key 的完整标签集，缺失的 key 以空串补齐
func (f labelFilter) apply(labels Labels) map[string]string {
	out := make(map[string]string, len(f.keys))
	for _, k := range f.keys {
		out[k] = labels[k]
	}
	return out
}

// dropped 返回被白名单拒绝的 key，用于调试日志
func (f labelFilter) dropped(labels Labels) []string {
	var out []string
	for k := range labels {
		if _, ok := f.allowed[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}

// =============================================================================
// Nop
// =============================================================================

// NopSink 丢弃所有指标，用于测试或关闭指标时
type NopSink struct{}

func (NopSink) CreateCounter(string, string) Counter     { return nopInstrument{} }
func (NopSink) CreateHistogram(string, string) Histogram { return nopInstrument{} }

type nopInstrument struct{}

func (nopInstrument) Add(float64, Labels)    {}
func (nopInstrument) Record(float64, Labels) {}

// =============================================================================
// Fan-out
// =============================================================================

// MultiSink 将同一指标同时写入多个出口（例如 Prometheus + OTel）
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink 创建多路指标出口
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) CreateCounter(name, description string) Counter {
	out := make(multiCounter, 0, len(m.sinks))
	for _, s := range m.sinks {
		out = append(out, s.CreateCounter(name, description))
	}
	return out
}

func (m *MultiSink) CreateHistogram(name, description string) Histogram {
	out := make(multiHistogram, 0, len(m.sinks))
	for _, s := range m.sinks {
		out = append(out, s.CreateHistogram(name, description))
	}
	return out
}

type multiCounter []Counter

func (m multiCounter) Add(value float64, labels Labels) {
	for _, c := range m {
		c.Add(value, labels)
	}
}

type multiHistogram []Histogram

func (m multiHistogram) Record(value float64, labels Labels) {
	for _, h := range m {
		h.Record(value, labels)
	}
}

// instrumentCache 按名称缓存已创建的指标，重复 Create 返回同一实例
type instrumentCache[T any] struct {
	mu    sync.Mutex
	items map[string]T
}

func (c *instrumentCache[T]) getOrCreate(name string, create func() T) T {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.items == nil {
		c.items = make(map[string]T)
	}
	if v, ok := c.items[name]; ok {
		return v
	}
	v := create()
	c.items[name] = v
	return v
}
