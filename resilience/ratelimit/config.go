package ratelimit

import "time"

const minRefillPerSecond = 0.01

// BucketConfig 单个令牌桶
type BucketConfig struct {
	Capacity        int     `yaml:"capacity" json:"capacity"`
	RefillPerSecond float64 `yaml:"refill_per_second" json:"refill_per_second"`
}

func (b BucketConfig) normalize() BucketConfig {
	if b.Capacity < 1 {
		b.Capacity = 1
	}
	if !(b.RefillPerSecond >= minRefillPerSecond) {
		b.RefillPerSecond = minRefillPerSecond
	}
	return b
}

// Config 限流器配置
type Config struct {
	// Buckets 各类别的桶配置
	Buckets map[Category]BucketConfig `yaml:"buckets"`
	// DefaultBucket 未配置类别使用的读类桶
	DefaultBucket BucketConfig `yaml:"default_bucket"`
	// MaxWait 大于 0 时，预计等待超过该值直接拒绝
	MaxWait time.Duration `yaml:"max_wait" env:"MAX_WAIT"`
	// IdleTTL 空闲且已满的桶超过该时长后可被清理
	IdleTTL time.Duration `yaml:"idle_ttl" env:"IDLE_TTL"`
	// SweepInterval 后台清理周期，0 表示不启动
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Buckets: map[Category]BucketConfig{
			CategoryLike:    {Capacity: 5, RefillPerSecond: 0.5},
			CategoryCollect: {Capacity: 5, RefillPerSecond: 0.5},
			CategoryComment: {Capacity: 3, RefillPerSecond: 0.2},
			CategorySearch:  {Capacity: 10, RefillPerSecond: 2},
			CategoryFeed:    {Capacity: 20, RefillPerSecond: 5},
		},
		DefaultBucket: BucketConfig{Capacity: 10, RefillPerSecond: 2},
		IdleTTL:       10 * time.Minute,
		SweepInterval: time.Minute,
	}
}

func (c Config) normalize() Config {
	buckets := make(map[Category]BucketConfig, len(c.Buckets))
	for k, v := range c.Buckets {
		buckets[ParseCategory(string(k))] = v.normalize()
	}
	c.Buckets = buckets
	c.DefaultBucket = c.DefaultBucket.normalize()
	if c.MaxWait < 0 {
		c.MaxWait = 0
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 10 * time.Minute
	}
	if c.SweepInterval < 0 {
		c.SweepInterval = 0
	}
	return c
}

// bucketFor 返回类别的桶配置
func (c Config) bucketFor(cat Category) BucketConfig {
	if b, ok := c.Buckets[cat]; ok {
		return b
	}
	return c.DefaultBucket
}
