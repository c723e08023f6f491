package ratelimit

import (
	"math"
	"strings"
)

// Category 接口类别
type Category string

const (
	CategoryLike    Category = "like"
	CategoryCollect Category = "collect"
	CategoryComment Category = "comment"
	CategorySearch  Category = "search"
	CategoryFeed    Category = "feed"
)

// ParseCategory 大小写不敏感；未知类别原样返回，按读类处理
func ParseCategory(s string) Category {
	return Category(strings.ToLower(strings.TrimSpace(s)))
}

// IsWrite 点赞、收藏、评论为写类
func (c Category) IsWrite() bool {
	switch c {
	case CategoryLike, CategoryCollect, CategoryComment:
		return true
	default:
		return false
	}
}

// IsKnown 是否为内置类别
func (c Category) IsKnown() bool {
	switch c {
	case CategoryLike, CategoryCollect, CategoryComment, CategorySearch, CategoryFeed:
		return true
	default:
		return false
	}
}

// metricLabel 未知类别统一记为 other，避免标签基数失控
func (c Category) metricLabel() string {
	if c.IsKnown() {
		return string(c)
	}
	return "other"
}

// BreakerKey 写类熔断器的 key
func BreakerKey(accountID string) string {
	return accountID + ":write"
}

// permitsFor 按倍率计算一次请求消耗的令牌数：
// 写类 ceil(m)，读类 max(1, round(m/2))，m 不小于 1，结果不超过桶容量。
func permitsFor(c Category, multiplier float64, capacity int) int {
	m := multiplier
	if math.IsNaN(m) || m < 1 {
		m = 1
	}
	var n int
	if c.IsWrite() {
		n = int(math.Ceil(m))
	} else {
		n = max(1, int(math.Round(m/2)))
	}
	return max(1, min(n, capacity))
}
