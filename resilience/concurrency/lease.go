package concurrency

import "sync"

// Lease 一个并发名额的占用凭证，Release 只生效一次
type Lease struct {
	slot        *slot
	kind        Kind
	resourceKey string
	once        sync.Once
}

func newLease(s *slot, kind Kind, resourceKey string) *Lease {
	s.inFlight.Add(1)
	return &Lease{slot: s, kind: kind, resourceKey: resourceKey}
}

// Kind 操作类别
func (l *Lease) Kind() Kind { return l.kind }

// ResourceKey 账号标识
func (l *Lease) ResourceKey() string { return l.resourceKey }

// Release 归还名额，重复调用无副作用
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		l.slot.inFlight.Add(-1)
		l.slot.sem.Release(1)
	})
}

// Close 实现 io.Closer，便于 defer
func (l *Lease) Close() error {
	l.Release()
	return nil
}
