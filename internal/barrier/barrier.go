// Package barrier provides the usage barrier that keeps an owning object alive
// while asynchronous operations still reference it.
package barrier

import "sync"

// UsageBarrier counts in-flight acquisitions of its owner. Once Destroy has
// been called no further acquisition succeeds. The zero value is ready to use
// and is meant to be embedded by value in the object it protects.
type UsageBarrier struct {
	mu        sync.Mutex
	drained   *sync.Cond
	count     int
	destroyed bool
}

func (b *UsageBarrier) cond() *sync.Cond {
	if b.drained == nil {
		b.drained = sync.NewCond(&b.mu)
	}
	return b.drained
}

// Acquire registers a user of the owner. It returns false without mutating
// the barrier once Destroy has started.
func (b *UsageBarrier) Acquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return false
	}
	b.count++
	return true
}

// Release drops one acquisition and wakes a pending Destroy when the count
// reaches zero.
func (b *UsageBarrier) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		panic("barrier: release without matching acquire")
	}
	b.count--
	if b.count == 0 && b.destroyed {
		b.cond().Broadcast()
	}
}

// Destroy closes the barrier to new users and blocks until every outstanding
// acquisition has been released. Calling Destroy more than once is allowed;
// later callers also wait for the drain.
func (b *UsageBarrier) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.destroyed = true
	for b.count > 0 {
		b.cond().Wait()
	}
}

// Destroyed reports whether Destroy has been called.
func (b *UsageBarrier) Destroyed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destroyed
}

// Count returns the number of outstanding acquisitions.
func (b *UsageBarrier) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Use acquires the barrier for the lifetime of the returned guard.
//
//	use := q.barrier.Use()
//	defer use.Release()
//	if !use.Acquired() {
//		return ErrBarrierClosed
//	}
func (b *UsageBarrier) Use() ScopedUse {
	return ScopedUse{barrier: b, acquired: b.Acquire()}
}

// ScopedUse is a scoped acquisition of a UsageBarrier. The guard must not
// outlive the function that created it; use Detach to hand the acquisition to
// work that completes later.
type ScopedUse struct {
	barrier  *UsageBarrier
	acquired bool
	done     bool
}

// Acquired reports whether the acquisition succeeded.
func (u *ScopedUse) Acquired() bool {
	return u.acquired
}

// Detach transfers ownership of the acquisition to the caller, who becomes
// responsible for calling UsageBarrier.Release exactly once. Release on the
// guard becomes a no-op. Detach returns false when nothing was acquired.
func (u *ScopedUse) Detach() bool {
	if !u.acquired || u.done {
		return false
	}
	u.done = true
	return true
}

// Release releases the acquisition when it succeeded and was not detached.
// It is safe to call more than once.
func (u *ScopedUse) Release() {
	if !u.acquired || u.done {
		return
	}
	u.done = true
	u.barrier.Release()
}
