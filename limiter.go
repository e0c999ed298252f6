// SPDX-License-Identifier: GPL-3.0-or-later

package streamsock

import (
	"sync"

	"github.com/bassosimone/runtimex"
	"golang.org/x/sync/semaphore"
)

// Limiter is a bounded counter of open descriptors.
//
// A [*DescriptorTable] holds one Limiter per [Family]. The zero value is
// not usable; construct with [NewLimiter].
type Limiter struct {
	mu    sync.Mutex
	max   int64
	sem   *semaphore.Weighted
	held  int64 // slots of sem held; never above inUse
	inUse int64
}

// NewLimiter returns a [*Limiter] admitting at most max holders. A max of
// zero or less means unlimited.
func NewLimiter(max int64) *Limiter {
	l := &Limiter{}
	l.SetMax(max)
	return l
}

// SetMax changes the maximum. Current holders count against the new
// maximum: when they already exceed it, TryAcquire fails until enough of
// them have released their slot.
func (l *Limiter) SetMax(max int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.max, l.sem, l.held = max, nil, 0
	if max > 0 {
		l.sem = semaphore.NewWeighted(max)
		l.held = min(l.inUse, max)
		runtimex.Assert(l.sem.TryAcquire(l.held))
	}
}

// TryAcquire takes a slot without blocking and reports whether it succeeded.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sem != nil {
		if !l.sem.TryAcquire(1) {
			return false
		}
		l.held++
	}
	l.inUse++
	return true
}

// Release returns a slot taken with [*Limiter.TryAcquire].
//
// Releasing more slots than were acquired is a programming error and panics.
func (l *Limiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	runtimex.Assert(l.inUse > 0)
	l.inUse--
	if l.held > l.inUse {
		l.held--
		l.sem.Release(1)
	}
}

// InUse returns the number of slots currently held.
func (l *Limiter) InUse() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inUse
}

// Max returns the configured maximum, zero or less meaning unlimited.
func (l *Limiter) Max() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.max
}
