// SPDX-License-Identifier: GPL-3.0-or-later

package streamsock

import (
	"sync"
)

// Family is a protocol family with its own descriptor cap.
type Family string

const (
	// FamilyStream is the family of [*Socket] and [*Listener].
	FamilyStream Family = "tcp"

	// FamilyDatagram is the family of [*DatagramSocket].
	FamilyDatagram Family = "udp"
)

// DescriptorTable maps handles to open descriptors and enforces an optional
// cap on simultaneously open descriptors of each [Family].
//
// All methods are safe for concurrent use.
type DescriptorTable struct {
	mu      sync.Mutex
	entries map[int64]*Descriptor
	limits  map[Family]*Limiter
	next    int64
}

// DefaultDescriptorTable is the table used by [NewConfig].
var DefaultDescriptorTable = NewDescriptorTable()

// NewDescriptorTable returns an empty [*DescriptorTable] without caps.
func NewDescriptorTable() *DescriptorTable {
	return &DescriptorTable{
		entries: make(map[int64]*Descriptor),
		limits:  make(map[Family]*Limiter),
	}
}

// SetLimit caps the number of open descriptors of the given family. A max
// of zero or less removes the cap. Descriptors already open count against
// the new cap.
func (t *DescriptorTable) SetLimit(family Family, max int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limiterLocked(family).SetMax(max)
}

// Limit returns the [*Limiter] currently in use for the family.
func (t *DescriptorTable) Limit(family Family) *Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limiterLocked(family)
}

func (t *DescriptorTable) limiterLocked(family Family) *Limiter {
	l := t.limits[family]
	if l == nil {
		l = NewLimiter(0)
		t.limits[family] = l
	}
	return l
}

// Allocate creates an unbound [*Descriptor].
//
// Fails with [ErrResourceExhausted] when the family's cap is reached.
func (t *DescriptorTable) Allocate(family Family) (*Descriptor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	limiter := t.limiterLocked(family)
	if !limiter.TryAcquire() {
		return nil, &OpError{Op: "socket", Kind: ErrResourceExhausted}
	}
	t.next++
	desc := newDescriptor(family, t.next, limiter)
	t.entries[desc.handle] = desc
	return desc, nil
}

// Release closes the descriptor and the OS resource attached to it.
//
// Release is idempotent and safe to call concurrently with operations
// blocked on the descriptor, which then fail with [ErrClosed]. The OS
// resource is closed outside the table lock, so a lingering close does
// not delay other allocations or releases.
func (t *DescriptorTable) Release(desc *Descriptor) error {
	res, first := desc.markClosed()
	if !first {
		return nil
	}

	t.mu.Lock()
	delete(t.entries, desc.handle)
	t.mu.Unlock()

	var err error
	if res != nil {
		err = res.Close()
	}
	desc.limiter.Release()
	return err
}

// Lookup returns the open descriptor with the given handle.
func (t *DescriptorTable) Lookup(handle int64) (*Descriptor, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	desc, ok := t.entries[handle]
	return desc, ok
}

// Len returns the number of open descriptors.
func (t *DescriptorTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
