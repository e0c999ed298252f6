// SPDX-License-Identifier: GPL-3.0-or-later

package streamsock

import (
	"context"
	"io"
	"sync"
)

// State is the lifecycle state of a [*Descriptor].
//
// Transitions only move forward:
//
//	Unbound -> Bound -> {Connected | Listening} -> Closed
//
// Closed is reachable from every state. Input and output shutdown are
// independent flags on top of Connected, not states.
type State int

const (
	// StateUnbound is the state of a freshly allocated descriptor.
	StateUnbound State = iota

	// StateBound means the local address is fixed.
	StateBound

	// StateConnected means the remote address is fixed.
	StateConnected

	// StateListening means the descriptor accepts connections.
	StateListening

	// StateClosed is terminal.
	StateClosed
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateBound:
		return "bound"
	case StateConnected:
		return "connected"
	case StateListening:
		return "listening"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Descriptor is the logical state of an open socket plus the OS resource
// backing it. Descriptors are created by [*DescriptorTable.Allocate] and
// owned by exactly one [*Socket], [*Listener] or [*DatagramSocket].
//
// All methods are safe for concurrent use.
type Descriptor struct {
	family  Family
	handle  int64
	limiter *Limiter
	spanID  string

	// closeCtx is cancelled when the descriptor is closed. In-flight dials
	// and resolutions derive their context from it.
	closeCtx context.Context
	cancel   context.CancelFunc

	mu         sync.Mutex
	eof        bool
	inputShut  bool
	local      Endpoint
	outputShut bool
	remote     Endpoint
	reset      bool
	resource   io.Closer
	state      State
}

func newDescriptor(family Family, handle int64, limiter *Limiter) *Descriptor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Descriptor{
		family:   family,
		handle:   handle,
		limiter:  limiter,
		spanID:   NewSpanID(),
		closeCtx: ctx,
		cancel:   cancel,
		state:    StateUnbound,
	}
}

// Handle returns the table handle.
func (d *Descriptor) Handle() int64 {
	return d.handle
}

// Family returns the protocol family.
func (d *Descriptor) Family() Family {
	return d.family
}

// SpanID returns the span ID attached to every log event of this descriptor.
func (d *Descriptor) SpanID() string {
	return d.spanID
}

// Done returns a channel closed when the descriptor is closed.
func (d *Descriptor) Done() <-chan struct{} {
	return d.closeCtx.Done()
}

// State returns the current lifecycle state.
func (d *Descriptor) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// IsClosed returns whether the descriptor is closed.
func (d *Descriptor) IsClosed() bool {
	return d.State() == StateClosed
}

// InputShut returns whether the input side has been shut down.
func (d *Descriptor) InputShut() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inputShut
}

// OutputShut returns whether the output side has been shut down.
func (d *Descriptor) OutputShut() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outputShut
}

// LocalAddr returns the last known local endpoint. It remains valid after close.
func (d *Descriptor) LocalAddr() Endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.local
}

// RemoteAddr returns the last known remote endpoint. It remains valid after close.
func (d *Descriptor) RemoteAddr() Endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remote
}

// descSnapshot is a consistent copy of the mutable descriptor flags.
type descSnapshot struct {
	eof        bool
	inputShut  bool
	outputShut bool
	reset      bool
	state      State
}

func (d *Descriptor) snapshot() descSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return descSnapshot{
		eof:        d.eof,
		inputShut:  d.inputShut,
		outputShut: d.outputShut,
		reset:      d.reset,
		state:      d.state,
	}
}

// attach binds the OS resource to the descriptor. If the descriptor was
// closed meanwhile, the resource is closed and attach fails with [ErrClosed].
func (d *Descriptor) attach(res io.Closer) error {
	d.mu.Lock()
	if d.state == StateClosed {
		d.mu.Unlock()
		res.Close()
		return ErrClosed
	}
	d.resource = res
	d.mu.Unlock()
	return nil
}

// setBound records the local endpoint of a bound descriptor.
func (d *Descriptor) setBound(local Endpoint) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case StateClosed:
		return ErrClosed
	case StateUnbound:
		d.local = local
		d.state = StateBound
		return nil
	default:
		return ErrAlreadyBound
	}
}

// setConnected records both endpoints of a connected descriptor.
func (d *Descriptor) setConnected(local, remote Endpoint) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case StateClosed:
		return ErrClosed
	case StateUnbound, StateBound:
		d.local = local
		d.remote = remote
		d.state = StateConnected
		return nil
	default:
		return ErrAlreadyConnected
	}
}

// setListening records the local endpoint of a listening descriptor.
func (d *Descriptor) setListening(local Endpoint) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case StateClosed:
		return ErrClosed
	case StateUnbound, StateBound:
		d.local = local
		d.state = StateListening
		return nil
	default:
		return ErrAlreadyBound
	}
}

// shutInput sets the input flag and reports whether it was newly set.
func (d *Descriptor) shutInput() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inputShut || d.state == StateClosed {
		return false
	}
	d.inputShut = true
	return true
}

// shutOutput sets the output flag and reports whether it was newly set.
func (d *Descriptor) shutOutput() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.outputShut || d.state == StateClosed {
		return false
	}
	d.outputShut = true
	return true
}

// markEOF records that the peer shut down its output.
func (d *Descriptor) markEOF() {
	d.mu.Lock()
	d.eof = true
	d.mu.Unlock()
}

// markReset records that the peer reset the connection.
func (d *Descriptor) markReset() {
	d.mu.Lock()
	d.reset = true
	d.mu.Unlock()
}

// markClosed moves to [StateClosed], cancels closeCtx and returns the
// attached resource. The boolean is false if the descriptor was already closed.
func (d *Descriptor) markClosed() (io.Closer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateClosed {
		return nil, false
	}
	d.state = StateClosed
	d.cancel()
	res := d.resource
	d.resource = nil
	return res, true
}
