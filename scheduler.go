// SPDX-License-Identifier: GPL-3.0-or-later

package streamsock

import (
	"sync"
	"time"
)

// Alarm is a deferred action created by [Schedule].
type Alarm struct {
	done  chan struct{}
	once  sync.Once
	timer *time.Timer
}

// Schedule runs fn on its own goroutine after delay.
//
// This is the way to provoke races with blocked socket calls: for example,
// schedule a Close or ShutdownInput and then block in Read.
func Schedule(delay time.Duration, fn func()) *Alarm {
	a := &Alarm{done: make(chan struct{})}
	a.timer = time.AfterFunc(delay, func() {
		defer a.finish()
		fn()
	})
	return a
}

func (a *Alarm) finish() {
	a.once.Do(func() {
		close(a.done)
	})
}

// Stop cancels the action and reports whether it prevented it from running.
func (a *Alarm) Stop() bool {
	stopped := a.timer.Stop()
	if stopped {
		a.finish()
	}
	return stopped
}

// Wait blocks until the action has run or has been stopped.
func (a *Alarm) Wait() {
	<-a.done
}

// Done returns a channel closed once the action has run or has been stopped.
func (a *Alarm) Done() <-chan struct{} {
	return a.done
}
