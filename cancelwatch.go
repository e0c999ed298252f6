// SPDX-License-Identifier: GPL-3.0-or-later

package streamsock

import (
	"context"
	"io"
)

// WatchContext arranges for c to be closed when ctx is done (cancelled or
// deadline exceeded) and returns a function that unregisters the watcher.
//
// Blocking socket calls do not take a context: closure is their only
// cancellation signal. WatchContext binds a context to that signal, so that,
// e.g., a ^C delivered through [signal.NotifyContext] makes every blocked
// Read, Write, Accept or Connect on c fail with [ErrClosed] promptly.
//
// The stop function reports whether it prevented the close. Call it once
// the socket no longer needs to follow ctx, to avoid keeping c reachable.
func WatchContext(ctx context.Context, c io.Closer) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		c.Close()
	})
}
