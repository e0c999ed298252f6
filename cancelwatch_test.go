// SPDX-License-Identifier: GPL-3.0-or-later

package streamsock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Cancelling the context closes the socket and unblocks its reads.
func TestWatchContextClosesOnCancel(t *testing.T) {
	_, server := newSocketPair(t, newTestConfig())

	ctx, cancel := context.WithCancel(context.Background())
	stop := WatchContext(ctx, server)
	defer stop()

	alarm := Schedule(50*time.Millisecond, cancel)
	defer alarm.Wait()

	_, err := server.Read(make([]byte, 1))
	require.ErrorIs(t, err, ErrClosed)
	assert.True(t, server.IsClosed())
}

// Stopping the watcher before the context is done prevents the close.
func TestWatchContextStop(t *testing.T) {
	client, _ := newSocketPair(t, newTestConfig())

	ctx, cancel := context.WithCancel(context.Background())
	stop := WatchContext(ctx, client)

	assert.True(t, stop())
	cancel()
	assert.False(t, stop())
	assert.False(t, client.IsClosed())
}

// A context that is already done closes the socket right away.
func TestWatchContextAlreadyDone(t *testing.T) {
	sock, err := NewSocket(newTestConfig(), DefaultSLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	WatchContext(ctx, sock)

	require.Eventually(t, sock.IsClosed, 5*time.Second, 10*time.Millisecond)
}
