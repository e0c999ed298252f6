// SPDX-License-Identifier: GPL-3.0-or-later

package streamsock

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/bassosimone/netstub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConnectFunc(t *testing.T) {
	fn := NewConnectFunc(NewConfig(), DefaultSLogger())

	require.NotNil(t, fn)
	assert.Equal(t, "tcp", fn.Network)
	assert.NotNil(t, fn.Dialer)
	assert.NotNil(t, fn.Logger)
	assert.NotNil(t, fn.TimeNow)
	assert.NotNil(t, fn.ErrClassifier)
	assert.True(t, fn.Local.IsZero())
}

// Call dials the endpoint string and returns either a conn or an error.
func TestConnectFunc(t *testing.T) {
	tests := []struct {
		// name describes what this test case verifies.
		name string

		// dialErr is the error returned by the mock dialer.
		dialErr error
	}{{
		name: "success",
	}, {
		name:    "dial error",
		dialErr: errors.New("connection refused"),
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotNetwork, gotAddress string
			cfg := NewConfig()
			cfg.Dialer = &netstub.FuncDialer{
				DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
					gotNetwork, gotAddress = network, address
					if tt.dialErr != nil {
						return nil, tt.dialErr
					}
					return newMinimalConn(), nil
				},
			}

			fn := NewConnectFunc(cfg, DefaultSLogger())
			conn, err := fn.Call(context.Background(), UnresolvedEndpoint("93.184.216.34", 443))

			assert.Equal(t, "tcp", gotNetwork)
			assert.Equal(t, "93.184.216.34:443", gotAddress)
			if tt.dialErr != nil {
				require.ErrorIs(t, err, tt.dialErr)
				assert.Nil(t, conn)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, conn)
		})
	}
}

// Call propagates the caller's context deadline to the dialer.
func TestConnectFuncCallerContextDeadline(t *testing.T) {
	cfg := NewConfig()
	dialCalled := false
	expectedTimeout := 5 * time.Second
	cfg.Dialer = &netstub.FuncDialer{
		DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			dialCalled = true
			deadline, ok := ctx.Deadline()
			assert.True(t, ok, "context should have deadline from caller")
			assert.True(t, time.Until(deadline) <= expectedTimeout)
			return nil, errors.New("expected error")
		},
	}

	fn := NewConnectFunc(cfg, DefaultSLogger())
	ctx, cancel := context.WithTimeout(context.Background(), expectedTimeout)
	defer cancel()

	_, _ = fn.Call(ctx, LoopbackEndpoint(80))
	assert.True(t, dialCalled)
}

// A local endpoint is honored by copying the *net.Dialer.
func TestConnectFuncLocalEndpoint(t *testing.T) {
	base := &net.Dialer{Timeout: time.Second}
	cfg := NewConfig()
	cfg.Dialer = base

	fn := NewConnectFunc(cfg, DefaultSLogger())
	assert.Same(t, base, fn.dialer())

	fn.Local = LoopbackEndpoint(4321)
	bound, ok := fn.dialer().(*net.Dialer)
	require.True(t, ok)
	assert.NotSame(t, base, bound)
	assert.Nil(t, base.LocalAddr)
	assert.Equal(t, time.Second, bound.Timeout)
	assert.Equal(t, "127.0.0.1:4321", bound.LocalAddr.String())

	// Other dialers are used as is
	stub := &netstub.FuncDialer{}
	fn.Dialer = stub
	assert.Same(t, stub, fn.dialer())
}

// Call emits connectStart/connectDone tagged with the descriptor.
func TestConnectFuncLogging(t *testing.T) {
	logger, records := newCapturingLogger()

	cfg := NewConfig()
	cfg.Dialer = &netstub.FuncDialer{
		DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			return newMinimalConn(), nil
		},
	}

	fn := NewConnectFunc(cfg, logger)
	fn.Handle = 7
	fn.SpanID = "span"
	_, err := fn.Call(context.Background(), LoopbackEndpoint(80))
	require.NoError(t, err)

	require.Len(t, *records, 2)
	assert.Equal(t, []string{"connectStart", "connectDone"}, recordMessages(records))
	for _, record := range *records {
		attrs := map[string]slog.Value{}
		record.Attrs(func(attr slog.Attr) bool {
			attrs[attr.Key] = attr.Value
			return true
		})
		assert.Equal(t, int64(7), attrs["handle"].Int64())
		assert.Equal(t, "span", attrs["spanID"].String())
		assert.Equal(t, "127.0.0.1:80", attrs["remoteAddr"].String())
	}
}
