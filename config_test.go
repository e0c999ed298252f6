// SPDX-License-Identifier: GPL-3.0-or-later

package streamsock

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig(t *testing.T) {
	cfg := NewConfig()

	require.NotNil(t, cfg)

	// Dialer should be set to *net.Dialer
	_, ok := cfg.Dialer.(*net.Dialer)
	assert.True(t, ok, "Dialer should be *net.Dialer")

	// ListenConfig should be set to *net.ListenConfig
	_, ok = cfg.ListenConfig.(*net.ListenConfig)
	assert.True(t, ok, "ListenConfig should be *net.ListenConfig")

	// Resolver should be the stdlib default resolver
	assert.Equal(t, Resolver(net.DefaultResolver), cfg.Resolver)

	// Table should be the process-wide table
	assert.Same(t, DefaultDescriptorTable, cfg.Table)

	// ErrClassifier should be DefaultErrClassifier
	assert.Equal(t, "", cfg.ErrClassifier.Classify(nil))

	// TimeNow should be set and return a valid time
	assert.False(t, cfg.TimeNow().IsZero())

	// Addresses are omitted from errors by default
	assert.False(t, cfg.VerboseErrors)
}
