// SPDX-License-Identifier: GPL-3.0-or-later

package streamsock

import (
	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
)

// NewSpanID returns a UUIDv7 identifying a descriptor's lifetime.
//
// Every [*Descriptor] gets one at allocation and every log event concerning
// the descriptor carries it as spanID, so that the events of a connection can
// be grouped even after its handle is reused.
//
// This function panics if the system random number generator fails.
func NewSpanID() string {
	return runtimex.PanicOnError1(uuid.NewV7()).String()
}
