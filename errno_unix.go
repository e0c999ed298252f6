//go:build unix

//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/common/errclass/unix.go
//

package streamsock

import "golang.org/x/sys/unix"

const (
	errnoECONNABORTED = unix.ECONNABORTED
	errnoECONNREFUSED = unix.ECONNREFUSED
	errnoECONNRESET   = unix.ECONNRESET
	errnoEMFILE       = unix.EMFILE
	errnoENFILE       = unix.ENFILE
	errnoENOBUFS      = unix.ENOBUFS
	errnoEPIPE        = unix.EPIPE
	errnoETIMEDOUT    = unix.ETIMEDOUT
)
