//go:build windows

//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/common/errclass/windows.go
//

package streamsock

import "golang.org/x/sys/windows"

const (
	errnoECONNABORTED = windows.WSAECONNABORTED
	errnoECONNREFUSED = windows.WSAECONNREFUSED
	errnoECONNRESET   = windows.WSAECONNRESET
	errnoEMFILE       = windows.WSAEMFILE
	errnoENFILE       = windows.ERROR_TOO_MANY_OPEN_FILES
	errnoENOBUFS      = windows.WSAENOBUFS
	errnoEPIPE        = windows.ERROR_BROKEN_PIPE
	errnoETIMEDOUT    = windows.WSAETIMEDOUT
)
