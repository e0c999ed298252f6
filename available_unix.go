//go:build linux || darwin || freebsd || netbsd || openbsd

// SPDX-License-Identifier: GPL-3.0-or-later

package streamsock

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// availableBytes returns the bytes buffered by wrappers plus the bytes
// queued in the kernel receive buffer (FIONREAD).
func availableBytes(conn net.Conn) (int, error) {
	total := bufferedBytes(conn)
	sc, ok := underlying(conn).(syscall.Conn)
	if !ok {
		return total, nil
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return total, err
	}
	var (
		count    int
		ioctlErr error
	)
	err = raw.Control(func(fd uintptr) {
		count, ioctlErr = unix.IoctlGetInt(int(fd), unix.FIONREAD)
	})
	if err != nil {
		return total, err
	}
	if ioctlErr != nil {
		return total, ioctlErr
	}
	return total + count, nil
}
