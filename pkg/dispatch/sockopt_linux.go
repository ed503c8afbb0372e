//go:build linux

package dispatch

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// control binds the socket to the backend's interface before the kernel
// routes the connect. SO_BINDTODEVICE needs CAP_NET_RAW; without it the
// bind fails with EPERM, which is surfaced to the caller instead of
// silently falling back to plain source-address routing.
func (d *Direct) control(network, address string, c syscall.RawConn) error {
	if d.Iface == "" {
		return nil
	}

	var opErr error
	if err := c.Control(func(fd uintptr) {
		opErr = unix.BindToDevice(int(fd), d.Iface)
	}); err != nil {
		return err
	}
	return opErr
}
