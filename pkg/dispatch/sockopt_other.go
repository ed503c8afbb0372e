//go:build !linux

package dispatch

import "syscall"

// control is a no-op off Linux: binding the source address is enough to
// pick the uplink on macOS and Windows, and SO_BINDTODEVICE does not
// exist there.
func (d *Direct) control(network, address string, c syscall.RawConn) error {
	return nil
}
