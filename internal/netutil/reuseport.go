// Package netutil provides the SO_REUSEPORT-enabled UDP listener
// construction spec §5 requires so that multiple worker processes can bind
// the same port and let the kernel load-balance ingress datagrams across
// them. Grounded on the teacher's golang.org/x/sys/unix dependency (used
// there for platform syscalls); this package is the one place in the repo
// that needs raw socket-option control.
package netutil

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// ListenUDPReusePort opens a UDP socket bound to addr with SO_REUSEADDR and
// SO_REUSEPORT set, so N worker processes can each call this with the same
// addr and have the kernel distribute datagrams across them.
func ListenUDPReusePort(ctx context.Context, network, addr string) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
					sockErr = fmt.Errorf("set SO_REUSEADDR: %w", err)
					return
				}
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
					sockErr = fmt.Errorf("set SO_REUSEPORT: %w", err)
					return
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	pc, err := lc.ListenPacket(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("netutil: listen %s %s: %w", network, addr, err)
	}
	udpConn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("netutil: %s is not a UDP listener", network)
	}
	return udpConn, nil
}
