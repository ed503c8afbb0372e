package dispatch

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"dispatchproxy/pkg/proxy/socks"
)

// TunnelError reports an upstream SOCKS5 proxy that completed the TCP
// connect but rejected the handshake. Rep holds the upstream's reply
// code, or 0xFF when the upstream refused method negotiation.
type TunnelError struct {
	Upstream string
	Rep      byte
}

func (e *TunnelError) Error() string {
	if e.Rep == socks.NoAcceptableMethods {
		return fmt.Sprintf("upstream %s refused authentication methods", e.Upstream)
	}
	return fmt.Sprintf("upstream %s rejected request with code %#02x", e.Upstream, e.Rep)
}

// ReplyCode maps any tunnel rejection to a general failure toward the
// client; the upstream's own code is meaningless in the client's
// network view.
func (e *TunnelError) ReplyCode() byte { return socks.GeneralFailure }

// Tunnel is an egress path through an upstream SOCKS5 proxy. Each Dial
// opens a fresh TCP connection to the upstream and performs a nested
// client-side CONNECT handshake for the requested destination. Domain
// names are forwarded un-resolved so the upstream resolves them in its
// own network view.
type Tunnel struct {
	// Addr is the upstream proxy in host:port form.
	Addr string
}

// String implements Backend.
func (t *Tunnel) String() string { return t.Addr }

// Dial implements Backend.
func (t *Tunnel) Dial(ctx context.Context, dst *socks.Destination) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.Addr)
	if err != nil {
		return nil, fmt.Errorf("connect upstream %s: %w", t.Addr, err)
	}

	if err := t.handshake(conn, dst); err != nil {
		conn.Close()
		return nil, err
	}

	conn.SetDeadline(time.Time{})
	return conn, nil
}

// handshake runs the client half of the SOCKS5 exchange on conn. The
// whole exchange shares one deadline; the caller clears it on success.
func (t *Tunnel) handshake(conn net.Conn, dst *socks.Destination) error {
	conn.SetDeadline(time.Now().Add(DialTimeout))

	// Greeting: version 5, one method, NoAuth.
	if _, err := conn.Write([]byte{socks.Version5, 0x01, socks.NoAuth}); err != nil {
		return fmt.Errorf("write upstream greeting: %w", err)
	}

	var choice [2]byte
	if _, err := io.ReadFull(conn, choice[:]); err != nil {
		return fmt.Errorf("read upstream method selection: %w", err)
	}
	if choice[0] != socks.Version5 || choice[1] != socks.NoAuth {
		return &TunnelError{Upstream: t.Addr, Rep: socks.NoAcceptableMethods}
	}

	req := dst.AppendRequest(make([]byte, 0, 22))
	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("write upstream request: %w", err)
	}

	var reply [4]byte
	if _, err := io.ReadFull(conn, reply[:]); err != nil {
		return fmt.Errorf("read upstream reply: %w", err)
	}
	if reply[0] != socks.Version5 {
		return fmt.Errorf("upstream %s sent version %#02x", t.Addr, reply[0])
	}
	if reply[1] != socks.Succeeded {
		return &TunnelError{Upstream: t.Addr, Rep: reply[1]}
	}

	// Drain BND.ADDR and BND.PORT; the upstream's bind address is of no
	// use to anyone behind this proxy.
	if _, err := socks.ReadDestination(conn, reply[3]); err != nil {
		return fmt.Errorf("read upstream bind address: %w", err)
	}

	return nil
}
