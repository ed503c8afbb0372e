package dispatch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"

	"dispatchproxy/pkg/proxy/socks"
)

// upstreamScript runs a scripted SOCKS5 upstream on a loopback listener
// and returns its address plus a channel carrying the raw request bytes
// it received after method negotiation.
func upstreamScript(t *testing.T, reply []byte) (string, <-chan []byte) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	requests := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		greeting := make([]byte, 3)
		if _, err := io.ReadFull(conn, greeting); err != nil {
			return
		}
		if _, err := conn.Write([]byte{socks.Version5, socks.NoAuth}); err != nil {
			return
		}

		// Read the fixed header, then the variable address body.
		head := make([]byte, 4)
		if _, err := io.ReadFull(conn, head); err != nil {
			return
		}
		var bodyLen int
		switch head[3] {
		case socks.IPv4:
			bodyLen = net.IPv4len + 2
		case socks.IPv6:
			bodyLen = net.IPv6len + 2
		case socks.Domain:
			l := make([]byte, 1)
			if _, err := io.ReadFull(conn, l); err != nil {
				return
			}
			head = append(head, l[0])
			bodyLen = int(l[0]) + 2
		}
		body := make([]byte, bodyLen)
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}
		requests <- append(head, body...)

		conn.Write(reply)
	}()

	return ln.Addr().String(), requests
}

var successReply = []byte{socks.Version5, socks.Succeeded, 0x00, socks.IPv4, 0, 0, 0, 0, 0, 0}

func TestTunnelForwardsDomainUnresolved(t *testing.T) {
	addr, requests := upstreamScript(t, successReply)

	tun := &Tunnel{Addr: addr}
	dst := &socks.Destination{Domain: "example.com", Port: 443}

	conn, err := tun.Dial(context.Background(), dst)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	want := []byte{
		socks.Version5, socks.Connect, 0x00, socks.Domain,
		0x0B, 'e', 'x', 'a', 'm', 'p', 'l', 'e', '.', 'c', 'o', 'm',
		0x01, 0xBB,
	}
	if got := <-requests; !bytes.Equal(got, want) {
		t.Errorf("upstream request = %x, want %x", got, want)
	}
}

func TestTunnelEncodesIPLiterals(t *testing.T) {
	addr, requests := upstreamScript(t, successReply)

	tun := &Tunnel{Addr: addr}
	dst := &socks.Destination{IP: net.IPv4(127, 0, 0, 1), Port: 80}

	conn, err := tun.Dial(context.Background(), dst)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	want := []byte{socks.Version5, socks.Connect, 0x00, socks.IPv4, 127, 0, 0, 1, 0x00, 0x50}
	if got := <-requests; !bytes.Equal(got, want) {
		t.Errorf("upstream request = %x, want %x", got, want)
	}
}

func TestTunnelRejectionMapsToGeneralFailure(t *testing.T) {
	refused := []byte{socks.Version5, socks.ConnectionNotAllowed, 0x00, socks.IPv4, 0, 0, 0, 0, 0, 0}
	addr, _ := upstreamScript(t, refused)

	tun := &Tunnel{Addr: addr}
	dst := &socks.Destination{Domain: "example.com", Port: 443}

	_, err := tun.Dial(context.Background(), dst)
	if err == nil {
		t.Fatal("expected rejection error")
	}

	var tunErr *TunnelError
	if !errors.As(err, &tunErr) {
		t.Fatalf("error %v is not a *TunnelError", err)
	}
	if tunErr.Rep != socks.ConnectionNotAllowed {
		t.Errorf("Rep = %#02x, want %#02x", tunErr.Rep, socks.ConnectionNotAllowed)
	}
	if got := socks.ReplyFor(err); got != socks.GeneralFailure {
		t.Errorf("ReplyFor = %#02x, want general failure", got)
	}
}

func TestTunnelMethodRefusal(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		greeting := make([]byte, 3)
		io.ReadFull(conn, greeting)
		conn.Write([]byte{socks.Version5, socks.NoAcceptableMethods})
	}()

	tun := &Tunnel{Addr: ln.Addr().String()}
	_, err = tun.Dial(context.Background(), &socks.Destination{Domain: "example.com", Port: 80})

	var tunErr *TunnelError
	if !errors.As(err, &tunErr) {
		t.Fatalf("error %v is not a *TunnelError", err)
	}
	if tunErr.Rep != socks.NoAcceptableMethods {
		t.Errorf("Rep = %#02x, want %#02x", tunErr.Rep, socks.NoAcceptableMethods)
	}
}
