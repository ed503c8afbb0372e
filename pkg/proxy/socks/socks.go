package socks

import (
	"fmt"
	"io"
	"net"
	"time"
)

// failureBody is the fixed tail of a negative reply: RSV, ATYP 1 and a
// zeroed 0.0.0.0:0 bind address.
var failureBody = [8]byte{0x00, IPv4, 0, 0, 0, 0, 0, 0}

// ReadRequest drives the greeting, method selection and request phases
// of the server-side SOCKS5 exchange on conn and returns the requested
// destination. It writes the method selection reply itself, and a
// negative request reply where the RFC mandates one; the success reply
// is the caller's job once its egress connection is up.
//
// Each individual read is bounded by HandshakeReadTimeout. The deadline
// is cleared before returning so it never bleeds into the relay phase.
func ReadRequest(conn net.Conn) (*Destination, error) {
	defer conn.SetReadDeadline(time.Time{})

	// Greeting: VER, NMETHODS, METHODS...
	var head [2]byte
	if err := readFull(conn, head[:]); err != nil {
		return nil, fmt.Errorf("read greeting: %w", err)
	}
	if head[0] != Version5 {
		return nil, &ProtocolError{Stage: StageGreeting, Reason: fmt.Sprintf("unsupported version %#02x", head[0])}
	}
	if head[1] == 0 {
		return nil, &ProtocolError{Stage: StageGreeting, Reason: "zero authentication methods"}
	}

	methods := make([]byte, int(head[1]))
	if err := readFull(conn, methods); err != nil {
		return nil, fmt.Errorf("read methods: %w", err)
	}

	if !containsMethod(methods, NoAuth) {
		// Tell the client nothing we support was offered, then drop it.
		conn.Write([]byte{Version5, NoAcceptableMethods})
		return nil, &ProtocolError{Stage: StageMethod, Reason: "no acceptable authentication method"}
	}

	if _, err := conn.Write([]byte{Version5, NoAuth}); err != nil {
		return nil, fmt.Errorf("write method selection: %w", err)
	}

	// Request envelope: VER, CMD, RSV, ATYP.
	var req [4]byte
	if err := readFull(conn, req[:]); err != nil {
		return nil, fmt.Errorf("read request: %w", err)
	}
	if req[0] != Version5 {
		return nil, &ProtocolError{Stage: StageRequest, Reason: fmt.Sprintf("unsupported version %#02x", req[0])}
	}
	if req[2] != 0x00 {
		return nil, &ProtocolError{Stage: StageRequest, Reason: "nonzero reserved byte"}
	}
	if req[1] != Connect {
		SendFailure(conn, CommandNotSupported)
		return nil, &ProtocolError{Stage: StageRequest, Reason: fmt.Sprintf("unsupported command %#02x", req[1])}
	}

	switch req[3] {
	case IPv4, IPv6, Domain:
	default:
		SendFailure(conn, AddressTypeNotSupported)
		return nil, &ProtocolError{Stage: StageRequest, Reason: fmt.Sprintf("unsupported address type %#02x", req[3])}
	}

	return ReadDestination(deadlineReader{conn}, req[3])
}

// SendSuccess writes the success reply carrying the local address of
// the established egress socket as the BND fields.
func SendSuccess(conn net.Conn, bnd net.Addr) error {
	reply := make([]byte, 0, 22)
	reply = append(reply, Version5, Succeeded, 0x00)
	reply = appendBindAddr(reply, bnd)
	_, err := conn.Write(reply)
	return err
}

// SendFailure writes a negative reply with the given code. The caller
// closes the connection afterwards.
func SendFailure(conn net.Conn, rep byte) error {
	reply := make([]byte, 0, 10)
	reply = append(reply, Version5, rep)
	reply = append(reply, failureBody[:]...)
	_, err := conn.Write(reply)
	return err
}

func containsMethod(methods []byte, want byte) bool {
	for _, m := range methods {
		if m == want {
			return true
		}
	}
	return false
}

// readFull arms the handshake deadline and fills buf.
func readFull(conn net.Conn, buf []byte) error {
	if err := conn.SetReadDeadline(time.Now().Add(HandshakeReadTimeout)); err != nil {
		return err
	}
	_, err := io.ReadFull(conn, buf)
	return err
}

// deadlineReader re-arms the handshake deadline before every read so a
// slowly trickling address field cannot stall the handshake forever.
type deadlineReader struct {
	conn net.Conn
}

func (r deadlineReader) Read(p []byte) (int, error) {
	if err := r.conn.SetReadDeadline(time.Now().Add(HandshakeReadTimeout)); err != nil {
		return 0, err
	}
	return r.conn.Read(p)
}
