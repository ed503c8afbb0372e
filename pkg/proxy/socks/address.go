package socks

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
)

// Destination is the target of a CONNECT request: either an IP literal
// or a domain name, plus a port. Exactly one of IP and Domain is set.
type Destination struct {
	IP     net.IP
	Domain string
	Port   uint16
}

// IsDomain reports whether the destination is a domain name rather than
// an IP literal.
func (d *Destination) IsDomain() bool { return d.IP == nil }

// Host returns the bare host part: the IP in its canonical text form,
// or the domain name.
func (d *Destination) Host() string {
	if d.IsDomain() {
		return d.Domain
	}
	return d.IP.String()
}

// String renders the destination in host:port form, with IPv6 literals
// bracketed so the result is usable as a dial address.
func (d *Destination) String() string {
	return net.JoinHostPort(d.Host(), strconv.Itoa(int(d.Port)))
}

// ReadDestination reads the DST.ADDR and DST.PORT fields of a request
// whose ATYP byte has already been consumed. It reads with io.ReadFull
// so arbitrarily chunked client writes are handled.
//
// The address format follows RFC 1928 Section 4:
//
//	+------+----------+----------+
//	| ATYP | DST.ADDR | DST.PORT |
//	+------+----------+----------+
//	|  1   | Variable |    2     |
func ReadDestination(r io.Reader, addrType byte) (*Destination, error) {
	dst := &Destination{}

	switch addrType {
	case IPv4:
		var buf [net.IPv4len]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, fmt.Errorf("read ipv4 address: %w", err)
		}
		dst.IP = net.IP(append([]byte(nil), buf[:]...))

	case IPv6:
		var buf [net.IPv6len]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, fmt.Errorf("read ipv6 address: %w", err)
		}
		dst.IP = net.IP(append([]byte(nil), buf[:]...))

	case Domain:
		var lenByte [1]byte
		if _, err := io.ReadFull(r, lenByte[:]); err != nil {
			return nil, fmt.Errorf("read domain length: %w", err)
		}
		if lenByte[0] == 0 {
			return nil, &ProtocolError{Stage: StageRequest, Reason: "empty domain name"}
		}
		name := make([]byte, int(lenByte[0]))
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, fmt.Errorf("read domain name: %w", err)
		}
		dst.Domain = string(name)

	default:
		return nil, &ProtocolError{Stage: StageRequest, Reason: "unknown address type"}
	}

	var portBuf [2]byte
	if _, err := io.ReadFull(r, portBuf[:]); err != nil {
		return nil, fmt.Errorf("read port: %w", err)
	}
	dst.Port = binary.BigEndian.Uint16(portBuf[:])

	return dst, nil
}

// AppendRequest appends a full SOCKS5 CONNECT request for the
// destination to buf and returns the extended slice. IP literals keep
// their native family; domain names are encoded as ATYP 3 so the
// receiving proxy resolves them itself.
func (d *Destination) AppendRequest(buf []byte) []byte {
	buf = append(buf, Version5, Connect, 0x00)

	switch {
	case d.IsDomain():
		buf = append(buf, Domain, byte(len(d.Domain)))
		buf = append(buf, d.Domain...)
	case d.IP.To4() != nil:
		buf = append(buf, IPv4)
		buf = append(buf, d.IP.To4()...)
	default:
		buf = append(buf, IPv6)
		buf = append(buf, d.IP.To16()...)
	}

	return binary.BigEndian.AppendUint16(buf, d.Port)
}

// appendBindAddr appends the BND.ATYP, BND.ADDR and BND.PORT fields for
// the local address of an established egress socket. Anything that is
// not a TCP address falls back to 0.0.0.0:0 as the RFC's "unavailable"
// placeholder.
func appendBindAddr(buf []byte, bnd net.Addr) []byte {
	tcpAddr, ok := bnd.(*net.TCPAddr)
	if !ok || tcpAddr == nil || tcpAddr.IP == nil {
		return append(buf, IPv4, 0, 0, 0, 0, 0, 0)
	}

	if ip4 := tcpAddr.IP.To4(); ip4 != nil {
		buf = append(buf, IPv4)
		buf = append(buf, ip4...)
	} else {
		buf = append(buf, IPv6)
		buf = append(buf, tcpAddr.IP.To16()...)
	}

	return binary.BigEndian.AppendUint16(buf, uint16(tcpAddr.Port))
}
