package socks

import (
	"bytes"
	"net"
	"testing"
	"testing/iotest"
)

func TestReadDestinationIPv4(t *testing.T) {
	r := bytes.NewReader([]byte{10, 0, 0, 1, 0x1F, 0x90})

	dst, err := ReadDestination(r, IPv4)
	if err != nil {
		t.Fatalf("ReadDestination: %v", err)
	}
	if dst.IsDomain() {
		t.Fatal("expected IP destination")
	}
	if got := dst.String(); got != "10.0.0.1:8080" {
		t.Errorf("String() = %q, want %q", got, "10.0.0.1:8080")
	}
}

func TestReadDestinationIPv6(t *testing.T) {
	raw := append(net.ParseIP("2001:db8::1").To16(), 0x00, 0x50)

	dst, err := ReadDestination(bytes.NewReader(raw), IPv6)
	if err != nil {
		t.Fatalf("ReadDestination: %v", err)
	}
	if got := dst.String(); got != "[2001:db8::1]:80" {
		t.Errorf("String() = %q, want %q", got, "[2001:db8::1]:80")
	}
}

func TestReadDestinationDomain(t *testing.T) {
	raw := append([]byte{11}, []byte("example.com")...)
	raw = append(raw, 0x01, 0xBB)

	dst, err := ReadDestination(bytes.NewReader(raw), Domain)
	if err != nil {
		t.Fatalf("ReadDestination: %v", err)
	}
	if !dst.IsDomain() || dst.Domain != "example.com" {
		t.Errorf("Domain = %q, want example.com", dst.Domain)
	}
	if dst.Port != 443 {
		t.Errorf("Port = %d, want 443", dst.Port)
	}
}

// The codec must cope with a client trickling one byte at a time.
func TestReadDestinationChunkedReads(t *testing.T) {
	raw := append([]byte{11}, []byte("example.com")...)
	raw = append(raw, 0x01, 0xBB)

	dst, err := ReadDestination(iotest.OneByteReader(bytes.NewReader(raw)), Domain)
	if err != nil {
		t.Fatalf("ReadDestination: %v", err)
	}
	if dst.Domain != "example.com" || dst.Port != 443 {
		t.Errorf("got %s, want example.com:443", dst)
	}
}

func TestReadDestinationEmptyDomain(t *testing.T) {
	_, err := ReadDestination(bytes.NewReader([]byte{0, 0x01, 0xBB}), Domain)
	if _, ok := err.(*ProtocolError); !ok {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
}

func TestReadDestinationUnknownType(t *testing.T) {
	_, err := ReadDestination(bytes.NewReader(nil), 0x02)
	if _, ok := err.(*ProtocolError); !ok {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
}

func TestAppendRequestDomain(t *testing.T) {
	dst := &Destination{Domain: "example.com", Port: 443}

	want := []byte{
		Version5, Connect, 0x00, Domain,
		0x0B, 'e', 'x', 'a', 'm', 'p', 'l', 'e', '.', 'c', 'o', 'm',
		0x01, 0xBB,
	}
	if got := dst.AppendRequest(nil); !bytes.Equal(got, want) {
		t.Errorf("AppendRequest = %x, want %x", got, want)
	}
}

func TestAppendRequestIPv6(t *testing.T) {
	ip := net.ParseIP("2001:db8::1")
	dst := &Destination{IP: ip, Port: 80}

	want := append([]byte{Version5, Connect, 0x00, IPv6}, ip.To16()...)
	want = append(want, 0x00, 0x50)
	if got := dst.AppendRequest(nil); !bytes.Equal(got, want) {
		t.Errorf("AppendRequest = %x, want %x", got, want)
	}
}

func TestBindAddrEncoding(t *testing.T) {
	tests := []struct {
		name string
		bnd  net.Addr
		want []byte
	}{
		{
			name: "ipv4",
			bnd:  &net.TCPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 55555},
			want: []byte{IPv4, 0x01, 0x02, 0x03, 0x04, 0xD9, 0x03},
		},
		{
			name: "ipv6",
			bnd:  &net.TCPAddr{IP: net.ParseIP("fe80::1234"), Port: 443},
			want: append(append([]byte{IPv6}, net.ParseIP("fe80::1234").To16()...), 0x01, 0xBB),
		},
		{
			name: "unavailable",
			bnd:  nil,
			want: []byte{IPv4, 0, 0, 0, 0, 0, 0},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := appendBindAddr(nil, tc.bnd); !bytes.Equal(got, tc.want) {
				t.Errorf("appendBindAddr = %x, want %x", got, tc.want)
			}
		})
	}
}
