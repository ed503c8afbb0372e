package dispatch

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"dispatchproxy/pkg/proxy/socks"
)

// DialTimeout bounds a single outbound connection attempt, both for a
// direct candidate address and for reaching a tunnel upstream.
const DialTimeout = 10 * time.Second

// Direct is an egress path that connects straight to the destination
// with a fixed local source address. On Linux the socket is
// additionally bound to the interface owning that address, so the
// routing table cannot steer the flow out of a different uplink.
type Direct struct {
	// IP is the local source address outbound sockets bind to.
	IP net.IP

	// Iface is the name of the interface owning IP. Empty means no
	// device binding, which is all that is needed off Linux.
	Iface string
}

// String implements Backend.
func (d *Direct) String() string { return d.IP.String() }

// Dial implements Backend. Domain destinations are resolved with the
// system resolver, candidates of the source address family first, and
// each candidate gets its own connection attempt and timeout.
func (d *Direct) Dial(ctx context.Context, dst *socks.Destination) (net.Conn, error) {
	candidates, err := d.resolve(ctx, dst)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{
		Timeout:   DialTimeout,
		LocalAddr: &net.TCPAddr{IP: d.IP},
		Control:   d.control,
	}

	var lastErr error
	for _, ip := range candidates {
		addr := net.JoinHostPort(ip.String(), strconv.Itoa(int(dst.Port)))
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("connect %s from %s: %w", dst, d.IP, lastErr)
}

// resolve turns the destination into an ordered list of candidate IPs.
// IP literals pass through untouched; domain names go through the
// system resolver and answers matching the source family are tried
// first.
func (d *Direct) resolve(ctx context.Context, dst *socks.Destination) ([]net.IP, error) {
	if !dst.IsDomain() {
		return []net.IP{dst.IP}, nil
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", dst.Domain)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", dst.Domain, err)
	}

	wantV4 := d.IP.To4() != nil
	preferred := make([]net.IP, 0, len(ips))
	fallback := make([]net.IP, 0, len(ips))
	for _, ip := range ips {
		if (ip.To4() != nil) == wantV4 {
			preferred = append(preferred, ip)
		} else {
			fallback = append(fallback, ip)
		}
	}
	return append(preferred, fallback...), nil
}
