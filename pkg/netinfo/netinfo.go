// Package netinfo enumerates local interface addresses and probes them
// for working internet connectivity. It backs the --list output, the
// startup validation of configured source IPs, and auto-detection.
package netinfo

import (
	"context"
	"net"
	"sync"
	"time"
)

// Probe targets: a well-known anycast DNS endpoint per family. A TCP
// connect succeeding from a given source address is taken as proof the
// uplink behind it works.
const (
	probeV4      = "1.1.1.1:53"
	probeV6      = "[2606:4700:4700::1111]:53"
	probeTimeout = 3 * time.Second
)

// IfaceAddr is one address assigned to a local interface.
type IfaceAddr struct {
	Name string
	IP   net.IP
}

// Interfaces returns every non-loopback unicast address in enumeration
// order.
func Interfaces() ([]IfaceAddr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var out []IfaceAddr
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() {
				continue
			}
			out = append(out, IfaceAddr{Name: iface.Name, IP: ipNet.IP})
		}
	}
	return out, nil
}

// InterfaceFor returns the name of the interface the given IP is
// assigned to.
func InterfaceFor(ip net.IP) (string, bool) {
	addrs, err := Interfaces()
	if err != nil {
		return "", false
	}
	for _, addr := range addrs {
		if addr.IP.Equal(ip) {
			return addr.Name, true
		}
	}
	return "", false
}

// Probe reports whether a TCP connection to the per-family probe target
// can be established with ip as the source address.
func Probe(ctx context.Context, ip net.IP) bool {
	target := probeV4
	if ip.To4() == nil {
		target = probeV6
	}

	dialer := &net.Dialer{
		Timeout:   probeTimeout,
		LocalAddr: &net.TCPAddr{IP: ip},
	}
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Detect probes every non-loopback address concurrently and returns the
// ones with working connectivity, preserving enumeration order so the
// resulting dispatch schedule is reproducible across runs.
func Detect(ctx context.Context) ([]IfaceAddr, error) {
	candidates, err := Interfaces()
	if err != nil {
		return nil, err
	}

	ok := make([]bool, len(candidates))
	var wg sync.WaitGroup
	for i, cand := range candidates {
		wg.Add(1)
		go func(i int, ip net.IP) {
			defer wg.Done()
			ok[i] = Probe(ctx, ip)
		}(i, cand.IP)
	}
	wg.Wait()

	var out []IfaceAddr
	for i, cand := range candidates {
		if ok[i] {
			out = append(out, cand)
		}
	}
	return out, nil
}

// Family names the address family of ip for display purposes.
func Family(ip net.IP) string {
	if ip.To4() != nil {
		return "IPv4"
	}
	return "IPv6"
}
