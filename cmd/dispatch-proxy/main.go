// Package main implements the dispatch-proxy command: a SOCKS5 server
// that spreads outbound connections across multiple egress paths with
// weighted round-robin dispatch.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/jedib0t/go-pretty/table"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"dispatchproxy/pkg/dispatch"
	"dispatchproxy/pkg/netinfo"
	"dispatchproxy/pkg/proxy/server"
)

// Exit codes.
const (
	Success    = 0 // normal termination
	ErrConfig  = 1 // invalid arguments or startup error
	ErrRuntime = 2 // listener crashed at runtime
)

// gracePeriod is how long in-flight connections may drain after an
// interrupt before being force-closed.
const gracePeriod = 5 * time.Second

// options holds the parsed command line.
type options struct {
	lhost  string
	lport  uint
	list   bool
	tunnel bool
	quiet  bool
	auto   bool
}

// fatalf reports a startup or runtime-fatal error directly on stderr,
// independent of the logger so --quiet cannot swallow it, and exits
// with the given code.
func fatalf(code int, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "dispatch-proxy: "+format+"\n", args...)
	os.Exit(code)
}

// init configures logging with zerolog.
func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func main() {
	var opts options

	flag.StringVar(&opts.lhost, "lhost", "127.0.0.1", "host to listen on for SOCKS connections")
	flag.UintVar(&opts.lport, "lport", 8080, "port to listen on for SOCKS connections")
	flag.BoolVar(&opts.list, "l", false, "list the available addresses for dispatching and exit")
	flag.BoolVar(&opts.list, "list", false, "list the available addresses for dispatching and exit")
	flag.BoolVar(&opts.tunnel, "t", false, "tunnel mode: backends are upstream SOCKS5 proxies")
	flag.BoolVar(&opts.tunnel, "tunnel", false, "tunnel mode: backends are upstream SOCKS5 proxies")
	flag.BoolVar(&opts.quiet, "q", false, "disable logs")
	flag.BoolVar(&opts.quiet, "quiet", false, "disable logs")
	flag.BoolVar(&opts.auto, "a", false, "auto-detect addresses with working connectivity")
	flag.BoolVar(&opts.auto, "auto", false, "auto-detect addresses with working connectivity")
	flag.Usage = usage
	flag.Parse()

	if opts.quiet {
		zerolog.SetGlobalLevel(zerolog.Disabled)
	}

	if opts.list {
		if err := renderInterfaceList(os.Stdout); err != nil {
			fatalf(ErrConfig, "failed to enumerate interfaces: %v", err)
		}
		os.Exit(Success)
	}

	if net.ParseIP(opts.lhost) == nil {
		fatalf(ErrConfig, "listen host %q is not an IP address", opts.lhost)
	}
	if opts.lport == 0 || opts.lport > 65535 {
		fatalf(ErrConfig, "listen port %d out of range", opts.lport)
	}

	entries, err := buildBackends(&opts, flag.Args())
	if err != nil {
		fatalf(ErrConfig, "%v", err)
	}

	balancer, err := dispatch.NewBalancer(entries)
	if err != nil {
		fatalf(ErrConfig, "%v", err)
	}

	for i, e := range entries {
		log.Info().
			Int("lb", i).
			Str("backend", e.Backend.String()).
			Int("weight", e.Weight).
			Msg("Registered backend")
	}

	srv := server.New(balancer)
	bindAddr := net.JoinHostPort(opts.lhost, strconv.FormatUint(uint64(opts.lport), 10))
	if err := srv.Listen(bindAddr); err != nil {
		fatalf(ErrConfig, "failed to listen on %s: %v", bindAddr, err)
	}

	// Handle SIGINT (CTRL+C) and SIGTERM.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("Shutting down")
		srv.Stop(gracePeriod)
	}()

	if err := srv.Serve(); err != nil {
		fatalf(ErrRuntime, "listener failed: %v", err)
	}

	srv.Stop(gracePeriod)

	for i := 0; i < balancer.Len(); i++ {
		e := balancer.Entry(i)
		log.Info().
			Int("lb", i).
			Str("backend", e.Backend.String()).
			Int("weight", e.Weight).
			Uint64("served", balancer.Served(i)).
			Msg("Backend summary")
	}
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: dispatch-proxy [OPTIONS] [ADDRESSES]...\n\n")
	fmt.Fprintf(out, "A SOCKS5 proxy that balances traffic between multiple egress paths.\n\n")
	fmt.Fprintf(out, "Addresses are <IP>[@<weight>] in normal mode and <host>:<port>[@<weight>]\n")
	fmt.Fprintf(out, "in tunnel mode. IPv6 literals are bracketed: [fe80::1]@2, [::1]:7777@1.\n\n")
	fmt.Fprintf(out, "Options:\n")
	flag.PrintDefaults()
}

// buildBackends turns the command line into weighted dispatch entries,
// auto-detecting in --auto mode.
func buildBackends(opts *options, args []string) ([]dispatch.Entry, error) {
	if opts.auto {
		if opts.tunnel {
			log.Warn().Msg("--auto implies normal mode, ignoring --tunnel")
			opts.tunnel = false
		}
		if len(args) > 0 {
			log.Warn().Strs("addresses", args).Msg("--auto ignores positional addresses")
		}
		return detectBackends()
	}

	if len(args) == 0 {
		return nil, fmt.Errorf("no backend addresses given (or use --auto)")
	}

	entries := make([]dispatch.Entry, 0, len(args))
	for _, arg := range args {
		entry, err := parseBackend(arg, opts.tunnel)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// detectBackends probes every local address and adopts the working ones
// at weight 1.
func detectBackends() ([]dispatch.Entry, error) {
	log.Info().Msg("Auto-detecting addresses with working connectivity")

	found, err := netinfo.Detect(context.Background())
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("no addresses with working connectivity found")
	}

	entries := make([]dispatch.Entry, 0, len(found))
	for _, addr := range found {
		log.Info().Str("iface", addr.Name).Stringer("ip", addr.IP).Msg("Detected working address")
		entries = append(entries, dispatch.Entry{
			Backend: &dispatch.Direct{IP: addr.IP, Iface: addr.Name},
			Weight:  1,
		})
	}
	return entries, nil
}

// parseBackend parses one positional address argument. Normal mode
// expects a local source IP, tunnel mode an upstream host:port; both
// accept an optional @weight suffix.
func parseBackend(arg string, tunnel bool) (dispatch.Entry, error) {
	addrPart := arg
	weight := 1

	if i := strings.LastIndex(arg, "@"); i >= 0 {
		addrPart = arg[:i]
		w, err := strconv.Atoi(arg[i+1:])
		if err != nil || w < 1 {
			return dispatch.Entry{}, fmt.Errorf("invalid weight in %q", arg)
		}
		weight = w
	}

	if tunnel {
		backend, err := parseTunnel(addrPart)
		if err != nil {
			return dispatch.Entry{}, err
		}
		return dispatch.Entry{Backend: backend, Weight: weight}, nil
	}

	backend, err := parseDirect(addrPart)
	if err != nil {
		return dispatch.Entry{}, err
	}
	return dispatch.Entry{Backend: backend, Weight: weight}, nil
}

// parseDirect resolves a source IP argument to a Direct backend bound
// to the interface owning that IP.
func parseDirect(addrPart string) (*dispatch.Direct, error) {
	ip := net.ParseIP(stripBrackets(addrPart))
	if ip == nil {
		return nil, fmt.Errorf("invalid source address %q", addrPart)
	}

	iface, ok := netinfo.InterfaceFor(ip)
	if !ok {
		return nil, fmt.Errorf("address %s is not assigned to any interface", ip)
	}

	return &dispatch.Direct{IP: ip, Iface: iface}, nil
}

// parseTunnel validates an upstream host:port argument.
func parseTunnel(addrPart string) (*dispatch.Tunnel, error) {
	host, port, err := net.SplitHostPort(addrPart)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream address %q: %w", addrPart, err)
	}
	if !govalidator.IsPort(port) {
		return nil, fmt.Errorf("invalid port in %q", addrPart)
	}
	if net.ParseIP(host) == nil && !govalidator.IsDNSName(host) {
		return nil, fmt.Errorf("invalid upstream host %q", host)
	}
	return &dispatch.Tunnel{Addr: addrPart}, nil
}

func stripBrackets(s string) string {
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		return s[1 : len(s)-1]
	}
	return s
}

// renderInterfaceList prints the available dispatch addresses as a
// table.
func renderInterfaceList(out *os.File) error {
	addrs, err := netinfo.Interfaces()
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Interface", "Family", "Address"})
	for _, addr := range addrs {
		t.AppendRow(table.Row{addr.Name, netinfo.Family(addr.IP), addr.IP.String()})
	}

	fmt.Fprintln(out, t.Render())
	return nil
}
