// Package dispatch selects an egress path for each proxied connection.
// A Balancer holds an ordered set of weighted backends and hands them
// out in the expanded-slot weighted round-robin order: each backend is
// conceptually replicated by its weight, in input order, and the
// resulting schedule repeats cyclically. The order is deterministic, so
// a `3,2` configuration always dispatches A A A B B A A A B B ...
package dispatch

import (
	"context"
	"errors"
	"net"
	"sync"

	"go.uber.org/atomic"

	"dispatchproxy/pkg/proxy/socks"
)

// Backend is one egress path able to produce a connected outbound TCP
// stream for a requested destination.
type Backend interface {
	// Dial connects to dst through this egress path. The returned
	// connection is ready to relay; its local address is what the
	// SOCKS reply reports as the bind address.
	Dial(ctx context.Context, dst *socks.Destination) (net.Conn, error)

	// String labels the backend for logs and the startup banner.
	String() string
}

// Entry pairs a backend with its dispatch weight.
type Entry struct {
	Backend Backend
	Weight  int
}

// Balancer implements weighted round-robin selection over a fixed set
// of backends. The cursor is guarded by a mutex, so concurrent Next
// calls are linearized; the per-backend served counters are atomic.
type Balancer struct {
	entries []Entry
	served  []atomic.Uint64

	mu   sync.Mutex
	idx  int // backend the cursor currently sits on
	used int // selections already granted to entries[idx] this round
}

// NewBalancer validates the entries and builds a balancer over them.
// The set must be non-empty and every weight at least 1.
func NewBalancer(entries []Entry) (*Balancer, error) {
	if len(entries) == 0 {
		return nil, errors.New("dispatch: no backends configured")
	}
	for _, e := range entries {
		if e.Weight < 1 {
			return nil, errors.New("dispatch: backend weight must be at least 1")
		}
	}
	return &Balancer{
		entries: entries,
		served:  make([]atomic.Uint64, len(entries)),
	}, nil
}

// Len returns the number of backends.
func (b *Balancer) Len() int { return len(b.entries) }

// TotalWeight returns the sum of all weights, i.e. the period of the
// dispatch schedule.
func (b *Balancer) TotalWeight() int {
	total := 0
	for _, e := range b.entries {
		total += e.Weight
	}
	return total
}

// Next returns the next backend in the expanded-slot schedule along
// with its index in the configured order.
func (b *Balancer) Next() (Backend, int) {
	b.mu.Lock()
	idx := b.idx
	b.used++
	if b.used >= b.entries[b.idx].Weight {
		b.used = 0
		b.idx = (b.idx + 1) % len(b.entries)
	}
	b.mu.Unlock()

	b.served[idx].Inc()
	return b.entries[idx].Backend, idx
}

// Entry returns the configured entry at index i, for failover walks and
// reporting.
func (b *Balancer) Entry(i int) Entry { return b.entries[i] }

// Served returns how many connections have been dispatched to the
// backend at index i.
func (b *Balancer) Served(i int) uint64 { return b.served[i].Load() }
