// Package server accepts SOCKS5 clients and drives each connection
// through the handshake, backend selection, egress establishment and
// relay phases. Every accepted connection runs in its own goroutine;
// failures never propagate past the connection they belong to.
package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"dispatchproxy/pkg/dispatch"
	"dispatchproxy/pkg/proxy/socks"
	"dispatchproxy/pkg/relay"
)

// maxAcceptBackoff caps the delay between retries when Accept keeps
// failing, e.g. during file descriptor exhaustion.
const maxAcceptBackoff = time.Second

// Server is the listening front of the proxy.
type Server struct {
	balancer *dispatch.Balancer
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc

	conns sync.Map // uuid.UUID -> net.Conn (inbound side)
	wg    sync.WaitGroup

	stopOnce sync.Once
}

// New creates a server dispatching over the given balancer.
func New(balancer *dispatch.Balancer) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		balancer: balancer,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Listen binds the local listening socket.
func (s *Server) Listen(address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	s.listener = ln
	log.Info().Str("addr", ln.Addr().String()).Msg("Local server started")
	return nil
}

// Serve runs the accept loop until Stop closes the listener or a fatal
// accept error occurs. Transient errors are logged and retried with
// backoff; only a non-network error or a closed listener ends the loop.
func (s *Server) Serve() error {
	backoff := time.Duration(0)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}

			var netErr net.Error
			if errors.As(err, &netErr) {
				if backoff == 0 {
					backoff = 5 * time.Millisecond
				} else {
					backoff *= 2
				}
				if backoff > maxAcceptBackoff {
					backoff = maxAcceptBackoff
				}
				log.Error().Err(err).Dur("backoff", backoff).Msg("Accept failed, backing off")
				time.Sleep(backoff)
				continue
			}

			return err
		}

		backoff = 0
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// Stop closes the listener, lets in-flight connections drain for the
// grace period, then force-closes whatever is left.
func (s *Server) Stop(grace time.Duration) {
	s.stopOnce.Do(func() {
		if s.listener != nil {
			s.listener.Close()
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(grace):
			log.Warn().Msg("Grace period expired, closing remaining connections")
			s.conns.Range(func(_, value any) bool {
				value.(net.Conn).Close()
				return true
			})
			<-done
		}

		s.cancel()
	})
}

// handleConnection runs one inbound connection from greeting to relay
// teardown.
func (s *Server) handleConnection(conn net.Conn) {
	id := uuid.New()
	s.conns.Store(id, conn)
	defer func() {
		s.conns.Delete(id)
		conn.Close()
	}()

	dst, err := socks.ReadRequest(conn)
	if err != nil {
		log.Warn().Err(err).Stringer("conn", id).Msg("Handshake failed")
		return
	}

	egress, backend, idx, err := s.establish(dst)
	if err != nil {
		log.Warn().Err(err).Stringer("conn", id).Str("dst", dst.String()).Msg("Egress failed")
		socks.SendFailure(conn, socks.ReplyFor(err))
		return
	}

	log.Info().
		Stringer("conn", id).
		Str("dst", dst.String()).
		Str("via", backend.String()).
		Int("lb", idx).
		Msg("Connected")

	if err := socks.SendSuccess(conn, egress.LocalAddr()); err != nil {
		egress.Close()
		return
	}

	relay.Pipe(conn, egress)
}

// establish dials the destination through the next backend in the
// schedule. When that fails, the remaining backends are tried once
// each, in schedule order, before giving up; the reported error is the
// first one, since it belongs to the backend the schedule chose.
func (s *Server) establish(dst *socks.Destination) (net.Conn, dispatch.Backend, int, error) {
	backend, idx := s.balancer.Next()

	egress, firstErr := backend.Dial(s.ctx, dst)
	if firstErr == nil {
		return egress, backend, idx, nil
	}

	for i := 1; i < s.balancer.Len(); i++ {
		next := (idx + i) % s.balancer.Len()
		alt := s.balancer.Entry(next).Backend

		log.Warn().
			Err(firstErr).
			Str("dst", dst.String()).
			Str("via", alt.String()).
			Int("lb", next).
			Msg("Retrying on next backend")

		egress, err := alt.Dial(s.ctx, dst)
		if err == nil {
			return egress, alt, next, nil
		}
	}

	return nil, backend, idx, firstErr
}
