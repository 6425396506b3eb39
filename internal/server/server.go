package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/krakenbroker/internal/broker"
	"github.com/adred-codev/krakenbroker/internal/monitoring"
	"github.com/adred-codev/krakenbroker/internal/protocol"
	"github.com/rs/zerolog"
)

// Config configures the Server.
type Config struct {
	Addr          string
	MaxTCPClients int
	IdleTimeout   time.Duration
	Router        *broker.Router
	Logger        zerolog.Logger
	Audit         *monitoring.AuditLogger
}

// Server is the TCP acceptor: it maintains a bounded count of live
// connections (spec.md §4.E), rejecting admission past the configured cap
// and crash-isolating every accepted connection in its own goroutine.
//
// Grounded on the teacher's internal/multi/shard.go slot semaphore
// (TryAcquireSlot/ReleaseSlot) — the same non-blocking-channel-as-counter
// pattern, generalized from a per-shard WebSocket listener to this
// process's single TCP listener.
type Server struct {
	cfg      Config
	listener net.Listener
	slots    chan struct{}

	activeConns int64

	// conns registers every live connection so Shutdown can force them
	// closed directly, instead of only waiting for them to end on their
	// own — grounded on the teacher's s.clients sync.Map, force-closed via
	// Shutdown's forceClose Range loop (ws/server.go).
	conns sync.Map // map[net.Conn]struct{}

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	shuttingDown int32
}

// New creates a Server; call Start to begin accepting.
func New(cfg Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		slots:  make(chan struct{}, cfg.MaxTCPClients),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start binds the listener and begins the accept loop in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.listener = listener
	monitoring.ConnectionsMax.Set(float64(s.cfg.MaxTCPClients))

	s.cfg.Logger.Info().
		Str("addr", s.cfg.Addr).
		Int("max_tcp_clients", s.cfg.MaxTCPClients).
		Msg("broker listening")

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.shuttingDown) == 1 {
				return
			}
			monitoring.LogError(s.cfg.Logger, err, "accept failed", nil)
			continue
		}

		select {
		case s.slots <- struct{}{}:
			monitoring.ConnectionsTotal.Inc()
			atomic.AddInt64(&s.activeConns, 1)
			monitoring.ConnectionsActive.Set(float64(atomic.LoadInt64(&s.activeConns)))

			s.wg.Add(1)
			go s.handleConn(conn)
		default:
			s.rejectAdmission(conn)
		}
	}
}

// rejectAdmission implements spec.md §4.D's server-busy rejection: reply
// SERVER_ERROR and close, without ever instantiating a Connection/Queue.
func (s *Server) rejectAdmission(conn net.Conn) {
	monitoring.ConnectionsRejected.Inc()
	s.cfg.Audit.Warning("AdmissionRejected", "connection refused at max_tcp_clients", map[string]any{
		"remote": conn.RemoteAddr().String(),
	})
	protocol.WriteServerError(conn, "Too many clients")
	conn.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	s.conns.Store(conn, struct{}{})
	defer s.wg.Done()
	defer func() {
		s.conns.Delete(conn)
		<-s.slots
		atomic.AddInt64(&s.activeConns, -1)
		monitoring.ConnectionsActive.Set(float64(atomic.LoadInt64(&s.activeConns)))
	}()

	c := New(conn, s.cfg.Router, s.cfg.Logger, s.cfg.IdleTimeout, s.cfg.Audit)
	c.Serve()
}

// Shutdown stops accepting new connections, force-closes every live
// connection (which unblocks its Serve loop and runs its Queue teardown),
// waits up to gracePeriod for those teardowns to finish, and only then
// closes the Router (spec.md §5: "stop accepting, close existing
// connections, which triggers per-connection teardown ..., then drain
// shards"). Closing connections before Router.Close() matters: a Serve
// goroutine still mid-flight would otherwise call shard.submit against a
// shard whose ops channel nothing drains anymore, and block forever.
func (s *Server) Shutdown(gracePeriod time.Duration) {
	atomic.StoreInt32(&s.shuttingDown, 1)
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	s.conns.Range(func(key, _ any) bool {
		key.(net.Conn).Close()
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cfg.Logger.Info().Msg("all connections drained")
	case <-time.After(gracePeriod):
		remaining := atomic.LoadInt64(&s.activeConns)
		s.cfg.Logger.Warn().Int64("remaining", remaining).Msg("grace period expired, shutting down with connections still active")
	}

	s.cfg.Router.Close()
}
