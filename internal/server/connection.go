// Package server implements the Connection state machine (spec.md §4.D) and
// the accepting/admission glue (spec.md §4.E) that wire the wire protocol to
// the routing substrate.
package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/adred-codev/krakenbroker/internal/broker"
	"github.com/adred-codev/krakenbroker/internal/monitoring"
	"github.com/adred-codev/krakenbroker/internal/protocol"
	"github.com/adred-codev/krakenbroker/internal/queue"
	"github.com/rs/zerolog"
)

// connIDCounter hands out unique connection ids, mirroring the teacher's
// client.id = atomic.AddInt64(&s.clientCount, 1) assignment (ws/server.go).
var connIDCounter int64

// clientName renders a connection id as a stable, human-readable label for
// logging and metrics. Unconditional and production-visible by construction
// (spec.md §9 Open Question: the source's client_name/1 helper was reachable
// only from a test-only compilation block despite being called from
// production init — every connection here gets a name, always).
func clientName(id int64) string {
	return fmt.Sprintf("client-%d", id)
}

// Connection owns one TCP client for its entire lifetime: decoding its
// request stream, dispatching to the Router, and owning its Queue
// (spec.md §3 Ownership: "the Connection exclusively owns its Queue").
type Connection struct {
	id          int64
	name        string
	conn        net.Conn
	reader      *bufio.Reader
	writer      *bufio.Writer
	decoder     *protocol.Decoder
	queue       *queue.Queue
	router      *broker.Router
	logger      zerolog.Logger
	idleTimeout time.Duration
	audit       *monitoring.AuditLogger
}

// New wires a freshly accepted net.Conn to a new Queue and this Router. The
// connection is assigned its own id, and logger becomes a child logger
// carrying it, so every log line for this connection's lifetime is already
// attributable without callers having to remember to add the field.
func New(conn net.Conn, router *broker.Router, logger zerolog.Logger, idleTimeout time.Duration, audit *monitoring.AuditLogger) *Connection {
	id := atomic.AddInt64(&connIDCounter, 1)
	name := clientName(id)
	logger = logger.With().Str("client", name).Logger()

	counted := &countingConn{Conn: conn}
	reader := bufio.NewReader(counted)
	return &Connection{
		id:          id,
		name:        name,
		conn:        conn,
		reader:      reader,
		writer:      bufio.NewWriter(counted),
		decoder:     protocol.NewDecoder(reader),
		queue:       queue.New(),
		router:      router,
		logger:      logger,
		idleTimeout: idleTimeout,
		audit:       audit,
	}
}

// countingConn feeds every byte crossing the socket into the broker_bytes_*
// counters without touching the protocol decoder's framing logic.
type countingConn struct {
	net.Conn
}

func (c *countingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		monitoring.BytesReceived.Add(float64(n))
	}
	return n, err
}

func (c *countingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		monitoring.BytesSent.Add(float64(n))
	}
	return n, err
}

// Serve drives the request loop until the peer quits, disconnects, or a
// protocol-fatal condition occurs. It always tears the Queue down before
// returning (spec.md §4.E: "Router.drop_queue is invoked unconditionally").
func (c *Connection) Serve() {
	defer monitoring.RecoverPanic(c.logger, "connection.Serve", map[string]any{
		"client": c.name,
		"remote": c.conn.RemoteAddr().String(),
	})
	defer c.teardown()

	for {
		if c.idleTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
		}

		req, err := c.decoder.Next()
		if err != nil {
			c.handleReadError(err)
			return
		}

		if done := c.dispatch(req); done {
			return
		}
	}
}

func (c *Connection) handleReadError(err error) {
	if errors.Is(err, protocol.ErrProtocol) {
		monitoring.ProtocolErrorsTotal.WithLabelValues("framing").Inc()
		protocol.WriteError(c.writer)
		c.writer.Flush()
		return
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		monitoring.IdleTimeoutsTotal.Inc()
		c.audit.Warning("IdleTimeout", "connection closed for idle timeout", map[string]any{
			"client": c.name,
			"remote": c.conn.RemoteAddr().String(),
		})
		return
	}
	if errors.Is(err, io.EOF) {
		return // peer closed cleanly
	}
	// Any other read failure (reset, broken pipe) is a silent close too
	// (spec.md §7: "Peer close / write failure").
}

// dispatch runs one decoded request's handler and reports whether the
// connection must close afterward.
func (c *Connection) dispatch(req protocol.Request) (done bool) {
	switch req.Kind {
	case protocol.KindQuit:
		return true

	case protocol.KindGetMessages:
		c.handleGetMessages()

	case protocol.CmdSubscribe:
		topics := protocol.SplitTopics(req.Payload)
		c.router.Subscribe(c.queue, topics)
		protocol.WriteStored(c.writer)

	case protocol.CmdUnsubscribe:
		topics := protocol.SplitTopics(req.Payload)
		c.router.Unsubscribe(c.queue, topics)
		protocol.WriteStored(c.writer)

	case protocol.CmdPublish:
		if !c.handlePublish(req.Payload) {
			return true
		}

	default:
		monitoring.ProtocolErrorsTotal.WithLabelValues("unknown_command").Inc()
		protocol.WriteError(c.writer)
		c.writer.Flush()
		return true
	}

	if err := c.writer.Flush(); err != nil {
		return true
	}
	return false
}

func (c *Connection) handleGetMessages() {
	drained := c.queue.Drain()
	if len(drained) == 0 {
		protocol.WriteEnd(c.writer)
		return
	}

	entries := make([]protocol.Entry, len(drained))
	for i, e := range drained {
		entries[i] = protocol.Entry{Topics: e.Topics, Payload: e.Payload}
	}
	protocol.WriteMessages(c.writer, entries)
}

func (c *Connection) handlePublish(payload []byte) (ok bool) {
	entries, err := protocol.ParseBlock(payload)
	if err != nil {
		monitoring.ProtocolErrorsTotal.WithLabelValues("publish_block").Inc()
		protocol.WriteError(c.writer)
		c.writer.Flush()
		return false
	}

	for _, e := range entries {
		c.router.Publish(c.queue, e.Topics, e.Payload)
		monitoring.MessagesPublished.Inc()
	}
	protocol.WriteStored(c.writer)
	return true
}

func (c *Connection) teardown() {
	c.queue.Stop()
	c.router.DropQueue(c.queue)
	c.conn.Close()
	c.logger.Debug().Msg("connection closed")
}
