package server

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/adred-codev/krakenbroker/internal/broker"
	"github.com/adred-codev/krakenbroker/internal/monitoring"
	"github.com/adred-codev/krakenbroker/internal/protocol"
	"github.com/rs/zerolog"
)

func newTestRouter(t *testing.T) *broker.Router {
	t.Helper()
	r := broker.New(broker.Config{NumShards: 4, Logger: zerolog.Nop()})
	t.Cleanup(r.Close)
	return r
}

// client wraps one end of a net.Pipe with convenience request/response
// helpers matching spec.md §6.1's wire grammar.
type client struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, router *broker.Router) *client {
	t.Helper()
	serverSide, clientSide := net.Pipe()

	audit := monitoring.NewAuditLogger(monitoring.CRITICAL) // quiet in tests
	conn := New(serverSide, router, zerolog.Nop(), 2*time.Second, audit)

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.Serve()
	}()
	t.Cleanup(func() {
		clientSide.Close()
		<-done
	})

	return &client{t: t, conn: clientSide, r: bufio.NewReader(clientSide)}
}

func (c *client) send(raw string) {
	c.t.Helper()
	if _, err := io.WriteString(c.conn, raw); err != nil {
		c.t.Fatalf("write failed: %v", err)
	}
}

func (c *client) subscribe(topics ...string) {
	c.t.Helper()
	body := joinSpace(topics)
	c.send(fmt.Sprintf("set subscribe 0 0 %d\r\n%s\r\n", len(body), body))
	c.expectLine("STORED\r\n")
}

func (c *client) unsubscribe(topics ...string) {
	c.t.Helper()
	body := joinSpace(topics)
	c.send(fmt.Sprintf("set unsubscribe 0 0 %d\r\n%s\r\n", len(body), body))
	c.expectLine("STORED\r\n")
}

func (c *client) publishBlock(entries []protocol.Entry) {
	c.t.Helper()
	block := protocol.SerializeBlock(entries)
	c.send(fmt.Sprintf("set publish 0 0 %d\r\n", len(block)))
	c.conn.Write(block)
	c.conn.Write([]byte("\r\n"))
	c.expectLine("STORED\r\n")
}

func (c *client) getMessagesEmpty() {
	c.t.Helper()
	c.send("get messages\r\n")
	c.expectLine("END\r\n")
}

func (c *client) getMessages() []protocol.Entry {
	c.t.Helper()
	c.send("get messages\r\n")

	header, err := c.r.ReadString('\n')
	if err != nil {
		c.t.Fatalf("read VALUE header failed: %v", err)
	}
	var n int
	if _, err := fmt.Sscanf(header, "VALUE messages 0 %d\r\n", &n); err != nil {
		c.t.Fatalf("unexpected header %q: %v", header, err)
	}

	block := make([]byte, n)
	if _, err := io.ReadFull(c.r, block); err != nil {
		c.t.Fatalf("short read of VALUE block: %v", err)
	}
	trailer := make([]byte, 2)
	io.ReadFull(c.r, trailer)
	if !bytes.Equal(trailer, []byte("\r\n")) {
		c.t.Fatalf("missing data terminator after block")
	}
	c.expectLine("END\r\n")

	entries, err := protocol.ParseBlock(block)
	if err != nil {
		c.t.Fatalf("failed to parse returned block: %v", err)
	}
	return entries
}

func (c *client) expectLine(want string) {
	c.t.Helper()
	line := make([]byte, len(want))
	if _, err := io.ReadFull(c.r, line); err != nil {
		c.t.Fatalf("expected %q, read failed: %v", want, err)
	}
	if string(line) != want {
		c.t.Fatalf("expected %q, got %q", want, line)
	}
}

func joinSpace(topics []string) string {
	out := ""
	for i, t := range topics {
		if i > 0 {
			out += " "
		}
		out += t
	}
	return out
}

func TestE1SingleSubscriberDelivery(t *testing.T) {
	router := newTestRouter(t)
	c1 := dial(t, router)
	c2 := dial(t, router)

	c1.subscribe("a")
	c2.publishBlock([]protocol.Entry{{Topics: []string{"a"}, Payload: []byte("m1")}})

	entries := c1.getMessages()
	if len(entries) != 1 || string(entries[0].Payload) != "m1" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	c1.getMessagesEmpty()
}

func TestE2MultiTopicSingleDelivery(t *testing.T) {
	router := newTestRouter(t)
	c1 := dial(t, router)
	c2 := dial(t, router)

	c1.subscribe("a", "b")
	c2.publishBlock([]protocol.Entry{{Topics: []string{"a", "b"}, Payload: []byte("ok")}})

	entries := c1.getMessages()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one entry, got %d", len(entries))
	}
	if string(entries[0].Payload) != "ok" {
		t.Fatalf("unexpected payload %q", entries[0].Payload)
	}
}

func TestE3UnsubscriptionStopsDelivery(t *testing.T) {
	router := newTestRouter(t)
	c1 := dial(t, router)
	c2 := dial(t, router)

	c1.subscribe("x")
	c1.unsubscribe("x")
	c2.publishBlock([]protocol.Entry{{Topics: []string{"x"}, Payload: []byte("missed")}})

	c1.getMessagesEmpty()
}

func TestE4SelfDelivery(t *testing.T) {
	router := newTestRouter(t)
	c1 := dial(t, router)

	c1.subscribe("t")
	c1.publishBlock([]protocol.Entry{{Topics: []string{"t"}, Payload: []byte("h")}})

	entries := c1.getMessages()
	if len(entries) != 1 || string(entries[0].Payload) != "h" {
		t.Fatalf("expected self-delivered message, got %+v", entries)
	}
}

func TestE5BinarySafePayload(t *testing.T) {
	router := newTestRouter(t)
	c1 := dial(t, router)

	payload := []byte("a\r\nb\nc\x00")
	c1.subscribe("bin")
	c1.publishBlock([]protocol.Entry{{Topics: []string{"bin"}, Payload: payload}})

	entries := c1.getMessages()
	if len(entries) != 1 || !bytes.Equal(entries[0].Payload, payload) {
		t.Fatalf("binary payload mutated: got %q want %q", entries[0].Payload, payload)
	}
}

func TestE6DisconnectCleanup(t *testing.T) {
	router := newTestRouter(t)
	c1 := dial(t, router)

	topics := make([]string, 100)
	for i := range topics {
		topics[i] = fmt.Sprintf("topic-%d", i)
	}
	c1.subscribe(topics...)

	for _, topic := range topics {
		if router.SubscriberCount(topic) != 1 {
			t.Fatalf("expected 1 subscriber on %q before disconnect", topic)
		}
	}

	c1.conn.Close() // drop without quit

	deadline := time.Now().Add(2 * time.Second)
	for {
		allClear := true
		for _, topic := range topics {
			if router.SubscriberCount(topic) != 0 {
				allClear = false
				break
			}
		}
		if allClear {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("shard references to disconnected client's queue were not cleared in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBoundarySubscribeEmptyPayloadIsNoop(t *testing.T) {
	router := newTestRouter(t)
	c1 := dial(t, router)

	c1.send("set subscribe 0 0 0\r\n\r\n")
	c1.expectLine("STORED\r\n")
}

func TestBoundaryPublishEmptyBlockIsNoop(t *testing.T) {
	router := newTestRouter(t)
	c1 := dial(t, router)

	c1.send("set publish 0 0 0\r\n\r\n")
	c1.expectLine("STORED\r\n")
}

func TestQuitClosesConnection(t *testing.T) {
	router := newTestRouter(t)
	c1 := dial(t, router)

	c1.send("quit\r\n")
	buf := make([]byte, 1)
	c1.conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err := c1.conn.Read(buf)
	if err == nil {
		t.Fatal("expected connection to close after quit")
	}
}

func TestUnrecognizedLineRespondsError(t *testing.T) {
	router := newTestRouter(t)
	c1 := dial(t, router)

	c1.send("bogus\r\n")
	c1.expectLine("ERROR\r\n")
}
