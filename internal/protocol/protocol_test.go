package protocol

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
)

func decodeAll(t *testing.T, input string) []Request {
	t.Helper()
	d := NewDecoder(bufio.NewReader(strings.NewReader(input)))
	var reqs []Request
	for {
		req, err := d.Next()
		if err != nil {
			return reqs
		}
		reqs = append(reqs, req)
	}
}

func TestDecodeQuit(t *testing.T) {
	reqs := decodeAll(t, "quit\r\n")
	if len(reqs) != 1 || reqs[0].Kind != KindQuit {
		t.Fatalf("expected single quit request, got %+v", reqs)
	}
}

func TestDecodeGetMessages(t *testing.T) {
	for _, line := range []string{"get messages\r\n", "get messages \r\n"} {
		reqs := decodeAll(t, line)
		if len(reqs) != 1 || reqs[0].Kind != KindGetMessages {
			t.Fatalf("expected get_messages for %q, got %+v", line, reqs)
		}
	}
}

func TestDecodeSetSubscribeBody(t *testing.T) {
	body := "a b c"
	input := "set subscribe 0 0 " + itoa(len(body)) + "\r\n" + body + "\r\n"
	reqs := decodeAll(t, input)
	if len(reqs) != 1 || reqs[0].Kind != CmdSubscribe {
		t.Fatalf("expected subscribe request, got %+v", reqs)
	}
	if string(reqs[0].Payload) != body {
		t.Fatalf("expected payload %q, got %q", body, reqs[0].Payload)
	}
}

func TestDecodeUnknownLineIsProtocolError(t *testing.T) {
	d := NewDecoder(bufio.NewReader(strings.NewReader("nonsense\r\n")))
	_, err := d.Next()
	if err == nil {
		t.Fatal("expected protocol error for unrecognized line")
	}
}

func TestDecodeUnknownSetCommandIsProtocolError(t *testing.T) {
	d := NewDecoder(bufio.NewReader(strings.NewReader("set bogus 0 0 3\r\n")))
	_, err := d.Next()
	if err == nil {
		t.Fatal("expected protocol error for unknown set command")
	}
}

func TestDecodeEmptySubscribeBodyIsNoopPayload(t *testing.T) {
	input := "set subscribe 0 0 0\r\n\r\n"
	reqs := decodeAll(t, input)
	if len(reqs) != 1 {
		t.Fatalf("expected one request, got %+v", reqs)
	}
	if len(SplitTopics(reqs[0].Payload)) != 0 {
		t.Fatalf("expected empty payload to split to zero topics, got %v", SplitTopics(reqs[0].Payload))
	}
}

func TestDecodeSequentialRequests(t *testing.T) {
	input := "set subscribe 0 0 1\r\na\r\nget messages\r\nquit\r\n"
	reqs := decodeAll(t, input)
	if len(reqs) != 3 {
		t.Fatalf("expected 3 requests, got %d: %+v", len(reqs), reqs)
	}
	if reqs[0].Kind != CmdSubscribe || reqs[1].Kind != KindGetMessages || reqs[2].Kind != KindQuit {
		t.Fatalf("unexpected request sequence: %+v", reqs)
	}
}

func TestSplitTopicsMultiple(t *testing.T) {
	got := SplitTopics([]byte("a b c"))
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestBlockRoundTripBinarySafePayload(t *testing.T) {
	payload := []byte("a\r\nb\nc\x00")
	entries := []Entry{{Topics: []string{"t"}, Payload: payload}}

	block := SerializeBlock(entries)
	got, err := ParseBlock(block)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if len(got) != 1 || !bytes.Equal(got[0].Payload, payload) {
		t.Fatalf("round-trip changed payload: got %q want %q", got[0].Payload, payload)
	}
}

func TestBlockRoundTripMultipleEntries(t *testing.T) {
	entries := []Entry{
		{Topics: []string{"a"}, Payload: []byte("m1")},
		{Topics: []string{"a", "b"}, Payload: []byte("m2")},
		{Topics: []string{"x", "y", "z"}, Payload: []byte("")},
	}
	block := SerializeBlock(entries)
	got, err := ParseBlock(block)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("expected %d entries, got %d", len(entries), len(got))
	}
	for i := range entries {
		if !bytes.Equal(got[i].Payload, entries[i].Payload) {
			t.Fatalf("entry %d payload mismatch: got %q want %q", i, got[i].Payload, entries[i].Payload)
		}
		if len(got[i].Topics) != len(entries[i].Topics) {
			t.Fatalf("entry %d topic count mismatch: got %v want %v", i, got[i].Topics, entries[i].Topics)
		}
	}
}

func TestParseEmptyBlockIsEmptyEntryList(t *testing.T) {
	entries, err := ParseBlock(nil)
	if err != nil {
		t.Fatalf("unexpected error for empty block: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected zero entries, got %d", len(entries))
	}
}

func TestParseMalformedEntryHeaderIsProtocolError(t *testing.T) {
	_, err := ParseBlock([]byte("NOTMESSAGE a 2\r\nhi\r\n"))
	if err == nil {
		t.Fatal("expected protocol error for malformed entry header")
	}
}

func TestParseTruncatedPayloadIsProtocolError(t *testing.T) {
	_, err := ParseBlock([]byte("MESSAGE a 10\r\nshort\r\n"))
	if err == nil {
		t.Fatal("expected protocol error for truncated payload")
	}
}

func TestWriteMessagesFormat(t *testing.T) {
	var buf bytes.Buffer
	entries := []Entry{{Topics: []string{"a"}, Payload: []byte("m1")}}
	if err := WriteMessages(&buf, entries); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "VALUE messages 0 17\r\nMESSAGE a 2\r\nm1\r\n\r\nEND\r\n"
	if buf.String() != want {
		t.Fatalf("got %q want %q", buf.String(), want)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
