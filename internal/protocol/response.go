package protocol

import (
	"fmt"
	"io"
)

// Canned response lines (spec.md §6.1/§7).
var (
	RespStored = []byte("STORED\r\n")
	RespEnd    = []byte("END\r\n")
	RespError  = []byte("ERROR\r\n")
)

// WriteStored writes the STORED response to a successful subscribe,
// unsubscribe, or publish.
func WriteStored(w io.Writer) error {
	_, err := w.Write(RespStored)
	return err
}

// WriteEnd writes the END response to a fetch against an empty mailbox.
func WriteEnd(w io.Writer) error {
	_, err := w.Write(RespEnd)
	return err
}

// WriteError writes the generic protocol-fatal ERROR response.
func WriteError(w io.Writer) error {
	_, err := w.Write(RespError)
	return err
}

// WriteServerError writes a SERVER_ERROR line (spec.md §6.1: currently
// only the admission-cap rejection).
func WriteServerError(w io.Writer, text string) error {
	_, err := fmt.Fprintf(w, "SERVER_ERROR %s\r\n", text)
	return err
}

// WriteClientError writes a CLIENT_ERROR line, reserved by spec.md §6.1
// for malformed-payload cases distinct from outright framing violations.
func WriteClientError(w io.Writer, text string) error {
	_, err := fmt.Fprintf(w, "CLIENT_ERROR %s\r\n", text)
	return err
}

// WriteMessages writes the fetch response for a non-empty mailbox:
//
//	VALUE messages 0 <N>\r\n<block>\r\nEND\r\n
//
// following the cache protocol's own convention: <N> is the length of the
// entry block itself (each entry already carries its own trailing CRLF),
// and the response always appends one further CRLF as the data
// terminator before END, regardless of N (spec.md §6.1).
func WriteMessages(w io.Writer, entries []Entry) error {
	block := SerializeBlock(entries)
	if _, err := fmt.Fprintf(w, "VALUE messages 0 %d\r\n", len(block)); err != nil {
		return err
	}
	if _, err := w.Write(block); err != nil {
		return err
	}
	if _, err := w.Write(crlf); err != nil {
		return err
	}
	_, err := w.Write(RespEnd)
	return err
}
