// Package protocol implements the hub wire protocol: newline-delimited
// JSON framing plus the request/reply envelopes carried on the socket.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// MaxLineBytes caps a single NDJSON line at 1 MiB. A line exceeding the
// cap is a protocol violation; the connection is closed by the caller.
const MaxLineBytes = 1 << 20

// ErrLineTooLong is returned by Feed when the current line (complete or
// still buffering) exceeds MaxLineBytes.
var ErrLineTooLong = errors.New("protocol: line exceeds 1 MiB cap")

// LineParser splits a byte stream into newline-delimited JSON values.
// It is resumable: Feed may be called with arbitrary chunk boundaries
// and the partial tail is buffered until its terminating newline
// arrives. Empty lines are skipped; malformed JSON fires onError and
// parsing continues with the next line.
type LineParser struct {
	buf     bytes.Buffer
	onLine  func(raw json.RawMessage)
	onError func(err error)
}

// NewLineParser creates a parser. onLine receives each complete,
// syntactically valid JSON line (trimmed, without the newline).
// onError may be nil.
func NewLineParser(onLine func(raw json.RawMessage), onError func(err error)) *LineParser {
	if onError == nil {
		onError = func(error) {}
	}
	return &LineParser{onLine: onLine, onError: onError}
}

// Feed appends a chunk and drains every complete line from the buffer.
// It returns ErrLineTooLong when a line (terminated or not) exceeds
// MaxLineBytes; the parser is unusable afterwards.
func (p *LineParser) Feed(chunk []byte) error {
	p.buf.Write(chunk)

	for {
		data := p.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			if p.buf.Len() > MaxLineBytes {
				return ErrLineTooLong
			}
			return nil
		}
		if idx > MaxLineBytes {
			return ErrLineTooLong
		}

		line := bytes.TrimSpace(data[:idx])
		p.buf.Next(idx + 1)

		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			p.onError(fmt.Errorf("protocol: malformed line: %.80s", line))
			continue
		}
		// Copy: the slice aliases the internal buffer, which the next
		// Feed will mutate.
		raw := make(json.RawMessage, len(line))
		copy(raw, line)
		p.onLine(raw)
	}
}

// Buffered returns the number of bytes held for an incomplete line.
func (p *LineParser) Buffered() int {
	return p.buf.Len()
}
