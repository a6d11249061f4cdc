// Package http1 implements the HTTP/1.1 wire format for the client:
// an incremental response parser decoupled from socket I/O, and a
// request serializer.
package http1

import (
	"bytes"
	"errors"
	"io"
	"strconv"
	"strings"
)

var (
	ErrInvalidStatusLine    = errors.New("http1: invalid status line")
	ErrInvalidHeader        = errors.New("http1: invalid header line")
	ErrInvalidContentLength = errors.New("http1: invalid Content-Length")
	ErrInvalidChunk         = errors.New("http1: invalid chunk framing")
	ErrHeaderTooLarge       = errors.New("http1: header too large")
)

// Field is one header name/value pair in wire order, case preserved.
type Field struct {
	Name  string
	Value string
}

// Event is the outcome of one ResponseParser.Next call.
type Event int

const (
	// EventNeedMore means the parser cannot make progress without
	// more input bytes (or an EOF signal for close-delimited bodies).
	EventNeedMore Event = iota
	// EventInterim signals a parsed 1xx response other than 101.
	// The parser re-arms itself for the final response.
	EventInterim
	// EventHeadersComplete signals that the final status line and
	// header block are fully parsed.
	EventHeadersComplete
	// EventBodyChunk signals that BodyChunk holds decoded body bytes.
	EventBodyChunk
	// EventMessageComplete signals the end of the response message.
	EventMessageComplete
)

type parserState int

const (
	stateStatusLine parserState = iota
	stateHeaders
	stateBodyFixed
	stateChunkSize
	stateChunkData
	stateChunkCRLF
	stateTrailers
	stateBodyUntilEOF
	stateDone
	doneEmitted
)

// ResponseParser is an explicit state machine for one HTTP/1.1 response.
// Callers Feed raw bytes as they arrive and poll Next for events.
// The parser never touches a socket, which keeps it independently
// testable and lets the connection layer own all blocking.
type ResponseParser struct {
	state parserState
	buf   []byte
	eof   bool

	// MaxLineBytes bounds a single status/header/chunk-size line.
	MaxLineBytes int

	proto      string
	status     int
	reason     string
	fields     []Field
	keepAlive  bool
	upgrade    bool
	headMethod string // request method, for HEAD body suppression

	contentLength int64
	chunked       bool
	remain        int64

	// BodyChunk is valid after EventBodyChunk until the next call.
	BodyChunk []byte
}

// NewResponseParser returns a parser ready for one response.
func NewResponseParser() *ResponseParser {
	return &ResponseParser{MaxLineBytes: 8 << 10, contentLength: -1}
}

// Reset re-arms the parser for the next exchange on a kept-alive
// connection. Retained buffers are dropped; limits are kept.
func (p *ResponseParser) Reset() {
	p.state = stateStatusLine
	p.buf = nil
	p.eof = false
	p.proto = ""
	p.status = 0
	p.reason = ""
	p.fields = nil
	p.keepAlive = false
	p.upgrade = false
	p.headMethod = ""
	p.contentLength = -1
	p.chunked = false
	p.remain = 0
	p.BodyChunk = nil
}

// SetRequestMethod tells the parser which request method produced the
// response. A HEAD response carries headers but never a body.
func (p *ResponseParser) SetRequestMethod(m string) { p.headMethod = m }

// Feed appends raw bytes from the transport.
func (p *ResponseParser) Feed(data []byte) {
	if len(data) > 0 {
		p.buf = append(p.buf, data...)
	}
}

// CloseInput signals transport EOF. Only a close-delimited body
// treats EOF as a legitimate message terminator.
func (p *ResponseParser) CloseInput() { p.eof = true }

// Status returns the parsed status code, valid from EventHeadersComplete
// (and during EventInterim for the interim status).
func (p *ResponseParser) Status() int { return p.status }

// Reason returns the status reason phrase.
func (p *ResponseParser) Reason() string { return p.reason }

// Proto returns the response protocol version, e.g. "HTTP/1.1".
func (p *ResponseParser) Proto() string { return p.proto }

// Fields returns the parsed header fields in wire order.
func (p *ResponseParser) Fields() []Field { return p.fields }

// ContentLength returns the declared body length, or -1 when the body
// is chunked or close-delimited.
func (p *ResponseParser) ContentLength() int64 { return p.contentLength }

// KeepAlive reports whether the connection may be reused once the
// message completes. Valid from EventHeadersComplete.
func (p *ResponseParser) KeepAlive() bool { return p.keepAlive }

// Upgrade reports whether the response was a 101 protocol switch.
func (p *ResponseParser) Upgrade() bool { return p.upgrade }

// Next advances the state machine as far as the buffered input allows
// and returns the first event produced.
func (p *ResponseParser) Next() (Event, error) {
	for {
		switch p.state {
		case stateStatusLine:
			line, ok, err := p.takeLine()
			if err != nil {
				return EventNeedMore, err
			}
			if !ok {
				return p.needMore()
			}
			if err := p.parseStatusLine(line); err != nil {
				return EventNeedMore, err
			}
			p.state = stateHeaders

		case stateHeaders:
			line, ok, err := p.takeLine()
			if err != nil {
				return EventNeedMore, err
			}
			if !ok {
				return p.needMore()
			}
			if len(line) > 0 {
				if err := p.parseHeaderLine(line); err != nil {
					return EventNeedMore, err
				}
				continue
			}
			return p.finishHeaders()

		case stateBodyFixed:
			if len(p.buf) == 0 {
				return p.needMore()
			}
			n := p.remain
			if int64(len(p.buf)) < n {
				n = int64(len(p.buf))
			}
			p.emitBody(p.buf[:n])
			p.buf = p.buf[n:]
			p.remain -= n
			if p.remain == 0 {
				p.state = stateDone
			}
			return EventBodyChunk, nil

		case stateChunkSize:
			line, ok, err := p.takeLine()
			if err != nil {
				return EventNeedMore, err
			}
			if !ok {
				return p.needMore()
			}
			size, err := parseChunkSize(line)
			if err != nil {
				return EventNeedMore, err
			}
			if size == 0 {
				p.state = stateTrailers
				continue
			}
			p.remain = size
			p.state = stateChunkData

		case stateChunkData:
			if len(p.buf) == 0 {
				return p.needMore()
			}
			n := p.remain
			if int64(len(p.buf)) < n {
				n = int64(len(p.buf))
			}
			p.emitBody(p.buf[:n])
			p.buf = p.buf[n:]
			p.remain -= n
			if p.remain == 0 {
				p.state = stateChunkCRLF
			}
			return EventBodyChunk, nil

		case stateChunkCRLF:
			if len(p.buf) < 2 {
				return p.needMore()
			}
			if p.buf[0] != '\r' || p.buf[1] != '\n' {
				return EventNeedMore, ErrInvalidChunk
			}
			p.buf = p.buf[2:]
			p.state = stateChunkSize

		case stateTrailers:
			line, ok, err := p.takeLine()
			if err != nil {
				return EventNeedMore, err
			}
			if !ok {
				return p.needMore()
			}
			if len(line) == 0 {
				p.state = stateDone
				continue
			}
			// Trailer fields are consumed and discarded.

		case stateBodyUntilEOF:
			if len(p.buf) > 0 {
				p.emitBody(p.buf)
				p.buf = nil
				return EventBodyChunk, nil
			}
			if p.eof {
				p.state = stateDone
				continue
			}
			return EventNeedMore, nil

		case stateDone:
			p.state = doneEmitted
			return EventMessageComplete, nil

		case doneEmitted:
			return EventNeedMore, nil
		}
	}
}

func (p *ResponseParser) needMore() (Event, error) {
	// EOF before the message is complete is a transport-level loss for
	// every state except the close-delimited body handled above.
	if p.eof {
		return EventNeedMore, io.ErrUnexpectedEOF
	}
	return EventNeedMore, nil
}

func (p *ResponseParser) emitBody(b []byte) {
	p.BodyChunk = append(p.BodyChunk[:0], b...)
}

// takeLine pops one CRLF-terminated line from the buffer. A bare LF is
// tolerated. The returned line excludes the terminator.
func (p *ResponseParser) takeLine() ([]byte, bool, error) {
	i := bytes.IndexByte(p.buf, '\n')
	if i < 0 {
		if p.MaxLineBytes > 0 && len(p.buf) > p.MaxLineBytes {
			return nil, false, ErrHeaderTooLarge
		}
		return nil, false, nil
	}
	if p.MaxLineBytes > 0 && i > p.MaxLineBytes {
		return nil, false, ErrHeaderTooLarge
	}
	line := p.buf[:i]
	p.buf = p.buf[i+1:]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, true, nil
}

func (p *ResponseParser) parseStatusLine(line []byte) error {
	parts := strings.SplitN(string(line), " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/1.") {
		return ErrInvalidStatusLine
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 999 {
		return ErrInvalidStatusLine
	}
	p.proto = parts[0]
	p.status = code
	if len(parts) == 3 {
		p.reason = parts[2]
	} else {
		p.reason = ""
	}
	// HTTP/1.1 defaults to keep-alive, HTTP/1.0 to close.
	p.keepAlive = p.proto != "HTTP/1.0"
	return nil
}

func (p *ResponseParser) parseHeaderLine(line []byte) error {
	i := bytes.IndexByte(line, ':')
	if i <= 0 {
		return ErrInvalidHeader
	}
	name := strings.TrimSpace(string(line[:i]))
	if name == "" {
		return ErrInvalidHeader
	}
	value := strings.TrimSpace(string(line[i+1:]))
	p.fields = append(p.fields, Field{Name: name, Value: value})
	return nil
}

// finishHeaders decides body framing once the header block ends.
func (p *ResponseParser) finishHeaders() (Event, error) {
	if v := p.fieldValue("Connection"); v != "" {
		switch {
		case strings.EqualFold(v, "close"):
			p.keepAlive = false
		case strings.EqualFold(v, "keep-alive"):
			p.keepAlive = true
		}
	}

	if p.status >= 100 && p.status < 200 {
		if p.status == 101 {
			// Protocol switch: the 101 head terminates HTTP/1.1
			// framing on this connection.
			p.upgrade = true
			p.keepAlive = false
			p.contentLength = 0
			p.state = stateDone
			return EventHeadersComplete, nil
		}
		ev := EventInterim
		p.state = stateStatusLine
		p.fields = nil
		return ev, nil
	}

	noBody := p.status == 204 || p.status == 304 || strings.EqualFold(p.headMethod, "HEAD")

	chunked := false
	for _, f := range p.fields {
		if strings.EqualFold(f.Name, "Transfer-Encoding") &&
			strings.Contains(strings.ToLower(f.Value), "chunked") {
			chunked = true
		}
	}

	cl := int64(-1)
	if v := p.fieldValue("Content-Length"); v != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || n < 0 {
			return EventNeedMore, ErrInvalidContentLength
		}
		cl = n
	}

	switch {
	case noBody:
		p.contentLength = 0
		p.state = stateDone
	case chunked:
		p.contentLength = -1
		p.state = stateChunkSize
	case cl == 0:
		p.contentLength = 0
		p.state = stateDone
	case cl > 0:
		p.contentLength = cl
		p.remain = cl
		p.state = stateBodyFixed
	default:
		// No framing headers: body runs to EOF and the connection
		// cannot be reused.
		p.contentLength = -1
		p.keepAlive = false
		p.state = stateBodyUntilEOF
	}
	return EventHeadersComplete, nil
}

func (p *ResponseParser) fieldValue(name string) string {
	for _, f := range p.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

func parseChunkSize(line []byte) (int64, error) {
	s := string(line)
	// Strip chunk extensions: "<hex>;<ext>".
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidChunk
	}
	n, err := strconv.ParseInt(s, 16, 64)
	if err != nil || n < 0 {
		return 0, ErrInvalidChunk
	}
	return n, nil
}
