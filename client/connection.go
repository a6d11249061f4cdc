package client

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/valyala/bytebufferpool"

	"github.com/Neoteroi/BlackSheep-sub001/client/internal/http1"
	"github.com/Neoteroi/BlackSheep-sub001/internal/obs"
)

// ConnState is the lifecycle state of a ClientConnection.
type ConnState int32

const (
	StateIdle ConnState = iota
	StateAwaitingReady
	StateSending
	StateAwaitingHeaders
	StateStreamingBody
	StateComplete
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingReady:
		return "awaiting-ready"
	case StateSending:
		return "sending"
	case StateAwaitingHeaders:
		return "awaiting-headers"
	case StateStreamingBody:
		return "streaming-body"
	case StateComplete:
		return "complete"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ClientConnection drives exactly one request/response exchange at a
// time over one socket. It is never shared across concurrent requests;
// between exchanges it either sits in its owning pool or is closed.
type ClientConnection struct {
	conn   net.Conn
	owner  *ConnectionPool // nil for upgraded/detached connections
	parser *http1.ResponseParser
	log    obs.Logger

	mu       sync.Mutex
	state    ConnState
	closed   bool
	upgraded bool
	aborted  bool // request framing left incomplete; never pool
	ex       *exchange
	lastUse  time.Time
}

func newClientConnection(nc net.Conn, owner *ConnectionPool, log obs.Logger) *ClientConnection {
	if log == nil {
		log = obs.NopLogger{}
	}
	return &ClientConnection{
		conn:    nc,
		owner:   owner,
		parser:  http1.NewResponseParser(),
		log:     log,
		state:   StateIdle,
		lastUse: time.Now(),
	}
}

// State returns the current lifecycle state.
func (c *ClientConnection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// exchange carries the coordination channels for one request/response.
type exchange struct {
	headParsed chan struct{} // closed once the final head is parsed
	resp       *Response     // set before headParsed closes
	interim    chan int      // interim 1xx statuses (except 101)
	body       chan []byte   // decoded body chunks, closed at message end
	errCh      chan error
	stop       chan struct{} // closed when the connection dies
	stopOnce   sync.Once
}

func newExchange() *exchange {
	return &exchange{
		headParsed: make(chan struct{}),
		interim:    make(chan int, 4),
		body:       make(chan []byte),
		errCh:      make(chan error, 1),
		stop:       make(chan struct{}),
	}
}

func (ex *exchange) fail(err error) {
	select {
	case ex.errCh <- err:
	default:
	}
}

func (ex *exchange) halt() {
	ex.stopOnce.Do(func() { close(ex.stop) })
}

// Send writes the request and waits for the parsed response. The
// context bounds the whole exchange; when it fires, the connection is
// closed and never pooled.
func (c *ClientConnection) Send(ctx context.Context, req *Request) (*Response, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		// Nothing was written: the caller may safely retry on a
		// fresh connection.
		return nil, &ConnectionClosedError{CanRetry: true}
	}
	if c.state != StateIdle && c.state != StateAwaitingReady {
		c.mu.Unlock()
		return nil, errors.New("client: connection busy")
	}
	c.state = StateSending
	c.aborted = false
	c.parser.Reset()
	c.parser.SetRequestMethod(req.Method)
	ex := newExchange()
	c.ex = ex
	c.mu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(dl)
	} else {
		_ = c.conn.SetDeadline(time.Time{})
	}

	go c.readLoop(ex)

	if err := c.writeRequest(ctx, req, ex); err != nil {
		c.Close()
		return nil, err
	}

	c.setState(StateAwaitingHeaders)
	var resp *Response
	select {
	case <-ex.headParsed:
		resp = ex.resp
	case err := <-ex.errCh:
		c.Close()
		return nil, err
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}

	if resp.Upgraded {
		// Hand the raw byte stream to the caller; this connection is
		// permanently excluded from pooling.
		c.detach()
		resp.conn = c.conn
		resp.Body = io.NopCloser(strings.NewReader(""))
		return resp, nil
	}

	c.setState(StateStreamingBody)
	resp.Body = &bodyReader{c: c, ex: ex}
	return resp, nil
}

// writeRequest serializes and transmits the request, honoring the
// fast path, Expect: 100-continue, and early-exit on a premature
// response.
func (c *ClientConnection) writeRequest(ctx context.Context, req *Request, ex *exchange) error {
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	c.serializeHead(bb, req)

	if req.expectsContinue() && req.HasBody() {
		if _, err := c.conn.Write(bb.B); err != nil {
			return c.writeFailed(err)
		}
		select {
		case <-ex.interim:
			// 100 received: go on and send the body.
		case <-ex.headParsed:
			// The server answered with a final response before asking
			// for the body: never transmit it.
			c.markAborted()
			return nil
		case err := <-ex.errCh:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
		return c.writeBody(req, ex)
	}

	if req.bodyStream == nil {
		// Fast path: head plus any buffered body in a single write.
		if len(req.body) > 0 {
			bb.Write(req.body)
		}
		if _, err := c.conn.Write(bb.B); err != nil {
			return c.writeFailed(err)
		}
		return nil
	}

	if _, err := c.conn.Write(bb.B); err != nil {
		return c.writeFailed(err)
	}
	return c.writeBody(req, ex)
}

// serializeHead writes the request line and header block. Host is
// synthesized from the target authority when absent; framing headers
// are owned by the connection, not the caller.
func (c *ClientConnection) serializeHead(bb *bytebufferpool.ByteBuffer, req *Request) {
	target := req.URL.RequestURI()
	if target == "" {
		target = "/"
	}
	http1.BeginRequestHead(bb, req.Method, target)
	if !req.Header.Has("Host") {
		http1.WriteHeaderField(bb, "Host", req.URL.Host)
	}
	req.Header.Each(func(k, v string) {
		if strings.EqualFold(k, "Content-Length") || strings.EqualFold(k, "Transfer-Encoding") {
			return
		}
		http1.WriteHeaderField(bb, k, v)
	})
	switch {
	case req.bodyStream != nil && req.ContentLength < 0:
		http1.WriteHeaderField(bb, "Transfer-Encoding", "chunked")
	case req.bodyStream != nil:
		http1.WriteHeaderField(bb, "Content-Length", strconv.FormatInt(req.ContentLength, 10))
	default:
		http1.WriteHeaderField(bb, "Content-Length", strconv.Itoa(len(req.body)))
	}
	http1.EndRequestHead(bb)
}

// writeStepResult is the tri-state outcome of sending one body piece.
type writeStepResult int

const (
	stepContinue writeStepResult = iota
	stepAbort
	stepError
)

func (c *ClientConnection) writeBody(req *Request, ex *exchange) error {
	if req.body != nil {
		// Buffered body after a 100 Continue.
		if _, err := c.conn.Write(req.body); err != nil {
			return c.writeFailed(err)
		}
		return nil
	}

	chunked := req.ContentLength < 0
	buf := make([]byte, 16<<10)
	var written int64
	for {
		n, rerr := req.bodyStream.Read(buf)
		if n > 0 {
			step, werr := c.writeBodyStep(ex, buf[:n], chunked)
			switch step {
			case stepAbort:
				// The peer produced a full response before the body
				// finished. Stop sending; the framing is now
				// incomplete, so the connection cannot be pooled.
				c.markAborted()
				return nil
			case stepError:
				return c.writeFailed(werr)
			}
			written += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			c.markAborted()
			return rerr
		}
		if !chunked && written >= req.ContentLength {
			break
		}
	}
	if chunked {
		if err := http1.WriteLastChunk(c.conn); err != nil {
			return c.writeFailed(err)
		}
	}
	return nil
}

func (c *ClientConnection) writeBodyStep(ex *exchange, p []byte, chunked bool) (writeStepResult, error) {
	select {
	case <-ex.headParsed:
		return stepAbort, nil
	default:
	}
	var err error
	if chunked {
		err = http1.WriteChunk(c.conn, p)
	} else {
		_, err = c.conn.Write(p)
	}
	if err != nil {
		return stepError, err
	}
	return stepContinue, nil
}

// writeFailed maps a mid-write transport failure. A retry is unsafe
// because an unknown prefix of the request already reached the peer.
func (c *ClientConnection) writeFailed(err error) error {
	return &ConnectionClosedError{CanRetry: false, Err: err}
}

func (c *ClientConnection) markAborted() {
	c.mu.Lock()
	c.aborted = true
	c.mu.Unlock()
}

// readLoop reads transport bytes, feeds the parser and dispatches
// events until the message completes or the transport dies.
func (c *ClientConnection) readLoop(ex *exchange) {
	buf := make([]byte, 8<<10)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.parser.Feed(buf[:n])
			if c.pump(ex) {
				return
			}
		}
		if err != nil {
			c.parser.CloseInput()
			if c.pump(ex) {
				return
			}
			// Transport lost before the response completed.
			ex.fail(&ConnectionClosedError{CanRetry: false, Err: err})
			c.Close()
			return
		}
	}
}

// pump drains parser events. It returns true when reading must stop.
func (c *ClientConnection) pump(ex *exchange) bool {
	for {
		ev, err := c.parser.Next()
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				// Transport died mid-message: not a protocol violation.
				ex.fail(&ConnectionClosedError{CanRetry: false, Err: err})
			} else {
				ex.fail(&InvalidResponseError{Err: err})
			}
			c.Close()
			return true
		}
		switch ev {
		case http1.EventNeedMore:
			return false
		case http1.EventInterim:
			select {
			case ex.interim <- c.parser.Status():
			default:
			}
		case http1.EventHeadersComplete:
			ex.resp = c.buildResponse()
			close(ex.headParsed)
		case http1.EventBodyChunk:
			chunk := append([]byte(nil), c.parser.BodyChunk...)
			select {
			case ex.body <- chunk:
			case <-ex.stop:
				return true
			}
		case http1.EventMessageComplete:
			close(ex.body)
			return true
		}
	}
}

func (c *ClientConnection) buildResponse() *Response {
	resp := &Response{
		Status:        c.parser.Status(),
		Reason:        c.parser.Reason(),
		Proto:         c.parser.Proto(),
		ContentLength: c.parser.ContentLength(),
		Upgraded:      c.parser.Upgrade(),
	}
	for _, f := range c.parser.Fields() {
		resp.Header.Add(f.Name, f.Value)
	}
	return resp
}

// release is called once the caller fully consumed the body. A clean
// keep-alive exchange re-enters the owning pool; everything else
// closes the socket.
func (c *ClientConnection) release(clean bool) {
	c.mu.Lock()
	keep := clean && !c.closed && !c.upgraded && !c.aborted && c.parser.KeepAlive()
	if !keep {
		c.mu.Unlock()
		c.Close()
		return
	}
	c.state = StateIdle
	c.ex = nil
	c.lastUse = time.Now()
	owner := c.owner
	c.mu.Unlock()
	_ = c.conn.SetDeadline(time.Time{})
	if owner == nil || !owner.tryReturn(c) {
		c.Close()
	}
}

// isAlive probes the socket for peer-side closure without consuming
// response bytes. Used when popping idle connections from a pool.
func (c *ClientConnection) isAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state != StateIdle {
		return false
	}
	_ = c.conn.SetReadDeadline(time.Now())
	var b [1]byte
	n, err := c.conn.Read(b[:])
	_ = c.conn.SetReadDeadline(time.Time{})
	if n > 0 {
		// Unsolicited bytes on an idle connection: poisoned.
		c.closeLocked()
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	c.closeLocked()
	return false
}

// IsOpen reports whether the socket is still usable.
func (c *ClientConnection) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Close shuts the socket down and unblocks any in-flight exchange.
func (c *ClientConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	err := c.closeLocked()
	c.mu.Unlock()
	return err
}

func (c *ClientConnection) closeLocked() error {
	c.closed = true
	c.state = StateClosed
	if c.ex != nil {
		c.ex.halt()
	}
	if c.owner != nil {
		c.owner.untrack(c)
	}
	return c.conn.Close()
}

// detach marks the connection closed for pooling purposes without
// closing the socket: after a 101 upgrade the caller owns the bytes.
func (c *ClientConnection) detach() {
	c.mu.Lock()
	c.closed = true
	c.upgraded = true
	c.state = StateClosed
	if c.ex != nil {
		c.ex.halt()
	}
	if c.owner != nil {
		c.owner.untrack(c)
	}
	c.mu.Unlock()
	_ = c.conn.SetDeadline(time.Time{})
}

func (c *ClientConnection) setState(s ConnState) {
	c.mu.Lock()
	if !c.closed {
		c.state = s
	}
	c.mu.Unlock()
}

// bodyReader streams decoded body bytes to the caller. Close drains
// the remainder so the connection is positioned at the next message,
// then releases the connection.
type bodyReader struct {
	c        *ClientConnection
	ex       *exchange
	cur      []byte
	err      error
	finished bool
	closed   bool
}

func (b *bodyReader) Read(p []byte) (int, error) {
	for {
		if len(b.cur) > 0 {
			n := copy(p, b.cur)
			b.cur = b.cur[n:]
			return n, nil
		}
		if b.err != nil {
			return 0, b.err
		}
		if b.finished {
			return 0, io.EOF
		}
		select {
		case chunk, ok := <-b.ex.body:
			if !ok {
				b.finished = true
				continue
			}
			b.cur = chunk
		case err := <-b.ex.errCh:
			b.err = err
		}
	}
}

func (b *bodyReader) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	for !b.finished && b.err == nil {
		select {
		case _, ok := <-b.ex.body:
			if !ok {
				b.finished = true
			}
		case err := <-b.ex.errCh:
			b.err = err
		}
	}
	b.c.setState(StateComplete)
	b.c.release(b.finished && b.err == nil)
	return nil
}

