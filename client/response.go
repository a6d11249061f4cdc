package client

import (
	"io"
	"net"
)

// Response represents a parsed HTTP response. Body is a pull-based
// stream bound to the owning connection: its bytes are only valid
// while that connection is alive, unless fully materialized with
// ReadBody. Callers must Close (or ReadBody) the body so the
// connection can be released.
type Response struct {
	Status        int
	Reason        string
	Proto         string
	Header        Header
	Body          io.ReadCloser
	ContentLength int64

	// Upgraded is set for a 101 response. The raw transport is then
	// available through Conn and the connection never returns to a pool.
	Upgraded bool

	conn net.Conn
}

// ReadBody materializes the whole body and closes it, releasing the
// owning connection.
func (r *Response) ReadBody() ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	b, err := io.ReadAll(r.Body)
	cerr := r.Body.Close()
	if err == nil {
		err = cerr
	}
	return b, err
}

// Conn hands over the raw transport after a protocol upgrade. It
// returns nil unless Upgraded is set. Ownership of the byte stream
// passes to the caller.
func (r *Response) Conn() net.Conn {
	if !r.Upgraded {
		return nil
	}
	return r.conn
}

// IsRedirect reports whether the status is one of the standard
// redirect codes handled by the session's redirect loop.
func (r *Response) IsRedirect() bool {
	switch r.Status {
	case 301, 302, 303, 307, 308:
		return true
	}
	return false
}
