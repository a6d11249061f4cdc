package client

import (
	"io"
	"net/url"
	"strings"
)

// Request represents one outgoing HTTP request. A Request is mutable
// until handed to a connection; after that it must not be touched
// concurrently.
type Request struct {
	Method string
	URL    *url.URL
	Header Header

	// body is a fully buffered payload; bodyStream a lazy producer.
	// At most one is set.
	body       []byte
	bodyStream io.Reader

	// ContentLength is the declared stream length; -1 selects chunked
	// transfer encoding. Ignored for buffered bodies.
	ContentLength int64

	// GetBody, when set, recreates the body stream so a 307/308
	// redirect can resend it.
	GetBody func() (io.Reader, error)
}

// NewRequest builds a request for target, which may be relative when
// the session has a base URL.
func NewRequest(method, target string, body []byte) (*Request, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	r := &Request{Method: strings.ToUpper(method), URL: u, ContentLength: int64(len(body))}
	if len(body) > 0 {
		r.body = body
	}
	return r, nil
}

// SetBody replaces the request payload with a fixed buffer.
func (r *Request) SetBody(b []byte) {
	r.body = b
	r.bodyStream = nil
	r.ContentLength = int64(len(b))
}

// SetBodyStream sets a streaming payload. length -1 means unknown and
// selects chunked transfer encoding on the wire.
func (r *Request) SetBodyStream(rd io.Reader, length int64) {
	r.body = nil
	r.bodyStream = rd
	r.ContentLength = length
}

// Body returns the buffered payload, or nil for streaming/empty bodies.
func (r *Request) Body() []byte { return r.body }

// HasBody reports whether any payload is attached.
func (r *Request) HasBody() bool { return len(r.body) > 0 || r.bodyStream != nil }

// clone returns a mutable copy sharing the body buffer. Used by the
// redirect loop to derive the next hop without mutating the original.
func (r *Request) clone() *Request {
	r2 := *r
	r2.Header = r.Header.Clone()
	if r.URL != nil {
		u := *r.URL
		r2.URL = &u
	}
	return &r2
}

// expectsContinue reports whether the request declared
// Expect: 100-continue.
func (r *Request) expectsContinue() bool {
	return strings.Contains(strings.ToLower(r.Header.Get("Expect")), "100-continue")
}
