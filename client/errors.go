package client

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSessionClosed is returned by Send on a closed session.
	ErrSessionClosed = errors.New("client: session closed")
	// ErrPoolDisposed is returned by Get on a disposed pool.
	ErrPoolDisposed = errors.New("client: connection pool disposed")
	// ErrMissingBaseURL is returned for a relative request URL when the
	// session has no base URL to resolve it against.
	ErrMissingBaseURL = errors.New("client: relative URL requires a session base URL")
	// ErrConnectionTimeout fires when a connection could not be
	// acquired within the connection timeout.
	ErrConnectionTimeout = errors.New("client: connection acquisition timed out")
	// ErrRequestTimeout fires when an acquired connection did not
	// deliver a response within the request timeout.
	ErrRequestTimeout = errors.New("client: request timed out")
	// ErrBodyNotReplayable is returned when a redirect needs to resend
	// a streaming body that has no replay function.
	ErrBodyNotReplayable = errors.New("client: request body cannot be replayed")
	// ErrTLSOverHTTP is returned when a custom TLS configuration is
	// combined with a plain http target.
	ErrTLSOverHTTP = errors.New("client: TLS configuration given for http scheme")
)

// ConnectionClosedError reports that the underlying connection was
// closed. CanRetry is true only when nothing was written yet, so the
// caller may transparently retry on a fresh connection.
type ConnectionClosedError struct {
	CanRetry bool
	Err      error
}

func (e *ConnectionClosedError) Error() string {
	msg := "client: connection closed"
	if e.CanRetry {
		msg += " (retryable)"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectionClosedError) Unwrap() error { return e.Err }

// InvalidResponseError reports a protocol violation in the server's
// response. It is never retryable for the in-flight request.
type InvalidResponseError struct {
	Err error
}

func (e *InvalidResponseError) Error() string {
	return "client: invalid response from server: " + e.Err.Error()
}

func (e *InvalidResponseError) Unwrap() error { return e.Err }

// MissingLocationError reports a redirect response without a Location
// header.
type MissingLocationError struct {
	Response *Response
}

func (e *MissingLocationError) Error() string {
	return fmt.Sprintf("client: redirect response %d without Location header", e.Response.Status)
}

// UnsupportedRedirectError is a deliberate hand-back: the server
// redirected to a target whose scheme this client does not speak
// (a URN, an app-custom scheme). Location carries the raw target.
type UnsupportedRedirectError struct {
	Location string
	Response *Response
}

func (e *UnsupportedRedirectError) Error() string {
	return "client: unsupported redirect target " + e.Location
}

// CircularRedirectError reports a redirect chain that revisited a URL.
// Chain holds every visited URL in order, ending with the repeat.
type CircularRedirectError struct {
	Chain    []string
	Response *Response
}

func (e *CircularRedirectError) Error() string {
	return "client: circular redirects detected, path was: " + strings.Join(e.Chain, " --> ")
}

// MaxRedirectsError reports that a redirect chain exceeded the
// configured maximum.
type MaxRedirectsError struct {
	Limit    int
	Chain    []string
	Response *Response
}

func (e *MaxRedirectsError) Error() string {
	return fmt.Sprintf("client: maximum number of redirects exceeded (%d), path was: %s",
		e.Limit, strings.Join(e.Chain, " --> "))
}
