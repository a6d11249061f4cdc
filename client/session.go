package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Neoteroi/BlackSheep-sub001/cookies"
	"github.com/Neoteroi/BlackSheep-sub001/internal/obs"
)

// SessionOptions configures a Session. The zero value is usable;
// unset fields take the defaults documented on each field.
type SessionOptions struct {
	// BaseURL resolves relative request URLs.
	BaseURL string
	// NoFollowRedirects disables the redirect loop. Redirects are
	// followed by default.
	NoFollowRedirects bool
	// MaxRedirects caps one redirect chain. Default 20.
	MaxRedirects int
	// ConnectionTimeout bounds connection acquisition. Default 3s.
	ConnectionTimeout time.Duration
	// RequestTimeout bounds one full request/response exchange.
	// Default 60s.
	RequestTimeout time.Duration
	// DefaultHeaders are merged into every request; request-specific
	// headers win on conflict.
	DefaultHeaders Header
	// CookieJar enables cookie persistence. NewSession installs a
	// fresh in-memory jar when nil and UseCookies is set.
	CookieJar  *cookies.Jar
	UseCookies bool
	// TLSConfig selects a custom TLS context. Rejected for http
	// targets. InsecureTLS skips certificate verification instead.
	TLSConfig   *tls.Config
	InsecureTLS bool
	// PoolMaxSize bounds idle connections per authority.
	PoolMaxSize int
	// Middlewares wrap the core send, outermost first.
	Middlewares []Middleware

	Logger obs.Logger
	Meter  obs.Meter
}

// Session is the externally visible entry point: it owns the pool
// registry and the cookie jar, applies the middleware chain and drives
// the redirect loop. Safe for concurrent use.
type Session struct {
	baseURL         *url.URL
	followRedirects bool
	maxRedirects    int
	connTimeout     time.Duration
	reqTimeout      time.Duration
	defaultHeaders  Header
	jar             *cookies.Jar
	customTLS       bool
	insecureTLS     bool

	log   obs.Logger
	meter obs.Meter

	registry *PoolRegistry

	chainOnce sync.Once
	chain     Handler
	mws       []Middleware

	closed atomic.Bool
}

// NewSession builds a session. An invalid base URL is reported here
// rather than on first send.
func NewSession(opts SessionOptions) (*Session, error) {
	var base *url.URL
	if opts.BaseURL != "" {
		u, err := url.Parse(opts.BaseURL)
		if err != nil {
			return nil, err
		}
		if !u.IsAbs() {
			return nil, errors.New("client: base URL must be absolute")
		}
		base = u
	}
	maxRedirects := opts.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = 20
	}
	connTimeout := opts.ConnectionTimeout
	if connTimeout <= 0 {
		connTimeout = 3 * time.Second
	}
	reqTimeout := opts.RequestTimeout
	if reqTimeout <= 0 {
		reqTimeout = 60 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = obs.NopLogger{}
	}
	meter := opts.Meter
	if meter == nil {
		meter = obs.NopMeter{}
	}
	jar := opts.CookieJar
	if jar == nil && opts.UseCookies {
		jar = cookies.NewJar()
	}
	tlsConfig := opts.TLSConfig
	if tlsConfig == nil {
		if opts.InsecureTLS {
			tlsConfig = insecureTLSConfig()
		} else {
			tlsConfig = secureTLSConfig()
		}
	}

	s := &Session{
		baseURL:         base,
		followRedirects: !opts.NoFollowRedirects,
		maxRedirects:    maxRedirects,
		connTimeout:     connTimeout,
		reqTimeout:      reqTimeout,
		defaultHeaders:  opts.DefaultHeaders.Clone(),
		jar:             jar,
		customTLS:       opts.TLSConfig != nil,
		insecureTLS:     opts.InsecureTLS,
		log:             log,
		meter:           meter,
		mws:             opts.Middlewares,
		registry:        NewPoolRegistry(opts.PoolMaxSize, tlsConfig, log, meter),
	}
	return s, nil
}

// Registry exposes the pool registry, mainly for tests and tooling.
func (s *Session) Registry() *PoolRegistry { return s.registry }

// Jar returns the session cookie jar, nil when cookies are disabled.
func (s *Session) Jar() *cookies.Jar { return s.jar }

// handler builds the middleware chain once: user middlewares outermost
// in declaration order, then the cookie middleware, then the core send.
func (s *Session) handler() Handler {
	s.chainOnce.Do(func() {
		h := Handler(s.sendCore)
		mws := s.mws
		if s.jar != nil {
			mws = append(append([]Middleware{}, mws...), cookieMiddleware(s.jar, s.log))
		}
		for i := len(mws) - 1; i >= 0; i-- {
			h = mws[i](h)
		}
		s.chain = h
	})
	return s.chain
}

// Send resolves the request URL, runs the middleware chain and follows
// redirects. The context cancels the whole call, including every hop.
func (s *Session) Send(ctx context.Context, req *Request) (*Response, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	if err := s.resolveURL(req); err != nil {
		return nil, err
	}
	s.mergeDefaults(req)

	chain := s.handler()
	visited := []string{req.URL.String()}
	for {
		resp, err := chain(ctx, req)
		if err != nil {
			return nil, err
		}
		if !s.followRedirects || !resp.IsRedirect() {
			return resp, nil
		}
		next, err := s.redirectRequest(req, resp, &visited)
		if err != nil {
			// The failed hop's connection must still be released; the
			// carried response keeps its materialized body.
			s.materializeBody(resp)
			return nil, err
		}
		// The redirect response body is drained so its connection can
		// be reused by the next hop.
		if _, derr := resp.ReadBody(); derr != nil {
			s.log.Logf(obs.Debug, "draining redirect response: %v", derr)
		}
		req = next
	}
}

// materializeBody drains and closes the response body, replacing it
// with an in-memory reader over the same bytes.
func (s *Session) materializeBody(resp *Response) {
	b, err := resp.ReadBody()
	if err != nil {
		s.log.Logf(obs.Debug, "draining redirect response: %v", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(b))
}

// Get performs a GET for target.
func (s *Session) Get(ctx context.Context, target string) (*Response, error) {
	req, err := NewRequest("GET", target, nil)
	if err != nil {
		return nil, err
	}
	return s.Send(ctx, req)
}

// Post performs a POST with a buffered body and optional content type.
func (s *Session) Post(ctx context.Context, target, contentType string, body []byte) (*Response, error) {
	req, err := NewRequest("POST", target, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return s.Send(ctx, req)
}

// Head performs a HEAD for target.
func (s *Session) Head(ctx context.Context, target string) (*Response, error) {
	req, err := NewRequest("HEAD", target, nil)
	if err != nil {
		return nil, err
	}
	return s.Send(ctx, req)
}

// Close disposes every pool. Calls in flight fail rather than hang.
func (s *Session) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.registry.Dispose()
}

func (s *Session) resolveURL(req *Request) error {
	if req.URL == nil {
		return errors.New("client: request has no URL")
	}
	if req.URL.IsAbs() {
		return nil
	}
	if s.baseURL == nil {
		return ErrMissingBaseURL
	}
	req.URL = s.baseURL.ResolveReference(req.URL)
	return nil
}

func (s *Session) mergeDefaults(req *Request) {
	s.defaultHeaders.Each(func(k, v string) {
		if !req.Header.Has(k) {
			req.Header.Set(k, v)
		}
	})
}

// sendCore acquires a connection and performs one exchange, with the
// two distinct timeouts and the single fresh-connection retry.
func (s *Session) sendCore(ctx context.Context, req *Request) (*Response, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	if strings.EqualFold(req.URL.Scheme, "http") && (s.customTLS || s.insecureTLS) {
		return nil, ErrTLSOverHTTP
	}
	pool, err := s.registry.GetPool(req.URL)
	if err != nil {
		return nil, err
	}
	if req.Header.Get("X-Request-ID") == "" {
		req.Header.Set("X-Request-ID", uuid.NewString())
	}

	start := time.Now()
	s.meter.Counter("webclient_requests_total", 1, obs.Label{Key: "method", Value: req.Method})

	conn, err := s.acquire(ctx, pool)
	if err != nil {
		return nil, err
	}
	resp, err := s.attempt(ctx, conn, req)
	var cce *ConnectionClosedError
	if err != nil && errors.As(err, &cce) && cce.CanRetry {
		// Nothing was written on the stale connection: retry exactly
		// once on a fresh one.
		conn, err = s.acquire(ctx, pool)
		if err != nil {
			return nil, err
		}
		resp, err = s.attempt(ctx, conn, req)
	}
	if err != nil {
		s.meter.Counter("webclient_requests_error", 1, obs.Label{Key: "method", Value: req.Method})
		return nil, err
	}
	s.meter.Counter("webclient_responses_total", 1, obs.Label{Key: "status", Value: strconv.Itoa(resp.Status)})
	s.meter.Histogram("webclient_roundtrip_duration_ms", float64(time.Since(start).Milliseconds()),
		obs.Label{Key: "method", Value: req.Method})
	return resp, nil
}

func (s *Session) acquire(ctx context.Context, pool *ConnectionPool) (*ClientConnection, error) {
	cctx, cancel := context.WithTimeout(ctx, s.connTimeout)
	defer cancel()
	conn, err := pool.Get(cctx)
	if err != nil {
		if cctx.Err() != nil && ctx.Err() == nil {
			return nil, ErrConnectionTimeout
		}
		return nil, err
	}
	return conn, nil
}

func (s *Session) attempt(ctx context.Context, conn *ClientConnection, req *Request) (*Response, error) {
	rctx, cancel := context.WithTimeout(ctx, s.reqTimeout)
	defer cancel()
	resp, err := conn.Send(rctx, req)
	if err != nil {
		// An interrupted exchange must never reach the pool.
		_ = conn.Close()
		if rctx.Err() != nil && ctx.Err() == nil {
			return nil, ErrRequestTimeout
		}
		return nil, err
	}
	return resp, nil
}

// redirectRequest builds the next hop from a redirect response,
// enforcing chain tracking, circular detection and the redirect cap.
func (s *Session) redirectRequest(req *Request, resp *Response, visited *[]string) (*Request, error) {
	location := resp.Header.Get("Location")
	if location == "" {
		return nil, &MissingLocationError{Response: resp}
	}
	lu, err := url.Parse(location)
	if err != nil {
		return nil, &UnsupportedRedirectError{Location: location, Response: resp}
	}
	if lu.Scheme != "" && !strings.EqualFold(lu.Scheme, "http") && !strings.EqualFold(lu.Scheme, "https") {
		// A URN or app-custom scheme: hand the target back rather
		// than failing the exchange.
		return nil, &UnsupportedRedirectError{Location: location, Response: resp}
	}
	target := req.URL.ResolveReference(lu)

	ts := target.String()
	for _, seen := range *visited {
		if seen == ts {
			return nil, &CircularRedirectError{Chain: append(append([]string{}, *visited...), ts), Response: resp}
		}
	}
	*visited = append(*visited, ts)
	if len(*visited)-1 > s.maxRedirects {
		return nil, &MaxRedirectsError{Limit: s.maxRedirects, Chain: *visited, Response: resp}
	}

	next := req.clone()
	next.URL = target
	next.Header.Del("Host")

	switch resp.Status {
	case 303:
		// 303 always means "fetch with GET", dropping the body.
		next.Method = "GET"
		next.dropBody()
	case 301, 302:
		// Browser-aligned convention: only POST downgrades; other
		// methods keep method and body unchanged.
		if req.Method == "POST" {
			next.Method = "GET"
			next.dropBody()
		} else if err := next.rewindBody(); err != nil {
			return nil, err
		}
	default:
		// 307/308 preserve method and body exactly.
		if err := next.rewindBody(); err != nil {
			return nil, err
		}
	}
	return next, nil
}

func (r *Request) dropBody() {
	r.body = nil
	r.bodyStream = nil
	r.ContentLength = 0
	r.GetBody = nil
	r.Header.Del("Content-Type")
}

// rewindBody makes the body sendable again for a redirect resend.
// Buffered bodies replay trivially; streams need GetBody.
func (r *Request) rewindBody() error {
	if r.bodyStream == nil {
		return nil
	}
	if r.GetBody == nil {
		return ErrBodyNotReplayable
	}
	rd, err := r.GetBody()
	if err != nil {
		return err
	}
	r.bodyStream = rd
	return nil
}

