package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

// startRawServer serves scripted HTTP/1.1 on a loopback listener and
// returns the base URL. The handler is invoked per accepted connection.
func startRawServer(t *testing.T, handler func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				handler(c)
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return "http://" + ln.Addr().String()
}

func requestTarget(head string) string {
	line, _, _ := strings.Cut(head, "\r\n")
	parts := strings.Split(line, " ")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func requestMethod(head string) string {
	line, _, _ := strings.Cut(head, "\r\n")
	method, _, _ := strings.Cut(line, " ")
	return method
}

func headerValue(head, name string) string {
	for _, line := range strings.Split(head, "\r\n") {
		k, v, ok := strings.Cut(line, ":")
		if ok && strings.EqualFold(strings.TrimSpace(k), name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// readFullRequest consumes one request, head and declared body.
func readFullRequest(conn net.Conn) (head string, body []byte, err error) {
	head, rest, err := readRequestHead(conn)
	if err != nil {
		return "", nil, err
	}
	n, _ := strconv.Atoi(headerValue(head, "Content-Length"))
	body = rest
	for len(body) < n {
		buf := make([]byte, 4096)
		m, rerr := conn.Read(buf)
		body = append(body, buf[:m]...)
		if rerr != nil {
			return head, body, rerr
		}
	}
	return head, body, nil
}

func writeTextResponse(conn net.Conn, status int, reason, body string, extraHeaders ...string) {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, reason)
	for _, h := range extraHeaders {
		b.WriteString(h)
		b.WriteString("\r\n")
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n%s", len(body), body)
	conn.Write([]byte(b.String()))
}

// echoLoop serves keep-alive exchanges, routing by target through fn.
func echoLoop(conn net.Conn, fn func(conn net.Conn, head string, body []byte) bool) {
	for {
		head, body, err := readFullRequest(conn)
		if err != nil {
			return
		}
		if !fn(conn, head, body) {
			return
		}
	}
}

func newTestSession(t *testing.T, opts SessionOptions) *Session {
	t.Helper()
	s, err := NewSession(opts)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestSessionGetReusesConnection(t *testing.T) {
	var conns atomic.Int64
	base := startRawServer(t, func(c net.Conn) {
		conns.Add(1)
		echoLoop(c, func(c net.Conn, head string, _ []byte) bool {
			writeTextResponse(c, 200, "OK", "hello from "+requestTarget(head))
			return true
		})
	})
	s := newTestSession(t, SessionOptions{})
	ctx := context.Background()

	for _, path := range []string{"/a", "/b", "/c"} {
		resp, err := s.Get(ctx, base+path)
		if err != nil {
			t.Fatalf("Get %s: %v", path, err)
		}
		body, err := resp.ReadBody()
		if err != nil {
			t.Fatalf("ReadBody: %v", err)
		}
		if string(body) != "hello from "+path {
			t.Fatalf("body: %q", body)
		}
	}
	if got := conns.Load(); got != 1 {
		t.Fatalf("server saw %d connections, want 1", got)
	}
}

func TestSessionFollowsRedirects(t *testing.T) {
	base := startRawServer(t, func(c net.Conn) {
		echoLoop(c, func(c net.Conn, head string, _ []byte) bool {
			switch requestTarget(head) {
			case "/start":
				writeTextResponse(c, 302, "Found", "", "Location: /hop")
			case "/hop":
				writeTextResponse(c, 302, "Found", "", "Location: /end")
			default:
				writeTextResponse(c, 200, "OK", "made it")
			}
			return true
		})
	})
	s := newTestSession(t, SessionOptions{})

	resp, err := s.Get(context.Background(), base+"/start")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	body, _ := resp.ReadBody()
	if resp.Status != 200 || string(body) != "made it" {
		t.Fatalf("final response: %d %q", resp.Status, body)
	}
}

func TestSessionRedirectsDisabled(t *testing.T) {
	base := startRawServer(t, func(c net.Conn) {
		echoLoop(c, func(c net.Conn, head string, _ []byte) bool {
			writeTextResponse(c, 302, "Found", "", "Location: /elsewhere")
			return true
		})
	})
	s := newTestSession(t, SessionOptions{NoFollowRedirects: true})

	resp, err := s.Get(context.Background(), base+"/start")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.ReadBody()
	if resp.Status != 302 {
		t.Fatalf("status: %d", resp.Status)
	}
	if got := resp.Header.Get("Location"); got != "/elsewhere" {
		t.Fatalf("Location: %q", got)
	}
}

func TestSessionCircularRedirect(t *testing.T) {
	base := startRawServer(t, func(c net.Conn) {
		echoLoop(c, func(c net.Conn, head string, _ []byte) bool {
			if requestTarget(head) == "/a" {
				writeTextResponse(c, 302, "Found", "", "Location: /b")
			} else {
				writeTextResponse(c, 302, "Found", "", "Location: /a")
			}
			return true
		})
	})
	s := newTestSession(t, SessionOptions{})

	_, err := s.Get(context.Background(), base+"/a")
	var circ *CircularRedirectError
	if !errors.As(err, &circ) {
		t.Fatalf("expected CircularRedirectError, got %v", err)
	}
	wantChain := []string{base + "/a", base + "/b", base + "/a"}
	if len(circ.Chain) != len(wantChain) {
		t.Fatalf("chain: %v", circ.Chain)
	}
	for i, u := range wantChain {
		if circ.Chain[i] != u {
			t.Fatalf("chain[%d] = %q, want %q", i, circ.Chain[i], u)
		}
	}
	if !strings.Contains(err.Error(), strings.Join(wantChain, " --> ")) {
		t.Fatalf("message: %q", err.Error())
	}
}

func TestSessionMaxRedirects(t *testing.T) {
	redirectServer := func(hops int) string {
		return startRawServer(t, func(c net.Conn) {
			echoLoop(c, func(c net.Conn, head string, _ []byte) bool {
				target := requestTarget(head)
				n, _ := strconv.Atoi(strings.TrimPrefix(target, "/hop"))
				if n < hops {
					writeTextResponse(c, 302, "Found", "", fmt.Sprintf("Location: /hop%d", n+1))
				} else {
					writeTextResponse(c, 200, "OK", "done")
				}
				return true
			})
		})
	}

	s := newTestSession(t, SessionOptions{MaxRedirects: 3})
	ctx := context.Background()

	// Exactly the cap is fine.
	resp, err := s.Get(ctx, redirectServer(3)+"/hop0")
	if err != nil {
		t.Fatalf("3 redirects under cap 3: %v", err)
	}
	resp.ReadBody()

	// One past the cap fails.
	_, err = s.Get(ctx, redirectServer(4)+"/hop0")
	var maxed *MaxRedirectsError
	if !errors.As(err, &maxed) {
		t.Fatalf("expected MaxRedirectsError, got %v", err)
	}
	if maxed.Limit != 3 {
		t.Fatalf("limit: %d", maxed.Limit)
	}
}

func TestSessionRedirectMethodPolicy(t *testing.T) {
	type seen struct {
		method string
		body   string
	}
	cases := []struct {
		name       string
		status     int
		wantMethod string
		wantBody   string
	}{
		{"303 downgrades to GET", 303, "GET", ""},
		{"302 downgrades POST to GET", 302, "GET", ""},
		{"307 preserves POST and body", 307, "POST", "payload"},
		{"308 preserves POST and body", 308, "POST", "payload"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := make(chan seen, 1)
			base := startRawServer(t, func(c net.Conn) {
				echoLoop(c, func(c net.Conn, head string, body []byte) bool {
					if requestTarget(head) == "/submit" {
						writeTextResponse(c, tc.status, "Redirect", "", "Location: /next")
						return true
					}
					got <- seen{method: requestMethod(head), body: string(body)}
					writeTextResponse(c, 200, "OK", "ok")
					return true
				})
			})
			s := newTestSession(t, SessionOptions{})

			resp, err := s.Post(context.Background(), base+"/submit", "text/plain", []byte("payload"))
			if err != nil {
				t.Fatalf("Post: %v", err)
			}
			resp.ReadBody()

			hop := <-got
			if hop.method != tc.wantMethod {
				t.Fatalf("redirected method: %q, want %q", hop.method, tc.wantMethod)
			}
			if hop.body != tc.wantBody {
				t.Fatalf("redirected body: %q, want %q", hop.body, tc.wantBody)
			}
		})
	}
}

func TestSessionRedirectWithoutLocation(t *testing.T) {
	var conns atomic.Int64
	base := startRawServer(t, func(c net.Conn) {
		conns.Add(1)
		echoLoop(c, func(c net.Conn, head string, _ []byte) bool {
			if requestTarget(head) == "/broken" {
				writeTextResponse(c, 302, "Found", "lost")
			} else {
				writeTextResponse(c, 200, "OK", "fine")
			}
			return true
		})
	})
	s := newTestSession(t, SessionOptions{})
	ctx := context.Background()

	_, err := s.Get(ctx, base+"/broken")
	var missing *MissingLocationError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingLocationError, got %v", err)
	}
	if missing.Response == nil || missing.Response.Status != 302 {
		t.Fatal("error must carry the redirect response")
	}
	// The carried response stays readable after the error.
	body, err := missing.Response.ReadBody()
	if err != nil || string(body) != "lost" {
		t.Fatalf("carried body: %q, %v", body, err)
	}

	// The failed hop's connection was released, not leaked.
	resp, err := s.Get(ctx, base+"/ok")
	if err != nil {
		t.Fatalf("Get after redirect failure: %v", err)
	}
	resp.ReadBody()
	if got := conns.Load(); got != 1 {
		t.Fatalf("server saw %d connections, want 1", got)
	}
}

func TestSessionUnsupportedRedirectScheme(t *testing.T) {
	base := startRawServer(t, func(c net.Conn) {
		echoLoop(c, func(c net.Conn, _ string, _ []byte) bool {
			writeTextResponse(c, 302, "Found", "", "Location: urn:example:resource")
			return true
		})
	})
	s := newTestSession(t, SessionOptions{})

	_, err := s.Get(context.Background(), base+"/x")
	var unsupported *UnsupportedRedirectError
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected UnsupportedRedirectError, got %v", err)
	}
	if unsupported.Location != "urn:example:resource" {
		t.Fatalf("Location: %q", unsupported.Location)
	}
}

func TestSessionBaseURL(t *testing.T) {
	base := startRawServer(t, func(c net.Conn) {
		echoLoop(c, func(c net.Conn, head string, _ []byte) bool {
			writeTextResponse(c, 200, "OK", requestTarget(head))
			return true
		})
	})
	s := newTestSession(t, SessionOptions{BaseURL: base + "/api/"})

	resp, err := s.Get(context.Background(), "users/42")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	body, _ := resp.ReadBody()
	if string(body) != "/api/users/42" {
		t.Fatalf("resolved target: %q", body)
	}
}

func TestSessionRelativeURLWithoutBase(t *testing.T) {
	s := newTestSession(t, SessionOptions{})
	_, err := s.Get(context.Background(), "/nobody/home")
	if !errors.Is(err, ErrMissingBaseURL) {
		t.Fatalf("expected ErrMissingBaseURL, got %v", err)
	}
}

func TestSessionDefaultHeaders(t *testing.T) {
	heads := make(chan string, 2)
	base := startRawServer(t, func(c net.Conn) {
		echoLoop(c, func(c net.Conn, head string, _ []byte) bool {
			heads <- head
			writeTextResponse(c, 200, "OK", "")
			return true
		})
	})
	var dh Header
	dh.Set("X-Api-Key", "default-key")
	s := newTestSession(t, SessionOptions{DefaultHeaders: dh})
	ctx := context.Background()

	resp, err := s.Get(ctx, base+"/one")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.ReadBody()
	if got := headerValue(<-heads, "X-Api-Key"); got != "default-key" {
		t.Fatalf("default header: %q", got)
	}

	req, _ := NewRequest("GET", base+"/two", nil)
	req.Header.Set("X-Api-Key", "per-request")
	resp, err = s.Send(ctx, req)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	resp.ReadBody()
	if got := headerValue(<-heads, "X-Api-Key"); got != "per-request" {
		t.Fatalf("request header must win: %q", got)
	}
}

func TestSessionConnectionTimeout(t *testing.T) {
	s := newTestSession(t, SessionOptions{ConnectionTimeout: 50 * time.Millisecond})

	u := mustParseURL(t, "http://192.0.2.1:81/")
	pool, err := s.Registry().GetPool(u)
	if err != nil {
		t.Fatalf("GetPool: %v", err)
	}
	pool.SetDial(func(ctx context.Context) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	_, err = s.Get(context.Background(), "http://192.0.2.1:81/")
	if !errors.Is(err, ErrConnectionTimeout) {
		t.Fatalf("expected ErrConnectionTimeout, got %v", err)
	}
}

func TestSessionRequestTimeout(t *testing.T) {
	base := startRawServer(t, func(c net.Conn) {
		// Swallow the request and never answer.
		readFullRequest(c)
		time.Sleep(2 * time.Second)
	})
	s := newTestSession(t, SessionOptions{RequestTimeout: 100 * time.Millisecond})

	_, err := s.Get(context.Background(), base+"/slow")
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}
}

func TestSessionCallerCancellationIsNotATimeout(t *testing.T) {
	base := startRawServer(t, func(c net.Conn) {
		readFullRequest(c)
		time.Sleep(2 * time.Second)
	})
	s := newTestSession(t, SessionOptions{RequestTimeout: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := s.Get(ctx, base+"/slow")
	if err == nil || errors.Is(err, ErrRequestTimeout) || errors.Is(err, ErrConnectionTimeout) {
		t.Fatalf("caller cancellation mapped wrongly: %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSessionCookiesRoundTrip(t *testing.T) {
	heads := make(chan string, 4)
	base := startRawServer(t, func(c net.Conn) {
		echoLoop(c, func(c net.Conn, head string, _ []byte) bool {
			heads <- head
			switch requestTarget(head) {
			case "/login":
				writeTextResponse(c, 200, "OK", "in",
					"Set-Cookie: session=abc123; Path=/; HttpOnly")
			case "/logout":
				writeTextResponse(c, 200, "OK", "out",
					"Set-Cookie: session=; Path=/; Max-Age=0")
			default:
				writeTextResponse(c, 200, "OK", "page")
			}
			return true
		})
	})
	s := newTestSession(t, SessionOptions{UseCookies: true})
	ctx := context.Background()

	for _, path := range []string{"/login", "/private", "/logout", "/private"} {
		resp, err := s.Get(ctx, base+path)
		if err != nil {
			t.Fatalf("Get %s: %v", path, err)
		}
		resp.ReadBody()
	}

	<-heads // /login carries no cookie yet
	if got := headerValue(<-heads, "Cookie"); got != "session=abc123" {
		t.Fatalf("Cookie on second request: %q", got)
	}
	if got := headerValue(<-heads, "Cookie"); got != "session=abc123" {
		t.Fatalf("Cookie on logout: %q", got)
	}
	if got := headerValue(<-heads, "Cookie"); got != "" {
		t.Fatalf("cookie survived deletion: %q", got)
	}
}

func TestSessionMiddlewareOrderAndShortCircuit(t *testing.T) {
	var order []string
	var mu sync.Mutex
	note := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}
	outer := func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (*Response, error) {
			note("outer")
			return next(ctx, req)
		}
	}
	inner := func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (*Response, error) {
			note("inner")
			return &Response{Status: 418, Reason: "I'm a teapot"}, nil
		}
	}
	s := newTestSession(t, SessionOptions{Middlewares: []Middleware{outer, inner}})

	resp, err := s.Get(context.Background(), "http://unreachable.invalid/")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if resp.Status != 418 {
		t.Fatalf("status: %d", resp.Status)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Fatalf("middleware order: %v", order)
	}
}

func TestSessionClosed(t *testing.T) {
	s, err := NewSession(SessionOptions{})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	s.Close()
	if _, err := s.Get(context.Background(), "http://example.org/"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestSessionTLSConfigRejectedOverHTTP(t *testing.T) {
	s := newTestSession(t, SessionOptions{TLSConfig: secureTLSConfig()})
	_, err := s.Get(context.Background(), "http://example.org/")
	if !errors.Is(err, ErrTLSOverHTTP) {
		t.Fatalf("expected ErrTLSOverHTTP, got %v", err)
	}

	s2 := newTestSession(t, SessionOptions{InsecureTLS: true})
	_, err = s2.Get(context.Background(), "http://example.org/")
	if !errors.Is(err, ErrTLSOverHTTP) {
		t.Fatalf("InsecureTLS over http: expected ErrTLSOverHTTP, got %v", err)
	}
}

func TestSessionCloseFailsInFlightSend(t *testing.T) {
	inFlight := make(chan struct{})
	release := make(chan struct{})
	base := startRawServer(t, func(c net.Conn) {
		if _, _, err := readFullRequest(c); err != nil {
			return
		}
		close(inFlight)
		<-release
		writeTextResponse(c, 200, "OK", "too late")
	})
	s, err := NewSession(SessionOptions{})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer close(release)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Get(context.Background(), base+"/slow")
		errCh <- err
	}()

	<-inFlight
	s.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("in-flight send completed after Close")
		}
		var cce *ConnectionClosedError
		if !errors.As(err, &cce) {
			t.Fatalf("expected ConnectionClosedError, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight send did not fail after Close")
	}
}

func TestSessionLifecycleLeavesNoGoroutines(t *testing.T) {
	opt := goleak.IgnoreCurrent()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	served := make(chan struct{})
	go func() {
		defer close(served)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		echoLoop(conn, func(c net.Conn, _ string, _ []byte) bool {
			writeTextResponse(c, 200, "OK", "bye")
			return true
		})
	}()

	s, err := NewSession(SessionOptions{})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	resp, err := s.Get(context.Background(), "http://"+ln.Addr().String()+"/")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.ReadBody()

	s.Close()
	ln.Close()
	<-served

	goleak.VerifyNone(t, opt)
}
