package client

import (
	"context"

	"github.com/Neoteroi/BlackSheep-sub001/cookies"
	"github.com/Neoteroi/BlackSheep-sub001/internal/obs"
)

// Handler performs one request, producing a response or an error.
type Handler func(ctx context.Context, req *Request) (*Response, error)

// Middleware wraps a Handler. Middlewares run around every hop of a
// redirect chain, so header mutations apply fresh at each hop.
type Middleware func(next Handler) Handler

// cookieMiddleware attaches matching jar cookies to the outgoing
// request and absorbs Set-Cookie values from the response. A cookie
// with an invalid domain is logged and ignored: a misconfigured or
// malicious server must not break the session.
func cookieMiddleware(jar *cookies.Jar, log obs.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (*Response, error) {
			if hv := jar.CookieHeader(req.URL); hv != "" {
				req.Header.Set("Cookie", hv)
			} else {
				req.Header.Del("Cookie")
			}
			resp, err := next(ctx, req)
			if resp != nil {
				for _, sc := range resp.Header.Values("Set-Cookie") {
					ck, perr := cookies.ParseSetCookie(sc)
					if perr != nil {
						log.Logf(obs.Debug, "ignoring unparseable cookie from %s: %v", req.URL.Host, perr)
						continue
					}
					if aerr := jar.Add(req.URL, ck); aerr != nil {
						log.Logf(obs.Warn, "ignoring cookie %q from %s: %v", ck.Name, req.URL.Host, aerr)
					}
				}
			}
			return resp, err
		}
	}
}
