package cookies

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
	"time"
)

// InvalidCookieDomainError reports a Set-Cookie whose Domain attribute
// is not a suffix of the request host.
type InvalidCookieDomainError struct {
	Domain string
	Host   string
}

func (e *InvalidCookieDomainError) Error() string {
	return fmt.Sprintf("cookies: domain %q does not cover request host %q", e.Domain, e.Host)
}

// storedCookie wraps a Cookie with its storage metadata.
type storedCookie struct {
	cookie     *Cookie
	created    time.Time
	expiry     time.Time // zero for session cookies
	persistent bool
}

func (s *storedCookie) expired(now time.Time) bool {
	return s.persistent && !s.expiry.After(now)
}

// table is the two-level store: domain -> path -> name -> cookie.
type table map[string]map[string]map[string]*storedCookie

func (t table) get(domain, path, name string) *storedCookie {
	if paths, ok := t[domain]; ok {
		if names, ok := paths[path]; ok {
			return names[name]
		}
	}
	return nil
}

func (t table) set(domain, path, name string, sc *storedCookie) {
	paths, ok := t[domain]
	if !ok {
		paths = make(map[string]map[string]*storedCookie)
		t[domain] = paths
	}
	names, ok := paths[path]
	if !ok {
		names = make(map[string]*storedCookie)
		paths[path] = names
	}
	names[name] = sc
}

func (t table) delete(domain, path, name string) {
	if paths, ok := t[domain]; ok {
		if names, ok := paths[path]; ok {
			delete(names, name)
			if len(names) == 0 {
				delete(paths, path)
			}
		}
		if len(paths) == 0 {
			delete(t, domain)
		}
	}
}

// Jar is an in-memory RFC 6265 cookie store. Host-only cookies (no
// Domain attribute) and domain cookies live in separate tables because
// their matching rules differ. Expired entries are purged lazily on
// read, never proactively swept.
//
// A Jar is mutated only from the cookie middleware surrounding a send,
// so it needs no locking of its own; reentrant reads during redirect
// loops are fine.
type Jar struct {
	hostOnly table
	domain   table

	// now is a clock hook for tests.
	now func() time.Time
}

// NewJar returns an empty jar.
func NewJar() *Jar {
	return &Jar{
		hostOnly: make(table),
		domain:   make(table),
		now:      time.Now,
	}
}

// Add absorbs one cookie set by a response from u. It computes the
// effective domain and path, enforces the HttpOnly overwrite rule, and
// treats an already-expired cookie as a deletion order.
func (j *Jar) Add(u *url.URL, c *Cookie) error {
	domain, isHostOnly, err := effectiveDomain(u, c)
	if err != nil {
		return err
	}
	path := effectivePath(u, c)
	now := j.now()

	t := j.domain
	if isHostOnly {
		t = j.hostOnly
	}

	existing := t.get(domain, path, c.Name)
	if existing != nil && existing.cookie.HTTPOnly && !c.HTTPOnly {
		// A non-HttpOnly update must not replace an HttpOnly cookie.
		return nil
	}

	expiry, persistent := c.expiryTime(now)
	if persistent && !expiry.After(now) {
		// Setting an expired cookie is how servers clear one.
		t.delete(domain, path, c.Name)
		return nil
	}

	created := now
	if existing != nil {
		created = existing.created
	}
	t.set(domain, path, c.Name, &storedCookie{
		cookie:     c,
		created:    created,
		expiry:     expiry,
		persistent: persistent,
	})
	return nil
}

// GetCookies returns cookies applicable to a request with the given
// scheme, host and path, deleting every expired entry it encounters.
// Results are ordered by longest path first, then by creation time.
func (j *Jar) GetCookies(scheme, host, path string) []*Cookie {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if path == "" {
		path = "/"
	}
	now := j.now()
	secureOK := strings.EqualFold(scheme, "https")

	var matched []*storedCookie
	collect := func(t table, domainKey string) {
		paths, ok := t[domainKey]
		if !ok {
			return
		}
		for cookiePath, names := range paths {
			if !pathMatch(path, cookiePath) {
				continue
			}
			for name, sc := range names {
				if sc.expired(now) {
					t.delete(domainKey, cookiePath, name)
					continue
				}
				if sc.cookie.Secure && !secureOK {
					continue
				}
				matched = append(matched, sc)
			}
		}
	}

	collect(j.hostOnly, host)
	for storedDomain := range j.domain {
		if domainMatch(storedDomain, host) {
			collect(j.domain, storedDomain)
		}
	}

	sort.SliceStable(matched, func(a, b int) bool {
		pa, pb := matched[a].cookie.Path, matched[b].cookie.Path
		if len(pa) != len(pb) {
			return len(pa) > len(pb)
		}
		return matched[a].created.Before(matched[b].created)
	})
	out := make([]*Cookie, len(matched))
	for i, sc := range matched {
		out[i] = sc.cookie
	}
	return out
}

// CookieHeader renders the Cookie header value for a request to u, or
// "" when nothing applies.
func (j *Jar) CookieHeader(u *url.URL) string {
	list := j.GetCookies(u.Scheme, u.Hostname(), u.Path)
	if len(list) == 0 {
		return ""
	}
	return WriteCookieHeader(list)
}

// effectiveDomain computes the cookie's storage domain per RFC 6265
// §5.3. A missing Domain attribute, or one with a trailing dot, makes
// the cookie host-only. A Domain attribute that is not a suffix of the
// request host is rejected.
func effectiveDomain(u *url.URL, c *Cookie) (domain string, hostOnly bool, err error) {
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if c.Domain == "" {
		return host, true, nil
	}
	d := strings.ToLower(c.Domain)
	if strings.HasSuffix(d, ".") {
		// Trailing dot: ignore the attribute, fall back to host-only.
		return host, true, nil
	}
	d = strings.TrimPrefix(d, ".")
	if host != d && !strings.HasSuffix(host, "."+d) {
		return "", false, &InvalidCookieDomainError{Domain: c.Domain, Host: u.Hostname()}
	}
	return d, false, nil
}

// effectivePath computes the cookie path: the explicit Path attribute
// or the default path of the request URL per RFC 6265 §5.1.4.
func effectivePath(u *url.URL, c *Cookie) string {
	if c.Path != "" {
		return c.Path
	}
	return defaultPath(u.Path)
}

func defaultPath(p string) string {
	if p == "" || !strings.HasPrefix(p, "/") || p == "/" {
		return "/"
	}
	i := strings.LastIndexByte(p, '/')
	if i == 0 {
		return "/"
	}
	return p[:i]
}

// domainMatch implements RFC 6265 §5.1.3: exact match, or candidate
// ends with "."+stored and candidate is not an IP literal.
func domainMatch(stored, candidate string) bool {
	if stored == candidate {
		return true
	}
	if !strings.HasSuffix(candidate, "."+stored) {
		return false
	}
	return net.ParseIP(strings.Trim(candidate, "[]")) == nil
}

// pathMatch implements RFC 6265 §5.1.4.
func pathMatch(requestPath, cookiePath string) bool {
	if requestPath == cookiePath {
		return true
	}
	if !strings.HasPrefix(requestPath, cookiePath) {
		return false
	}
	return strings.HasSuffix(cookiePath, "/") || requestPath[len(cookiePath)] == '/'
}
