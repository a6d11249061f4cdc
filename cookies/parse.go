package cookies

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// timeFormat is the RFC 1123 form with an explicit GMT zone, the
// format servers emit in Expires attributes.
const timeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

// expiresFormats lists accepted Expires formats, most common first.
var expiresFormats = []string{
	timeFormat,
	"Monday, 02-Jan-06 15:04:05 GMT",
	"Mon Jan _2 15:04:05 2006",
}

var ErrEmptySetCookie = errors.New("cookies: empty Set-Cookie value")

// ParseSetCookie parses one Set-Cookie header value. Unknown
// attributes are ignored; an unparseable Max-Age or Expires is
// dropped rather than failing the whole cookie.
func ParseSetCookie(value string) (*Cookie, error) {
	parts := strings.Split(value, ";")
	first := strings.TrimSpace(parts[0])
	if first == "" {
		return nil, ErrEmptySetCookie
	}
	name, val, ok := strings.Cut(first, "=")
	if !ok || strings.TrimSpace(name) == "" {
		return nil, errors.New("cookies: missing cookie name")
	}
	c := &Cookie{
		Name:  strings.TrimSpace(name),
		Value: strings.Trim(strings.TrimSpace(val), `"`),
	}
	for _, part := range parts[1:] {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		attr, av, _ := strings.Cut(part, "=")
		attr = strings.TrimSpace(attr)
		av = strings.TrimSpace(av)
		switch strings.ToLower(attr) {
		case "expires":
			for _, layout := range expiresFormats {
				if t, err := time.Parse(layout, av); err == nil {
					c.Expires = t.UTC()
					break
				}
			}
		case "max-age":
			if n, err := strconv.Atoi(av); err == nil {
				c.MaxAge = n
				c.MaxAgeSet = true
			}
		case "domain":
			c.Domain = av
		case "path":
			c.Path = av
		case "httponly":
			c.HTTPOnly = true
		case "secure":
			c.Secure = true
		case "samesite":
			switch strings.ToLower(av) {
			case "strict":
				c.SameSite = SameSiteStrict
			case "lax":
				c.SameSite = SameSiteLax
			case "none":
				c.SameSite = SameSiteNone
			}
		}
	}
	return c, nil
}

// WriteSetCookie renders c as a Set-Cookie header value. The attribute
// order is fixed for determinism: Expires, Max-Age, Domain, Path,
// HttpOnly, Secure, SameSite.
func WriteSetCookie(c *Cookie) string {
	var b strings.Builder
	b.WriteString(c.Name)
	b.WriteByte('=')
	b.WriteString(c.Value)
	if !c.Expires.IsZero() {
		b.WriteString("; Expires=")
		b.WriteString(c.Expires.UTC().Format(timeFormat))
	}
	if c.MaxAgeSet {
		b.WriteString("; Max-Age=")
		b.WriteString(strconv.Itoa(c.MaxAge))
	}
	if c.Domain != "" {
		b.WriteString("; Domain=")
		b.WriteString(c.Domain)
	}
	if c.Path != "" {
		b.WriteString("; Path=")
		b.WriteString(c.Path)
	}
	if c.HTTPOnly {
		b.WriteString("; HttpOnly")
	}
	if c.Secure {
		b.WriteString("; Secure")
	}
	if c.SameSite != SameSiteUndefined {
		b.WriteString("; SameSite=")
		b.WriteString(c.SameSite.String())
	}
	return b.String()
}

// WriteCookieHeader renders cookies in request "Cookie" form:
// name1=value1; name2=value2.
func WriteCookieHeader(list []*Cookie) string {
	var b strings.Builder
	for i, c := range list {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(c.Name)
		b.WriteByte('=')
		b.WriteString(c.Value)
	}
	return b.String()
}
