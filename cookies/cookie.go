// Package cookies implements an RFC 6265 subset: the Cookie value
// type, Set-Cookie parsing and writing, and an in-memory Jar with
// domain/path scoping.
package cookies

import "time"

// SameSite is the SameSite attribute mode.
type SameSite int

const (
	SameSiteUndefined SameSite = iota
	SameSiteStrict
	SameSiteLax
	SameSiteNone
)

func (s SameSite) String() string {
	switch s {
	case SameSiteStrict:
		return "Strict"
	case SameSiteLax:
		return "Lax"
	case SameSiteNone:
		return "None"
	}
	return ""
}

// Cookie is one cookie as carried by a Set-Cookie header. The zero
// Expires means "no Expires attribute"; MaxAgeSet distinguishes an
// absent Max-Age from Max-Age=0, which expires immediately.
type Cookie struct {
	Name  string
	Value string

	Expires   time.Time
	MaxAge    int
	MaxAgeSet bool

	Domain string
	Path   string

	HTTPOnly bool
	Secure   bool
	SameSite SameSite
}

// expiryTime computes the effective expiry: Max-Age takes precedence
// over Expires; a non-positive Max-Age means already expired.
// The second result is false for session cookies.
func (c *Cookie) expiryTime(now time.Time) (time.Time, bool) {
	if c.MaxAgeSet {
		if c.MaxAge <= 0 {
			return now.Add(-time.Second), true
		}
		return now.Add(time.Duration(c.MaxAge) * time.Second), true
	}
	if !c.Expires.IsZero() {
		return c.Expires, true
	}
	return time.Time{}, false
}
