package http1

import (
	"fmt"
	"io"
	"strings"

	"github.com/valyala/bytebufferpool"
)

// BeginRequestHead writes the request line into b.
func BeginRequestHead(b *bytebufferpool.ByteBuffer, method, target string) {
	b.WriteString(method)
	b.WriteString(" ")
	b.WriteString(target)
	b.WriteString(" HTTP/1.1\r\n")
}

// WriteHeaderField appends one header line. The name must already be a
// valid token; the value is sanitized against CR/LF injection.
func WriteHeaderField(b *bytebufferpool.ByteBuffer, name, value string) {
	b.WriteString(name)
	b.WriteString(": ")
	b.WriteString(SanitizeHeaderValue(value))
	b.WriteString("\r\n")
}

// EndRequestHead terminates the header block.
func EndRequestHead(b *bytebufferpool.ByteBuffer) {
	b.WriteString("\r\n")
}

// WriteChunk writes one chunked-encoding frame: <hex-length>\r\n<bytes>\r\n.
// Zero-length input writes nothing, since an empty frame would terminate
// the body.
func WriteChunk(w io.Writer, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if _, err := fmt.Fprintf(w, "%x\r\n", len(p)); err != nil {
		return err
	}
	if _, err := w.Write(p); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// WriteLastChunk writes the terminating 0\r\n\r\n sentinel.
func WriteLastChunk(w io.Writer) error {
	_, err := io.WriteString(w, "0\r\n\r\n")
	return err
}

// ValidHeaderName reports whether k is a valid header field token.
func ValidHeaderName(k string) bool {
	if k == "" {
		return false
	}
	for i := 0; i < len(k); i++ {
		c := k[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			continue
		}
		switch c {
		case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
			continue
		default:
			return false
		}
	}
	return true
}

// SanitizeHeaderValue removes CR/LF and control chars except HTAB.
func SanitizeHeaderValue(v string) string {
	clean := true
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c == '\r' || c == '\n' || c == 0x7f || (c < 0x20 && c != '\t') {
			clean = false
			break
		}
	}
	if clean {
		return v
	}
	var b strings.Builder
	b.Grow(len(v))
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c == '\r' || c == '\n' || c == 0x7f {
			continue
		}
		if c < 0x20 && c != '\t' {
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
