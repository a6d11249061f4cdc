package client

import "crypto/tls"

// TLS contexts are built once per session and threaded through
// explicitly; there is no process-wide mutable default.

// secureTLSConfig returns the default verifying TLS configuration with
// HTTP/1.1 ALPN.
func secureTLSConfig() *tls.Config {
	return &tls.Config{
		NextProtos: []string{"http/1.1"},
	}
}

// insecureTLSConfig returns a configuration that skips certificate
// verification. Intended for tests and explicitly opted-in use.
func insecureTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{"http/1.1"},
	}
}
