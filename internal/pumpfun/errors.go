package pumpfun

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/pumpscope/pumpscope/internal/retry"
)

// HTTPError is a non-200 response from the feed API.
type HTTPError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("pumpfun: HTTP %d from %s: %s", e.StatusCode, e.URL, body)
}

// Temporary reports whether the status is worth retrying.
func (e *HTTPError) Temporary() bool {
	switch {
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode == http.StatusRequestTimeout:
		return true
	default:
		return false
	}
}

// ErrProxyProtocol marks a SOCKS5 proxy that answered with garbage. Retrying
// through the same egress does not help.
var ErrProxyProtocol = errors.New("pumpfun: socks5 proxy sent invalid data")

// classify wraps err so retry.Do treats it correctly: permanent for bad
// statuses, undecodable bodies and broken proxies, transient otherwise.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var he *HTTPError
	if errors.As(err, &he) {
		if he.Temporary() {
			return err
		}
		return retry.Permanent(err)
	}
	if isProxyProtocolError(err) {
		return retry.Permanent(fmt.Errorf("%w: %v", ErrProxyProtocol, err))
	}
	return err
}

// isProxyProtocolError matches the SOCKS5 handshake failures reported by
// golang.org/x/net/proxy when the proxy is not speaking SOCKS5.
func isProxyProtocolError(err error) bool {
	msg := err.Error()
	if !strings.Contains(msg, "socks") {
		return false
	}
	for _, marker := range []string{"invalid data", "unexpected protocol version", "unknown address type", "no acceptable authentication methods"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
