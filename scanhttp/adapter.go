// Package scanhttp renders a finished milter session as an HTTP scan
// request, implementing the Session→HTTP Adapter. Issuing the request is
// the caller's responsibility (spec.md §1 keeps the HTTP client transport
// out of core scope); this package only builds the *http.Request.
package scanhttp

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/miltercore/scanmilter"
)

// NewRequest renders s as an HTTP POST to baseURL+"/checkv2". The
// session's accumulated message is moved into the request body, leaving
// s with an empty message buffer, matching spec.md §4.6.
func NewRequest(ctx context.Context, baseURL string, s *milter.Session) (*http.Request, error) {
	body := s.TakeMessage()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(baseURL, "/")+"/checkv2", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("scanhttp: new request: %w", err)
	}

	h := req.Header
	h.Set("Milter", "Yes")
	h.Set("X-Session-Id", s.ID)

	if s.From != "" {
		h.Set("From", s.From)
	}
	for _, rcpt := range s.Rcpts {
		h.Add("Rcpt", rcpt)
	}
	if s.Helo != "" {
		h.Set("Helo", s.Helo)
	}
	if s.Hostname != "" {
		h.Set("Hostname", s.Hostname)
	}
	if s.PeerAddr != nil {
		h.Set("IP", s.PeerAddr.String())
	}

	applyMacros(h, s)

	return req, nil
}

// applyMacros walks the macro-to-header precedence table from spec.md
// §4.6, first match within each group wins.
func applyMacros(h http.Header, s *milter.Session) {
	if s.Macros == nil {
		return
	}

	if v, ok := firstMacro(s, "{i}", "i"); ok {
		h.Set("Queue-Id", v)
	}

	daemonName, hasDaemonName := s.Macros.Get("{daemon_name}")
	if hasDaemonName {
		h.Set("MTA-Tag", daemonName)
		h.Set("MTA-Name", daemonName)
	}

	if v, ok := firstMacro(s, "{v}", "v"); ok {
		h.Set("User-Agent", v)
	}
	if v, ok := s.Macros.Get("{cipher}"); ok {
		h.Set("TLS-Cipher", v)
	}
	if v, ok := s.Macros.Get("{tls_version}"); ok {
		h.Set("TLS-Version", v)
	}
	if v, ok := s.Macros.Get("{auth_authen}"); ok {
		h.Set("User", v)
	}
	if s.Hostname == "" {
		if v, ok := s.Macros.Get("{client_name}"); ok {
			h.Set("Hostname", v)
		}
	}
	if !hasDaemonName {
		if v, ok := firstMacro(s, "{j}", "j"); ok {
			h.Set("MTA-Name", v)
		}
	}
}

func firstMacro(s *milter.Session, names ...string) (string, bool) {
	for _, n := range names {
		if v, ok := s.Macros.Get(n); ok {
			return v, true
		}
	}
	return "", false
}
