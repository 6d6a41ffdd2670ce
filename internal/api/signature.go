package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/messaging"
)

// TwilioSignatureHeader carries the HMAC Twilio computes over the request.
const TwilioSignatureHeader = "X-Twilio-Signature"

// requireTwilioSignature rejects webhooks whose signature does not match.
// Without a validator every request passes.
func (s *Server) requireTwilioSignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.validator == nil {
			next.ServeHTTP(w, r)
			return
		}
		if err := r.ParseForm(); err != nil {
			slog.Warn("Server.requireTwilioSignature: unreadable form", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusBadRequest, "Invalid form body")
			return
		}
		url := s.absoluteURL(r)
		if !s.validator.Validate(url, messaging.FormParams(r), r.Header.Get(TwilioSignatureHeader)) {
			slog.Warn("Server.requireTwilioSignature: invalid signature", "url", url)
			s.metrics.ObserveWebhook(webhookName(r), "unauthorized")
			writeError(w, http.StatusUnauthorized, "Invalid signature")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// absoluteURL rebuilds the URL Twilio requested, honouring the configured
// public URL and then proxy headers.
func (s *Server) absoluteURL(r *http.Request) string {
	if s.publicURL != "" {
		return strings.TrimSuffix(s.publicURL, "/") + r.URL.RequestURI()
	}
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "https"
		if r.TLS == nil {
			scheme = "http"
		}
	}
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	return fmt.Sprintf("%s://%s%s", scheme, host, r.URL.RequestURI())
}

func webhookName(r *http.Request) string {
	if strings.HasSuffix(r.URL.Path, "/status") {
		return "status"
	}
	return "message"
}
