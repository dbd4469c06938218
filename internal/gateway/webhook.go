package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/config"
)

var (
	errBodyTooLarge = errors.New("request body too large")
	errBodyTimeout  = errors.New("request body read timed out")
)

// readBoundedBody reads at most maxBytes within timeout. Exceeding either
// bound maps to 413 / 408 at the call site.
func readBoundedBody(r *http.Request, maxBytes int64, timeout time.Duration) ([]byte, error) {
	done := make(chan struct{})
	var body []byte
	var readErr error
	go func() {
		defer close(done)
		limited := io.LimitReader(r.Body, maxBytes+1)
		body, readErr = io.ReadAll(limited)
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-done:
	case <-timer:
		r.Body.Close()
		<-done
		return nil, errBodyTimeout
	}
	if readErr != nil {
		return nil, readErr
	}
	if int64(len(body)) > maxBytes {
		return nil, errBodyTooLarge
	}
	return body, nil
}

// localhostHost reports whether the Host header names the local machine.
func localhostHost(host string) bool {
	h := host
	if strings.Contains(h, ":") && !strings.HasPrefix(h, "[") {
		h = strings.SplitN(h, ":", 2)[0]
	}
	h = strings.Trim(h, "[]")
	return h == "localhost" || h == "127.0.0.1" || h == "::1"
}

// hasForwardingHeaders detects any x-forwarded-* header.
func hasForwardingHeaders(r *http.Request) bool {
	for name := range r.Header {
		if strings.HasPrefix(strings.ToLower(name), "x-forwarded-") {
			return true
		}
	}
	return false
}

// passwordlessAccepted is the loopback escape hatch: no token configured is
// tolerated only when the request could not have crossed a network boundary.
func passwordlessAccepted(r *http.Request) bool {
	return isLoopback(peerIP(r)) && localhostHost(r.Host) && !hasForwardingHeaders(r)
}

// extractWebhookJSON returns the JSON payload from a webhook body. Form
// bodies carry it in a payload/data/message field.
func extractWebhookJSON(contentType string, body []byte) ([]byte, error) {
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	switch ct {
	case "application/json", "":
		if !json.Valid(body) {
			return nil, errors.New("invalid JSON body")
		}
		return body, nil
	case "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, err
		}
		for _, field := range []string{"payload", "data", "message"} {
			if v := values.Get(field); v != "" {
				if !json.Valid([]byte(v)) {
					return nil, errors.New("invalid JSON in form field " + field)
				}
				return []byte(v), nil
			}
		}
		return nil, errors.New("no payload field in form body")
	default:
		return nil, errors.New("unsupported content type " + ct)
	}
}

// webhookHandler builds the POST handler for one channel webhook.
func (s *Server) webhookHandler(channel string, ch config.ChannelConfig) http.HandlerFunc {
	maxBytes := s.deps.Config.Gateway.MaxBodyBytes
	timeout := time.Duration(s.deps.Config.Gateway.BodyReadTimeoutMs) * time.Millisecond

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		ip := ClientIP(r, s.deps.Config.Gateway.Auth.TrustedProxies)
		if res := s.rateLimiter.Check(ip, "webhook:"+channel); !res.Allowed {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}

		if ch.Token != "" {
			if !equalConstantTime(bearerToken(r), ch.Token) {
				s.rateLimiter.RecordFailure(ip, "webhook:"+channel)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		} else if !passwordlessAccepted(r) {
			s.rateLimiter.RecordFailure(ip, "webhook:"+channel)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		body, err := readBoundedBody(r, maxBytes, timeout)
		switch {
		case errors.Is(err, errBodyTooLarge):
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		case errors.Is(err, errBodyTimeout):
			http.Error(w, "body read timeout", http.StatusRequestTimeout)
			return
		case err != nil:
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		payload, err := extractWebhookJSON(r.Header.Get("Content-Type"), body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		if s.deps.Webhook != nil {
			if err := s.deps.Webhook(channel, payload); err != nil {
				slog.Error("webhook dispatch failed", "channel", channel, "error", err)
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}
}
