package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/config"
)

type sinkRecorder struct {
	mu     sync.Mutex
	bodies map[string][]string
}

func (r *sinkRecorder) sink(channel string, body []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bodies == nil {
		r.bodies = make(map[string][]string)
	}
	r.bodies[channel] = append(r.bodies[channel], string(body))
	return nil
}

func (r *sinkRecorder) count(channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies[channel])
}

func webhookTestServer(t *testing.T, ch config.ChannelConfig) (*Server, *sinkRecorder) {
	t.Helper()
	cfg := config.Default()
	cfg.Gateway.RateLimit.PerMinute = 0
	cfg.Gateway.MaxBodyBytes = 256
	cfg.Channels = map[string]config.ChannelConfig{"telegram": ch}

	rec := &sinkRecorder{}
	s := NewServer(Deps{
		Config:  cfg,
		Events:  bus.NewMessageBus(),
		Webhook: rec.sink,
	})
	return s, rec
}

func postWebhook(s *Server, method, body, contentType string, mutate func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/webhook/telegram", strings.NewReader(body))
	req.RemoteAddr = "127.0.0.1:50000"
	req.Host = "localhost:18789"
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if mutate != nil {
		mutate(req)
	}
	w := httptest.NewRecorder()
	s.BuildMux().ServeHTTP(w, req)
	return w
}

func TestWebhook_AcceptsJSON(t *testing.T) {
	s, rec := webhookTestServer(t, config.ChannelConfig{Enabled: true, WebhookPath: "/webhook/telegram"})
	w := postWebhook(s, "POST", `{"update_id":1}`, "application/json", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if rec.count("telegram") != 1 {
		t.Errorf("sink calls = %d, want 1", rec.count("telegram"))
	}
}

func TestWebhook_RejectsNonPost(t *testing.T) {
	s, _ := webhookTestServer(t, config.ChannelConfig{Enabled: true, WebhookPath: "/webhook/telegram"})
	w := postWebhook(s, "GET", "", "", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

func TestWebhook_BodyTooLarge(t *testing.T) {
	s, rec := webhookTestServer(t, config.ChannelConfig{Enabled: true, WebhookPath: "/webhook/telegram"})
	big := `{"pad":"` + strings.Repeat("x", 400) + `"}`
	w := postWebhook(s, "POST", big, "application/json", nil)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", w.Code)
	}
	if rec.count("telegram") != 0 {
		t.Error("oversized body reached the sink")
	}
}

func TestWebhook_InvalidJSON(t *testing.T) {
	s, _ := webhookTestServer(t, config.ChannelConfig{Enabled: true, WebhookPath: "/webhook/telegram"})
	w := postWebhook(s, "POST", `{not json`, "application/json", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestWebhook_FormPayloadField(t *testing.T) {
	s, rec := webhookTestServer(t, config.ChannelConfig{Enabled: true, WebhookPath: "/webhook/telegram"})
	form := "payload=" + `%7B%22update_id%22%3A2%7D`
	w := postWebhook(s, "POST", form, "application/x-www-form-urlencoded", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if rec.count("telegram") != 1 {
		t.Fatalf("sink calls = %d", rec.count("telegram"))
	}
	rec.mu.Lock()
	got := rec.bodies["telegram"][0]
	rec.mu.Unlock()
	if got != `{"update_id":2}` {
		t.Errorf("sink body = %s", got)
	}
}

func TestWebhook_TokenRequired(t *testing.T) {
	ch := config.ChannelConfig{Enabled: true, WebhookPath: "/webhook/telegram", Token: "hook-secret"}

	t.Run("valid token", func(t *testing.T) {
		s, rec := webhookTestServer(t, ch)
		w := postWebhook(s, "POST", `{}`, "application/json", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer hook-secret")
		})
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		if rec.count("telegram") != 1 {
			t.Error("authorized post did not reach sink")
		}
	})

	t.Run("wrong token", func(t *testing.T) {
		s, rec := webhookTestServer(t, ch)
		w := postWebhook(s, "POST", `{}`, "application/json", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer wrong")
		})
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
		if rec.count("telegram") != 0 {
			t.Error("unauthorized post reached sink")
		}
	})

	t.Run("missing token", func(t *testing.T) {
		s, _ := webhookTestServer(t, ch)
		w := postWebhook(s, "POST", `{}`, "application/json", nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})
}

func TestWebhook_PasswordlessLoopbackOnly(t *testing.T) {
	ch := config.ChannelConfig{Enabled: true, WebhookPath: "/webhook/telegram"}

	t.Run("loopback with localhost host accepted", func(t *testing.T) {
		s, rec := webhookTestServer(t, ch)
		w := postWebhook(s, "POST", `{}`, "application/json", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		if rec.count("telegram") != 1 {
			t.Error("loopback post did not reach sink")
		}
	})

	t.Run("non-loopback peer rejected", func(t *testing.T) {
		s, _ := webhookTestServer(t, ch)
		w := postWebhook(s, "POST", `{}`, "application/json", func(r *http.Request) {
			r.RemoteAddr = "203.0.113.7:1234"
		})
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})

	t.Run("non-localhost host rejected", func(t *testing.T) {
		s, _ := webhookTestServer(t, ch)
		w := postWebhook(s, "POST", `{}`, "application/json", func(r *http.Request) {
			r.Host = "gateway.example.com"
		})
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})

	t.Run("forwarding header rejected", func(t *testing.T) {
		s, _ := webhookTestServer(t, ch)
		w := postWebhook(s, "POST", `{}`, "application/json", func(r *http.Request) {
			r.Header.Set("X-Forwarded-For", "203.0.113.7")
		})
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})
}

func TestWebhook_RateLimit(t *testing.T) {
	cfg := config.Default()
	cfg.Gateway.RateLimit.PerMinute = 60
	cfg.Gateway.RateLimit.Burst = 2
	cfg.Channels = map[string]config.ChannelConfig{
		"telegram": {Enabled: true, WebhookPath: "/webhook/telegram"},
	}
	s := NewServer(Deps{Config: cfg, Events: bus.NewMessageBus(), Webhook: (&sinkRecorder{}).sink})

	codes := []int{}
	for i := 0; i < 3; i++ {
		w := postWebhook(s, "POST", `{}`, "application/json", nil)
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Fatalf("burst requests = %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("third request = %d, want 429", codes[2])
	}
}
