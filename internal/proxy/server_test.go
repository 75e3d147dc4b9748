package proxy

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lunarfang/ccbridge/internal/config"
	"github.com/lunarfang/ccbridge/internal/streamutil"
	"github.com/tidwall/gjson"
)

func newTestServer(t *testing.T, upstreamURL string) *Server {
	t.Helper()
	cfg := &config.Config{
		UpstreamURL:        upstreamURL,
		APIKey:             "sk-test",
		MaxBodyBytes:       config.DefaultMaxBodyBytes,
		RequestTimeout:     config.DefaultRequestTimeout,
		LoopGuardThreshold: config.DefaultLoopGuardThreshold,
		Locale:             "en-US",
		DefaultModel:       "glm-4.6",
		Models: map[string]config.ModelRoute{
			"claude-sonnet-4": {UpstreamModel: "glm-4.6", MaxTokens: 16384},
		},
	}
	return New(cfg, nil)
}

func postJSON(t *testing.T, s *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestNonPostRejectedWith405(t *testing.T) {
	s := newTestServer(t, "http://127.0.0.1:1/v1/chat/completions")

	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		req := httptest.NewRequest(method, "/v1/messages", nil)
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s status = %d, want 405", method, w.Code)
		}
		if got := gjson.Get(w.Body.String(), "error.type").String(); got != "invalid_request_error" {
			t.Errorf("%s error type = %q", method, got)
		}
	}
}

func TestBodyCapRejectedBeforeUpstream(t *testing.T) {
	var upstreamHits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHits.Add(1)
	}))
	defer upstream.Close()

	s := newTestServer(t, upstream.URL+"/v1/chat/completions")
	s.cfg.MaxBodyBytes = 64

	big := `{"model":"claude-sonnet-4","messages":[{"role":"user","content":"` + strings.Repeat("x", 256) + `"}]}`
	w := postJSON(t, s, big)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if upstreamHits.Load() != 0 {
		t.Error("oversized body must not reach the upstream")
	}
}

func TestMalformedJSONRejectedLocally(t *testing.T) {
	var upstreamHits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHits.Add(1)
	}))
	defer upstream.Close()

	s := newTestServer(t, upstream.URL+"/v1/chat/completions")
	w := postJSON(t, s, `{not json`)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if got := gjson.Get(w.Body.String(), "error.type").String(); got != "invalid_request_error" {
		t.Errorf("error type = %q, want invalid_request_error", got)
	}
	if upstreamHits.Load() != 0 {
		t.Error("malformed JSON must not reach the upstream")
	}
}

func TestBufferedTurnEndToEnd(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q, want Bearer prefix", got)
		}
		body := new(bytes.Buffer)
		body.ReadFrom(r.Body)
		if got := gjson.Get(body.String(), "model").String(); got != "glm-4.6" {
			t.Errorf("upstream model = %q, want glm-4.6", got)
		}
		if gjson.Get(body.String(), "stream").Bool() {
			t.Error("buffered turn should send stream=false")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"choices":[{"message":{"reasoning_content":"checking","content":"done"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":12,"completion_tokens":7}
		}`))
	}))
	defer upstream.Close()

	s := newTestServer(t, upstream.URL+"/v1/chat/completions")
	w := postJSON(t, s, `{"model":"claude-sonnet-4","stream":false,"messages":[{"role":"user","content":"hi"}]}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	out := w.Body.String()
	if got := gjson.Get(out, "model").String(); got != "claude-sonnet-4" {
		t.Errorf("model = %q, want the downstream alias", got)
	}
	if got := gjson.Get(out, "content.0.type").String(); got != "thinking" {
		t.Errorf("content[0].type = %q, want thinking", got)
	}
	if got := gjson.Get(out, "content.1.type").String(); got != "text" {
		t.Errorf("content[1].type = %q, want text", got)
	}
	if got := gjson.Get(out, "usage.output_tokens").Int(); got != 7 {
		t.Errorf("output_tokens = %d, want 7", got)
	}
}

func TestStreamingTurnEndToEnd(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range []string{
			`data: {"choices":[{"delta":{"reasoning_content":"hmm"}}]}`,
			`data: {"choices":[{"delta":{"content":"hello"}}]}`,
			`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`,
			`data: {"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2}}`,
			`data: [DONE]`,
		} {
			w.Write([]byte(line + "\n\n"))
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	s := newTestServer(t, upstream.URL+"/v1/chat/completions")
	w := postJSON(t, s, `{"model":"claude-sonnet-4","messages":[{"role":"user","content":"hi"}]}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := w.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", got)
	}
	if got := w.Header().Get("X-Accel-Buffering"); got != "no" {
		t.Errorf("X-Accel-Buffering = %q, want no", got)
	}

	out := w.Body.String()
	for _, want := range []string{"event: message_start", "thinking_delta", "signature_delta", "text_delta", "event: message_delta", "event: message_stop"} {
		if !strings.Contains(out, want) {
			t.Errorf("stream output missing %q", want)
		}
	}
	if strings.Count(out, "event: message_start") != 1 {
		t.Error("expected exactly one message_start")
	}
}

func TestUpstream429MapsToRateLimit(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"429 Too Many Requests: slow down"}}`))
	}))
	defer upstream.Close()

	s := newTestServer(t, upstream.URL+"/v1/chat/completions")
	w := postJSON(t, s, `{"model":"claude-sonnet-4","stream":false,"messages":[{"role":"user","content":"hi"}]}`)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", w.Code)
	}
	if got := gjson.Get(w.Body.String(), "error.type").String(); got != "rate_limit_error" {
		t.Errorf("error type = %q, want rate_limit_error", got)
	}
}

func TestStreamFallbackToBuffered(t *testing.T) {
	// Upstream refuses streaming but serves the buffered retry.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := new(bytes.Buffer)
		body.ReadFrom(r.Body)
		if gjson.Get(body.String(), "stream").Bool() {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error":{"message":"streaming unavailable"}}`))
			return
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"buffered answer"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2}}`))
	}))
	defer upstream.Close()

	s := newTestServer(t, upstream.URL+"/v1/chat/completions")
	w := postJSON(t, s, `{"model":"claude-sonnet-4","messages":[{"role":"user","content":"hi"}]}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	out := w.Body.String()
	if !strings.Contains(out, "event: message_start") {
		t.Error("fallback should still produce SSE")
	}
	if !strings.Contains(out, "buffered answer") {
		t.Error("fallback content missing")
	}
	if !strings.Contains(out, "event: message_stop") {
		t.Error("fallback should close the synthesized stream")
	}
}

func TestStalledUpstreamTornDown(t *testing.T) {
	// Upstream sends one chunk and then goes silent until the client
	// tears the connection down.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"choices":[{"delta":{"content":"partial"}}]}` + "\n\n"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer upstream.Close()

	s := newTestServer(t, upstream.URL+"/v1/chat/completions")
	s.cfg.RequestTimeout = 50 * time.Millisecond
	s.stalls = streamutil.NewStallWatcher(5 * time.Millisecond)
	t.Cleanup(s.stalls.Stop)

	type outcome struct {
		code int
		body string
	}
	done := make(chan outcome, 1)
	go func() {
		w := postJSON(t, s, `{"model":"claude-sonnet-4","messages":[{"role":"user","content":"hi"}]}`)
		done <- outcome{w.Code, w.Body.String()}
	}()

	select {
	case got := <-done:
		if got.code != http.StatusOK {
			t.Fatalf("status = %d", got.code)
		}
		for _, want := range []string{"event: message_start", "event: error", "event: message_stop"} {
			if !strings.Contains(got.body, want) {
				t.Errorf("stalled stream output missing %q", want)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after the upstream stalled")
	}
}

// failingWriter simulates a downstream that disconnects: every write fails.
type failingWriter struct {
	header http.Header
}

func (w *failingWriter) Header() http.Header       { return w.header }
func (w *failingWriter) WriteHeader(int)           {}
func (w *failingWriter) Flush()                    {}
func (w *failingWriter) Write([]byte) (int, error) { return 0, errors.New("client gone") }

func TestDownstreamDisconnectSparesBreaker(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range []string{
			`data: {"choices":[{"delta":{"content":"hello"}}]}`,
			`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`,
			`data: {"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2}}`,
			`data: [DONE]`,
		} {
			w.Write([]byte(line + "\n\n"))
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	s := newTestServer(t, upstream.URL+"/v1/chat/completions")
	req := httptest.NewRequest(http.MethodPost, "/v1/messages",
		strings.NewReader(`{"model":"claude-sonnet-4","messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("Content-Type", "application/json")
	s.Handler().ServeHTTP(&failingWriter{header: make(http.Header)}, req)

	counts := s.upstream.breaker.Counts()
	if counts.TotalFailures != 0 {
		t.Errorf("breaker failures = %d, want 0; a dead downstream is not an upstream fault", counts.TotalFailures)
	}
	if counts.TotalSuccesses != 1 {
		t.Errorf("breaker successes = %d, want 1", counts.TotalSuccesses)
	}
}

func TestModelsEndpoint(t *testing.T) {
	s := newTestServer(t, "http://127.0.0.1:1/v1/chat/completions")
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := gjson.Get(w.Body.String(), "data.0.id").String(); got != "claude-sonnet-4" {
		t.Errorf("models[0] = %q, want claude-sonnet-4", got)
	}
}

func TestAuthHeaderValue(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://api.example.com/v1/chat/completions", "Bearer sk-1"},
		{"https://api.example.com/v1/messages", "Bearer sk-1"},
		{"https://open.example.cn/paas/v4/chat", "Bearer sk-1"},
		{"https://api.example.com/custom/infer", "sk-1"},
	}
	for _, tt := range tests {
		if got := authHeaderValue(tt.url, "sk-1"); got != tt.want {
			t.Errorf("authHeaderValue(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
	if got := authHeaderValue("https://api.example.com/v1/x", ""); got != "" {
		t.Errorf("empty key should produce empty header, got %q", got)
	}
}
