package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"image-proxy-go/internal/client"
	"image-proxy-go/internal/config"
	"image-proxy-go/internal/profile"
	"image-proxy-go/internal/service"
)

// newTestProxyHandler builds a ProxyHandler for the named profile pointed at upstreamURL.
func newTestProxyHandler(t *testing.T, profileName, upstreamURL string) *ProxyHandler {
	t.Helper()
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			BaseURL:         upstreamURL,
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
	}
	p, err := profile.Lookup(profileName)
	if err != nil {
		t.Fatalf("Lookup(%q): %v", profileName, err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	uc := client.NewUpstreamClient(cfg, logger, nil)
	svc, err := service.NewProxyService(uc, cfg, p, nil, logger)
	if err != nil {
		t.Fatalf("NewProxyService: %v", err)
	}
	return NewProxyHandler(svc, logger)
}

func serve(t *testing.T, h *ProxyHandler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)
	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	return rec
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal %q: %v", rec.Body.String(), err)
	}
	return body["error"]
}

func TestProxyHandler_Handle_ImageGeneration(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if _, ok := body["unsupported_field"]; ok {
			t.Error("unsupported_field reached the upstream")
		}
		if r.URL.RawQuery != "a=1&a=2" {
			t.Errorf("upstream query = %q, want %q", r.URL.RawQuery, "a=1&a=2")
		}
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Access-Control-Allow-Origin", "https://api.x.ai")
		w.Header().Set("X-Request-Cost", "3")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":[{"url":"https://img/1.png"}]}`))
	}))
	defer upstream.Close()

	h := newTestProxyHandler(t, "xai", upstream.URL)

	req := httptest.NewRequest(http.MethodPost, "/v1/images/generations?a=1&a=2",
		strings.NewReader(`{"prompt":"cat","unsupported_field":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer k")
	rec := serve(t, h, req)

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	if got := rec.Header().Values("Access-Control-Allow-Origin"); len(got) != 1 || got[0] != "*" {
		t.Errorf("Access-Control-Allow-Origin = %v, want [*]", got)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want forced application/json", ct)
	}
	if v := rec.Header().Get("X-Request-Cost"); v != "3" {
		t.Errorf("X-Request-Cost = %q, want upstream header relayed", v)
	}
	if rec.Body.String() != `{"data":[{"url":"https://img/1.png"}]}` {
		t.Errorf("body = %q, want upstream body verbatim", rec.Body.String())
	}

	// The transformer leaves the original body readable.
	again, _ := io.ReadAll(req.Body)
	if !strings.Contains(string(again), "unsupported_field") {
		t.Errorf("request body after handling = %q, want original", string(again))
	}
}

func TestProxyHandler_Handle_Passthrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q, want %q", r.URL.Path, "/v1/chat/completions")
		}
		if r.Header.Get("CF-Ray") != "" {
			t.Error("CF-Ray should be stripped")
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("echo:" + string(body)))
	}))
	defer upstream.Close()

	h := newTestProxyHandler(t, "xai", upstream.URL)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"anything":true}`))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("CF-Ray", "abc")
	rec := serve(t, h, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Errorf("Content-Type = %q, want upstream value preserved", ct)
	}
	if v := rec.Header().Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
	if rec.Body.String() != `echo:{"anything":true}` {
		t.Errorf("body = %q, want %q", rec.Body.String(), `echo:{"anything":true}`)
	}
}

func TestProxyHandler_Handle_EventStream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for i := 0; i < 3; i++ {
			_, _ = fmt.Fprintf(w, "data: %d\n\n", i)
			w.(http.Flusher).Flush()
		}
	}))
	defer upstream.Close()

	h := newTestProxyHandler(t, "xai", upstream.URL)

	req := httptest.NewRequest(http.MethodGet, "/v1/stream", http.NoBody)
	rec := serve(t, h, req)

	if !rec.Flushed {
		t.Error("event stream should be flushed to the client")
	}
	if rec.Body.String() != "data: 0\n\ndata: 1\n\ndata: 2\n\n" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestProxyHandler_Handle_NotFound(t *testing.T) {
	tests := []struct {
		name    string
		profile string
		method  string
		path    string
	}{
		{"xai outside prefix", "xai", http.MethodGet, "/unknown"},
		{"jimeng other path", "jimeng", http.MethodPost, "/v1/chat/completions"},
		{"jimeng GET image path", "jimeng", http.MethodGet, "/v1/images/generations"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// The upstream must never be contacted.
			h := newTestProxyHandler(t, tt.profile, "http://127.0.0.1:1")

			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := serve(t, h, req)

			if rec.Code != http.StatusNotFound {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
			}
			if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
				t.Errorf("Content-Type = %q, want text/plain", ct)
			}
			if rec.Body.String() != "Not Found" {
				t.Errorf("body = %q, want %q", rec.Body.String(), "Not Found")
			}
			if v := rec.Header().Get("Access-Control-Allow-Origin"); v != "*" {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
			}
		})
	}
}

func TestProxyHandler_Handle_ClientErrors(t *testing.T) {
	tests := []struct {
		name        string
		profile     string
		body        string
		contentType string
		wantError   string
	}{
		{"bad content type", "xai", `{"prompt":"cat"}`, "text/plain", "Unsupported Content-Type. Expected application/json"},
		{"invalid json", "jimeng", `{"prompt":`, "application/json", "Invalid JSON body"},
		{"missing prompt", "xai", `{}`, "application/json", "Missing required field: prompt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestProxyHandler(t, tt.profile, "http://127.0.0.1:1")

			req := httptest.NewRequest(http.MethodPost, "/v1/images/generations", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			rec := serve(t, h, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
			if got := errorBody(t, rec); got != tt.wantError {
				t.Errorf("error = %q, want %q", got, tt.wantError)
			}
			if v := rec.Header().Get("Access-Control-Allow-Origin"); v != "*" {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
			}
		})
	}
}

func TestProxyHandler_Handle_UpstreamUnreachable(t *testing.T) {
	for _, tt := range []struct {
		profile string
		label   string
	}{
		{"xai", "xAI"},
		{"jimeng", "Jimeng"},
	} {
		t.Run(tt.profile, func(t *testing.T) {
			h := newTestProxyHandler(t, tt.profile, "http://127.0.0.1:1")

			req := httptest.NewRequest(http.MethodPost, "/v1/images/generations", strings.NewReader(`{"prompt":"cat"}`))
			req.Header.Set("Content-Type", "application/json")
			rec := serve(t, h, req)

			if rec.Code != http.StatusBadGateway {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
			}
			got := errorBody(t, rec)
			if !strings.HasPrefix(got, "Error fetching from "+tt.label+" API: ") {
				t.Errorf("error = %q, want prefix naming %s", got, tt.label)
			}
			if !strings.Contains(got, "connection refused") {
				t.Errorf("error = %q, want underlying failure embedded", got)
			}
			if v := rec.Header().Get("Access-Control-Allow-Origin"); v != "*" {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
			}
		})
	}
}

func TestProxyHandler_Handle_ConnectionReset(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		_ = conn.Close()
	}))
	defer upstream.Close()

	h := newTestProxyHandler(t, "xai", upstream.URL)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", http.NoBody)
	rec := serve(t, h, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if got := errorBody(t, rec); !strings.HasPrefix(got, "Error fetching from xAI API: ") {
		t.Errorf("error = %q, want upstream failure message", got)
	}
}

func TestProxyHandler_Handle_CanceledContext(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Wait until client context is done.
		<-r.Context().Done()
	}))
	defer upstream.Close()

	h := newTestProxyHandler(t, "xai", upstream.URL)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", http.NoBody)
	// Create a pre-canceled context to simulate client disconnect.
	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	req = req.WithContext(ctx)
	rec := serve(t, h, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
}

func TestClassifyError(t *testing.T) {
	urlErr := &url.Error{Op: "Post", URL: "https://api.x.ai/v1/images/generations?key=secret", Err: fmt.Errorf("connection refused")}

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{"content type", service.ErrUnsupportedContentType, http.StatusBadRequest, "Unsupported Content-Type. Expected application/json"},
		{"wrapped invalid json", fmt.Errorf("%w: unexpected EOF", service.ErrInvalidJSON), http.StatusBadRequest, "Invalid JSON body"},
		{"missing field", &service.MissingFieldError{Field: "prompt"}, http.StatusBadRequest, "Missing required field: prompt"},
		{
			"upstream redacts secrets",
			&service.UpstreamError{Upstream: "xAI", Err: urlErr},
			http.StatusBadGateway,
			`Error fetching from xAI API: Post "https://api.x.ai/v1/images/generations?key=[REDACTED]": connection refused`,
		},
		{"echo http error", echo.ErrStatusRequestEntityTooLarge, http.StatusRequestEntityTooLarge, "Request Entity Too Large"},
		{"unknown", fmt.Errorf("encode upstream body: boom"), http.StatusInternalServerError, "Internal server error: encode upstream body: boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, msg := classifyError(tt.err)
			if status != tt.wantStatus {
				t.Errorf("status = %d, want %d", status, tt.wantStatus)
			}
			if msg != tt.wantMsg {
				t.Errorf("msg = %q, want %q", msg, tt.wantMsg)
			}
		})
	}
}

func TestSanitizeError(t *testing.T) {
	tests := []struct {
		name string
		err  string
		want string
	}{
		{
			name: "redacts api_key in URL",
			err:  `Get "https://api.x.ai/v1/models?api_key=secret123&limit=5": connection refused`,
			want: `Get "https://api.x.ai/v1/models?api_key=[REDACTED]&limit=5": connection refused`,
		},
		{
			name: "redacts token at end of URL",
			err:  `Get "https://api.x.ai/v1/models?token=secret123": EOF`,
			want: `Get "https://api.x.ai/v1/models?token=[REDACTED]": EOF`,
		},
		{
			name: "no secret unchanged",
			err:  "connection refused",
			want: "connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizeError(fmt.Errorf("%s", tt.err))
			if got != tt.want {
				t.Errorf("sanitizeError() = %q, want %q", got, tt.want)
			}
		})
	}
}
