package ws

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/emailpad/emailpad/internal/auth"
	"github.com/emailpad/emailpad/internal/frontend"
	"github.com/emailpad/emailpad/internal/pad"
	"github.com/emailpad/emailpad/internal/padsync"
	"github.com/emailpad/emailpad/internal/render"
)

type fakeHealth map[string]padsync.Health

func (f fakeHealth) Health(name string) (padsync.Health, bool) {
	h, ok := f[name]
	return h, ok
}

type serverFixture struct {
	*managerFixture
	srv *httptest.Server
}

func newServerFixture(t *testing.T, cfg ManagerConfig, authn *auth.Authenticator, origins ...string) *serverFixture {
	t.Helper()
	pages, err := frontend.Load()
	if err != nil {
		t.Fatalf("load pages: %v", err)
	}
	mf := newManagerFixture(cfg)
	s := NewServer(ServerDeps{
		Manager:  mf.manager,
		Registry: mf.registry,
		Health:   fakeHealth{"alpha": {Pad: "alpha", Status: padsync.StatusHealthy}},
		Renderer: render.New(),
		Pages:    pages,
		Auth:     authn,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			io.WriteString(w, "# metrics\n")
		}),
		Logger: zerolog.Nop(),
	}, "https://pad.example", origins)

	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return &serverFixture{managerFixture: mf, srv: srv}
}

func (f *serverFixture) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + path
}

func (f *serverFixture) get(t *testing.T, path string, header http.Header) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.srv.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	securityHeaders(inner).ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "SAMEORIGIN",
		"X-XSS-Protection":       "1; mode=block",
		"Referrer-Policy":        "no-referrer",
	}

	for header, expected := range want {
		if got := rec.Header().Get(header); got != expected {
			t.Errorf("header %s = %q, want %q", header, got, expected)
		}
	}
	if csp := rec.Header().Get("Content-Security-Policy"); !strings.HasPrefix(csp, "default-src 'self'") {
		t.Errorf("Content-Security-Policy = %q", csp)
	}
}

func TestCheckOrigin(t *testing.T) {
	open := &Server{allowedOrigins: map[string]bool{}, allowedHosts: map[string]bool{}}
	restricted := NewServer(ServerDeps{Logger: zerolog.Nop(), Registry: pad.NewRegistry()}, "", []string{"https://mail.example"})

	tests := []struct {
		name   string
		server *Server
		origin string
		host   string
		want   bool
	}{
		{"no origin", open, "", "svc:8080", true},
		{"same host", open, "http://svc:8080", "svc:8080", true},
		{"localhost", open, "http://localhost:3000", "svc:8080", true},
		{"loopback v6", open, "http://[::1]:3000", "svc:8080", true},
		{"foreign", open, "https://evil.example", "svc:8080", false},
		{"allowed", restricted, "https://mail.example", "svc:8080", true},
		{"not allowed", restricted, "http://localhost:3000", "svc:8080", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/sockets/alpha", nil)
			req.Host = tt.host
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := tt.server.checkOrigin(req); got != tt.want {
				t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestSocket_SubscribeRefreshAndClose(t *testing.T) {
	f := newServerFixture(t, ManagerConfig{}, nil)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("/sockets/alpha"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	waitFor(t, "subscription", func() bool {
		p, ok := f.registry.Lookup("alpha")
		return ok && p.SubscriberCount() == 1
	})
	if kicks := f.kicker.Kicks(); len(kicks) != 1 || kicks[0] != "alpha" {
		t.Fatalf("kicks = %v, want [alpha]", kicks)
	}

	// Client messages are accepted and ignored.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	f.bus.Emit("alpha")
	if got := readText(t, conn); got != RefreshMessage {
		t.Fatalf("got %q, want %q", got, RefreshMessage)
	}

	conn.Close()
	waitFor(t, "unsubscribe", func() bool {
		p, _ := f.registry.Lookup("alpha")
		return p.SubscriberCount() == 0 && f.manager.ClientCount() == 0
	})
}

func TestSocket_Auth(t *testing.T) {
	f := newServerFixture(t, ManagerConfig{}, auth.New("s3cret", ""))

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL("/sockets/alpha"), nil)
	if err == nil {
		t.Fatal("dial without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("/sockets/alpha?token=s3cret"), nil)
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	conn.Close()

	header := http.Header{"Authorization": {"Bearer s3cret"}}
	conn, _, err = websocket.DefaultDialer.Dial(f.wsURL("/sockets/beta"), header)
	if err != nil {
		t.Fatalf("dial with bearer: %v", err)
	}
	conn.Close()
}

func TestSocket_JWTPadScope(t *testing.T) {
	authn := auth.New("", "jwt-secret")
	f := newServerFixture(t, ManagerConfig{}, authn)

	tok, err := authn.Issue("viewer", "alpha", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL("/sockets/beta?token="+tok), nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for other pad, got err=%v resp=%v", err, resp)
	}

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("/sockets/alpha?token="+tok), nil)
	if err != nil {
		t.Fatalf("dial scoped pad: %v", err)
	}
	conn.Close()
}

func TestSocket_ForeignOriginRejected(t *testing.T) {
	f := newServerFixture(t, ManagerConfig{}, nil)

	header := http.Header{"Origin": {"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL("/sockets/alpha"), header)
	if err == nil {
		t.Fatal("dial from foreign origin succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", resp)
	}
	if _, ok := f.registry.Lookup("alpha"); ok {
		t.Error("rejected upgrade created pad state")
	}
}

func TestSocket_TooManyConnections(t *testing.T) {
	f := newServerFixture(t, ManagerConfig{MaxConnections: 1}, nil)

	first, _, err := websocket.DefaultDialer.Dial(f.wsURL("/sockets/alpha"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer first.Close()
	waitFor(t, "first client", func() bool { return f.manager.ClientCount() == 1 })

	second, _, err := websocket.DefaultDialer.Dial(f.wsURL("/sockets/alpha"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer second.Close()

	_, _, err = second.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseTryAgainLater {
		t.Fatalf("expected close 1013, got %v", err)
	}
}

func TestInvalidPadName(t *testing.T) {
	f := newServerFixture(t, ManagerConfig{}, nil)

	resp, _ := f.get(t, "/api/pads/a%2Fb", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestPadNameDecodedOnce(t *testing.T) {
	f := newServerFixture(t, ManagerConfig{}, nil)
	f.registry.UpdateCache("100%", "percent pad")
	f.registry.UpdateCache("aA", "other pad")
	f.registry.UpdateCache("a b", "spaced pad")

	tests := []struct {
		path    string
		status  int
		pad     string
		content string
	}{
		{path: "/api/pads/100%25", pad: "100%", content: "percent pad"},
		{path: "/api/pads/a%2541", status: http.StatusNotFound},
		{path: "/api/pads/a%20b", pad: "a b", content: "spaced pad"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, body := f.get(t, tt.path, nil)
			want := tt.status
			if want == 0 {
				want = http.StatusOK
			}
			if resp.StatusCode != want {
				t.Fatalf("status = %d, want %d (body %q)", resp.StatusCode, want, body)
			}
			if want != http.StatusOK {
				return
			}
			var got PadContent
			if err := json.Unmarshal([]byte(body), &got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.Pad != tt.pad || got.Content != tt.content {
				t.Fatalf("got pad %q content %q, want %q %q", got.Pad, got.Content, tt.pad, tt.content)
			}
		})
	}
}

func TestRenderHTML(t *testing.T) {
	f := newServerFixture(t, ManagerConfig{}, nil)
	f.registry.UpdateCache("alpha", "# Hello\n\n@[Join](https://x.example/j)\n\n<script>alert(1)</script>")

	resp, body := f.get(t, "/render-html/alpha", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	for _, want := range []string{"<h1>Hello</h1>", render.ContentBegin, render.ContentEnd, `href="https://x.example/j"`} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q", want)
		}
	}
	if strings.Contains(body, "<script>") {
		t.Error("script survived rendering")
	}

	etag := resp.Header.Get("ETag")
	if etag == "" {
		t.Fatal("missing ETag")
	}
	resp, _ = f.get(t, "/render-html/alpha", http.Header{"If-None-Match": {etag}})
	if resp.StatusCode != http.StatusNotModified {
		t.Fatalf("conditional status = %d, want 304", resp.StatusCode)
	}

	// A change produces a new ETag.
	f.registry.UpdateCache("alpha", "# Changed")
	resp, _ = f.get(t, "/render-html/alpha", http.Header{"If-None-Match": {etag}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status after change = %d, want 200", resp.StatusCode)
	}
}

func TestRenderHTML_NeverFetchedPadIsEmpty(t *testing.T) {
	f := newServerFixture(t, ManagerConfig{}, nil)

	resp, body := f.get(t, "/render-html/ghost", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(body, render.ContentBegin+render.ContentEnd) {
		t.Error("expected empty content block")
	}
	if _, ok := f.registry.ReadCache("ghost"); ok {
		t.Error("read created cached content")
	}
}

func TestRenderPre(t *testing.T) {
	f := newServerFixture(t, ManagerConfig{}, nil)
	f.registry.UpdateCache("alpha", "# Hello")

	_, full := f.get(t, "/render-pre/alpha", nil)
	if !strings.Contains(full, "&lt;!doctype html&gt;") {
		t.Error("full source should include the escaped document")
	}

	_, dada := f.get(t, "/render-pre/alpha?dada=true", nil)
	if !strings.Contains(dada, "&lt;h1&gt;Hello&lt;/h1&gt;") {
		t.Errorf("content-only source missing heading: %s", dada)
	}
	if strings.Contains(dada, "&lt;!doctype") {
		t.Error("content-only source should not include the document wrapper")
	}
}

func TestRenderText(t *testing.T) {
	f := newServerFixture(t, ManagerConfig{}, nil)
	f.registry.UpdateCache("alpha", "**Hi** there\n\n@[Join](https://x.example/j)")

	_, body := f.get(t, "/render-text/alpha", nil)
	for _, want := range []string{"Hi there", "Join: https://x.example/j"} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q", want)
		}
	}
}

func TestAPIPad(t *testing.T) {
	f := newServerFixture(t, ManagerConfig{}, nil)

	resp, _ := f.get(t, "/api/pads/alpha", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}

	f.registry.UpdateCache("alpha", "")
	resp, body := f.get(t, "/api/pads/alpha", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got PadContent
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Pad != "alpha" || got.Content != "" || got.Fingerprint != pad.Fingerprint("") {
		t.Fatalf("unexpected pad content %+v", got)
	}
}

func TestAPIPads(t *testing.T) {
	f := newServerFixture(t, ManagerConfig{}, nil)
	f.registry.UpdateCache("beta", "b")
	f.registry.UpdateCache("alpha", "a")

	_, body := f.get(t, "/api/pads", nil)
	var got []PadStatus
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0].Pad != "alpha" || got[1].Pad != "beta" {
		t.Fatalf("unexpected listing %+v", got)
	}
	if got[0].Health == nil || got[0].Health.Status != padsync.StatusHealthy {
		t.Errorf("alpha health = %+v", got[0].Health)
	}
	if got[1].Health != nil {
		t.Errorf("beta should have no health entry")
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	f := newServerFixture(t, ManagerConfig{}, nil)
	f.registry.UpdateCache("alpha", "a")

	resp, body := f.get(t, "/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var report HealthReport
	if err := json.Unmarshal([]byte(body), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Status != "ok" || report.Pads != 1 || report.Goroutines == 0 {
		t.Fatalf("unexpected report %+v", report)
	}

	_, body = f.get(t, "/metrics", nil)
	if !strings.Contains(body, "# metrics") {
		t.Error("metrics handler not mounted")
	}
}

func TestPages(t *testing.T) {
	f := newServerFixture(t, ManagerConfig{}, nil)

	_, body := f.get(t, "/load/alpha", nil)
	if !strings.Contains(body, `src="https://pad.example/p/alpha"`) {
		t.Error("index page missing editor frame")
	}

	_, body = f.get(t, "/right/alpha", nil)
	if !strings.Contains(body, "/static/app.js") {
		t.Error("right page missing script")
	}

	resp, _ := f.get(t, "/static/app.js", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("static status = %d", resp.StatusCode)
	}
}
