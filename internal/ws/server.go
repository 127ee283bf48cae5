package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/zeebo/xxh3"

	"github.com/emailpad/emailpad/internal/auth"
	"github.com/emailpad/emailpad/internal/frontend"
	"github.com/emailpad/emailpad/internal/pad"
	"github.com/emailpad/emailpad/internal/padsync"
	"github.com/emailpad/emailpad/internal/render"
)

// HealthSource reports per-pad fetch health.
type HealthSource interface {
	Health(name string) (padsync.Health, bool)
}

// ServerDeps are the collaborators of a Server. Metrics and Health may be
// nil.
type ServerDeps struct {
	Manager  *Manager
	Registry *pad.Registry
	Health   HealthSource
	Renderer *render.Renderer
	Pages    *frontend.Pages
	Auth     *auth.Authenticator
	Metrics  http.Handler
	Logger   zerolog.Logger
}

type Server struct {
	manager        *Manager
	registry       *pad.Registry
	health         HealthSource
	renderer       *render.Renderer
	pages          *frontend.Pages
	auth           *auth.Authenticator
	metrics        http.Handler
	log            zerolog.Logger
	etherpadURL    string
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	started        time.Time
	proc           *process.Process
	router         *chi.Mux
}

func NewServer(deps ServerDeps, etherpadURL string, allowedOrigins []string) *Server {
	s := &Server{
		manager:        deps.Manager,
		registry:       deps.Registry,
		health:         deps.Health,
		renderer:       deps.Renderer,
		pages:          deps.Pages,
		auth:           deps.Auth,
		metrics:        deps.Metrics,
		log:            deps.Logger,
		etherpadURL:    strings.TrimRight(etherpadURL, "/"),
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		started:        time.Now(),
		router:         chi.NewRouter(),
	}

	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = p
	} else {
		s.log.Warn().Err(err).Msg("process stats unavailable")
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)

	r.Handle("/static/*", http.StripPrefix("/static/", frontend.Handler()))
	r.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Get("/", s.handleIndex)
	r.Get("/load/{pad}", s.handleIndex)
	r.Get("/right/{pad}", s.handleRight)
	r.Get("/sockets/{pad}", s.handleSocket)
	r.Get("/render-html/{pad}", s.handleRenderHTML)
	r.Get("/render-pre/{pad}", s.handleRenderPre)
	r.Get("/render-text/{pad}", s.handleRenderText)
	r.Get("/api/pads", s.handlePads)
	r.Get("/api/pads/{pad}", s.handlePad)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// HTTPServer wraps the router in an http.Server listening on addr.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// securityHeaders sets standard security headers on every response. Pages
// are framed by the index page, so framing is allowed from the same origin.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "SAMEORIGIN")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy",
			"default-src 'self'; style-src 'self' 'unsafe-inline'; img-src 'self' https: data:; "+
				"frame-src 'self' https: http:; connect-src 'self' ws: wss:")
		next.ServeHTTP(w, r)
	})
}

func requestLogger(l zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				l.Debug().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("remote", r.RemoteAddr).
					Str("request_id", middleware.GetReqID(r.Context())).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Msg("request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// padParam returns the pad name from the route. chi matches against
// RawPath when it is set, so only then is the parameter still escaped.
// Empty names and names containing a slash are rejected.
func padParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := chi.URLParam(r, "pad")
	var err error
	if r.URL.RawPath != "" {
		name, err = url.PathUnescape(name)
	}
	if err != nil || name == "" || strings.Contains(name, "/") {
		http.Error(w, "invalid pad name", http.StatusBadRequest)
		return "", false
	}
	return name, true
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request, padName string) bool {
	err := s.auth.Authorize(r, padName)
	switch {
	case err == nil:
		return true
	case errors.Is(err, auth.ErrForbiddenPad):
		http.Error(w, "forbidden", http.StatusForbidden)
	default:
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}
	if host == r.Host {
		return true
	}

	hostname := parsed.Hostname()
	return hostname == "localhost" || hostname == "127.0.0.1" || hostname == "::1"
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	name, ok := padParam(w, r)
	if !ok || !s.authorize(w, r, name) {
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Str("pad", name).Msg("ws upgrade failed")
		return
	}

	c, err := s.manager.Open(name, conn)
	if err != nil {
		code := websocket.CloseInternalServerErr
		if errors.Is(err, ErrTooManyConnections) {
			code = websocket.CloseTryAgainLater
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, err.Error()),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	go func() {
		defer s.manager.Close(c)
		c.ReadLoop()
	}()
}

func (s *Server) pageData(r *http.Request, name string) frontend.PageData {
	return frontend.PageData{
		Pad:         name,
		EtherpadURL: s.etherpadURL,
		Token:       r.URL.Query().Get("token"),
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	name := ""
	if chi.URLParam(r, "pad") != "" {
		var ok bool
		if name, ok = padParam(w, r); !ok {
			return
		}
	}
	if !s.authorize(w, r, name) {
		return
	}
	s.writePage(w, frontend.PageIndex, s.pageData(r, name))
}

func (s *Server) handleRight(w http.ResponseWriter, r *http.Request) {
	name, ok := padParam(w, r)
	if !ok || !s.authorize(w, r, name) {
		return
	}
	s.writePage(w, frontend.PageRight, s.pageData(r, name))
}

func (s *Server) writePage(w http.ResponseWriter, page string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.pages.Render(w, page, data); err != nil {
		s.log.Error().Err(err).Str("page", page).Msg("render page failed")
	}
}

// cachedContent reads the last snapshot without touching the network. A pad
// that was never fetched renders as empty.
func (s *Server) cachedContent(name string) string {
	snap, ok := s.registry.ReadCache(name)
	if !ok {
		return ""
	}
	return snap.Content
}

// emailDocument renders the pad into the full email template.
func (s *Server) emailDocument(name string) (string, error) {
	body, err := s.renderer.HTML(s.cachedContent(name))
	if err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return s.pages.RenderString(frontend.PageEmail, frontend.EmailData{
		Pad:     name,
		Content: template.HTML(render.Wrap(body)),
	})
}

func (s *Server) handleRenderHTML(w http.ResponseWriter, r *http.Request) {
	name, ok := padParam(w, r)
	if !ok || !s.authorize(w, r, name) {
		return
	}
	doc, err := s.emailDocument(name)
	if err != nil {
		s.renderFailed(w, name, err)
		return
	}
	writeRendered(w, r, "text/html; charset=utf-8", []byte(doc))
}

func (s *Server) handleRenderPre(w http.ResponseWriter, r *http.Request) {
	name, ok := padParam(w, r)
	if !ok || !s.authorize(w, r, name) {
		return
	}
	doc, err := s.emailDocument(name)
	if err != nil {
		s.renderFailed(w, name, err)
		return
	}

	dada := r.URL.Query().Get("dada") == "true"
	if dada {
		doc, _ = render.ExtractContent(doc)
	}

	out, err := s.pages.RenderString(frontend.PageEmailPre, frontend.SourceData{Pad: name, Source: doc, Dada: dada})
	if err != nil {
		s.renderFailed(w, name, err)
		return
	}
	writeRendered(w, r, "text/html; charset=utf-8", []byte(out))
}

func (s *Server) handleRenderText(w http.ResponseWriter, r *http.Request) {
	name, ok := padParam(w, r)
	if !ok || !s.authorize(w, r, name) {
		return
	}
	text := s.renderer.Text(s.cachedContent(name))
	out, err := s.pages.RenderString(frontend.PageEmailText, frontend.TextData{Pad: name, Text: text})
	if err != nil {
		s.renderFailed(w, name, err)
		return
	}
	writeRendered(w, r, "text/html; charset=utf-8", []byte(out))
}

func (s *Server) renderFailed(w http.ResponseWriter, name string, err error) {
	s.log.Error().Err(err).Str("pad", name).Msg("render failed")
	http.Error(w, "render failed", http.StatusInternalServerError)
}

// writeRendered writes body with an ETag derived from its content and
// answers conditional requests with 304.
func writeRendered(w http.ResponseWriter, r *http.Request, contentType string, body []byte) {
	etag := fmt.Sprintf(`"%016x"`, xxh3.Hash(body))
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(body)
}

// PadStatus is one entry of the pad status listing.
type PadStatus struct {
	Pad         string          `json:"pad"`
	Subscribers int             `json:"subscribers"`
	Polling     bool            `json:"polling"`
	Cached      bool            `json:"cached"`
	Fingerprint string          `json:"fingerprint,omitempty"`
	UpdatedAt   time.Time       `json:"updatedAt,omitempty"`
	CheckedAt   time.Time       `json:"checkedAt,omitempty"`
	Health      *padsync.Health `json:"health,omitempty"`
}

// PadContent is the cached content of one pad.
type PadContent struct {
	Pad         string    `json:"pad"`
	Content     string    `json:"content"`
	Fingerprint string    `json:"fingerprint"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (s *Server) handlePads(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, "") {
		return
	}

	snaps := s.registry.Snapshots()
	out := make([]PadStatus, 0, len(snaps))
	for _, snap := range snaps {
		st := PadStatus{
			Pad:         snap.Name,
			Subscribers: snap.Subscribers,
			Polling:     snap.Polling,
			Cached:      snap.Cached,
			Fingerprint: snap.Fingerprint,
			UpdatedAt:   snap.UpdatedAt,
			CheckedAt:   snap.CheckedAt,
		}
		if s.health != nil {
			if h, ok := s.health.Health(snap.Name); ok {
				st.Health = &h
			}
		}
		out = append(out, st)
	}
	writeJSON(w, out)
}

func (s *Server) handlePad(w http.ResponseWriter, r *http.Request) {
	name, ok := padParam(w, r)
	if !ok || !s.authorize(w, r, name) {
		return
	}
	snap, ok := s.registry.ReadCache(name)
	if !ok {
		http.Error(w, "pad not found", http.StatusNotFound)
		return
	}
	writeJSON(w, PadContent{
		Pad:         snap.Name,
		Content:     snap.Content,
		Fingerprint: snap.Fingerprint,
		UpdatedAt:   snap.UpdatedAt,
	})
}

// HealthReport is the body of /healthz.
type HealthReport struct {
	Status      string  `json:"status"`
	Uptime      string  `json:"uptime"`
	Goroutines  int     `json:"goroutines"`
	RSSBytes    uint64  `json:"rssBytes,omitempty"`
	CPUPercent  float64 `json:"cpuPercent,omitempty"`
	Pads        int     `json:"pads"`
	ActivePads  int     `json:"activePads"`
	Connections int     `json:"connections"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	report := HealthReport{
		Status:      "ok",
		Uptime:      time.Since(s.started).Round(time.Second).String(),
		Goroutines:  runtime.NumGoroutine(),
		Pads:        s.registry.Len(),
		Connections: s.manager.ClientCount(),
	}
	for _, snap := range s.registry.Snapshots() {
		if snap.Polling {
			report.ActivePads++
		}
	}
	if s.proc != nil {
		if mem, err := s.proc.MemoryInfoWithContext(r.Context()); err == nil {
			report.RSSBytes = mem.RSS
		}
		if cpu, err := s.proc.CPUPercentWithContext(r.Context()); err == nil {
			report.CPUPercent = cpu
		}
	}
	writeJSON(w, report)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
