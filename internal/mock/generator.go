// Package mock serves a fake Etherpad text export whose pads change over
// time. It backs the server's -mock mode and the end-to-end tests.
package mock

import (
	"context"
	"fmt"
	"html"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Edit patterns of a mock pad.
const (
	PatternSteady     = "steady"     // one new line every tick
	PatternBurst      = "burst"      // several lines, then quiet
	PatternStall      = "stall"      // edits, then long pauses
	PatternFlaky      = "flaky"      // edits, but the export fails now and then
	PatternMethodical = "methodical" // edits at a slowly varying pace
	PatternStatic     = "static"     // never changes
)

const defaultTick = 500 * time.Millisecond

type mockPad struct {
	name    string
	pattern string
	lines   []string
	edits   int
	failing bool
	pace    float64
}

var phrases = []string{
	"Meeting moved to **Thursday** at 7pm.",
	"Volunteers needed for the stall on Saturday.",
	"Reminder: membership renewals are due this month.",
	"New policy draft is up for comment.",
	"Thanks to everyone who came along last week!",
	"@[Read the draft](https://example.org/draft)",
	"_Minutes_ from the last meeting are attached.",
	"Please forward this to anyone who might be interested.",
}

// Generator owns the mock pads and advances them on a ticker.
type Generator struct {
	tick time.Duration
	log  zerolog.Logger
	rng  *rand.Rand

	mu    sync.Mutex
	pads  map[string]*mockPad
	ticks int
}

// Option configures a Generator.
type Option func(*Generator)

func WithTick(d time.Duration) Option { return func(g *Generator) { g.tick = d } }

func WithLogger(l zerolog.Logger) Option { return func(g *Generator) { g.log = l } }

func WithSeed(seed int64) Option {
	return func(g *Generator) { g.rng = rand.New(rand.NewSource(seed)) }
}

// NewGenerator returns a generator seeded with a few demo pads.
func NewGenerator(opts ...Option) *Generator {
	g := &Generator{
		tick: defaultTick,
		log:  zerolog.Nop(),
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
		pads: make(map[string]*mockPad),
	}
	for _, opt := range opts {
		opt(g)
	}

	g.AddPad("newsletter", PatternSteady, "# Branch newsletter", "")
	g.AddPad("campaign", PatternBurst, "# Campaign update", "")
	g.AddPad("minutes", PatternStall, "# Meeting minutes", "")
	g.AddPad("flaky", PatternFlaky, "# Flaky pad", "")
	g.AddPad("policy", PatternMethodical, "# Policy draft", "")
	g.AddPad("welcome", PatternStatic,
		"# Welcome",
		"",
		"This pad does not change. Edit `newsletter` to see live updates.",
		"",
		"@[Join us](https://example.org/join)",
	)
	return g
}

// AddPad creates or replaces a pad.
func (g *Generator) AddPad(name, pattern string, lines ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pads[name] = &mockPad{name: name, pattern: pattern, lines: append([]string(nil), lines...)}
}

// SetText replaces the text of a pad, creating it as static if needed.
func (g *Generator) SetText(name, text string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pads[name]
	if !ok {
		p = &mockPad{name: name, pattern: PatternStatic}
		g.pads[name] = p
	}
	p.lines = strings.Split(text, "\n")
}

// SetFailing makes exports of a pad fail with 503 until cleared.
func (g *Generator) SetFailing(name string, failing bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.pads[name]; ok {
		p.failing = failing
	}
}

// Text returns the current export of a pad. Unknown pads are empty, like a
// freshly created Etherpad pad.
func (g *Generator) Text(name string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pads[name]
	if !ok {
		return "", true
	}
	if p.failing {
		return "", false
	}
	return strings.Join(p.lines, "\n") + "\n", true
}

// Start advances the pads until ctx is cancelled.
func (g *Generator) Start(ctx context.Context) {
	go g.run(ctx)
}

func (g *Generator) run(ctx context.Context) {
	ticker := time.NewTicker(g.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Step()
		}
	}
}

// Step advances every pad by one tick.
func (g *Generator) Step() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.ticks++
	for _, p := range g.pads {
		switch p.pattern {
		case PatternSteady:
			g.appendLine(p)
		case PatternBurst:
			if g.ticks%8 < 3 {
				g.appendLine(p)
				g.appendLine(p)
			}
		case PatternStall:
			// 40 ticks of edits, 30 of silence.
			if g.ticks%70 < 40 && g.ticks%4 == 0 {
				g.appendLine(p)
			}
		case PatternFlaky:
			g.appendLine(p)
			p.failing = g.ticks%10 >= 7
		case PatternMethodical:
			p.pace += 0.4 + 0.3*math.Sin(float64(g.ticks)/10.0)
			for p.pace >= 1 {
				g.appendLine(p)
				p.pace--
			}
		}
	}
}

func (g *Generator) appendLine(p *mockPad) {
	p.edits++
	line := fmt.Sprintf("%d. %s", p.edits, phrases[g.rng.Intn(len(phrases))])
	// Keep pads readable in a browser.
	if len(p.lines) > 60 {
		p.lines = append(p.lines[:2], p.lines[len(p.lines)-40:]...)
	}
	p.lines = append(p.lines, line)
}

// Handler serves GET /p/{pad}/export/txt like Etherpad.
func (g *Generator) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/p/{pad}/export/txt", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "pad")
		text, ok := g.Text(name)
		if !ok {
			g.log.Debug().Str("pad", name).Msg("mock export failing")
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(text))
	})
	// Stands in for the editor frame of the index page.
	r.Get("/p/{pad}", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "pad")
		text, _ := g.Text(name)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<!doctype html><title>%s</title><pre>%s</pre>", html.EscapeString(name), html.EscapeString(text))
	})
	return r
}
