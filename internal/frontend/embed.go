// Package frontend holds the embedded page templates and static assets.
package frontend

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"net/http"
)

//go:embed static/*
var staticFiles embed.FS

//go:embed templates/*.html
var templateFiles embed.FS

// Page template names.
const (
	PageIndex     = "index"
	PageRight     = "right"
	PageEmail     = "email"
	PageEmailPre  = "email-pre"
	PageEmailText = "email-text"
)

// PageData feeds the index and right pages.
type PageData struct {
	Pad         string
	EtherpadURL string
	Token       string
}

// EmailData feeds the email template. Content is already sanitized.
type EmailData struct {
	Pad     string
	Content template.HTML
}

// SourceData feeds the email-pre page; Source is shown escaped.
type SourceData struct {
	Pad    string
	Source string
	Dada   bool
}

// TextData feeds the email-text page.
type TextData struct {
	Pad  string
	Text string
}

// Handler serves the static assets.
func Handler() http.Handler {
	sub, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(err)
	}
	return http.FileServer(http.FS(sub))
}

// Pages renders the embedded templates.
type Pages struct {
	t *template.Template
}

// Load parses every embedded template.
func Load() (*Pages, error) {
	t, err := template.ParseFS(templateFiles, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("frontend: parse templates: %w", err)
	}
	return &Pages{t: t}, nil
}

// Render executes the named page into w.
func (p *Pages) Render(w io.Writer, name string, data any) error {
	return p.t.ExecuteTemplate(w, name, data)
}

// RenderString executes the named page and returns the output.
func (p *Pages) RenderString(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := p.Render(&buf, name, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
