// Package tui is a terminal viewer for one pad. It renders the pad's
// markdown with glamour and re-renders every time the server signals a
// change.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/emailpad/emailpad/internal/client"
	"github.com/emailpad/emailpad/internal/render"
)

const fetchTimeout = 10 * time.Second

// PadSource reads the cached content of a pad.
type PadSource interface {
	Pad(ctx context.Context, padName string) (*client.PadContent, error)
}

// contentMsg carries a fetched pad.
type contentMsg struct {
	content *client.PadContent
	err     error
}

// Model is the root Bubble Tea model.
type Model struct {
	pad    string
	source PadSource
	events <-chan client.Event
	ctx    context.Context
	cancel context.CancelFunc

	keys     KeyMap
	help     help.Model
	viewport viewport.Model
	style    string

	width  int
	height int
	ready  bool

	content   string
	updatedAt time.Time
	raw       bool
	connected bool
	refreshes int
	lastErr   error
}

// Option configures a Model.
type Option func(*Model)

// WithStyle selects the glamour style ("dark", "light", "notty", ...).
func WithStyle(style string) Option { return func(m *Model) { m.style = style } }

// New creates a viewer for padName fed by events, typically from
// client.WSClient.Watch.
func New(padName string, source PadSource, events <-chan client.Event, opts ...Option) Model {
	ctx, cancel := context.WithCancel(context.Background())
	m := Model{
		pad:    padName,
		source: source,
		events: events,
		ctx:    ctx,
		cancel: cancel,
		keys:   DefaultKeyMap(),
		help:   help.New(),
		style:  "dark",
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// Init fetches the pad and starts listening for events.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.waitEvent())
}

func (m Model) waitEvent() tea.Cmd {
	if m.events == nil {
		return nil
	}
	events := m.events
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return nil
		}
		return ev
	}
}

func (m Model) fetch() tea.Cmd {
	source, name, parent := m.source, m.pad, m.ctx
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(parent, fetchTimeout)
		defer cancel()
		content, err := source.Pad(ctx, name)
		return contentMsg{content: content, err: err}
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		h := max(msg.Height-m.chromeHeight(), 1)
		if !m.ready {
			m.viewport = viewport.New(msg.Width, h)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = h
		}
		m.refreshView()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case client.Event:
		switch msg.Kind {
		case client.EventConnected:
			m.connected = true
			m.lastErr = nil
			return m, tea.Batch(m.fetch(), m.waitEvent())
		case client.EventDisconnected:
			m.connected = false
			m.lastErr = msg.Err
		case client.EventRefresh:
			m.refreshes++
			return m, tea.Batch(m.fetch(), m.waitEvent())
		}
		return m, m.waitEvent()

	case contentMsg:
		switch {
		case errors.Is(msg.err, client.ErrNotFound):
			// Not fetched by the server yet; a refresh follows.
			m.content = ""
		case msg.err != nil:
			m.lastErr = msg.err
			return m, nil
		default:
			m.content = msg.content.Content
			m.updatedAt = msg.content.UpdatedAt
			m.lastErr = nil
		}
		m.refreshView()
		return m, nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.cancel()
		return m, tea.Quit
	case key.Matches(msg, m.keys.Raw):
		m.raw = !m.raw
		m.refreshView()
		return m, nil
	case key.Matches(msg, m.keys.Reload):
		return m, m.fetch()
	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		if m.ready {
			m.viewport.Height = max(m.height-m.chromeHeight(), 1)
		}
		return m, nil
	case key.Matches(msg, m.keys.Top):
		m.viewport.GotoTop()
		return m, nil
	case key.Matches(msg, m.keys.Bottom):
		m.viewport.GotoBottom()
		return m, nil
	}

	// Line and page scrolling use the viewport's own bindings.
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// refreshView re-renders the content into the viewport, keeping the scroll
// position where possible.
func (m *Model) refreshView() {
	if !m.ready {
		return
	}
	offset := m.viewport.YOffset
	m.viewport.SetContent(m.Rendered())
	m.viewport.SetYOffset(offset)
}

// Rendered returns the pad content as shown: raw markdown, or glamour
// output wrapped to the window width.
func (m Model) Rendered() string {
	if m.content == "" {
		return styleDimmed.Render("(empty pad)")
	}
	if m.raw {
		return m.content
	}
	width := m.width
	if width <= 0 {
		width = 80
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(m.style),
		glamour.WithWordWrap(max(width-4, 20)),
	)
	if err != nil {
		return m.content
	}
	out, err := r.Render(render.CallToActionLinks(m.content))
	if err != nil {
		return m.content
	}
	return out
}

func (m Model) chromeHeight() int {
	return lipgloss.Height(m.statusView()) + lipgloss.Height(m.help.View(m.keys))
}

func (m Model) statusView() string {
	var conn string
	if m.connected {
		conn = styleConnected.Render("● live")
	} else {
		conn = styleConnecting.Render("○ connecting")
	}

	parts := []string{styleTitle.Render(m.pad), conn}
	if !m.updatedAt.IsZero() {
		parts = append(parts, styleDimmed.Render("updated "+m.updatedAt.Local().Format("15:04:05")))
	}
	if m.refreshes > 0 {
		parts = append(parts, styleDimmed.Render(fmt.Sprintf("%d refreshes", m.refreshes)))
	}
	if m.raw {
		parts = append(parts, styleDimmed.Render("raw"))
	}
	if m.lastErr != nil {
		parts = append(parts, styleError.Render(truncate(m.lastErr.Error(), 60)))
	}
	return styleBar.Width(max(m.width, 40)).Render(strings.Join(parts, "  "))
}

// View renders the full viewer.
func (m Model) View() string {
	if !m.ready {
		return "Initializing..."
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		m.statusView(),
		m.viewport.View(),
		m.help.View(m.keys),
	)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
