package tui

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/jasonchiu/dvirmail/feature/panel"
	"github.com/jasonchiu/dvirmail/feature/recipients"
	"github.com/jasonchiu/dvirmail/feature/view"
)

const tickInterval = 250 * time.Millisecond

type mode int

const (
	browseMode mode = iota
	addMode
	confirmMode
)

type Options struct {
	Panel *panel.Panel
	// Feed must also be the panel's notifier for notices to show.
	Feed *panel.Feed
	// ExportDir receives files written with x. Empty means the working directory.
	ExportDir string
}

// Model drives one panel from the terminal. It is not safe for use outside the
// bubbletea loop.
type Model struct {
	ctx       context.Context
	panel     *panel.Panel
	feed      *panel.Feed
	exportDir string

	mode    mode
	cursor  int
	input   textinput.Model
	filter  recipients.DefectFilter
	pending recipients.Recipient

	state    panel.State
	err      error
	busy     bool
	width    int
	quitting bool
}

type doneMsg struct {
	op  string
	err error
}

type tickMsg time.Time

func New(ctx context.Context, opts Options) (*Model, error) {
	if opts.Panel == nil {
		return nil, errors.New("panel is required")
	}
	if opts.Feed == nil {
		opts.Feed = panel.NewFeed(panel.DefaultNoticeTTL)
	}
	in := textinput.New()
	in.Placeholder = "driver@example.com"
	in.CharLimit = 254
	return &Model{
		ctx:       ctx,
		panel:     opts.Panel,
		feed:      opts.Feed,
		exportDir: opts.ExportDir,
		input:     in,
		filter:    recipients.FilterNew,
		state:     opts.Panel.Snapshot(),
	}, nil
}

// Run focuses the panel, shows it until the user quits, and blurs it.
func Run(ctx context.Context, opts Options) error {
	m, err := New(ctx, opts)
	if err != nil {
		return err
	}
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err = p.Run()
	opts.Panel.Blur()
	return err
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.run("focus", m.panel.Focus), tick())
}

func tick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// run executes a panel command off the update loop.
func (m *Model) run(op string, fn func(context.Context) error) tea.Cmd {
	m.busy = true
	ctx := m.ctx
	return func() tea.Msg {
		return doneMsg{op: op, err: fn(ctx)}
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tickMsg:
		m.sync()
		return m, tick()

	case doneMsg:
		m.busy = false
		m.sync()
		switch {
		case msg.err == nil:
			m.err = nil
		case msg.op == "export", msg.op == "focus":
			m.err = msg.err
		}
		return m, nil

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m.quit()
		}
		switch m.mode {
		case addMode:
			return m.updateAdd(msg)
		case confirmMode:
			return m.updateConfirm(msg)
		default:
			return m.updateBrowse(msg)
		}
	}
	return m, nil
}

func (m *Model) updateBrowse(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q":
		return m.quit()
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.state.Recipients)-1 {
			m.cursor++
		}
	case "a":
		m.mode = addMode
		m.filter = recipients.FilterFor(m.state.SendOnlyNewDefects)
		m.input.Reset()
		return m, m.input.Focus()
	case "d":
		if r, ok := m.selected(); ok {
			m.pending = r
			m.mode = confirmMode
		}
	case "r":
		return m, m.run("refresh", m.panel.Refresh)
	case "s":
		value := !m.state.SendOnlyNewDefects
		return m, m.run("settings", func(ctx context.Context) error {
			return m.panel.SetSendOnlyNewDefects(ctx, value)
		})
	case "t":
		return m, m.run("test-connection", m.panel.TestConnection)
	case "e":
		return m, m.run("test-email", m.panel.TestEmail)
	case "x":
		return m, m.run("export", m.export)
	}
	return m, nil
}

func (m *Model) updateAdd(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.mode = browseMode
		m.input.Blur()
		return m, nil
	case "tab":
		if m.filter == recipients.FilterAll {
			m.filter = recipients.FilterNew
		} else {
			m.filter = recipients.FilterAll
		}
		return m, nil
	case "enter":
		email, filter := strings.TrimSpace(m.input.Value()), m.filter
		m.mode = browseMode
		m.input.Blur()
		if email == "" {
			return m, nil
		}
		return m, m.run("add", func(ctx context.Context) error {
			_, err := m.panel.AddRecipient(ctx, email, filter)
			return err
		})
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) updateConfirm(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "y", "Y":
		id := m.pending.ID
		m.mode = browseMode
		m.pending = recipients.Recipient{}
		return m, m.run("remove", func(ctx context.Context) error {
			return m.panel.RemoveRecipient(ctx, id)
		})
	case "n", "N", "esc":
		m.mode = browseMode
		m.pending = recipients.Recipient{}
	}
	return m, nil
}

func (m *Model) quit() (tea.Model, tea.Cmd) {
	m.panel.Blur()
	m.quitting = true
	return m, tea.Quit
}

func (m *Model) export(context.Context) error {
	doc, err := m.panel.Export()
	if err != nil {
		return err
	}
	data, err := doc.Encode()
	if err != nil {
		return err
	}
	dir := m.exportDir
	if dir == "" {
		dir = "."
	}
	path := filepath.Join(dir, doc.Filename())
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	m.feed.Notify(panel.Notice{Level: panel.LevelInfo, Message: "Wrote " + path})
	return nil
}

func (m *Model) sync() {
	m.state = m.panel.Snapshot()
	if n := len(m.state.Recipients); m.cursor >= n {
		m.cursor = n - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

func (m *Model) selected() (recipients.Recipient, bool) {
	if m.cursor < 0 || m.cursor >= len(m.state.Recipients) {
		return recipients.Recipient{}, false
	}
	return m.state.Recipients[m.cursor], true
}

func (m *Model) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder
	selected := -1
	if len(m.state.Recipients) > 0 {
		selected = m.cursor
	}
	b.WriteString(view.Render(m.state.Listing(), view.Options{Width: m.width, Selected: selected}))
	b.WriteString("\n")

	switch m.mode {
	case addMode:
		form := labelStyle.Render("Email: ") + m.input.View() + "\n" +
			labelStyle.Render("Defects: ") + string(m.filter) + "  (tab to switch)"
		b.WriteString(formStyle.Render(form))
		b.WriteString("\n")
	case confirmMode:
		b.WriteString(warningStyle.Render(fmt.Sprintf("Remove %s? (y/n)", m.pending.Email)))
		b.WriteString("\n")
	}

	if m.busy {
		b.WriteString(infoStyle.Render("Working..."))
		b.WriteString("\n")
	}
	for _, n := range m.feed.Active() {
		b.WriteString(noticeStyle(n.Level).Render(n.Message))
		b.WriteString("\n")
	}
	if m.err != nil {
		b.WriteString(errorStyle.Render("Error: " + m.err.Error()))
		b.WriteString("\n")
	}

	help := "↑/↓ move • a add • d remove • r refresh • s toggle new-only • t test connection • e test email • x export • q quit"
	switch m.mode {
	case addMode:
		help = "enter save • tab switch defects • esc cancel"
	case confirmMode:
		help = "y remove • n cancel"
	}
	b.WriteString(helpStyle.Render(help))
	return b.String()
}
