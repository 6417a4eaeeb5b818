// pathvis-tui is a terminal viewer for the observation feed. It
// subscribes the same way pathvisd does and renders the active
// destinations next to a live log of path changes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/SIDN/pathvis/internal/config"
	"github.com/SIDN/pathvis/internal/domain"
	"github.com/SIDN/pathvis/internal/feed"
)

// Config
const (
	maxLogLines    = 200
	viewportHeight = 16
	refreshRate    = time.Second
)

// Styles
var (
	subtleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true)

	paneStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1)

	timeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(10)
	destStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("99"))
	newStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true).Width(9)
	changedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true).Width(9)
	expiredStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true).Width(9)
	resetStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true).Width(9)
)

// feedMsg carries one decoded feed frame into the program
type feedMsg feed.Message

// connMsg carries the feed connection state
type connMsg bool

type tickMsg time.Time

// destState is the latest measurement for one active destination
type destState struct {
	trace   domain.Trace
	dports  []string
	updated time.Time
}

// logLine is one entry of the change log
type logLine struct {
	when  time.Time
	kind  string
	dest  string
	descr string
}

type model struct {
	url      string
	spinner  spinner.Model
	viewport viewport.Model
	ready    bool

	connected bool
	dests     map[string]destState
	log       []logLine
	seen      int
	changes   int
}

func initialModel(url string) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	vp := viewport.New(100, viewportHeight)
	vp.Style = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		PaddingRight(2)

	return model{
		url:      url,
		spinner:  s,
		viewport: vp,
		dests:    make(map[string]destState),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		// Pass key messages to viewport
		m.viewport, cmd = m.viewport.Update(msg)
		cmds = append(cmds, cmd)
		return m, tea.Batch(cmds...)

	case spinner.TickMsg:
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case tickMsg:
		// Nothing to do; returning re-renders the age column
		cmds = append(cmds, tick())

	case connMsg:
		m.connected = bool(msg)

	case feedMsg:
		m.apply(feed.Message(msg))
		m.updateViewportContent()

	case tea.WindowSizeMsg:
		if !m.ready {
			m.viewport = viewport.New(msg.Width-2, viewportHeight)
			m.viewport.Style = lipgloss.NewStyle().
				BorderStyle(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("62")).
				PaddingRight(2)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width - 2
			m.viewport.Height = viewportHeight
		}
	}

	return m, tea.Batch(cmds...)
}

// apply folds one feed frame into the model
func (m *model) apply(msg feed.Message) {
	now := time.Now()
	if msg.Reset {
		m.dests = make(map[string]destState)
		m.appendLog(logLine{when: now, kind: "reset", descr: "producer requested a fresh start"})
		return
	}

	obs := msg.Observation
	m.seen++
	when := time.Unix(int64(obs.Start), 0)

	if obs.Expired() {
		delete(m.dests, obs.Destination)
		m.changes++
		m.appendLog(logLine{when: when, kind: "expired", dest: obs.Destination})
		return
	}

	trace := obs.ToTrace()
	m.dests[obs.Destination] = destState{trace: trace, dports: obs.DPorts, updated: now}

	switch {
	case obs.New:
		m.changes++
		m.appendLog(logLine{when: when, kind: "new", dest: obs.Destination,
			descr: fmt.Sprintf("%d hops", len(trace))})
	case obs.Change:
		m.changes++
		m.appendLog(logLine{when: when, kind: "changed", dest: obs.Destination,
			descr: fmt.Sprintf("%d hops", len(trace))})
	}
}

func (m *model) appendLog(l logLine) {
	m.log = append(m.log, l)
	if len(m.log) > maxLogLines {
		m.log = m.log[len(m.log)-maxLogLines:]
	}
}

func (m *model) updateViewportContent() {
	var sb strings.Builder

	for _, l := range m.log {
		var kindStr string
		switch l.kind {
		case "new":
			kindStr = newStyle.Render(l.kind)
		case "changed":
			kindStr = changedStyle.Render(l.kind)
		case "expired":
			kindStr = expiredStyle.Render(l.kind)
		default:
			kindStr = resetStyle.Render(l.kind)
		}

		line := fmt.Sprintf("%s %s %s %s\n",
			timeStyle.Render(l.when.Format("15:04:05")),
			kindStr,
			destStyle.Render(fmt.Sprintf("%-22s", l.dest)),
			subtleStyle.Render(l.descr),
		)
		sb.WriteString(line)
	}

	m.viewport.SetContent(sb.String())
	m.viewport.GotoBottom()
}

func (m model) View() string {
	if !m.ready {
		return fmt.Sprintf("\n%s Connecting to %s...", m.spinner.View(), m.url)
	}

	// Top pane: active destinations with their latest path
	var list strings.Builder
	list.WriteString(lipgloss.NewStyle().Bold(true).Underline(true).Render("Active destinations") + "\n\n")

	if len(m.dests) == 0 {
		list.WriteString(subtleStyle.Render("Nothing traced yet."))
	} else {
		list.WriteString(subtleStyle.Render(fmt.Sprintf("%-22s %5s  %-24s %-12s %s",
			"DESTINATION", "HOPS", "TERMINAL", "PORTS", "AGE")) + "\n")

		dests := make([]string, 0, len(m.dests))
		for dest := range m.dests {
			dests = append(dests, dest)
		}
		sort.Strings(dests)

		for _, dest := range dests {
			st := m.dests[dest]
			list.WriteString(fmt.Sprintf("%-22s %5d  %-24s %-12s %s\n",
				clip(dest, 22), len(st.trace),
				clip(terminalName(st.trace), 24),
				clip(portList(st.dports), 12),
				age(st.updated)))
		}
	}
	topPane := paneStyle.Render(list.String())

	// Bottom pane: the change log
	header := headerStyle.Render(fmt.Sprintf("%s Path changes", m.spinner.View()))
	bottomPane := m.viewport.View()

	// Status footer
	var status string
	if m.connected {
		status = okStyle.Render(fmt.Sprintf("Connected • %s", m.url))
	} else {
		status = errorStyle.Render(fmt.Sprintf("Connecting to %s", m.url))
	}
	counts := subtleStyle.Render(fmt.Sprintf("%d observations • %d changes • %d active",
		m.seen, m.changes, len(m.dests)))
	footer := fmt.Sprintf("\n%s  %s\n%s", status, counts,
		subtleStyle.Render("Press q to quit, arrows scroll the log"))

	return lipgloss.JoinVertical(lipgloss.Left, topPane, header, bottomPane, footer)
}

// terminalName labels a path's endpoint: the hostname when reverse DNS
// resolved one, the address otherwise
func terminalName(tr domain.Trace) string {
	if len(tr) == 0 {
		return domain.Unset
	}
	last := tr[len(tr)-1]
	if last.Hostname != "" && last.Hostname != domain.Unset {
		return last.Hostname
	}
	if last.Resolved() {
		return last.IP
	}
	return domain.Unset
}

func portList(ports []string) string {
	if len(ports) == 0 {
		return "-"
	}
	if len(ports) > 3 {
		return strings.Join(ports[:3], ",") + ",…"
	}
	return strings.Join(ports, ",")
}

func age(t time.Time) string {
	d := time.Since(t).Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}

// Commands

func tick() tea.Cmd {
	return tea.Tick(refreshRate, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func main() {
	feedURL := flag.String("feed", "", "feed URL, overriding the config")
	flag.Parse()

	cfg, _, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pathvis-tui: %v\n", err)
		os.Exit(1)
	}
	url := cfg.Feed.URL
	if *feedURL != "" {
		url = *feedURL
	}

	p := tea.NewProgram(initialModel(url), tea.WithAltScreen())

	// The feed client pushes frames straight into the program. Its own
	// logging would fight the terminal, so connection state is rendered
	// instead of logged.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := feed.NewClient(url, zap.NewNop())
	client.StateFunc = func(connected bool) { p.Send(connMsg(connected)) }
	go func() {
		_ = client.Run(ctx, func(msg feed.Message) { p.Send(feedMsg(msg)) })
	}()

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "pathvis-tui: %v\n", err)
		os.Exit(1)
	}
}
