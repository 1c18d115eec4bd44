// ABOUTME: Bubbletea model for the discovery TUI
// ABOUTME: Holds the instance table and renders it with key bindings
package ui

import (
	"fmt"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Resonate-Protocol/dnssd-browse/pkg/dnssd"
)

const tableWidth = 54

// row is one tracked instance
type row struct {
	key      dnssd.ServiceKey
	resolved *dnssd.ResolvedService
	err      string
}

// Model represents the TUI state
type Model struct {
	serviceType string
	status      string
	failure     string

	rows     map[dnssd.ServiceKey]*row
	selected int

	showTXT bool

	// resolve asks the discovery session for a manual resolution
	resolve func(dnssd.ServiceKey) bool

	width  int
	height int
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case DiscoveredMsg:
		if _, ok := m.rows[msg.Key]; !ok {
			m.rows[msg.Key] = &row{key: msg.Key}
		}
	case RemovedMsg:
		delete(m.rows, msg.Key)
		m.clampSelection()
	case ResolvedMsg:
		if r, ok := m.rows[msg.Key]; ok {
			if msg.Err != nil {
				r.err = msg.Err.Error()
			} else {
				svc := msg.Service
				r.resolved = &svc
				r.err = ""
			}
		}
	case StatusMsg:
		m.status = msg.Status.Kind.String()
		if msg.Status.Err != nil {
			m.failure = msg.Status.Err.Error()
		}
	}

	return m, nil
}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString(m.renderRows())
	if m.showTXT {
		b.WriteString(m.renderTXT())
	}
	b.WriteString(m.renderHelp())
	return b.String()
}

// sortedRows returns rows ordered by name, then interface
func (m Model) sortedRows() []*row {
	out := make([]*row, 0, len(m.rows))
	for _, r := range m.rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].key, out[j].key
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if a.Interface != b.Interface {
			return a.Interface < b.Interface
		}
		return a.Protocol < b.Protocol
	})
	return out
}

func (m Model) renderHeader() string {
	status := m.status
	if status == "" {
		status = "browsing"
	}
	if m.failure != "" {
		status = "failed: " + m.failure
	}
	return fmt.Sprintf(`┌─ dnssd-browse ───────────────────────────────────────┐
│ Type:   %-45s │
│ Status: %-45s │
├──────────────────────────────────────────────────────┤
`, truncate(m.serviceType, 45), truncate(status, 45))
}

func (m Model) renderRows() string {
	rows := m.sortedRows()
	if len(rows) == 0 {
		return "│ No instances                                         │\n"
	}

	var b strings.Builder
	for i, r := range rows {
		cursor := " "
		if i == m.selected {
			cursor = ">"
		}
		detail := "unresolved"
		switch {
		case r.resolved != nil:
			detail = r.resolved.AddrPort().String()
		case r.err != "":
			detail = r.err
		}
		line := fmt.Sprintf("%s %-24s %-26s", cursor, truncate(r.key.Name, 24), truncate(detail, 26))
		fmt.Fprintf(&b, "│%-*s│\n", tableWidth, line)
	}
	return b.String()
}

func (m Model) renderTXT() string {
	rows := m.sortedRows()
	if m.selected >= len(rows) || rows[m.selected].resolved == nil {
		return "├──────────────────────────────────────────────────────┤\n│ TXT: (not resolved)                                  │\n"
	}
	txt := rows[m.selected].resolved.TXT()
	keys := make([]string, 0, len(txt))
	for k := range txt {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("├──────────────────────────────────────────────────────┤\n")
	fmt.Fprintf(&b, "│ Host: %-47s │\n", truncate(rows[m.selected].resolved.HostName, 47))
	for _, k := range keys {
		fmt.Fprintf(&b, "│   %-51s│\n", truncate(k+"="+txt[k], 50))
	}
	return b.String()
}

func (m Model) renderHelp() string {
	return `├──────────────────────────────────────────────────────┤
│ ↑/↓:Select  r:Resolve  t:TXT  q:Quit                 │
└──────────────────────────────────────────────────────┘
`
}

// handleKey handles keyboard input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "up":
		if m.selected > 0 {
			m.selected--
		}
	case "down":
		if m.selected < len(m.rows)-1 {
			m.selected++
		}
	case "t":
		m.showTXT = !m.showTXT
	case "r":
		rows := m.sortedRows()
		if m.resolve != nil && m.selected < len(rows) {
			key := rows[m.selected].key
			resolve := m.resolve
			return m, func() tea.Msg {
				resolve(key)
				return nil
			}
		}
	}

	return m, nil
}

func (m *Model) clampSelection() {
	if m.selected >= len(m.rows) {
		m.selected = len(m.rows) - 1
	}
	if m.selected < 0 {
		m.selected = 0
	}
}

// DiscoveredMsg adds an instance row
type DiscoveredMsg struct {
	Key dnssd.ServiceKey
}

// RemovedMsg drops an instance row
type RemovedMsg struct {
	Key dnssd.ServiceKey
}

// ResolvedMsg fills in a row's resolution outcome
type ResolvedMsg struct {
	Key     dnssd.ServiceKey
	Service dnssd.ResolvedService
	Err     error
}

// StatusMsg updates the header status line
type StatusMsg struct {
	Status dnssd.BrowseStatus
}

func truncate(s string, length int) string {
	if len([]rune(s)) <= length {
		return s
	}
	return string([]rune(s)[:length-3]) + "..."
}
