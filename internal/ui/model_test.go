// ABOUTME: Tests for TUI model and state management
// ABOUTME: Tests instance rows, resolution results, and key handling
package ui

import (
	"errors"
	"net/netip"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Resonate-Protocol/dnssd-browse/pkg/dnssd"
)

func testKey(name string) dnssd.ServiceKey {
	return dnssd.ServiceKey{Name: name, Type: "_http._tcp", Domain: "local", Interface: 2, Protocol: dnssd.ProtocolIPv4}
}

func update(m Model, msg tea.Msg) Model {
	next, _ := m.Update(msg)
	return next.(Model)
}

func TestNewModel(t *testing.T) {
	model := NewModel("_http._tcp", nil)

	if len(model.rows) != 0 {
		t.Errorf("expected no rows, got %d", len(model.rows))
	}
	if model.showTXT {
		t.Error("expected showTXT to be false initially")
	}
	if model.View() != "Loading..." {
		t.Error("expected loading view before the first window size")
	}
}

func TestDiscoveredAndRemoved(t *testing.T) {
	model := NewModel("_http._tcp", nil)
	model = update(model, DiscoveredMsg{Key: testKey("a")})
	model = update(model, DiscoveredMsg{Key: testKey("a")})
	model = update(model, DiscoveredMsg{Key: testKey("b")})

	if len(model.rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(model.rows))
	}

	model.selected = 1
	model = update(model, RemovedMsg{Key: testKey("b")})
	if len(model.rows) != 1 {
		t.Errorf("expected 1 row after removal, got %d", len(model.rows))
	}
	if model.selected != 0 {
		t.Errorf("expected selection clamped to 0, got %d", model.selected)
	}
}

func TestResolvedMsg(t *testing.T) {
	model := NewModel("_http._tcp", nil)
	model = update(model, DiscoveredMsg{Key: testKey("web")})

	svc := dnssd.NewResolvedService(testKey("web"), "web.local", netip.MustParseAddr("192.168.1.20"), 8080, map[string]string{"path": "/"})
	model = update(model, ResolvedMsg{Key: testKey("web"), Service: svc})

	r := model.rows[testKey("web")]
	if r.resolved == nil || r.resolved.Port != 8080 {
		t.Fatalf("expected resolved row, got %+v", r)
	}

	model = update(model, ResolvedMsg{Key: testKey("ghost"), Err: errors.New("gone")})
	if _, ok := model.rows[testKey("ghost")]; ok {
		t.Error("resolution must not add rows")
	}
}

func TestStatusMsg(t *testing.T) {
	model := NewModel("_http._tcp", nil)
	model = update(model, StatusMsg{Status: dnssd.BrowseStatus{Kind: dnssd.StatusAllForNow}})
	if model.status != "all-for-now" {
		t.Errorf("expected status 'all-for-now', got '%s'", model.status)
	}

	model = update(model, StatusMsg{Status: dnssd.BrowseStatus{Kind: dnssd.StatusFailed, Err: errors.New("daemon gone")}})
	if model.failure != "daemon gone" {
		t.Errorf("expected failure recorded, got '%s'", model.failure)
	}
}

func TestViewRendersRows(t *testing.T) {
	model := NewModel("_http._tcp", nil)
	model = update(model, tea.WindowSizeMsg{Width: 80, Height: 24})
	model = update(model, DiscoveredMsg{Key: testKey("printer")})

	view := model.View()
	if !strings.Contains(view, "printer") {
		t.Error("expected row in view")
	}
	if !strings.Contains(view, "unresolved") {
		t.Error("expected unresolved marker in view")
	}
}

func TestResolveKey(t *testing.T) {
	var asked []dnssd.ServiceKey
	model := NewModel("_http._tcp", func(k dnssd.ServiceKey) bool {
		asked = append(asked, k)
		return true
	})
	model = update(model, DiscoveredMsg{Key: testKey("a")})
	model = update(model, DiscoveredMsg{Key: testKey("b")})
	model = update(model, tea.KeyMsg{Type: tea.KeyDown})

	_, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	if cmd == nil {
		t.Fatal("expected a resolve command")
	}
	cmd()

	if len(asked) != 1 || asked[0] != testKey("b") {
		t.Errorf("expected resolve of b, got %v", asked)
	}
}

func TestSelectionBounds(t *testing.T) {
	model := NewModel("_http._tcp", nil)
	model = update(model, tea.KeyMsg{Type: tea.KeyDown})
	model = update(model, tea.KeyMsg{Type: tea.KeyUp})
	if model.selected != 0 {
		t.Errorf("expected selection 0, got %d", model.selected)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("expected 'short', got '%s'", got)
	}
	if got := truncate("a very long instance name", 10); got != "a very ..." {
		t.Errorf("expected 'a very ...', got '%s'", got)
	}
}
