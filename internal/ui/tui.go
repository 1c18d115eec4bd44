// ABOUTME: TUI initialization and control
// ABOUTME: Wraps the bubbletea program and feeds it discovery events
package ui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/Resonate-Protocol/dnssd-browse/pkg/dnssd"
)

const queueSize = 256

// TUI is a dnssd.Handler that renders events in a terminal program.
// Handler calls never block; when the program falls behind, events are
// dropped.
type TUI struct {
	program *tea.Program
	queue   chan tea.Msg
	done    chan struct{}
}

// NewModel creates a new TUI model
func NewModel(serviceType string, resolve func(dnssd.ServiceKey) bool) Model {
	return Model{
		serviceType: serviceType,
		rows:        make(map[dnssd.ServiceKey]*row),
		resolve:     resolve,
	}
}

// New builds the program. resolve may be nil.
func New(serviceType string, resolve func(dnssd.ServiceKey) bool, opts ...tea.ProgramOption) *TUI {
	if len(opts) == 0 {
		opts = []tea.ProgramOption{tea.WithAltScreen()}
	}
	return &TUI{
		program: tea.NewProgram(NewModel(serviceType, resolve), opts...),
		queue:   make(chan tea.Msg, queueSize),
		done:    make(chan struct{}),
	}
}

// Run blocks until the user quits or Quit is called.
func (t *TUI) Run() error {
	go t.forward()
	defer close(t.done)
	_, err := t.program.Run()
	return err
}

func (t *TUI) forward() {
	for {
		select {
		case msg := <-t.queue:
			t.program.Send(msg)
		case <-t.done:
			return
		}
	}
}

// Quit ends the program.
func (t *TUI) Quit() {
	t.program.Quit()
}

func (t *TUI) enqueue(msg tea.Msg) {
	select {
	case t.queue <- msg:
	default:
	}
}

func (t *TUI) OnServiceDiscovered(key dnssd.ServiceKey, _ dnssd.BrowsedService) {
	t.enqueue(DiscoveredMsg{Key: key})
}

func (t *TUI) OnServiceRemoved(key dnssd.ServiceKey) {
	t.enqueue(RemovedMsg{Key: key})
}

func (t *TUI) OnServiceResolved(key dnssd.ServiceKey, svc dnssd.ResolvedService, err error) {
	t.enqueue(ResolvedMsg{Key: key, Service: svc, Err: err})
}

func (t *TUI) OnBrowseStatus(status dnssd.BrowseStatus) {
	t.enqueue(StatusMsg{Status: status})
}
