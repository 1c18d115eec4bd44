// ABOUTME: WebSocket feed of discovery events for browser dashboards
// ABOUTME: Replays the current instance set to each new client, then streams
package feed

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Resonate-Protocol/dnssd-browse/pkg/dnssd"
)

const (
	sendBuffer    = 64
	writeDeadline = 10 * time.Second
	pingInterval  = 30 * time.Second
)

// Event types on the wire.
const (
	TypeDiscovered = "discovered"
	TypeRemoved    = "removed"
	TypeResolved   = "resolved"
	TypeStatus     = "status"
)

// Event is one JSON text frame.
type Event struct {
	Type        string            `json:"type"`
	Time        time.Time         `json:"time"`
	Name        string            `json:"name,omitempty"`
	ServiceType string            `json:"service_type,omitempty"`
	Domain      string            `json:"domain,omitempty"`
	Interface   int32             `json:"interface,omitempty"`
	Protocol    string            `json:"protocol,omitempty"`
	Host        string            `json:"host,omitempty"`
	Address     string            `json:"address,omitempty"`
	Port        uint16            `json:"port,omitempty"`
	TXT         map[string]string `json:"txt,omitempty"`
	Status      string            `json:"status,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// Feed is a dnssd.Handler that mirrors events to WebSocket clients.
type Feed struct {
	logger   log.Logger
	upgrader websocket.Upgrader
	now      func() time.Time

	mu       sync.RWMutex
	clients  map[string]*client
	snapshot map[dnssd.ServiceKey]Event
	closed   bool
	wg       sync.WaitGroup
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan Event
	once sync.Once
}

// Option configures a Feed.
type Option func(*Feed)

// WithLogger sets the feed logger.
func WithLogger(l log.Logger) Option {
	return func(f *Feed) {
		f.logger = l
	}
}

// New returns a feed with no clients.
func New(opts ...Option) *Feed {
	f := &Feed{
		logger:   log.NewNopLogger(),
		now:      time.Now,
		clients:  make(map[string]*client),
		snapshot: make(map[dnssd.ServiceKey]Event),
		upgrader: websocket.Upgrader{
			// The feed serves a local network tool; any origin may watch.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = log.With(f.logger, "component", "feed")
	return f
}

// ServeHTTP upgrades the request and streams events until the client leaves.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		level.Warn(f.logger).Log("msg", "upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	c := &client{id: uuid.New().String(), conn: conn, send: make(chan Event, sendBuffer)}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		conn.Close()
		return
	}
	for _, ev := range f.snapshotLocked() {
		select {
		case c.send <- ev:
		default:
		}
	}
	f.clients[c.id] = c
	f.wg.Add(1)
	f.mu.Unlock()

	level.Debug(f.logger).Log("msg", "client connected", "id", c.id, "remote", r.RemoteAddr)

	go f.writer(c)
	f.reader(c)
}

// reader discards client frames and notices when the client goes away.
func (f *Feed) reader(c *client) {
	defer f.drop(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *Feed) writer(c *client) {
	defer f.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-c.send:
			if !ok {
				c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeDeadline))
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				level.Error(f.logger).Log("msg", "marshal failed", "err", err)
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				level.Debug(f.logger).Log("msg", "write failed", "id", c.id, "err", err)
				c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline)); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}

func (f *Feed) drop(c *client) {
	f.mu.Lock()
	delete(f.clients, c.id)
	f.mu.Unlock()
	c.close()
	level.Debug(f.logger).Log("msg", "client disconnected", "id", c.id)
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// Clients returns the number of connected clients.
func (f *Feed) Clients() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

// Close disconnects every client and refuses new ones.
func (f *Feed) Close() error {
	f.mu.Lock()
	f.closed = true
	clients := make([]*client, 0, len(f.clients))
	for _, c := range f.clients {
		clients = append(clients, c)
	}
	f.clients = make(map[string]*client)
	f.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	f.wg.Wait()
	for _, c := range clients {
		c.conn.Close()
	}
	return nil
}

// snapshotLocked returns the tracked instances in a stable order.
func (f *Feed) snapshotLocked() []Event {
	out := make([]Event, 0, len(f.snapshot))
	for _, ev := range f.snapshot {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Interface < out[j].Interface
	})
	return out
}

// broadcast queues ev for every client. Slow clients lose events rather
// than stalling the discovery loop.
func (f *Feed) broadcast(ev Event) {
	for id, c := range f.clients {
		select {
		case c.send <- ev:
		default:
			level.Warn(f.logger).Log("msg", "client send buffer full", "id", id, "type", ev.Type)
		}
	}
}

func keyEvent(typ string, key dnssd.ServiceKey, at time.Time) Event {
	return Event{
		Type:        typ,
		Time:        at,
		Name:        key.Name,
		ServiceType: key.Type,
		Domain:      key.Domain,
		Interface:   key.Interface,
		Protocol:    key.Protocol.String(),
	}
}

func (f *Feed) OnServiceDiscovered(key dnssd.ServiceKey, _ dnssd.BrowsedService) {
	ev := keyEvent(TypeDiscovered, key, f.now())
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshot[key] = ev
	f.broadcast(ev)
}

func (f *Feed) OnServiceRemoved(key dnssd.ServiceKey) {
	ev := keyEvent(TypeRemoved, key, f.now())
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.snapshot, key)
	f.broadcast(ev)
}

func (f *Feed) OnServiceResolved(key dnssd.ServiceKey, svc dnssd.ResolvedService, err error) {
	ev := keyEvent(TypeResolved, key, f.now())
	if err != nil {
		ev.Error = err.Error()
	} else {
		ev.Host = svc.HostName
		ev.Address = svc.Address.String()
		ev.Port = svc.Port
		ev.TXT = svc.TXT()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		if _, ok := f.snapshot[key]; ok {
			f.snapshot[key] = ev
		}
	}
	f.broadcast(ev)
}

func (f *Feed) OnBrowseStatus(status dnssd.BrowseStatus) {
	ev := Event{
		Type:        TypeStatus,
		Time:        f.now(),
		ServiceType: status.ServiceType,
		Domain:      status.Domain,
		Status:      status.Kind.String(),
	}
	if status.Err != nil {
		ev.Error = status.Err.Error()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast(ev)
}
