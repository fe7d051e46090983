// Package stream is the realtime edge: a gorilla/websocket endpoint and a
// socket.io bridge, both fed by the tenant-scoped event bus. A session only
// ever sees its own organization's events.
package stream

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/umbrix/backend/internal/events"
	"github.com/umbrix/backend/internal/metrics"
	"github.com/umbrix/backend/internal/multitenancy"
)

const (
	defaultPingPeriod = 30 * time.Second
	writeWait         = 10 * time.Second
	maxMsgSize        = 4096 // clients only send control frames and filters
)

// Subscriber is the bus surface the hub needs. Both the local bus and the
// Redis-bridged bus satisfy it.
type Subscriber interface {
	Subscribe(organizationID string, kinds ...events.Kind) *events.Subscription
	Unsubscribe(s *events.Subscription)
}

// Options tunes the websocket edge.
type Options struct {
	// AllowedOrigins is the browser origin allowlist. Empty allows only
	// same-host requests; entries are exact matches, "*" disables the check.
	AllowedOrigins []string
	PingPeriod     time.Duration
}

// Hub upgrades authenticated requests and pumps the tenant's event stream
// to each session. All writes to a connection happen on its write pump.
type Hub struct {
	bus        Subscriber
	upgrader   websocket.Upgrader
	pingPeriod time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu       sync.Mutex
	sessions map[*session]struct{}
}

func NewHub(bus Subscriber, opts Options) *Hub {
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = defaultPingPeriod
	}
	h := &Hub{
		bus:        bus,
		pingPeriod: opts.PingPeriod,
		logger:     slog.Default().With("component", "stream"),
		metrics:    metrics.Default(),
		sessions:   make(map[*session]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin(opts.AllowedOrigins),
	}
	return h
}

func checkOrigin(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	wildcard := false
	for _, o := range allowed {
		if o == "*" {
			wildcard = true
		}
		set[strings.TrimSpace(o)] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || wildcard {
			return true
		}
		if set[origin] {
			return true
		}
		// No allowlist configured: fall back to same-host.
		if len(set) == 0 {
			return strings.Contains(origin, r.Host)
		}
		return false
	}
}

// ServeHTTP handles GET /ws. Authentication has already run: the tenant is
// taken from the request context, never from client input.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	organizationID, err := multitenancy.GetOrganizationID(r.Context())
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	kinds := parseKinds(r.URL.Query().Get("kinds"))
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "org", organizationID, "error", err)
		return
	}

	sub := h.bus.Subscribe(organizationID, kinds...)
	s := &session{
		hub:  h,
		conn: conn,
		sub:  sub,
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
	h.metrics.RealtimeSessions.WithLabelValues("websocket").Inc()
	h.logger.Info("websocket session opened", "org", organizationID, "kinds", len(kinds))

	go s.writePump(h.pingPeriod)
	go s.readPump()
}

// Close tears down every open session.
func (h *Hub) Close() {
	h.mu.Lock()
	open := make([]*session, 0, len(h.sessions))
	for s := range h.sessions {
		open = append(open, s)
	}
	h.mu.Unlock()
	for _, s := range open {
		s.close()
	}
}

// SessionCount reports open sessions, for the stats endpoint.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func parseKinds(raw string) []events.Kind {
	if raw == "" {
		return nil
	}
	var kinds []events.Kind
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			kinds = append(kinds, events.Kind(k))
		}
	}
	return kinds
}

type session struct {
	hub  *Hub
	conn *websocket.Conn
	sub  *events.Subscription
	done chan struct{}
	once sync.Once
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		s.hub.bus.Unsubscribe(s.sub)
		s.conn.Close()

		s.hub.mu.Lock()
		delete(s.hub.sessions, s)
		s.hub.mu.Unlock()
		s.hub.metrics.RealtimeSessions.WithLabelValues("websocket").Dec()
	})
}

// writePump owns every write on the connection: events, pings, close.
func (s *session) writePump(pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case event, ok := <-s.sub.Events():
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := event.JSON()
			if err != nil {
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// readPump is the only reader; the stream is server-to-client, so inbound
// frames are drained solely to service pongs and detect the close.
func (s *session) readPump() {
	defer s.close()

	s.conn.SetReadLimit(maxMsgSize)
	s.conn.SetReadDeadline(time.Now().Add(2 * s.hub.pingPeriod))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(2 * s.hub.pingPeriod))
		return nil
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}
