package stream

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	socketio "github.com/googollee/go-socket.io"

	"github.com/umbrix/backend/internal/events"
	"github.com/umbrix/backend/internal/metrics"
)

// Authenticator resolves the tenant behind a gateway handshake. Returning
// an error rejects the connection.
type Authenticator func(r *http.Request) (organizationID string, err error)

// SocketIOBridge serves the browser-facing socket.io surface. Each accepted
// connection joins its tenant's room; bus events broadcast as "event"
// messages to that room only. The bridge is fed by the same bus interface
// as the websocket hub, so a Redis-bridged bus makes the gateway
// horizontally scalable.
type SocketIOBridge struct {
	server *socketio.Server
	bus    Subscriber
	auth   Authenticator
	logger *slog.Logger
	metric *metrics.Metrics

	// broadcast is swappable in tests.
	broadcast func(room, event, payload string)

	mu      sync.Mutex
	tenants map[string]*tenantFeed
}

type tenantFeed struct {
	sub  *events.Subscription
	refs int
	done chan struct{}
}

func NewSocketIOBridge(bus Subscriber, auth Authenticator) *SocketIOBridge {
	server := socketio.NewServer(nil)
	b := &SocketIOBridge{
		server:  server,
		bus:     bus,
		auth:    auth,
		logger:  slog.Default().With("component", "stream", "transport", "socketio"),
		metric:  metrics.Default(),
		tenants: make(map[string]*tenantFeed),
	}
	b.broadcast = func(room, event, payload string) {
		server.BroadcastToRoom("/", room, event, payload)
	}

	server.OnConnect("/", b.onConnect)
	server.OnDisconnect("/", b.onDisconnect)
	server.OnError("/", func(_ socketio.Conn, err error) {
		b.logger.Warn("socketio error", "error", err)
	})
	return b
}

// Handler exposes the socket.io endpoint; Serve starts the event loop.
func (b *SocketIOBridge) Handler() http.Handler { return b.server }
func (b *SocketIOBridge) Serve() error          { return b.server.Serve() }

func (b *SocketIOBridge) onConnect(c socketio.Conn) error {
	r := &http.Request{Header: c.RemoteHeader()}
	u := c.URL()
	r.URL = &u
	organizationID, err := b.auth(r)
	if err != nil {
		return fmt.Errorf("handshake rejected: %w", err)
	}

	c.SetContext(organizationID)
	c.Join(roomOf(organizationID))
	b.attachTenant(organizationID)
	b.metric.RealtimeSessions.WithLabelValues("socketio").Inc()
	b.logger.Info("socketio session opened", "org", organizationID)
	return nil
}

func (b *SocketIOBridge) onDisconnect(c socketio.Conn, _ string) {
	organizationID, _ := c.Context().(string)
	if organizationID == "" {
		return
	}
	b.detachTenant(organizationID)
	b.metric.RealtimeSessions.WithLabelValues("socketio").Dec()
}

func roomOf(organizationID string) string { return "org:" + organizationID }

// attachTenant opens the tenant's bus feed on first join and pumps events
// into the room until the last member leaves.
func (b *SocketIOBridge) attachTenant(organizationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if feed, ok := b.tenants[organizationID]; ok {
		feed.refs++
		return
	}
	feed := &tenantFeed{
		sub:  b.bus.Subscribe(organizationID),
		refs: 1,
		done: make(chan struct{}),
	}
	b.tenants[organizationID] = feed

	go func() {
		for {
			select {
			case event, ok := <-feed.sub.Events():
				if !ok {
					return
				}
				payload, err := event.JSON()
				if err != nil {
					continue
				}
				b.broadcast(roomOf(organizationID), "event", string(payload))
			case <-feed.done:
				return
			}
		}
	}()
}

func (b *SocketIOBridge) detachTenant(organizationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	feed, ok := b.tenants[organizationID]
	if !ok {
		return
	}
	feed.refs--
	if feed.refs > 0 {
		return
	}
	delete(b.tenants, organizationID)
	close(feed.done)
	b.bus.Unsubscribe(feed.sub)
}

// Close stops every feed and the socket.io server.
func (b *SocketIOBridge) Close() error {
	b.mu.Lock()
	for org, feed := range b.tenants {
		close(feed.done)
		b.bus.Unsubscribe(feed.sub)
		delete(b.tenants, org)
	}
	b.mu.Unlock()
	return b.server.Close()
}
