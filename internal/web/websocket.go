package web

// websocket.go streams engine events to connected clients. Each client may
// narrow the stream with ?types=a,b,c and ?operationId= query parameters;
// without them every event is delivered.

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/JonMunkholm/bulkops/internal/engine"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// The API is bearer-style (X-API-Key), not cookie-authenticated,
		// so cross-origin socket opens carry no ambient credentials.
		return true
	},
}

// streamClient is one connected event consumer.
type streamClient struct {
	conn        *websocket.Conn
	types       map[engine.EventType]bool
	operationID string
}

// wants reports whether the client subscribed to the event.
func (c *streamClient) wants(evt engine.Event) bool {
	if c.operationID != "" && evt.OperationID != c.operationID {
		return false
	}
	return len(c.types) == 0 || c.types[evt.Type]
}

// eventHub fans engine events out to websocket clients.
type eventHub struct {
	mu      sync.Mutex
	clients map[*streamClient]bool
}

func newEventHub() *eventHub {
	return &eventHub{clients: make(map[*streamClient]bool)}
}

// add registers a client and starts its read loop. The read loop exists
// only to detect disconnects; inbound messages are discarded.
func (h *eventHub) add(client *streamClient) {
	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()

	slog.Debug("event stream client connected", "clients", total)

	go func() {
		defer h.remove(client)
		for {
			if _, _, err := client.conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// remove drops a client and closes its connection.
func (h *eventHub) remove(client *streamClient) {
	h.mu.Lock()
	delete(h.clients, client)
	total := len(h.clients)
	h.mu.Unlock()

	client.conn.Close()
	slog.Debug("event stream client disconnected", "clients", total)
}

// broadcast delivers one engine event to every subscribed client.
// Clients whose write fails are dropped.
func (h *eventHub) broadcast(evt engine.Event) {
	h.mu.Lock()
	var failed []*streamClient
	for client := range h.clients {
		if !client.wants(evt) {
			continue
		}
		if err := client.conn.WriteJSON(evt); err != nil {
			failed = append(failed, client)
		}
	}
	for _, client := range failed {
		delete(h.clients, client)
	}
	h.mu.Unlock()

	for _, client := range failed {
		client.conn.Close()
	}
}

// clientCount returns the number of connected clients.
func (h *eventHub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// closeAll disconnects every client, used during shutdown.
func (h *eventHub) closeAll() {
	h.mu.Lock()
	clients := make([]*streamClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*streamClient]bool)
	h.mu.Unlock()

	for _, client := range clients {
		client.conn.Close()
	}
}

// handleEvents upgrades the connection and attaches it to the hub.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &streamClient{
		conn:        conn,
		operationID: r.URL.Query().Get("operationId"),
	}
	if raw := r.URL.Query().Get("types"); raw != "" {
		client.types = make(map[engine.EventType]bool)
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				client.types[engine.EventType(t)] = true
			}
		}
	}
	s.hub.add(client)
}
