package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/cairn-db/cairn/pkg/config"
	"github.com/cairn-db/cairn/pkg/record"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// No Origin header = non-browser client (curl, tooling).
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  config.WSReadBufferSize,
	WriteBufferSize: config.WSWriteBufferSize,
}

// WatchHub manages WebSocket connections for the live append feed on
// /v1/watch. Each accepted batch is broadcast to every connected
// client as one event.
type WatchHub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte
	mu         sync.RWMutex
	log        zerolog.Logger
}

// NewWatchHub creates a hub.
func NewWatchHub(log zerolog.Logger) *WatchHub {
	return &WatchHub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn, config.WSChannelBuffer),
		unregister: make(chan *websocket.Conn, config.WSChannelBuffer),
		broadcast:  make(chan []byte, config.WSBroadcastBuffer),
		log:        log.With().Str("component", "watch").Logger(),
	}
}

// Run drives the hub until the context is cancelled.
func (h *WatchHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
			}
			h.mu.Unlock()
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Debug().Int("clients", count).Msg("watch client connected")
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Debug().Int("clients", count).Msg("watch client disconnected")
		case message := <-h.broadcast:
			h.mu.RLock()
			var failed []*websocket.Conn
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()

			// Unregister failed connections without holding the lock.
			for _, conn := range failed {
				h.unregister <- conn
			}
		}
	}
}

// appendEvent is what watch clients receive per accepted batch.
type appendEvent struct {
	Type      string   `json:"type"`
	Timestamp int64    `json:"timestamp"`
	Count     int      `json:"count"`
	Partition []string `json:"partitions"`
	IDs       []string `json:"ids"`
}

// BroadcastAppend notifies watchers about an accepted batch. When the
// channel is full the event is dropped rather than blocking ingestion.
func (h *WatchHub) BroadcastAppend(recs []record.Record) {
	partitions := make([]string, 0, len(recs))
	seen := make(map[string]struct{}, len(recs))
	ids := make([]string, len(recs))
	for i, rec := range recs {
		ids[i] = rec.ID
		if _, ok := seen[rec.Partition]; !ok {
			seen[rec.Partition] = struct{}{}
			partitions = append(partitions, rec.Partition)
		}
	}

	message, err := json.Marshal(appendEvent{
		Type:      "append",
		Timestamp: time.Now().Unix(),
		Count:     len(recs),
		Partition: partitions,
		IDs:       ids,
	})
	if err != nil {
		return
	}

	select {
	case h.broadcast <- message:
	default:
		h.log.Debug().Msg("watch broadcast channel full, dropping event")
	}
}

// HasClients reports whether anyone is watching.
func (h *WatchHub) HasClients() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) > 0
}

// HandleWatch upgrades the connection and keeps it registered until
// the client goes away.
func (h *Handler) HandleWatch(hub *WatchHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}

		hub.register <- conn

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Keepalive pings.
		go func() {
			ticker := time.NewTicker(config.WSPingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
					if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
						return
					}
				}
			}
		}()

		defer func() {
			cancel()
			hub.unregister <- conn
		}()

		conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
			return nil
		})

		// Read loop only services control frames and detects close.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					h.log.Debug().Err(err).Msg("watch connection error")
				}
				break
			}
		}
	}
}
