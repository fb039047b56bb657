// Package wsapi implements the WebSocket broadcaster: authenticated
// per-account client connections, on-connect snapshot replay, ping/pong
// liveness, and non-blocking fan-out of portfolio_updates to every socket
// registered for the matching account. A hub-and-client pair with
// register/unregister channels keeps the connection registry single
// writer, keyed per account_id rather than one global broadcast set.
package wsapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/portfolio-management/portfolio-core/internal/auth"
	"github.com/portfolio-management/portfolio-core/internal/bus"
	"github.com/portfolio-management/portfolio-core/internal/cache"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512

	closeAuthFailure   = 1008
	closeInternalError = 1011
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type client struct {
	id        string
	accountID string
	conn      *websocket.Conn
	send      chan []byte
}

// Hub owns the per-account client registry and the single process-wide
// portfolio_updates subscriber. Adding/removing clients is message-passed
// through register/unregister channels so the map has a single writer, per
// "Ownership of connection pools" design note.
type Hub struct {
	store      *cache.Store
	verifier   *auth.Verifier
	ownership  auth.AccountOwnership
	b          bus.Bus
	logger     *zap.Logger

	register   chan *client
	unregister chan *client

	mu          sync.RWMutex
	connections map[string]map[*client]bool
}

func NewHub(store *cache.Store, verifier *auth.Verifier, ownership auth.AccountOwnership, b bus.Bus, logger *zap.Logger) *Hub {
	return &Hub{
		store:       store,
		verifier:    verifier,
		ownership:   ownership,
		b:           b,
		logger:      logger,
		register:    make(chan *client),
		unregister:  make(chan *client),
		connections: make(map[string]map[*client]bool),
	}
}

// Run owns the registry and the portfolio_updates fan-out. It is the work
// task handed to the leader.Elector for the "websocket-broadcaster"
// service — each replica runs its own Hub, but only the leader's HTTP
// listener should be fronted by the load balancer in a real deployment.
func (h *Hub) Run(ctx context.Context) {
	sub, err := h.b.SubscribePortfolioUpdates(h.dispatch)
	if err != nil {
		h.logger.Error("wsapi: failed to subscribe to portfolio_updates", zap.Error(err))
		return
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.mu.Lock()
			if h.connections[c.accountID] == nil {
				h.connections[c.accountID] = make(map[*client]bool)
			}
			h.connections[c.accountID][c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if set, ok := h.connections[c.accountID]; ok {
				if _, ok := set[c]; ok {
					delete(set, c)
					close(c.send)
				}
				if len(set) == 0 {
					delete(h.connections, c.accountID)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) dispatch(update bus.PortfolioUpdate) {
	payload, err := json.Marshal(update)
	if err != nil {
		h.logger.Warn("wsapi: failed to marshal portfolio update", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.connections[update.AccountID] {
		select {
		case c.send <- payload:
		default:
			// Slow consumer: drop rather than block the publisher, per
			// non-blocking broadcast semantics.
			h.logger.Warn("wsapi: dropping update for slow consumer", zap.String("client_id", c.id))
		}
	}
}

// ConnectionCount and DistinctAccountCount back the /health endpoint.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, set := range h.connections {
		total += len(set)
	}
	return total
}

func (h *Hub) DistinctAccountCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// ServeHTTP upgrades /ws/portfolio/{account_id} connections: verifies the
// bearer token and account ownership, registers the client, replays the
// cached last_portfolio snapshot, and spawns the read/write pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request, accountID string) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}

	userID, err := auth.Authorize(r.Context(), h.verifier, h.ownership, token, accountID)
	if err != nil {
		conn, upErr := upgrader.Upgrade(w, r, nil)
		if upErr != nil {
			http.Error(w, "upgrade failed", http.StatusBadRequest)
			return
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeAuthFailure, err.Error()), time.Now().Add(writeWait))
		conn.Close()
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("wsapi: upgrade failed", zap.Error(err))
		return
	}

	c := &client{id: userID + ":" + accountID, accountID: accountID, conn: conn, send: make(chan []byte, 16)}
	h.register <- c

	h.sendInitialSnapshot(c)

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) sendInitialSnapshot(c *client) {
	raw, err := h.store.GetLastPortfolio(context.Background(), c.accountID)
	if err != nil {
		return
	}
	select {
	case c.send <- raw:
	default:
	}
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if strings.TrimSpace(string(message)) == "ping" {
			select {
			case c.send <- []byte("pong"):
			default:
			}
		}
		// All other inbound text is ignored.
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return ""
}
