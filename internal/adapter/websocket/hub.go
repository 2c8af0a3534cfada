// Package websocket streams session status snapshots to browsers over gorilla/websocket.
package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codesabhinav/whatsapp-me/internal/adapter/metrics"
	"github.com/codesabhinav/whatsapp-me/internal/domain"
	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	maxClientsPerUser = 20
	clientBufferSize  = 16
	writeWait         = 5 * time.Second
)

// ErrHubStopped is returned by Register after Stop.
var ErrHubStopped = errors.New("websocket hub stopped")

// --- Command types ---

type hubCmd interface{ hubCmd() }

type cmdRegister struct {
	userID string
	conn   *ws.Conn
	errCh  chan error
}

func (cmdRegister) hubCmd() {}

type cmdUnregister struct {
	userID string
	conn   *ws.Conn
}

func (cmdUnregister) hubCmd() {}

type cmdPublish struct {
	status  domain.SessionStatus
	removed bool
}

func (cmdPublish) hubCmd() {}

type cmdGetClientCount struct {
	userID  string
	replyCh chan int
}

func (cmdGetClientCount) hubCmd() {}

// --- Per-connection writer ---

type clientWriter struct {
	conn   *ws.Conn
	clock  clockwork.Clock
	sendCh chan []byte
	done   chan struct{}
}

func newClientWriter(conn *ws.Conn, clock clockwork.Clock) *clientWriter {
	cw := &clientWriter{
		conn:   conn,
		clock:  clock,
		sendCh: make(chan []byte, clientBufferSize),
		done:   make(chan struct{}),
	}
	go cw.run()
	return cw
}

func (cw *clientWriter) run() {
	for {
		select {
		case msg := <-cw.sendCh:
			_ = cw.conn.SetWriteDeadline(cw.clock.Now().Add(writeWait))
			if err := cw.conn.WriteMessage(ws.TextMessage, msg); err != nil {
				return
			}
		case <-cw.done:
			return
		}
	}
}

func (cw *clientWriter) stop() {
	close(cw.done)
	_ = cw.conn.Close()
}

// --- Hub ---

var _ domain.SessionObserver = (*Hub)(nil)

// Hub owns every status stream connection from a single goroutine. It doubles as a
// registry observer: each state change is pushed to the user's connections, and a newly
// registered connection immediately receives the latest known status.
type Hub struct {
	cmdCh    chan hubCmd
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	clock    clockwork.Clock
	metrics  *metrics.WebSocketMetrics

	clients map[string]map[*ws.Conn]*clientWriter
	last    map[string][]byte
}

// NewHub starts the hub goroutine. m may be nil.
func NewHub(clock clockwork.Clock, m *metrics.WebSocketMetrics) *Hub {
	h := &Hub{
		cmdCh:   make(chan hubCmd, 256),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		clock:   clock,
		metrics: m,
		clients: make(map[string]map[*ws.Conn]*clientWriter),
		last:    make(map[string][]byte),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	defer close(h.stopped)
	for {
		select {
		case cmd := <-h.cmdCh:
			switch c := cmd.(type) {
			case cmdRegister:
				h.handleRegister(c)
			case cmdUnregister:
				h.handleUnregister(c.userID, c.conn)
			case cmdPublish:
				h.handlePublish(c)
			case cmdGetClientCount:
				c.replyCh <- len(h.clients[c.userID])
			}
		case <-h.done:
			h.handleStop()
			return
		}
	}
}

func (h *Hub) handleRegister(c cmdRegister) {
	clients, exists := h.clients[c.userID]
	if !exists {
		clients = make(map[*ws.Conn]*clientWriter)
		h.clients[c.userID] = clients
	}

	if len(clients) >= maxClientsPerUser {
		slog.Warn("Rejecting status stream client", "user_id", c.userID, "max_clients", maxClientsPerUser)
		_ = c.conn.Close()
		c.errCh <- fmt.Errorf("max clients per user (%d) reached", maxClientsPerUser)
		return
	}

	cw := newClientWriter(c.conn, h.clock)
	clients[c.conn] = cw
	if h.metrics != nil {
		h.metrics.ActiveConnections.Inc()
	}
	if data, ok := h.last[c.userID]; ok {
		h.deliver(cw, data)
	}
	slog.Debug("Status stream client registered", "user_id", c.userID, "clients", len(clients))
	c.errCh <- nil
}

func (h *Hub) handleUnregister(userID string, conn *ws.Conn) {
	clients, exists := h.clients[userID]
	if !exists {
		return
	}
	cw, exists := clients[conn]
	if !exists {
		return
	}

	cw.stop()
	delete(clients, conn)
	if h.metrics != nil {
		h.metrics.ActiveConnections.Dec()
	}

	if len(clients) == 0 {
		delete(h.clients, userID)
	}
	slog.Debug("Status stream client unregistered", "user_id", userID, "remaining", len(clients))
}

func (h *Hub) handlePublish(c cmdPublish) {
	data, err := json.Marshal(c.status)
	if err != nil {
		slog.Error("Failed to marshal session status", "user_id", c.status.UserID, "error", err)
		return
	}

	userID := c.status.UserID
	if c.removed {
		delete(h.last, userID)
	} else {
		h.last[userID] = data
	}

	var slow []*ws.Conn
	for conn, cw := range h.clients[userID] {
		if !h.deliver(cw, data) {
			slow = append(slow, conn)
		}
	}

	for _, conn := range slow {
		slog.Warn("Disconnecting slow status stream client", "user_id", userID)
		if h.metrics != nil {
			h.metrics.SlowClientsEvicted.Inc()
		}
		h.handleUnregister(userID, conn)
	}
}

func (h *Hub) deliver(cw *clientWriter, data []byte) bool {
	select {
	case cw.sendCh <- data:
		if h.metrics != nil {
			h.metrics.MessagesPublished.Inc()
		}
		return true
	default:
		return false
	}
}

func (h *Hub) handleStop() {
	for userID, clients := range h.clients {
		for conn, cw := range clients {
			cw.stop()
			delete(clients, conn)
			if h.metrics != nil {
				h.metrics.ActiveConnections.Dec()
			}
		}
		delete(h.clients, userID)
	}
	for {
		select {
		case cmd := <-h.cmdCh:
			if c, ok := cmd.(cmdRegister); ok {
				_ = c.conn.Close()
				c.errCh <- ErrHubStopped
			}
		default:
			return
		}
	}
}

func (h *Hub) send(cmd hubCmd) bool {
	select {
	case h.cmdCh <- cmd:
		return true
	case <-h.done:
		return false
	}
}

// --- Public API ---

// Register attaches conn to userID's stream. The hub owns conn from here on and closes
// it on Unregister, eviction or Stop.
func (h *Hub) Register(userID string, conn *ws.Conn) error {
	errCh := make(chan error, 1)
	if !h.send(cmdRegister{userID: userID, conn: conn, errCh: errCh}) {
		_ = conn.Close()
		return ErrHubStopped
	}
	select {
	case err := <-errCh:
		return err
	case <-h.stopped:
		select {
		case err := <-errCh:
			return err
		default:
			_ = conn.Close()
			return ErrHubStopped
		}
	}
}

func (h *Hub) Unregister(userID string, conn *ws.Conn) {
	h.send(cmdUnregister{userID: userID, conn: conn})
}

// Serve registers conn and blocks reading from it until the peer goes away. Inbound
// messages are discarded; reading is only needed to notice close frames.
func (h *Hub) Serve(userID string, conn *ws.Conn) error {
	if err := h.Register(userID, conn); err != nil {
		return err
	}
	defer h.Unregister(userID, conn)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return nil
		}
	}
}

// SessionChanged queues a status push without blocking the caller; the update is
// dropped when the hub is saturated.
func (h *Hub) SessionChanged(s domain.Session) {
	h.offer(cmdPublish{status: s.Status()})
}

func (h *Hub) SessionRemoved(userID string) {
	h.offer(cmdPublish{status: domain.RemovedStatus(userID, h.clock.Now()), removed: true})
}

func (h *Hub) offer(c cmdPublish) {
	select {
	case h.cmdCh <- c:
	case <-h.done:
	default:
		slog.Warn("Websocket hub saturated, dropping status update", "user_id", c.status.UserID)
	}
}

func (h *Hub) ClientCount(userID string) int {
	replyCh := make(chan int, 1)
	if !h.send(cmdGetClientCount{userID: userID, replyCh: replyCh}) {
		return 0
	}
	select {
	case n := <-replyCh:
		return n
	case <-h.stopped:
		return 0
	}
}

// Stop closes every connection and waits for the hub goroutine to exit. It is safe to
// call more than once.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
	<-h.stopped
}
