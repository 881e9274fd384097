// Package wsapi exposes the hub's WebSocket surface over the State
// Machine, per spec §6: auth handshake, subscribe_events, get_states,
// ping. Each connection gets its own goroutine pair (a reader and the
// State Machine event bridge), mirroring applications/httpapi's
// per-request handler style but long-lived for the connection.
package wsapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hearthctl/hub/domain/entity"
)

// StateMachine is the subset of internal/statemachine.Store the
// WebSocket surface depends on.
type StateMachine interface {
	GetAll() []entity.State
	Subscribe() EventReceiver
}

// EventReceiver matches internal/statemachine.EventReceiver's shape
// without importing the concrete type.
type EventReceiver interface {
	Events() <-chan entity.ChangedEvent
	Close()
}

type inMessage struct {
	ID          int    `json:"id,omitempty"`
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// Handler upgrades HTTP connections and serves the auth_required/auth/
// auth_ok handshake followed by subscribe_events/get_states/ping.
type Handler struct {
	sm       StateMachine
	token    string
	upgrader websocket.Upgrader
}

// NewHandler builds a Handler. An empty token runs the handshake in open
// mode, always accepting auth per §6.
func NewHandler(sm StateMachine, token string) *Handler {
	return &Handler{
		sm:    sm,
		token: token,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	newConnection(h, conn).run()
}

type connection struct {
	h    *Handler
	conn *websocket.Conn

	writeMu sync.Mutex

	subscribed bool
	recv       EventReceiver
	stopEvents chan struct{}
}

func newConnection(h *Handler, conn *websocket.Conn) *connection {
	return &connection{h: h, conn: conn, stopEvents: make(chan struct{})}
}

func (c *connection) run() {
	defer c.conn.Close()
	defer c.stopEventBridge()

	if !c.send(map[string]any{"type": "auth_required"}) {
		return
	}
	if !c.awaitAuth() {
		return
	}

	for {
		var msg inMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case "subscribe_events":
			c.startEventBridge(msg.ID)
		case "get_states":
			c.send(map[string]any{"id": msg.ID, "type": "result", "success": true, "result": c.h.sm.GetAll()})
		case "ping":
			c.send(map[string]any{"id": msg.ID, "type": "pong"})
		default:
			c.send(map[string]any{"id": msg.ID, "type": "result", "success": false, "error": map[string]any{"message": "unknown message type"}})
		}
	}
}

// awaitAuth reads exactly one `auth` message and replies auth_ok,
// accepting unconditionally when the hub runs in open mode (empty
// token), per §6 ("always accepting in open mode").
func (c *connection) awaitAuth() bool {
	var msg inMessage
	if err := c.conn.ReadJSON(&msg); err != nil {
		return false
	}
	if c.h.token != "" && msg.AccessToken != c.h.token {
		c.send(map[string]any{"type": "auth_invalid", "message": "invalid access token"})
		return false
	}
	return c.send(map[string]any{"type": "auth_ok"})
}

func (c *connection) startEventBridge(subID int) {
	if c.subscribed {
		return
	}
	c.subscribed = true
	c.recv = c.h.sm.Subscribe()

	go func() {
		defer c.recv.Close()
		for {
			select {
			case <-c.stopEvents:
				return
			case evt, ok := <-c.recv.Events():
				if !ok {
					return
				}
				c.send(map[string]any{
					"id":   subID,
					"type": "event",
					"event": map[string]any{
						"event_type": "state_changed",
						"data": map[string]any{
							"entity_id": evt.EntityID,
							"old_state": evt.OldState,
							"new_state": evt.NewState,
						},
						"time_fired": evt.FiredAt.Format(time.RFC3339),
					},
				})
			}
		}
	}()
}

func (c *connection) stopEventBridge() {
	if c.subscribed {
		close(c.stopEvents)
	}
}

// send serializes and writes v, serializing concurrent writers since the
// event bridge goroutine and the read loop's replies both write to the
// same connection.
func (c *connection) send(v any) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return c.conn.WriteMessage(websocket.TextMessage, data) == nil
}
