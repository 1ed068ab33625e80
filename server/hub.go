package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/chaos-io/megaphototool/pipeline"
	"github.com/gorilla/websocket"
)

const (
	writeWait = 5 * time.Second
	// events queued per client before it counts as stalled and is dropped
	sendBuffer = 16
)

// stateEvent is the websocket message sent for every pipeline transition.
type stateEvent struct {
	State pipeline.State `json:"state"`
	At    time.Time      `json:"at"`
}

// client is one websocket connection with its own outgoing queue.
// Only its writer goroutine writes data frames to conn.
type client struct {
	conn *websocket.Conn
	send chan stateEvent

	// close frame sent once send is closed
	closeCode int
	closeText string
}

// hub fans pipeline transitions out to the websocket clients of one session.
// broadcast never touches the network, so a stalled client cannot hold up a run.
type hub struct {
	log *slog.Logger

	clients   map[*websocket.Conn]*client
	clientsMu sync.Mutex
}

func newHub(logger *slog.Logger) *hub {
	return &hub{
		log:     logger,
		clients: make(map[*websocket.Conn]*client),
	}
}

// join queues the current state for conn, registers it for later transitions
// and starts its writer.
func (h *hub) join(conn *websocket.Conn, current stateEvent) {
	c := &client{conn: conn, send: make(chan stateEvent, sendBuffer)}
	c.send <- current

	h.clientsMu.Lock()
	h.clients[conn] = c
	h.clientsMu.Unlock()

	go h.writeLoop(c)
}

func (h *hub) writeLoop(c *client) {
	defer c.conn.Close()
	for ev := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(ev); err != nil {
			h.log.Warn("failed to send state event", "err", err)
			h.drop(c.conn, 0, "")
			return
		}
	}
	if c.closeCode != 0 {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(c.closeCode, c.closeText),
			time.Now().Add(writeWait))
	}
}

// drop unregisters conn and ends its writer. Callers hold no lock.
func (h *hub) drop(conn *websocket.Conn, code int, text string) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	h.dropLocked(conn, code, text)
}

func (h *hub) dropLocked(conn *websocket.Conn, code int, text string) {
	c, ok := h.clients[conn]
	if !ok {
		return
	}
	delete(h.clients, conn)
	c.closeCode, c.closeText = code, text
	close(c.send)
}

// remove is called once the peer has gone away.
func (h *hub) remove(conn *websocket.Conn) {
	h.drop(conn, 0, "")
}

func (h *hub) broadcast(t pipeline.Transition) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()

	msg := stateEvent{State: t.To, At: t.At}
	for conn, c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.log.Warn("dropping stalled websocket client", "state", t.To)
			h.dropLocked(conn, websocket.CloseTryAgainLater, "client too slow")
		}
	}
}

func (h *hub) size() int {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	return len(h.clients)
}

func (h *hub) close() {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	for conn := range h.clients {
		h.dropLocked(conn, websocket.CloseGoingAway, "session closed")
	}
}
