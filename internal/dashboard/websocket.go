package dashboard

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lanmesh/hub/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard serves the LAN only.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newListener(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// wsClient is one connected dashboard. Outbound frames queue on Send; a
// slow client is disconnected rather than backing up the broadcaster.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func (c *wsClient) writePump(hub *wsHub) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

func (c *wsClient) readPump(hub *wsHub) {
	defer func() {
		select {
		case hub.unregister <- c:
		case <-hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		// Inbound frames are ignored; the stream is one-way.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// wsHub fans hub events out to all connected dashboard sockets.
type wsHub struct {
	bus        *events.Bus
	clients    map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	stopOnce   sync.Once
	logger     *log.Logger
}

func newWSHub(bus *events.Bus) *wsHub {
	return &wsHub{
		bus:        bus,
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		logger:     log.New(log.Writer(), "[DASHBOARD] ", log.LstdFlags),
	}
}

func (h *wsHub) start() {
	var eventCh chan *events.Event
	if h.bus != nil {
		eventCh = h.bus.Subscribe()
	}
	go h.run(eventCh)
}

func (h *wsHub) stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *wsHub) run(eventCh chan *events.Event) {
	for {
		select {
		case <-h.done:
			for client := range h.clients {
				close(client.send)
			}
			if eventCh != nil && h.bus != nil {
				h.bus.Unsubscribe(eventCh)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
		case client := <-h.unregister:
			if h.clients[client] {
				delete(h.clients, client)
				close(client.send)
			}
		case event, ok := <-eventCh:
			if !ok {
				eventCh = nil
				continue
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					delete(h.clients, client)
					close(client.send)
				}
			}
		}
	}
}

func (h *wsHub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("⚠️  websocket upgrade: %v", err)
		return
	}
	client := &wsClient{conn: conn, send: make(chan []byte, 64)}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}
	go client.writePump(h)
	go client.readPump(h)
}
