package server

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"gocv.io/x/gocv"

	"github.com/ayusman/drishti/internal/app"
)

const (
	// writeWait bounds a single write to a client.
	writeWait = 10 * time.Second
	// sendBuffer is how many events may queue for one client before it
	// is dropped as too slow.
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow local connections
	},
}

// progressClient is one WebSocket connection with its own send queue.
// Only writeLoop writes to conn.
type progressClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newProgressClient(conn *websocket.Conn) *progressClient {
	return &progressClient{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

// stop asks writeLoop to flush the queue and close the connection.
func (c *progressClient) stop() {
	c.once.Do(func() { close(c.done) })
}

func (c *progressClient) writeLoop() {
	defer c.conn.Close()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				log.Printf("websocket write error: %v", err)
				return
			}
		case <-c.done:
			for {
				select {
				case msg := <-c.send:
					if err := c.write(websocket.TextMessage, msg); err != nil {
						return
					}
				default:
					c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

func (c *progressClient) write(kind int, msg []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(kind, msg)
}

// ProgressHub broadcasts media loop progress to WebSocket clients,
// grouped by session. Publishing never waits on a client.
type ProgressHub struct {
	exists  func(id string) bool
	clients map[string]map[*progressClient]bool
	mu      sync.Mutex
}

// NewProgressHub creates a hub. exists reports whether a session is live.
func NewProgressHub(exists func(id string) bool) *ProgressHub {
	return &ProgressHub{
		exists:  exists,
		clients: make(map[string]map[*progressClient]bool),
	}
}

// ServeHTTP handles WebSocket upgrade requests for /api/sessions/{id}/progress.
func (h *ProgressHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.exists(id) {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}

	c := newProgressClient(conn)
	h.add(id, c)
	go c.writeLoop()

	defer func() {
		h.remove(id, c)
		c.stop()
	}()

	// Read until the client goes away or writeLoop closes the connection.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// Publish queues p for every client of p.SessionID. A client whose
// queue is full is dropped.
func (h *ProgressHub) Publish(p app.Progress) {
	msg, err := json.Marshal(p)
	if err != nil {
		log.Printf("encode progress: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	clients := h.clients[p.SessionID]
	for c := range clients {
		select {
		case c.send <- msg:
		default:
			log.Printf("Dropping slow progress client of session %s", p.SessionID)
			delete(clients, c)
			c.stop()
		}
	}
	if clients != nil && len(clients) == 0 {
		delete(h.clients, p.SessionID)
	}
}

// Observer returns an app.Observer publishing progress for session id.
func (h *ProgressHub) Observer(id string) app.Observer {
	return app.ObserverFunc(func(p app.Progress, _ *gocv.Mat) {
		p.SessionID = id
		h.Publish(p)
	})
}

// Clients returns the number of clients watching session id.
func (h *ProgressHub) Clients(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[id])
}

// Close disconnects every client of session id once its queued
// events are sent.
func (h *ProgressHub) Close(id string) {
	h.mu.Lock()
	clients := h.clients[id]
	delete(h.clients, id)
	h.mu.Unlock()

	for c := range clients {
		c.stop()
	}
}

// CloseAll disconnects every client.
func (h *ProgressHub) CloseAll() {
	h.mu.Lock()
	all := h.clients
	h.clients = make(map[string]map[*progressClient]bool)
	h.mu.Unlock()

	for _, clients := range all {
		for c := range clients {
			c.stop()
		}
	}
}

func (h *ProgressHub) add(id string, c *progressClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[id] == nil {
		h.clients[id] = make(map[*progressClient]bool)
	}
	h.clients[id][c] = true
}

func (h *ProgressHub) remove(id string, c *progressClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients[id], c)
	if len(h.clients[id]) == 0 {
		delete(h.clients, id)
	}
}
