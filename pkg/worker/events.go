package worker

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/kunal/caffe-serving/pkg/serving"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const writeWait = time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Broadcaster pushes session events to connected websocket clients.
type Broadcaster struct {
	log     *zap.SugaredLogger
	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

func NewBroadcaster(logger *zap.SugaredLogger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Broadcaster{
		log:     logger,
		clients: make(map[*websocket.Conn]bool),
	}
}

// HandleWS upgrades /events requests.
func (b *Broadcaster) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warnw("WebSocket upgrade failed", "error", err)
		return
	}

	b.mu.Lock()
	b.clients[conn] = true
	n := len(b.clients)
	b.mu.Unlock()
	b.log.Infow("Event client connected", "clients", n)

	// Read until the peer goes away.
	go func() {
		defer b.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (b *Broadcaster) drop(conn *websocket.Conn) {
	b.mu.Lock()
	_, ok := b.clients[conn]
	delete(b.clients, conn)
	n := len(b.clients)
	b.mu.Unlock()
	conn.Close()
	if ok {
		b.log.Infow("Event client disconnected", "clients", n)
	}
}

// Clients returns the number of connected clients.
func (b *Broadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Broadcast sends e to every client as a JSON text frame. Clients that fail
// the write are dropped.
func (b *Broadcaster) Broadcast(e serving.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		b.log.Warnw("Encoding event failed", "error", err)
		return
	}

	b.mu.Lock()
	var dead []*websocket.Conn
	for conn := range b.clients {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			dead = append(dead, conn)
		}
	}
	b.mu.Unlock()

	for _, conn := range dead {
		b.drop(conn)
	}
}

// Close disconnects every client.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(b.clients))
	for conn := range b.clients {
		conns = append(conns, conn)
	}
	b.mu.Unlock()
	for _, conn := range conns {
		b.drop(conn)
	}
}
