package websocket

import (
	"encoding/json"
	"net/http"
	"sync"

	"attendance_go/services/attendance"

	fiberws "github.com/gofiber/websocket/v2"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// publishBuffer bounds events queued between Publish and the hub loop.
const publishBuffer = 256

// Hub maintains the set of active clients and fans class events out to them.
type Hub struct {
	// Registered clients.
	clients map[*Client]bool

	// Events waiting to be fanned out.
	publish chan outbound

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	done     chan struct{}
	stopOnce sync.Once

	mutex sync.RWMutex
	log   logrus.FieldLogger
}

type outbound struct {
	classID string
	data    []byte
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Allow connections from any origin; the token gates access
		return true
	},
}

// NewHub creates a new Hub
func NewHub(log logrus.FieldLogger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		publish:    make(chan outbound, publishBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run starts the hub. It returns after Stop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			h.mutex.Unlock()
			h.log.WithFields(logrus.Fields{"user_id": client.userID, "class_id": client.classID}).Info("websocket client connected")

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.log.WithFields(logrus.Fields{"user_id": client.userID, "class_id": client.classID}).Info("websocket client disconnected")
			}
			h.mutex.Unlock()

		case msg := <-h.publish:
			h.fanOut(msg)

		case <-h.done:
			h.mutex.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mutex.Unlock()
			return
		}
	}
}

// fanOut runs on the hub goroutine only, so per-class order follows publish order.
func (h *Hub) fanOut(msg outbound) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	sent, dropped := 0, 0
	for client := range h.clients {
		if client.classID != msg.classID {
			continue
		}
		select {
		case client.send <- msg.data:
			sent++
		default:
			// slow consumer; it reconnects and refetches
			dropped++
			close(client.send)
			delete(h.clients, client)
		}
	}
	if dropped > 0 {
		h.log.WithFields(logrus.Fields{"class_id": msg.classID, "sent": sent, "dropped": dropped}).Warn("websocket clients dropped")
	}
}

// Stop closes every client and ends Run.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Publish queues event for every viewer of classID. Delivery is at-most-once:
// the event is dropped if the hub is stopped or its queue is full.
func (h *Hub) Publish(classID string, event attendance.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.WithError(err).Error("failed to marshal websocket event")
		return
	}

	select {
	case <-h.done:
		return
	default:
	}

	select {
	case h.publish <- outbound{classID: classID, data: data}:
	default:
		h.log.WithFields(logrus.Fields{"class_id": classID, "type": event.Type}).Warn("websocket publish queue full, event dropped")
	}
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// ClassCounts returns the number of connected clients per class.
func (h *Hub) ClassCounts() map[string]int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	out := make(map[string]int)
	for client := range h.clients {
		out[client.classID]++
	}
	return out
}

// Running reports whether the hub accepts new clients.
func (h *Hub) Running() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *Hub) addClient(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) removeClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ServeWS handles websocket requests from the peer.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID uint, classID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	h.ServeConn(conn, userID, classID)
}

// ServeConn handles an already-established websocket connection
func (h *Hub) ServeConn(conn *websocket.Conn, userID uint, classID string) {
	client := newClient(h, userID, classID)
	client.conn = conn
	if !h.addClient(client) {
		conn.Close()
		return
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()
}

// ServeFiberWS handles Fiber websocket connections. It blocks until the peer goes away.
func (h *Hub) ServeFiberWS(c *fiberws.Conn, userID uint, classID string) {
	defer func() {
		if r := recover(); r != nil {
			h.log.WithField("user_id", userID).Errorf("ServeFiberWS panic: %v", r)
		}
	}()

	client := newClient(h, userID, classID)
	if !h.addClient(client) {
		c.Close()
		return
	}

	// Start write pump in a goroutine, run read pump in this goroutine.
	go h.fiberWritePump(client, c)
	// Run read pump inline to avoid passing the Fiber connection across goroutines
	h.fiberReadPump(client, c)
}
