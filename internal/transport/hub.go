package transport

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/danmuck/sensorsync/internal/reassembly"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// TopicAll receives every event regardless of workout.
const TopicAll = "*"

const (
	clientBuffer = 64
	writeWait    = 10 * time.Second
)

// Hub fans messages out to websocket clients grouped by topic. Slow
// clients drop messages instead of blocking publishers.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

// Client is one subscriber's outbound queue.
type Client struct {
	Topic string
	Send  chan []byte
}

func NewHub() *Hub {
	return &Hub{clients: map[string]map[*Client]struct{}{}}
}

func (h *Hub) Register(topic string) *Client {
	client := &Client{Topic: topic, Send: make(chan []byte, clientBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[topic] == nil {
		h.clients[topic] = map[*Client]struct{}{}
	}
	h.clients[topic][client] = struct{}{}
	return client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if topicClients, ok := h.clients[client.Topic]; ok {
		if _, present := topicClients[client]; !present {
			return
		}
		delete(topicClients, client)
		if len(topicClients) == 0 {
			delete(h.clients, client.Topic)
		}
		close(client.Send)
	}
}

// Clients reports the number of subscribers on topic.
func (h *Hub) Clients(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

func (h *Hub) Broadcast(topic string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[topic] {
		select {
		case client.Send <- payload:
		default:
		}
	}
}

// PublishEvent is a reassembly.Observer that forwards events to TopicAll
// and to the event's workout topic.
func (h *Hub) PublishEvent(ev reassembly.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Warn().Err(err).Str("workout", ev.WorkoutID).Msg("transport.Hub.PublishEvent encode failed")
		return
	}
	h.Broadcast(TopicAll, payload)
	h.Broadcast(ev.WorkoutID, payload)
}

func newUpgrader(origins []string) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range normalizeOrigins(origins) {
		allowed[o] = struct{}{}
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if _, ok := allowed["*"]; ok {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}
}

// serveHub upgrades c and pumps topic messages until either side closes.
func serveHub(c *gin.Context, upgrader websocket.Upgrader, hub *Hub, topic string) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	client := hub.Register(topic)
	defer hub.Unregister(client)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-client.Send:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
