package realtime

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/camden-git/thumbworks/events"
	"github.com/camden-git/thumbworks/repository"
)

// Frame is what websocket clients receive: the bus topic and the event
// payload exactly as published.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type Client struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
}

// Hub fans job lifecycle events out to websocket clients. Delivery is
// per-user: a client only sees events for jobs it owns. Slow clients are
// dropped rather than allowed to stall the pipeline.
type Hub struct {
	jobs       repository.JobRepositoryInterface
	sub        *events.Subscription
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	stop       chan struct{}

	ownerMu sync.Mutex
	owners  map[string]string // jobID -> userID, filled lazily
}

func NewHub(bus *events.Bus, jobs repository.JobRepositoryInterface) *Hub {
	return &Hub{
		jobs:       jobs,
		sub:        bus.Subscribe(256),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
		owners:     make(map[string]string),
	}
}

// Run pumps bus messages to clients until Stop is called
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
		case msg, ok := <-h.sub.C:
			if !ok {
				return
			}
			h.dispatch(msg)
		case <-h.stop:
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			return
		}
	}
}

func (h *Hub) Stop() {
	close(h.stop)
}

func (h *Hub) dispatch(msg events.Message) {
	owner := h.ownerOf(msg.JobID)
	if owner == "" {
		return
	}

	frame, err := json.Marshal(Frame{Event: msg.Topic, Data: msg.Data})
	if err != nil {
		log.Printf("realtime: failed to marshal frame: %v", err)
		return
	}

	for client := range h.clients {
		if client.userID != owner {
			continue
		}
		select {
		case client.send <- frame:
		default:
			delete(h.clients, client)
			close(client.send)
		}
	}

	// terminal events are the last word on a job, drop the cache entry
	if msg.Topic == events.TopicJobCompleted || msg.Topic == events.TopicJobFailed {
		h.ownerMu.Lock()
		delete(h.owners, msg.JobID)
		h.ownerMu.Unlock()
	}
}

// ownerOf resolves which user a job's events belong to, caching lookups for
// the duration of the job
func (h *Hub) ownerOf(jobID string) string {
	h.ownerMu.Lock()
	owner, ok := h.owners[jobID]
	h.ownerMu.Unlock()
	if ok {
		return owner
	}

	job, err := h.jobs.GetByID(jobID)
	if err != nil {
		log.Printf("realtime: failed to resolve owner of job %s: %v", jobID, err)
		return ""
	}

	h.ownerMu.Lock()
	h.owners[jobID] = job.UserID
	h.ownerMu.Unlock()
	return job.UserID
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades the connection and registers a client bound to userID
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("realtime: websocket upgrade error: %v", err)
		return
	}
	client := &Client{userID: userID, conn: conn, send: make(chan []byte, 256)}
	h.register <- client

	// writer
	go func() {
		for msg := range client.send {
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
		client.conn.Close()
	}()

	// reader (just consume pings/close)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.unregister <- client
}
