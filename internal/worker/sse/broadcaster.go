// Package sse streams grouping notifications to dashboard and CLI clients
// as Server-Sent Events.
package sse

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// WriteTimeout bounds a single write to a client.
const WriteTimeout = 2 * time.Second

// Event types.
const (
	EventConnected      = "connected"
	EventKeywordsAdded  = "keywords_added"
	EventGroupsReady    = "groups_ready"
	EventGroupingFailed = "grouping_failed"
	EventOutlinesReady  = "outlines_ready"
)

// Event is one notification. An empty Owner reaches every client.
type Event struct {
	Data  any    `json:"data,omitempty"`
	Type  string `json:"type"`
	Owner string `json:"owner,omitempty"`
	RunID string `json:"run_id,omitempty"`
}

// Client is a connected stream. A client with an Owner only receives that
// owner's events.
type Client struct {
	Writer  http.ResponseWriter
	Flusher http.Flusher
	Done    chan struct{}
	ID      string
	Owner   string
	once    sync.Once
}

func (c *Client) close() {
	c.once.Do(func() { close(c.Done) })
}

func (c *Client) wants(e Event) bool {
	return c.Owner == "" || e.Owner == "" || c.Owner == e.Owner
}

// Broadcaster fans events out to connected clients.
type Broadcaster struct {
	clients map[string]*Client
	mu      sync.RWMutex
	nextID  int
	sent    uint64
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{clients: make(map[string]*Client)}
}

// AddClient registers a stream for owner ("" subscribes to everything).
func (b *Broadcaster) AddClient(w http.ResponseWriter, owner string) (*Client, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	b.mu.Lock()
	b.nextID++
	client := &Client{
		ID:      fmt.Sprintf("client-%d", b.nextID),
		Owner:   owner,
		Writer:  w,
		Flusher: flusher,
		Done:    make(chan struct{}),
	}
	b.clients[client.ID] = client
	total := len(b.clients)
	b.mu.Unlock()

	log.Debug().Str("clientId", client.ID).Str("owner", owner).Int("totalClients", total).Msg("SSE client connected")
	return client, nil
}

// RemoveClient unregisters a client. Removing twice is harmless.
func (b *Broadcaster) RemoveClient(client *Client) {
	b.mu.Lock()
	_, existed := b.clients[client.ID]
	delete(b.clients, client.ID)
	total := len(b.clients)
	b.mu.Unlock()

	client.close()
	if existed {
		log.Debug().Str("clientId", client.ID).Int("totalClients", total).Msg("SSE client disconnected")
	}
}

// Broadcast delivers e to every interested client. Clients that fail or
// stall past WriteTimeout are dropped.
func (b *Broadcaster) Broadcast(e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		log.Error().Err(err).Str("type", e.Type).Msg("Failed to marshal SSE event")
		return
	}
	message := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", e.Type, payload))

	b.mu.RLock()
	targets := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		if c.wants(e) {
			targets = append(targets, c)
		}
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	dead := make(chan *Client, len(targets))
	var wg sync.WaitGroup
	for _, c := range targets {
		select {
		case <-c.Done:
			continue
		default:
		}
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			if !b.write(c, message) {
				dead <- c
			}
		}(c)
	}
	wg.Wait()
	close(dead)

	for c := range dead {
		b.RemoveClient(c)
	}

	b.mu.Lock()
	b.sent++
	b.mu.Unlock()
}

func (b *Broadcaster) write(c *Client, message []byte) bool {
	result := make(chan error, 1)
	go func() {
		_, err := c.Writer.Write(message)
		if err == nil {
			c.Flusher.Flush()
		}
		result <- err
	}()

	select {
	case err := <-result:
		if err != nil {
			log.Debug().Err(err).Str("clientId", c.ID).Msg("SSE write failed, dropping client")
			return false
		}
		return true
	case <-time.After(WriteTimeout):
		log.Warn().Str("clientId", c.ID).Dur("timeout", WriteTimeout).Msg("SSE write timed out, dropping client")
		return false
	case <-c.Done:
		return true
	}
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// EventsSent returns how many broadcasts had at least one recipient.
func (b *Broadcaster) EventsSent() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sent
}

// HandleSSE serves GET /api/events[?owner=...] until the client goes away.
func (b *Broadcaster) HandleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	client, err := b.AddClient(w, r.URL.Query().Get("owner"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer b.RemoveClient(client)

	hello, _ := json.Marshal(Event{Type: EventConnected, Data: map[string]string{"clientId": client.ID}})
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", EventConnected, hello)
	client.Flusher.Flush()

	select {
	case <-r.Context().Done():
	case <-client.Done:
	}
}
