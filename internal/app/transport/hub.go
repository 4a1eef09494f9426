/*
Package transport carries signaling frames over WebSocket connections.

The Hub tracks the live connection of every participant on this process and implements
signal.Transport for the matchmaking core. A Client owns one connection: it reads frames in
order, hands them to a Handler, and writes whatever the Hub queues for it.
*/
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"pairup/internal/app/metrics"
	"pairup/internal/app/signal"
	"pairup/internal/pkg/logx"
)

var (
	// ErrNotConnected is returned by Send when the participant has no live connection here.
	ErrNotConnected = errors.New("transport: participant not connected")

	// ErrDuplicateID is returned by Register when the id already has a live connection.
	ErrDuplicateID = errors.New("transport: participant id already registered")

	// ErrHubClosed is returned by Register after Shutdown started.
	ErrHubClosed = errors.New("transport: hub is shutting down")
)

// Handler receives what a connection delivers. HandleDisconnect is called once per connection,
// after the connection stopped being live.
type Handler interface {
	HandleMessage(ctx context.Context, id, event string, payload json.RawMessage)
	HandleDisconnect(ctx context.Context, id string)
}

// Stats is a point-in-time view of the connections on this process.
type Stats struct {
	Connections int `json:"connections"`
	Unseen      int `json:"unseen"`
	Waiting     int `json:"waiting"`
	Partnered   int `json:"partnered"`
}

// Hub is the registry of live clients, keyed by participant id.
type Hub struct {
	// clients maps participant ids to their connection.
	clients map[string]*Client

	// mu guards clients and closed. Send holds the read lock while queueing, so a client
	// is never written to after Unregister returns.
	mu     sync.RWMutex
	closed bool

	// wg counts registered clients until their disconnect handling has finished.
	wg sync.WaitGroup

	metrics *metrics.Metrics
	logger  zerolog.Logger
}

var _ signal.Transport = (*Hub)(nil)

// NewHub returns an empty Hub. m may be nil.
func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		metrics: m,
		logger:  logx.Component("hub"),
	}
}

// Register makes c live.
func (h *Hub) Register(c *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHubClosed
	}
	if _, exists := h.clients[c.id]; exists {
		return ErrDuplicateID
	}

	h.clients[c.id] = c
	c.registered = true
	h.wg.Add(1)

	h.metrics.ConnectionOpened()
	h.metrics.StateChanged("", c.State())
	h.logger.Info().Str("participant_id", c.id).Int("connections", len(h.clients)).Msg("Client registered.")
	return nil
}

// Unregister removes c if it is still the registered client for its id.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if current, ok := h.clients[c.id]; !ok || current != c {
		return
	}

	delete(h.clients, c.id)

	h.metrics.ConnectionClosed()
	h.logger.Info().Str("participant_id", c.id).Int("connections", len(h.clients)).Msg("Client unregistered.")
}

// Send queues an envelope for id. It never blocks: a full queue is an error.
func (h *Hub) Send(id, event string, payload any) error {
	env := signal.Envelope{Type: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", event, err)
		}
		env.Payload = raw
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", event, err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.clients[id]
	if !ok {
		return ErrNotConnected
	}

	if err := c.enqueue(data); err != nil {
		return err
	}
	c.observeOutbound(event)
	return nil
}

func (h *Hub) IsLive(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, ok := h.clients[id]
	return ok
}

// Stats counts live clients by their observed pairing state.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s := Stats{Connections: len(h.clients)}
	for _, c := range h.clients {
		switch c.State() {
		case StateWaiting:
			s.Waiting++
		case StatePartnered:
			s.Partnered++
		default:
			s.Unseen++
		}
	}
	return s
}

// Shutdown stops accepting clients, closes every live connection and waits until each has
// run its disconnect handling, or ctx is done.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.logger.Info().Msg("Shutting down hub...")

	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.Close(closeGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info().Int("closed", len(clients)).Msg("Hub shutdown complete.")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("hub shutdown: %w", ctx.Err())
	}
}
