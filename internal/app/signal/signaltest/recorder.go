// Package signaltest provides an in-memory signal.Transport that records what it is asked to send.
package signaltest

import (
	"errors"
	"sync"

	"pairup/internal/app/signal"
)

// ErrNotConnected is returned by Send for an id that is not live.
var ErrNotConnected = errors.New("signaltest: participant not connected")

// Sent is one recorded delivery.
type Sent struct {
	To      string
	Event   string
	Payload any
}

// Recorder implements signal.Transport. Ids are live once passed to Connect.
type Recorder struct {
	mu   sync.Mutex
	live map[string]bool
	sent []Sent
}

var _ signal.Transport = (*Recorder)(nil)

// NewRecorder returns a Recorder with ids already connected.
func NewRecorder(ids ...string) *Recorder {
	r := &Recorder{live: make(map[string]bool)}
	r.Connect(ids...)
	return r
}

func (r *Recorder) Connect(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		r.live[id] = true
	}
}

func (r *Recorder) Disconnect(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, id)
}

func (r *Recorder) Send(id, event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.live[id] {
		return ErrNotConnected
	}
	r.sent = append(r.sent, Sent{To: id, Event: event, Payload: payload})
	return nil
}

func (r *Recorder) IsLive(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live[id]
}

// To returns everything delivered to id, in order.
func (r *Recorder) To(id string) []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Sent
	for _, s := range r.sent {
		if s.To == id {
			out = append(out, s)
		}
	}
	return out
}

// Count returns how many times event was delivered to id.
func (r *Recorder) Count(id, event string) int {
	n := 0
	for _, s := range r.To(id) {
		if s.Event == event {
			n++
		}
	}
	return n
}

// Last returns the most recent delivery to id.
func (r *Recorder) Last(id string) (Sent, bool) {
	sent := r.To(id)
	if len(sent) == 0 {
		return Sent{}, false
	}
	return sent[len(sent)-1], true
}

// All returns every recorded delivery.
func (r *Recorder) All() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

// Reset forgets recorded deliveries, keeping liveness.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}
