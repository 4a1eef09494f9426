package state

import (
	"context"
	"sync"
	"time"

	"pairup/internal/app/participant"
)

const memoryJanitorInterval = time.Minute

type memoryProfile struct {
	profile participant.Profile

	// expiresAt is zero while the profile has no pending expiry.
	expiresAt time.Time
}

// Memory is the in-process Backend used when no external store is configured.
// A single mutex makes every operation atomic with respect to the others.
type Memory struct {
	mu       sync.Mutex
	profiles map[string]memoryProfile
	waiting  map[string]struct{}
	links    map[string]string

	now func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemory returns an empty Memory backend and starts its profile expiry janitor.
func NewMemory() *Memory {
	m := &Memory{
		profiles: make(map[string]memoryProfile),
		waiting:  make(map[string]struct{}),
		links:    make(map[string]string),
		now:      time.Now,
		stop:     make(chan struct{}),
	}

	go m.runJanitor()

	return m
}

func (m *Memory) runJanitor() {
	ticker := time.NewTicker(memoryJanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.purgeExpired()
		}
	}
}

func (m *Memory) purgeExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for id, entry := range m.profiles {
		if entry.expired(now) {
			delete(m.profiles, id)
		}
	}
}

func (e memoryProfile) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

func (m *Memory) SaveProfile(_ context.Context, id string, p participant.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.profiles[id] = memoryProfile{profile: p}
	return nil
}

func (m *Memory) Profile(_ context.Context, id string) (participant.Profile, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.profiles[id]
	if !ok {
		return participant.Profile{}, false, nil
	}
	if entry.expired(m.now()) {
		delete(m.profiles, id)
		return participant.Profile{}, false, nil
	}
	return entry.profile, true, nil
}

func (m *Memory) ExpireProfile(_ context.Context, id string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.profiles[id]
	if !ok {
		return nil
	}
	if ttl <= 0 {
		delete(m.profiles, id)
		return nil
	}

	entry.expiresAt = m.now().Add(ttl)
	m.profiles[id] = entry
	return nil
}

func (m *Memory) AddWaiting(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.waiting[id] = struct{}{}
	return nil
}

func (m *Memory) RemoveWaiting(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.waiting, id)
	return nil
}

func (m *Memory) IsWaiting(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.waiting[id]
	return ok, nil
}

func (m *Memory) WaitingCount(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.waiting), nil
}

// PopWaiting relies on Go's unspecified map iteration order for an arbitrary member.
func (m *Memory) PopWaiting(_ context.Context) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range m.waiting {
		delete(m.waiting, id)
		return id, true, nil
	}
	return "", false, nil
}

func (m *Memory) PopWaitingPair(_ context.Context, id string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.waiting[id]; !ok {
		return "", false, nil
	}

	for other := range m.waiting {
		if other == id {
			continue
		}
		delete(m.waiting, id)
		delete(m.waiting, other)
		return other, true, nil
	}
	return "", false, nil
}

func (m *Memory) Partner(_ context.Context, id string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	partnerID, ok := m.links[id]
	return partnerID, ok, nil
}

func (m *Memory) Link(_ context.Context, a, b string) error {
	if a == b {
		return ErrSelfLink
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.links[a]; ok {
		return ErrAlreadyLinked
	}
	if _, ok := m.links[b]; ok {
		return ErrAlreadyLinked
	}

	m.links[a] = b
	m.links[b] = a
	delete(m.waiting, a)
	delete(m.waiting, b)
	return nil
}

func (m *Memory) Unlink(_ context.Context, a, b string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.links[a] != b || m.links[b] != a {
		return false, nil
	}

	delete(m.links, a)
	delete(m.links, b)
	return true, nil
}

// Close stops the janitor. The stored state stays readable.
func (m *Memory) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}
