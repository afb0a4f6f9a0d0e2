package liveness

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Channel for tests and single-binary setups.
type Memory struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	seen  map[string]time.Time
	subs  map[chan string]struct{}
	fault error
}

// NewMemory creates a Memory channel whose heartbeats expire after ttl.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		ttl:  ttl,
		now:  time.Now,
		seen: make(map[string]time.Time),
		subs: make(map[chan string]struct{}),
	}
}

// SetClock replaces the time source.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetFault makes every call fail with err until cleared with nil.
func (m *Memory) SetFault(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = err
}

// PublishAt records a heartbeat with an explicit timestamp.
func (m *Memory) PublishAt(hostname string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[hostname] = at
}

func (m *Memory) Publish(_ context.Context, hostname string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fault != nil {
		return m.fault
	}
	m.seen[hostname] = m.now()
	return nil
}

func (m *Memory) LastSeen(_ context.Context, hostname string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fault != nil {
		return time.Time{}, false, m.fault
	}
	t, ok := m.seen[hostname]
	if !ok {
		return time.Time{}, false, nil
	}
	if m.ttl > 0 && m.now().Sub(t) > m.ttl {
		delete(m.seen, hostname)
		return time.Time{}, false, nil
	}
	return t, true, nil
}

func (m *Memory) Remove(_ context.Context, hostname string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fault != nil {
		return m.fault
	}
	delete(m.seen, hostname)
	return nil
}

func (m *Memory) Announce(_ context.Context, hostname string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fault != nil {
		return m.fault
	}
	for ch := range m.subs {
		select {
		case ch <- hostname:
		default:
		}
	}
	return nil
}

func (m *Memory) SubscribeAnnouncements(ctx context.Context) (<-chan string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fault != nil {
		return nil, m.fault
	}
	ch := make(chan string, 64)
	m.subs[ch] = struct{}{}
	go func() {
		<-ctx.Done()
		m.drop(ch)
	}()
	return ch, nil
}

// Disconnect closes every open subscription, as a lost connection would.
func (m *Memory) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.subs {
		delete(m.subs, ch)
		close(ch)
	}
}

// Subscribers returns the number of open subscriptions.
func (m *Memory) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func (m *Memory) drop(ch chan string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

func (m *Memory) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fault
}

var _ Channel = (*Memory)(nil)
