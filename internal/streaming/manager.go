package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/opshub/internal/metrics"
)

// Event types published on the lifecycle stream.
const (
	EventControlApplied    = "CONTROL_APPLIED"
	EventMultimodalUpdated = "MULTIMODAL_UPDATED"
	EventSubsystemDegraded = "SUBSYSTEM_DEGRADED"
)

// Event is one lifecycle change visible to a tenant.
type Event struct {
	TenantID  string    `json:"tenant_id"`
	Type      string    `json:"type"`
	ProcessID string    `json:"process_id,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Status    string    `json:"status,omitempty"`
	Verb      string    `json:"verb,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
}

// Marshal returns JSON for event payloads.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Manager is an in-memory pub/sub of lifecycle events partitioned by
// tenant, with a per-tenant ring buffer for last_event_id replay.
type Manager struct {
	logger *zap.Logger

	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
}

// NewManager creates a manager keeping capacity events per tenant.
func NewManager(capacity int, logger *zap.Logger) *Manager {
	if capacity <= 0 {
		capacity = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:      logger,
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// SetCapacity changes the ring size used for tenants seen from now on.
func (m *Manager) SetCapacity(capacity int) {
	if capacity <= 0 {
		return
	}
	m.mu.Lock()
	m.capacity = capacity
	m.mu.Unlock()
}

// Subscribe adds a subscriber channel for tenantID; caller must drain and
// call Unsubscribe.
func (m *Manager) Subscribe(tenantID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[tenantID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[tenantID] = subs
	}
	subs[ch] = struct{}{}
	metrics.StreamSubscribers.Inc()
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(tenantID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs, ok := m.subscribers[tenantID]
	if !ok {
		return
	}
	if _, ok := subs[ch]; !ok {
		return
	}
	delete(subs, ch)
	close(ch)
	metrics.StreamSubscribers.Dec()
	if len(subs) == 0 {
		delete(m.subscribers, tenantID)
	}
}

// Publish assigns the next sequence number and fans the event out to the
// tenant's subscribers without blocking. Slow subscribers lose events and
// can recover them through ReplaySince.
func (m *Manager) Publish(evt Event) Event {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	m.mu.Lock()
	rg := m.history[evt.TenantID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[evt.TenantID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)
	m.mu.Unlock()

	// Sending under the read lock keeps Unsubscribe from closing a channel
	// mid-send.
	m.mu.RLock()
	defer m.mu.RUnlock()
	for ch := range m.subscribers[evt.TenantID] {
		select {
		case ch <- evt:
		default:
			metrics.StreamEventsDropped.Inc()
			m.logger.Debug("Dropped event for slow subscriber",
				zap.String("tenant_id", evt.TenantID),
				zap.Uint64("seq", evt.Seq),
			)
		}
	}
	return evt
}

// ReplaySince returns events with Seq > since still held in the ring.
func (m *Manager) ReplaySince(tenantID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[tenantID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Reset drops all history. Subscribers stay attached.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = make(map[string]*ring)
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
