// Package subsystems holds the in-memory native stores shared by the trace,
// budget, improvement and workflow subsystems and the generic adapter that
// projects their entities into the hub's canonical view.
package subsystems

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Kocoro-lab/Shannon/go/opshub/internal/process"
)

// ErrDuplicateID is returned when inserting an entity whose id is taken.
var ErrDuplicateID = errors.New("duplicate entity id")

// Base carries the fields every native entity has.
type Base struct {
	ID        string    `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Meta exposes the embedded Base to generic code.
func (b *Base) Meta() *Base { return b }

// Entity is satisfied by *T for any struct T embedding Base.
type Entity[T any] interface {
	*T
	Meta() *Base
}

// Store is the persistence contract of a native subsystem. The in-memory
// implementation below is what the service runs with; a durable store
// only has to honour the same per-entity atomicity of Update.
type Store[T any] interface {
	Insert(ctx context.Context, v T) error
	Get(ctx context.Context, id string, tenantID uuid.UUID) (T, error)
	List(ctx context.Context, tenantID uuid.UUID) ([]T, error)
	// Update runs fn on a copy of the entity while holding that entity's
	// lock and stores the copy only if fn succeeds.
	Update(ctx context.Context, id string, tenantID uuid.UUID, fn func(*T) error) (T, error)
	Reset()
}

type slot[T any] struct {
	mu    sync.Mutex
	value T
}

// MemoryStore keeps entities in a map with one mutex per entity, so
// check-then-mutate on one id is a single critical section while other
// ids proceed in parallel.
type MemoryStore[T any, P Entity[T]] struct {
	kind process.Kind

	mu    sync.RWMutex
	slots map[string]*slot[T]
}

// NewMemoryStore creates an empty store for kind.
func NewMemoryStore[T any, P Entity[T]](kind process.Kind) *MemoryStore[T, P] {
	return &MemoryStore[T, P]{
		kind:  kind,
		slots: make(map[string]*slot[T]),
	}
}

func (s *MemoryStore[T, P]) Insert(ctx context.Context, v T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	meta := P(&v).Meta()
	if meta.ID == "" {
		return &process.ValidationError{Field: "id", Message: "id is required"}
	}
	if meta.TenantID == uuid.Nil {
		return &process.ValidationError{Field: "tenant_id", Message: "tenant is required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.slots[meta.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, meta.ID)
	}
	s.slots[meta.ID] = &slot[T]{value: v}
	return nil
}

func (s *MemoryStore[T, P]) lookup(id string) (*slot[T], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, ok := s.slots[id]
	return sl, ok
}

func (s *MemoryStore[T, P]) Get(ctx context.Context, id string, tenantID uuid.UUID) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	sl, ok := s.lookup(id)
	if !ok {
		return zero, &process.NotFoundError{Kind: s.kind, ID: id}
	}
	sl.mu.Lock()
	v := sl.value
	sl.mu.Unlock()
	if P(&v).Meta().TenantID != tenantID {
		return zero, &process.NotFoundError{Kind: s.kind, ID: id}
	}
	return v, nil
}

func (s *MemoryStore[T, P]) List(ctx context.Context, tenantID uuid.UUID) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	slots := make([]*slot[T], 0, len(s.slots))
	for _, sl := range s.slots {
		slots = append(slots, sl)
	}
	s.mu.RUnlock()

	out := make([]T, 0, len(slots))
	for _, sl := range slots {
		sl.mu.Lock()
		v := sl.value
		sl.mu.Unlock()
		if P(&v).Meta().TenantID == tenantID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := P(&out[i]).Meta(), P(&out[j]).Meta()
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out, nil
}

func (s *MemoryStore[T, P]) Update(ctx context.Context, id string, tenantID uuid.UUID, fn func(*T) error) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	sl, ok := s.lookup(id)
	if !ok {
		return zero, &process.NotFoundError{Kind: s.kind, ID: id}
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	working := sl.value
	if P(&working).Meta().TenantID != tenantID {
		return zero, &process.NotFoundError{Kind: s.kind, ID: id}
	}
	if err := fn(&working); err != nil {
		return zero, err
	}
	sl.value = working
	return working, nil
}

// Reset drops every entity.
func (s *MemoryStore[T, P]) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots = make(map[string]*slot[T])
}

// Len returns the number of stored entities across all tenants.
func (s *MemoryStore[T, P]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slots)
}
