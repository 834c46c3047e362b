package subsystems

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/Kocoro-lab/Shannon/go/opshub/internal/process"
)

// ErrIllegalTransition is returned by a subsystem's own progress
// operations when the entity is not in a status they may move it from.
var ErrIllegalTransition = errors.New("illegal native transition")

// NewBase stamps a fresh entity of kind.
func NewBase(kind process.Kind, tenantID uuid.UUID, status string, now time.Time) Base {
	return Base{
		ID:        process.NewID(kind),
		TenantID:  tenantID,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Advance moves an entity to status to, provided its current status is
// one of from. mutate runs under the entity lock before the status flips.
func Advance[T any, P Entity[T]](ctx context.Context, store Store[T], id string, tenantID uuid.UUID, from []string, to string, now time.Time, mutate func(*T) error) (T, error) {
	return store.Update(ctx, id, tenantID, func(v *T) error {
		meta := P(v).Meta()
		if !slices.Contains(from, meta.Status) {
			return fmt.Errorf("%w: %s is %s, cannot move to %s", ErrIllegalTransition, meta.ID, meta.Status, to)
		}
		if mutate != nil {
			if err := mutate(v); err != nil {
				return err
			}
		}
		meta.Status = to
		meta.UpdatedAt = now
		return nil
	})
}

// Illegal reports that op cannot run while the entity is in status.
func Illegal(id, status, op string) error {
	return fmt.Errorf("%w: cannot %s %s while %s", ErrIllegalTransition, op, id, status)
}
