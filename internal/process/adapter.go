package process

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Adapter translates one subsystem's native entities and lifecycle into
// canonical entries and verbs. The registry and the dispatcher only ever
// talk to subsystems through this interface.
type Adapter interface {
	Kind() Kind
	// List returns every entry owned by tenantID, or a
	// SubsystemUnavailableError. It never returns a partial slice.
	List(ctx context.Context, tenantID uuid.UUID) ([]Entry, error)
	// Get fails with NotFoundError for unknown ids and foreign tenants alike.
	Get(ctx context.Context, id string, tenantID uuid.UUID) (Entry, error)
	// Apply validates ownership and legality, mutates the native entity and
	// returns the refreshed entry. Illegal verbs mutate nothing.
	Apply(ctx context.Context, id string, tenantID uuid.UUID, verb Verb) (Entry, error)
}

var kindPrefixes = map[Kind]string{
	KindTrace:       "trc",
	KindBudget:      "bdg",
	KindImprovement: "imp",
	KindWorkflow:    "wfl",
	KindMultimodal:  "mmr",
}

// NewID returns a fresh process id that encodes kind.
func NewID(kind Kind) string {
	prefix, ok := kindPrefixes[kind]
	if !ok {
		prefix = "prc"
	}
	return prefix + "_" + uuid.NewString()
}

// KindFromID decodes the kind encoded in a process id.
func KindFromID(id string) (Kind, bool) {
	prefix, rest, ok := strings.Cut(id, "_")
	if !ok || rest == "" {
		return "", false
	}
	for kind, p := range kindPrefixes {
		if p == prefix {
			return kind, true
		}
	}
	return "", false
}
