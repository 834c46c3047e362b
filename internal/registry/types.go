package registry

import (
	"time"

	"github.com/Kocoro-lab/Shannon/go/opshub/internal/process"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/streaming"
)

// DefaultAdapterTimeout bounds a single subsystem's List during aggregation.
const DefaultAdapterTimeout = 2 * time.Second

// Config holds configuration for the registry
type Config struct {
	AdapterTimeout time.Duration `mapstructure:"adapter_timeout"`
}

// Filter narrows a listing after the merge. Zero values match everything.
type Filter struct {
	Kind   process.Kind
	Status process.Status
}

func (f Filter) match(e process.Entry) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	return true
}

// Summary counts the tenant's entries before filters are applied.
type Summary struct {
	Total    int                    `json:"total"`
	ByStatus map[process.Status]int `json:"by_status"`
	ByKind   map[process.Kind]int   `json:"by_kind"`
}

// Listing is the merged hub view. PartialErrors holds one
// SubsystemUnavailableError per subsystem that could not answer.
type Listing struct {
	Entries       []process.Entry
	PartialErrors map[process.Kind]error
	Summary       Summary
}

// Partial reports whether any subsystem was missing from the listing.
func (l *Listing) Partial() bool { return len(l.PartialErrors) > 0 }

// EventPublisher receives degradation events.
type EventPublisher interface {
	Publish(evt streaming.Event) streaming.Event
}
