package process

import (
	"fmt"
)

// Table maps a subsystem's native statuses onto canonical statuses and
// the hub's verbs onto native target statuses.
type Table struct {
	kind      Kind
	canonical map[string]Status
	targets   map[Verb]string
}

// NewTable builds a transition table. Verbs missing from targets are
// unsupported by the subsystem. Every target must be a known native status.
func NewTable(kind Kind, canonical map[string]Status, targets map[Verb]string) *Table {
	for verb, native := range targets {
		if _, ok := canonical[native]; !ok {
			panic(fmt.Sprintf("process: %s table maps %s to unknown native status %q", kind, verb, native))
		}
	}
	return &Table{kind: kind, canonical: canonical, targets: targets}
}

// Kind returns the subsystem kind the table belongs to.
func (t *Table) Kind() Kind { return t.kind }

// Canonical derives the canonical status of a native status. The second
// return is false for statuses the table does not know.
func (t *Table) Canonical(native string) (Status, bool) {
	s, ok := t.canonical[native]
	return s, ok
}

// Knows reports whether native is a valid status for this subsystem.
func (t *Table) Knows(native string) bool {
	_, ok := t.canonical[native]
	return ok
}

// Plan checks verb legality against the current native status and
// returns the native status the entity should move to.
//
// pause is legal only from running, resume only from paused, cancel from
// any non-terminal status.
func (t *Table) Plan(id, native string, verb Verb) (string, error) {
	current, ok := t.canonical[native]
	if !ok {
		return "", fmt.Errorf("%s %s has unknown native status %q", t.kind, id, native)
	}

	target, supported := t.targets[verb]
	if !supported {
		return "", &InvalidStateTransitionError{
			ID:      id,
			Kind:    t.kind,
			Verb:    verb,
			Current: current,
			Native:  native,
			Reason:  fmt.Sprintf("%s does not support %s", t.kind, verb),
			Err:     ErrUnsupported,
		}
	}

	if !Allowed(current, verb) {
		return "", &InvalidStateTransitionError{
			ID:      id,
			Kind:    t.kind,
			Verb:    verb,
			Current: current,
			Native:  native,
		}
	}
	return target, nil
}

// Allowed is the canonical legality rule shared by every subsystem.
func Allowed(current Status, verb Verb) bool {
	switch verb {
	case VerbPause:
		return current == StatusRunning
	case VerbResume:
		return current == StatusPaused
	case VerbCancel:
		return !current.IsTerminal()
	default:
		return false
	}
}
