package models

import (
	"encoding/json"
	"time"
)

// Op is the outcome of reconciling one entity against its prior state.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpNoOp   Op = "noop"
)

// Decision is one reconciliation outcome: what to do with one entity,
// tagged with the hash evidence that justified the choice.
type Decision struct {
	Op       Op
	Entity   Entity
	PrevHash string   // empty for OpCreate
	NewHash  string
	Changed  []string // changed field names, OpUpdate only
}

// StoredDoc is the prior persisted state of an entity as held by the
// document store: enough to decide NoOp without refetching anything.
// Confirmed is only set once the relational write also succeeded; an
// unconfirmed doc with a matching hash still needs a repair write, or
// a relational failure would never be retried.
type StoredDoc struct {
	ContentHash string
	UpdatedAt   time.Time
	Payload     json.RawMessage
	Confirmed   bool
}

// WriteSet is an ordered batch of pending decisions for one page.
// Ordering follows WriteOrder so referenced entities land in the
// relational store before the entities that reference them.
type WriteSet struct {
	decisions []Decision
}

func (ws *WriteSet) Add(d Decision) { ws.decisions = append(ws.decisions, d) }

func (ws *WriteSet) Len() int { return len(ws.decisions) }

// InOrder returns the decisions grouped by WriteOrder, insertion order
// preserved within each resource type.
func (ws *WriteSet) InOrder() []Decision {
	out := make([]Decision, 0, len(ws.decisions))
	for _, rt := range WriteOrder {
		for _, d := range ws.decisions {
			if d.Entity.Resource() == rt {
				out = append(out, d)
			}
		}
	}
	return out
}

// Pending counts decisions that require a write (anything but NoOp).
func (ws *WriteSet) Pending() int {
	n := 0
	for _, d := range ws.decisions {
		if d.Op != OpNoOp {
			n++
		}
	}
	return n
}
