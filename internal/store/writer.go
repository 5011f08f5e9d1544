package store

import (
	"context"
	"fmt"
	"log"

	"mangapipe/internal/reconcile"
	"mangapipe/pkg/models"
)

// EntityFailure is a per-entity write failure: one store rejected one
// entity. It never aborts the rest of the WriteSet.
type EntityFailure struct {
	Resource models.ResourceType
	EntityID string
	Store    string // "document" or "relational"
	Cause    error
}

func (e *EntityFailure) Error() string {
	return fmt.Sprintf("write %s %s to %s store: %v", e.Resource, e.EntityID, e.Store, e.Cause)
}

func (e *EntityFailure) Unwrap() error { return e.Cause }

// WriteResult reports what Apply managed to make durable.
type WriteResult struct {
	Created  int
	Updated  int
	NoOps    int
	Failures []*EntityFailure
}

// Clean reports whether every pending decision landed in both stores.
// Only then may the checkpoint advance past the page.
func (r *WriteResult) Clean() bool { return len(r.Failures) == 0 }

// Writer applies a WriteSet to both stores. Per entity the document
// store goes first: it is schema-flexible and idempotently re-writable,
// so if the relational write then fails, a retry can safely repeat the
// whole entity. Once both writes land the document is confirmed, which
// is what lets the reconciler answer NoOp for it later. Entities are
// applied in dependency order (authors and tags before manga, manga
// before chapters) to satisfy the relational store's foreign keys.
type Writer struct {
	Docs    DocStore
	Catalog CatalogStore
}

func NewWriter(docs DocStore, catalog CatalogStore) *Writer {
	return &Writer{Docs: docs, Catalog: catalog}
}

func (w *Writer) Apply(ctx context.Context, ws *models.WriteSet) (*WriteResult, error) {
	res := &WriteResult{}

	for _, d := range ws.InOrder() {
		if err := ctx.Err(); err != nil {
			// pending entities stay uncheckpointed; say which
			for _, rest := range remaining(ws, d) {
				log.Printf("[writer] aborted before %s %s (run cancelled)", rest.Entity.Resource(), rest.Entity.EntityID())
			}
			return res, err
		}

		if d.Op == models.OpNoOp {
			res.NoOps++
			continue
		}

		e := d.Entity
		payload, err := reconcile.Payload(e)
		if err != nil {
			res.Failures = append(res.Failures, &EntityFailure{
				Resource: e.Resource(), EntityID: e.EntityID(), Store: "document", Cause: err,
			})
			continue
		}

		if err := w.Docs.Put(ctx, e.Resource(), e.EntityID(), d.NewHash, e.ModifiedAt(), payload); err != nil {
			res.Failures = append(res.Failures, &EntityFailure{
				Resource: e.Resource(), EntityID: e.EntityID(), Store: "document", Cause: err,
			})
			continue
		}

		if err := w.Catalog.Upsert(ctx, e); err != nil {
			// document copy is in but stays unconfirmed, so the next run
			// reconciles this entity to a repair write instead of a NoOp
			res.Failures = append(res.Failures, &EntityFailure{
				Resource: e.Resource(), EntityID: e.EntityID(), Store: "relational", Cause: err,
			})
			continue
		}

		if err := w.Docs.Confirm(ctx, e.Resource(), e.EntityID(), d.NewHash); err != nil {
			// both writes landed but the entity still reconciles as
			// unconfirmed; hold the checkpoint so the repair pass runs
			res.Failures = append(res.Failures, &EntityFailure{
				Resource: e.Resource(), EntityID: e.EntityID(), Store: "document", Cause: err,
			})
			continue
		}

		switch d.Op {
		case models.OpCreate:
			res.Created++
		case models.OpUpdate:
			res.Updated++
		}
	}

	return res, nil
}

// remaining lists the decisions at and after marker in apply order.
func remaining(ws *models.WriteSet, marker models.Decision) []models.Decision {
	ordered := ws.InOrder()
	for i, d := range ordered {
		if d.Entity.Resource() == marker.Entity.Resource() && d.Entity.EntityID() == marker.Entity.EntityID() {
			return ordered[i:]
		}
	}
	return nil
}
