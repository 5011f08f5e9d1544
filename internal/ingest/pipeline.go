package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"mangapipe/internal/events"
	"mangapipe/internal/normalize"
	"mangapipe/internal/reconcile"
	"mangapipe/internal/store"
	"mangapipe/internal/upstream"
	"mangapipe/pkg/models"
)

// errWritesPending stops a run after a page with partial write
// failures: the checkpoint must not move past it, so pulling further
// pages would only fetch work we cannot commit.
var errWritesPending = errors.New("page has pending writes, run stopped")

// Pipeline is one logical ingestion flow: paginate the upstream,
// normalize, reconcile against prior state, dual-write, checkpoint.
// One Pipeline value is safe for concurrent Run calls on different
// resource types; the Service enforces single-writer per resource.
type Pipeline struct {
	Fetcher     upstream.Fetcher
	Normalizer  *normalize.Normalizer
	Writer      *store.Writer
	Docs        store.DocStore
	Checkpoints store.CheckpointStore
	Events      *events.Hub // optional
	MaxPages    int         // 0 = run to end of results
}

type fetchedPage struct {
	page       *models.RawPage
	nextCursor string
}

// Run ingests one resource type, resuming from its checkpoint unless
// restart is set. Record- and entity-level failures accumulate in the
// summary; page- and run-level failures abort with the last durable
// checkpoint intact. Re-running against an unchanged upstream yields
// all NoOps.
func (p *Pipeline) Run(ctx context.Context, resource models.ResourceType, restart bool) (*models.RunSummary, error) {
	if !resource.Valid() {
		return nil, fmt.Errorf("unknown resource type %q", resource)
	}

	summary := &models.RunSummary{
		RunID:     uuid.NewString(),
		Resource:  resource,
		StartedAt: time.Now().UTC(),
	}
	defer func() { summary.FinishedAt = time.Now().UTC() }()

	startCursor := ""
	if !restart {
		cp, err := p.Checkpoints.Load(ctx, resource)
		if err != nil {
			return summary, err
		}
		if cp != nil {
			startCursor = cp.Cursor
		}
	}
	summary.FinalCursor = startCursor

	log.Printf("[ingest] run %s: %s from cursor %q", summary.RunID, resource, startCursor)
	p.Events.Publish(events.RunEvent{
		Type: events.RunStartedType, RunID: summary.RunID, Resource: resource, Cursor: startCursor,
	})

	pager := upstream.NewPager(p.Fetcher, resource, startCursor)

	// fetch page N+1 while page N is being written; pages channel
	// capacity 1 keeps exactly one page in flight ahead of the writer
	g, gctx := errgroup.WithContext(ctx)
	pages := make(chan fetchedPage, 1)

	g.Go(func() error {
		defer close(pages)
		for n := 0; p.MaxPages == 0 || n < p.MaxPages; n++ {
			page, err := pager.Next(gctx)
			if err != nil {
				return err
			}
			if page == nil {
				return nil
			}
			select {
			case pages <- fetchedPage{page: page, nextCursor: pager.Cursor()}:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	g.Go(func() error {
		for fp := range pages {
			if err := p.processPage(gctx, fp, summary); err != nil {
				return err
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		if errors.Is(err, errWritesPending) {
			// not a run error: the failures are in the summary and the
			// next invocation retries exactly the pending entities
			p.Events.Publish(failedEvent(summary, err))
			return summary, nil
		}
		log.Printf("[ingest] run %s aborted: %v", summary.RunID, err)
		p.Events.Publish(failedEvent(summary, err))
		return summary, err
	}

	log.Printf("[ingest] run %s done: %d pages, %d created, %d updated, %d skipped, %d failed",
		summary.RunID, summary.PagesFetched, summary.EntitiesCreated,
		summary.EntitiesUpdated, summary.EntitiesSkipped, summary.EntitiesFailed)
	p.Events.Publish(events.RunEvent{
		Type: events.RunFinishedType, RunID: summary.RunID, Resource: resource,
		Cursor:  summary.FinalCursor,
		Created: summary.EntitiesCreated, Updated: summary.EntitiesUpdated,
		Skipped: summary.EntitiesSkipped, Failed: summary.EntitiesFailed,
	})
	return summary, nil
}

func (p *Pipeline) processPage(ctx context.Context, fp fetchedPage, summary *models.RunSummary) error {
	page := fp.page
	summary.PagesFetched++

	entities, nerrs := p.Normalizer.Page(page)
	for _, ne := range nerrs {
		log.Printf("[ingest] %v", ne)
		summary.EntitiesFailed++
		summary.Failures = append(summary.Failures, models.Failure{
			Stage:    models.StageNormalize,
			Resource: ne.Resource,
			EntityID: ne.RecordID,
			Reason:   fmt.Sprintf("field %q: %s", ne.Field, ne.Reason),
		})
	}

	priors, err := p.loadPriors(ctx, entities)
	if err != nil {
		return err
	}

	ws := &models.WriteSet{}
	for _, e := range entities {
		d, err := reconcile.Reconcile(e, priors[models.Ref{Resource: e.Resource(), ID: e.EntityID()}])
		if err != nil {
			summary.EntitiesFailed++
			summary.Failures = append(summary.Failures, models.Failure{
				Stage: models.StageWrite, Resource: e.Resource(), EntityID: e.EntityID(), Reason: err.Error(),
			})
			continue
		}
		ws.Add(d)
	}

	result, err := p.Writer.Apply(ctx, ws)
	if err != nil {
		return err
	}

	summary.EntitiesCreated += result.Created
	summary.EntitiesUpdated += result.Updated
	summary.EntitiesSkipped += result.NoOps
	for _, f := range result.Failures {
		log.Printf("[ingest] %v", f)
		summary.EntitiesFailed++
		summary.Failures = append(summary.Failures, models.Failure{
			Stage: models.StageWrite, Resource: f.Resource, EntityID: f.EntityID,
			Store: f.Store, Reason: f.Cause.Error(),
		})
	}

	if !result.Clean() {
		log.Printf("[ingest] page at offset %d has %d pending entities, checkpoint held at %q",
			page.Offset, len(result.Failures), summary.FinalCursor)
		return errWritesPending
	}

	lastID := ""
	if n := len(page.Records); n > 0 {
		lastID = page.Records[n-1].ID
	}
	if err := p.Checkpoints.Advance(ctx, page.Resource, fp.nextCursor, lastID); err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}
	summary.FinalCursor = fp.nextCursor

	p.Events.Publish(events.RunEvent{
		Type: events.PageCommittedType, RunID: summary.RunID, Resource: page.Resource,
		Cursor:  fp.nextCursor,
		Created: result.Created, Updated: result.Updated, Skipped: result.NoOps,
	})
	return nil
}

// loadPriors batch-reads prior document state for every entity on the
// page, grouped per resource type (a manga page also carries embedded
// authors and tags).
func (p *Pipeline) loadPriors(ctx context.Context, entities []models.Entity) (map[models.Ref]*models.StoredDoc, error) {
	byResource := make(map[models.ResourceType][]string)
	for _, e := range entities {
		byResource[e.Resource()] = append(byResource[e.Resource()], e.EntityID())
	}

	priors := make(map[models.Ref]*models.StoredDoc, len(entities))
	for rt, ids := range byResource {
		docs, err := p.Docs.Load(ctx, rt, ids)
		if err != nil {
			return nil, fmt.Errorf("load prior state for %s: %w", rt, err)
		}
		for id, doc := range docs {
			doc := doc
			priors[models.Ref{Resource: rt, ID: id}] = &doc
		}
	}
	return priors, nil
}

func failedEvent(summary *models.RunSummary, err error) events.RunEvent {
	return events.RunEvent{
		Type: events.RunFailedType, RunID: summary.RunID, Resource: summary.Resource,
		Cursor: summary.FinalCursor, Failed: summary.EntitiesFailed, Reason: err.Error(),
	}
}
