package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mangapipe/internal/normalize"
	"mangapipe/internal/store"
	"mangapipe/internal/upstream"
	"mangapipe/pkg/models"
)

// memFetcher serves a fixed record set in offset-cursor pages.
type memFetcher struct {
	records  []models.RawRecord
	pageSize int
	calls    int
	failAt   int   // offset to fail at; -1 disables
	failErr  error // returned once when failAt is hit
}

func (f *memFetcher) Fetch(ctx context.Context, resource models.ResourceType, cursor string) (*models.RawPage, error) {
	f.calls++
	offset, err := upstream.ParseCursor(cursor)
	if err != nil {
		return nil, err
	}
	if f.failErr != nil && offset == f.failAt {
		err := f.failErr
		f.failErr = nil
		return nil, err
	}

	end := offset + f.pageSize
	if end > len(f.records) {
		end = len(f.records)
	}
	var recs []models.RawRecord
	if offset < len(f.records) {
		recs = f.records[offset:end]
	}
	return &models.RawPage{
		Resource: resource,
		Records:  recs,
		Limit:    f.pageSize,
		Offset:   offset,
		Total:    len(f.records),
	}, nil
}

type memDocs struct {
	docs map[models.Ref]models.StoredDoc
}

func newMemDocs() *memDocs { return &memDocs{docs: make(map[models.Ref]models.StoredDoc)} }

func (m *memDocs) Load(ctx context.Context, resource models.ResourceType, ids []string) (map[string]models.StoredDoc, error) {
	out := make(map[string]models.StoredDoc)
	for _, id := range ids {
		if doc, ok := m.docs[models.Ref{Resource: resource, ID: id}]; ok {
			out[id] = doc
		}
	}
	return out, nil
}

func (m *memDocs) Put(ctx context.Context, resource models.ResourceType, id, hash string, updatedAt time.Time, payload []byte) error {
	m.docs[models.Ref{Resource: resource, ID: id}] = models.StoredDoc{ContentHash: hash, UpdatedAt: updatedAt, Payload: payload}
	return nil
}

func (m *memDocs) Confirm(ctx context.Context, resource models.ResourceType, id, hash string) error {
	ref := models.Ref{Resource: resource, ID: id}
	doc, ok := m.docs[ref]
	if !ok || doc.ContentHash != hash {
		return errors.New("confirm: no doc with that hash")
	}
	doc.Confirmed = true
	m.docs[ref] = doc
	return nil
}

type memCatalog struct {
	upserts  map[string]int // successful upserts per entity ID
	failOnce map[string]error
}

func newMemCatalog() *memCatalog {
	return &memCatalog{upserts: make(map[string]int), failOnce: make(map[string]error)}
}

func (m *memCatalog) Upsert(ctx context.Context, e models.Entity) error {
	if err := m.failOnce[e.EntityID()]; err != nil {
		delete(m.failOnce, e.EntityID())
		return err
	}
	m.upserts[e.EntityID()]++
	return nil
}

type memCheckpoints struct {
	cps map[models.ResourceType]models.Checkpoint
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{cps: make(map[models.ResourceType]models.Checkpoint)}
}

func (m *memCheckpoints) Load(ctx context.Context, resource models.ResourceType) (*models.Checkpoint, error) {
	if cp, ok := m.cps[resource]; ok {
		return &cp, nil
	}
	return nil, nil
}

func (m *memCheckpoints) Advance(ctx context.Context, resource models.ResourceType, cursor, lastEntityID string) error {
	m.cps[resource] = models.Checkpoint{
		Resource: resource, Cursor: cursor, LastEntityID: lastEntityID, UpdatedAt: time.Now().UTC(),
	}
	return nil
}

func rawManga(id, title string) models.RawRecord {
	titleJSON := "{}"
	if title != "" {
		titleJSON = fmt.Sprintf(`{"en": %q}`, title)
	}
	payload := fmt.Sprintf(`{
		"id": %q,
		"attributes": {
			"title": %s,
			"status": "ongoing",
			"createdAt": "2024-01-01T00:00:00Z",
			"updatedAt": "2024-02-01T00:00:00Z"
		},
		"relationships": []
	}`, id, titleJSON)
	return models.RawRecord{Resource: models.ResourceManga, ID: id, Payload: []byte(payload)}
}

type testEnv struct {
	pipe    *Pipeline
	fetcher *memFetcher
	docs    *memDocs
	catalog *memCatalog
	cps     *memCheckpoints
}

func newTestEnv(records []models.RawRecord, pageSize int) *testEnv {
	env := &testEnv{
		fetcher: &memFetcher{records: records, pageSize: pageSize, failAt: -1},
		docs:    newMemDocs(),
		catalog: newMemCatalog(),
		cps:     newMemCheckpoints(),
	}
	env.pipe = &Pipeline{
		Fetcher:     env.fetcher,
		Normalizer:  normalize.New("en"),
		Writer:      store.NewWriter(env.docs, env.catalog),
		Docs:        env.docs,
		Checkpoints: env.cps,
	}
	return env
}

func TestPipeline_FullRunThenIdempotentRerun(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv([]models.RawRecord{
		rawManga("m1", "One"), rawManga("m2", "Two"), rawManga("m3", "Three"),
		rawManga("m4", "Four"), rawManga("m5", "Five"),
	}, 2)

	sum, err := env.pipe.Run(ctx, models.ResourceManga, false)
	require.NoError(t, err)

	assert.Equal(t, 3, sum.PagesFetched)
	assert.Equal(t, 5, sum.EntitiesCreated)
	assert.Equal(t, 0, sum.EntitiesFailed)
	assert.Equal(t, "5", sum.FinalCursor)
	assert.Equal(t, "5", env.cps.cps[models.ResourceManga].Cursor)
	assert.Equal(t, "m5", env.cps.cps[models.ResourceManga].LastEntityID)

	// unchanged upstream, full restart: every entity reconciles to NoOp
	sum, err = env.pipe.Run(ctx, models.ResourceManga, true)
	require.NoError(t, err)

	assert.Equal(t, 0, sum.EntitiesCreated)
	assert.Equal(t, 0, sum.EntitiesUpdated)
	assert.Equal(t, 5, sum.EntitiesSkipped)
	assert.Equal(t, "5", env.cps.cps[models.ResourceManga].Cursor)
	for id, n := range env.catalog.upserts {
		assert.Equal(t, 1, n, "entity %s written more than once", id)
	}
}

func TestPipeline_ResumesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	records := []models.RawRecord{
		rawManga("m1", "One"), rawManga("m2", "Two"), rawManga("m3", "Three"),
		rawManga("m4", "Four"), rawManga("m5", "Five"),
	}

	env := newTestEnv(records, 2)
	env.pipe.MaxPages = 1

	sum, err := env.pipe.Run(ctx, models.ResourceManga, false)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.PagesFetched)
	assert.Equal(t, 2, sum.EntitiesCreated)
	assert.Equal(t, "2", env.cps.cps[models.ResourceManga].Cursor)

	// a fresh pipeline over the same stores picks up where the
	// interrupted run left off
	env.pipe.MaxPages = 0
	sum, err = env.pipe.Run(ctx, models.ResourceManga, false)
	require.NoError(t, err)

	assert.Equal(t, 2, sum.PagesFetched)
	assert.Equal(t, 3, sum.EntitiesCreated)
	assert.Equal(t, "5", env.cps.cps[models.ResourceManga].Cursor)
	assert.Len(t, env.catalog.upserts, 5, "interrupt plus resume covers every record exactly once")
}

func TestPipeline_WriteFailureHoldsCheckpointThenRepairs(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv([]models.RawRecord{
		rawManga("m1", "One"), rawManga("m2", "Two"),
		rawManga("m3", "Three"), rawManga("m4", "Four"),
	}, 2)
	env.catalog.failOnce["m3"] = errors.New("FOREIGN KEY constraint failed")

	// run 1: page one commits, page two has a relational failure, so the
	// run stops with the checkpoint held before page two
	sum, err := env.pipe.Run(ctx, models.ResourceManga, false)
	require.NoError(t, err, "entity-level failures are reported, not returned")

	assert.Equal(t, 3, sum.EntitiesCreated)
	assert.Equal(t, 1, sum.EntitiesFailed)
	assert.Equal(t, "2", sum.FinalCursor)
	assert.Equal(t, "2", env.cps.cps[models.ResourceManga].Cursor)
	require.Len(t, sum.Failures, 1)
	assert.Equal(t, "m3", sum.Failures[0].EntityID)
	assert.Equal(t, "relational", sum.Failures[0].Store)

	doc := env.docs.docs[models.Ref{Resource: models.ResourceManga, ID: "m3"}]
	assert.False(t, doc.Confirmed, "failed entity's document copy stays unconfirmed")

	// run 2: resumes at the held page; m3 reconciles to a repair write,
	// m4 already landed and is a NoOp
	sum, err = env.pipe.Run(ctx, models.ResourceManga, false)
	require.NoError(t, err)

	assert.Equal(t, 0, sum.EntitiesCreated)
	assert.Equal(t, 1, sum.EntitiesUpdated)
	assert.Equal(t, 1, sum.EntitiesSkipped)
	assert.Equal(t, 0, sum.EntitiesFailed)
	assert.Equal(t, "4", env.cps.cps[models.ResourceManga].Cursor)
	assert.Equal(t, 1, env.catalog.upserts["m3"])
	assert.Equal(t, 1, env.catalog.upserts["m4"])
	assert.True(t, env.docs.docs[models.Ref{Resource: models.ResourceManga, ID: "m3"}].Confirmed)
}

func TestPipeline_BadRecordDoesNotBlockItsPage(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv([]models.RawRecord{
		rawManga("m1", "One"),
		rawManga("m2", ""), // no title in any locale
		rawManga("m3", "Three"),
	}, 3)

	sum, err := env.pipe.Run(ctx, models.ResourceManga, false)
	require.NoError(t, err)

	assert.Equal(t, 2, sum.EntitiesCreated)
	assert.Equal(t, 1, sum.EntitiesFailed)
	require.Len(t, sum.Failures, 1)
	assert.Equal(t, models.StageNormalize, sum.Failures[0].Stage)
	assert.Equal(t, "m2", sum.Failures[0].EntityID)

	// record-level failures never hold the page back
	assert.Equal(t, "3", env.cps.cps[models.ResourceManga].Cursor)
}

func TestPipeline_FetchErrorAbortsWithCheckpointIntact(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv([]models.RawRecord{
		rawManga("m1", "One"), rawManga("m2", "Two"),
		rawManga("m3", "Three"), rawManga("m4", "Four"),
	}, 2)
	// commit page one in its own run first
	env.pipe.MaxPages = 1
	sum, err := env.pipe.Run(ctx, models.ResourceManga, false)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.EntitiesCreated)
	assert.Equal(t, "2", env.cps.cps[models.ResourceManga].Cursor)

	// the next run's very first fetch is malformed: abort, nothing moved
	env.pipe.MaxPages = 0
	env.fetcher.failAt = 2
	env.fetcher.failErr = &upstream.MalformedResponseError{Reason: "result is \"error\""}

	sum, err = env.pipe.Run(ctx, models.ResourceManga, false)
	require.Error(t, err)

	var merr *upstream.MalformedResponseError
	assert.ErrorAs(t, err, &merr)
	assert.Equal(t, 0, sum.EntitiesCreated)
	assert.Equal(t, "2", env.cps.cps[models.ResourceManga].Cursor, "abort keeps the last durable checkpoint")

	// the cursor survived, so the retry only covers the unfetched pages
	sum, err = env.pipe.Run(ctx, models.ResourceManga, false)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.EntitiesCreated)
	assert.Equal(t, "4", env.cps.cps[models.ResourceManga].Cursor)
}

func openCatalogDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`PRAGMA foreign_keys = ON;`)
	require.NoError(t, err)

	schema, err := os.ReadFile("../../docs/schema.sql")
	require.NoError(t, err)
	_, err = db.Exec(string(schema))
	require.NoError(t, err)

	return db
}

func TestPipeline_UnexpandedCreatorRefDoesNotStallRun(t *testing.T) {
	ctx := context.Background()
	db := openCatalogDB(t)

	// an artist relationship without attributes, as the upstream sends
	// when the record type is not expanded; it must not become an
	// author ref or the foreign key write can never succeed
	rec := models.RawRecord{Resource: models.ResourceManga, ID: "m1", Payload: []byte(`{
		"id": "m1",
		"attributes": {
			"title": {"en": "One"},
			"status": "ongoing",
			"updatedAt": "2024-02-01T00:00:00Z"
		},
		"relationships": [
			{"id": "a1", "type": "author", "attributes": {"name": "Writer"}},
			{"id": "artist-1", "type": "artist"}
		]
	}`)}

	docs := newMemDocs()
	cps := store.NewSQLiteCheckpoints(db)
	pipe := &Pipeline{
		Fetcher:     &memFetcher{records: []models.RawRecord{rec}, pageSize: 10, failAt: -1},
		Normalizer:  normalize.New("en"),
		Writer:      store.NewWriter(docs, store.NewSQLiteCatalog(db)),
		Docs:        docs,
		Checkpoints: cps,
	}

	sum, err := pipe.Run(ctx, models.ResourceManga, false)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.EntitiesCreated, "author a1 and manga m1")
	assert.Equal(t, 0, sum.EntitiesFailed)

	cp, err := cps.Load(ctx, models.ResourceManga)
	require.NoError(t, err)
	require.NotNil(t, cp, "checkpoint must advance past the page")
	assert.Equal(t, "1", cp.Cursor)

	var links int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM manga_authors`).Scan(&links))
	assert.Equal(t, 1, links, "only the resolvable author is linked")

	// a second run must not hit the same page failure loop
	sum, err = pipe.Run(ctx, models.ResourceManga, true)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.EntitiesFailed)
	assert.Equal(t, 2, sum.EntitiesSkipped)
}

func TestPipeline_RejectsUnknownResource(t *testing.T) {
	env := newTestEnv(nil, 2)
	_, err := env.pipe.Run(context.Background(), models.ResourceType("cover"), false)
	require.Error(t, err)
}

// blockingFetcher parks the first Fetch until released, to hold a run
// open while the test probes the single-writer guard.
type blockingFetcher struct {
	started chan struct{}
	release chan struct{}
}

func (f *blockingFetcher) Fetch(ctx context.Context, resource models.ResourceType, cursor string) (*models.RawPage, error) {
	close(f.started)
	select {
	case <-f.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &models.RawPage{Resource: resource}, nil
}

func TestService_SingleWriterPerResource(t *testing.T) {
	ctx := context.Background()
	fetcher := &blockingFetcher{started: make(chan struct{}), release: make(chan struct{})}
	docs := newMemDocs()

	svc := NewService(&Pipeline{
		Fetcher:     fetcher,
		Normalizer:  normalize.New("en"),
		Writer:      store.NewWriter(docs, newMemCatalog()),
		Docs:        docs,
		Checkpoints: newMemCheckpoints(),
	})

	done := make(chan error, 1)
	go func() {
		_, err := svc.Run(ctx, models.ResourceManga, false)
		done <- err
	}()

	<-fetcher.started
	assert.Equal(t, []models.ResourceType{models.ResourceManga}, svc.Running())

	_, err := svc.Run(ctx, models.ResourceManga, false)
	require.ErrorIs(t, err, ErrRunInProgress)

	close(fetcher.release)
	require.NoError(t, <-done)
	assert.Empty(t, svc.Running())
}
