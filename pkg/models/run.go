package models

import "time"

// FailureStage says where in the pipeline an entity or page was lost.
type FailureStage string

const (
	StageFetch     FailureStage = "fetch"
	StageNormalize FailureStage = "normalize"
	StageWrite     FailureStage = "write"
)

// Failure is one attributable per-record or per-entity error from a run.
type Failure struct {
	Stage    FailureStage `json:"stage"`
	Resource ResourceType `json:"resource"`
	EntityID string       `json:"entity_id,omitempty"`
	Store    string       `json:"store,omitempty"` // write failures: "document" or "relational"
	Reason   string       `json:"reason"`
}

// RunSummary is what a single ingestion run reports back to whoever
// triggered it (CLI, HTTP endpoint, scheduler).
type RunSummary struct {
	RunID           string       `json:"run_id"`
	Resource        ResourceType `json:"resource"`
	StartedAt       time.Time    `json:"started_at"`
	FinishedAt      time.Time    `json:"finished_at"`
	PagesFetched    int          `json:"pages_fetched"`
	EntitiesCreated int          `json:"entities_created"`
	EntitiesUpdated int          `json:"entities_updated"`
	EntitiesSkipped int          `json:"entities_skipped"` // reconciled to NoOp
	EntitiesFailed  int          `json:"entities_failed"`
	FinalCursor     string       `json:"final_cursor"`
	Failures        []Failure    `json:"failures,omitempty"`
}
