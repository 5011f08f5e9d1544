package events

import (
	"time"

	"mangapipe/pkg/models"
)

const (
	RunStartedType    = "run.started"
	PageCommittedType = "page.committed"
	RunFinishedType   = "run.finished"
	RunFailedType     = "run.failed"
)

// RunEvent is what the hub pushes to subscribers while a run is live.
// The dashboard listens to these instead of polling the stores.
type RunEvent struct {
	Type     string              `json:"type"`
	RunID    string              `json:"run_id"`
	Resource models.ResourceType `json:"resource"`
	Cursor   string              `json:"cursor,omitempty"`
	Created  int                 `json:"created,omitempty"`
	Updated  int                 `json:"updated,omitempty"`
	Skipped  int                 `json:"skipped,omitempty"`
	Failed   int                 `json:"failed,omitempty"`
	Reason   string              `json:"reason,omitempty"`
	At       time.Time           `json:"at"`
}
