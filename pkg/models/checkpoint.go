package models

import "time"

// Checkpoint is the persisted progress marker for one resource type.
// It is the only cross-run state the pipeline keeps: it is created on
// the first run and only ever advanced after a WriteSet is confirmed
// durable in both stores.
type Checkpoint struct {
	Resource     ResourceType `json:"resource"`
	Cursor       string       `json:"cursor"`
	LastEntityID string       `json:"last_entity_id,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at"`
}
