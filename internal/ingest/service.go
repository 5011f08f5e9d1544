package ingest

import (
	"context"
	"errors"
	"sync"

	"mangapipe/pkg/models"
)

// ErrRunInProgress means a run for the same resource type is already
// active. One logical writer owns pagination and checkpoint
// advancement per resource type; concurrent triggers are rejected, not
// queued.
var ErrRunInProgress = errors.New("ingestion run already in progress for this resource")

// Service wraps a Pipeline with the single-writer guard. Different
// resource types run concurrently; the same type never does.
type Service struct {
	pipe *Pipeline

	mu      sync.Mutex
	running map[models.ResourceType]bool
}

func NewService(p *Pipeline) *Service {
	return &Service{
		pipe:    p,
		running: make(map[models.ResourceType]bool),
	}
}

func (s *Service) Run(ctx context.Context, resource models.ResourceType, restart bool) (*models.RunSummary, error) {
	if !resource.Valid() {
		return nil, errors.New("unknown resource type " + string(resource))
	}

	s.mu.Lock()
	if s.running[resource] {
		s.mu.Unlock()
		return nil, ErrRunInProgress
	}
	s.running[resource] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, resource)
		s.mu.Unlock()
	}()

	return s.pipe.Run(ctx, resource, restart)
}

// Running lists resource types with an active run.
func (s *Service) Running() []models.ResourceType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ResourceType, 0, len(s.running))
	for rt := range s.running {
		out = append(out, rt)
	}
	return out
}
