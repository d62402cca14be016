package rebuild

import (
	"context"
	"sync"

	"github.com/Ramsey-B/sage/pkg/models"
)

// CheckpointStore persists the progress of the current rebuild run.
type CheckpointStore interface {
	Load(ctx context.Context) (*models.RebuildCheckpoint, error)
	Save(ctx context.Context, cp *models.RebuildCheckpoint) error
}

// MemoryCheckpointStore keeps the checkpoint in process. Used when Redis is disabled.
type MemoryCheckpointStore struct {
	mu sync.Mutex
	cp *models.RebuildCheckpoint
}

func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{}
}

func (s *MemoryCheckpointStore) Load(_ context.Context) (*models.RebuildCheckpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cp == nil {
		return nil, nil
	}
	cp := *s.cp
	return &cp, nil
}

func (s *MemoryCheckpointStore) Save(_ context.Context, cp *models.RebuildCheckpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *cp
	s.cp = &c
	return nil
}
