package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/sage/pkg/models"
)

// CheckpointStore keeps the latest rebuild checkpoint under a single key.
type CheckpointStore struct {
	client *Client
	key    string
	ttl    time.Duration
}

// NewCheckpointStore creates a checkpoint store. Checkpoints expire after ttl; zero keeps them.
func NewCheckpointStore(client *Client, keyPrefix string, ttl time.Duration) *CheckpointStore {
	return &CheckpointStore{
		client: client,
		key:    checkpointKey(keyPrefix),
		ttl:    ttl,
	}
}

func checkpointKey(prefix string) string {
	return prefix + "rebuild:checkpoint"
}

// Load returns the stored checkpoint, or nil when there is none.
func (s *CheckpointStore) Load(ctx context.Context) (*models.RebuildCheckpoint, error) {
	raw, err := s.client.rdb.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load rebuild checkpoint: %w", err)
	}

	var cp models.RebuildCheckpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("failed to decode rebuild checkpoint: %w", err)
	}
	return &cp, nil
}

// Save overwrites the stored checkpoint.
func (s *CheckpointStore) Save(ctx context.Context, cp *models.RebuildCheckpoint) error {
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to encode rebuild checkpoint: %w", err)
	}

	if err := s.client.rdb.Set(ctx, s.key, raw, s.ttl).Err(); err != nil {
		s.client.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"run_id": cp.RunID}).Error("Failed to save rebuild checkpoint")
		return fmt.Errorf("failed to save rebuild checkpoint: %w", err)
	}
	return nil
}
