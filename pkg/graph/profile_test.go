package graph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Ramsey-B/sage/pkg/models"
)

func TestProfileProps(t *testing.T) {
	runID := "run-1"
	p := &models.Profile{
		ID:            "p1",
		PrimaryEmail:  models.StringPtr("a@x.com"),
		LinkedEmails:  models.NewStringSet("a@x.com"),
		SubmissionIDs: models.NewStringSet("s1", "s2"),
		RebuildRunID:  &runID,
		UpdatedAt:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	p.Recount()

	props := profileProps(p)
	assert.Equal(t, "p1", props["id"])
	assert.Equal(t, "a@x.com", props["primary_email"])
	assert.Equal(t, 2, props["total_submissions"])
	assert.Equal(t, "run-1", props["rebuild_run_id"])
	assert.Equal(t, "2024-01-01T00:00:00Z", props["updated_at"])
	assert.NotContains(t, props, "full_name")
	assert.NotContains(t, props, "primary_phone")
	assert.Equal(t, []string{}, props["linked_phones"])
}

func TestNoopProjector(t *testing.T) {
	var p Projector = NoopProjector{}
	ctx := context.Background()
	assert.NoError(t, p.ProjectProfiles(ctx, &models.Profile{ID: "p1"}))
	assert.NoError(t, p.ProjectSubmission(ctx, "p1", "s1", "f1"))
	assert.NoError(t, p.ProjectMerge(ctx, &models.Profile{ID: "p1"}, []string{"p2"}))
	assert.NoError(t, p.SweepProfiles(ctx, "run"))
}
