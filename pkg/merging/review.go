package merging

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	sagecontext "github.com/Ramsey-B/sage/pkg/context"
	"github.com/Ramsey-B/sage/pkg/models"
	"github.com/Ramsey-B/sage/pkg/tracing"
)

type CandidateQueue interface {
	Get(ctx context.Context, id string) (*models.MergeCandidate, error)
	ListPending(ctx context.Context, limit int) ([]*models.MergeCandidate, error)
	Resolve(ctx context.Context, id string, status models.MergeCandidateStatus, resolvedBy *string) error
}

type ProfileReader interface {
	Get(ctx context.Context, id string) (*models.Profile, error)
}

// Reviewer works the queue of suspected duplicate pairs.
type Reviewer struct {
	queue    CandidateQueue
	profiles ProfileReader
	merger   *Merger
	logger   ectologger.Logger
}

func NewReviewer(queue CandidateQueue, profiles ProfileReader, merger *Merger, logger ectologger.Logger) *Reviewer {
	return &Reviewer{
		queue:    queue,
		profiles: profiles,
		merger:   merger,
		logger:   logger,
	}
}

func (r *Reviewer) ListPending(ctx context.Context, limit int) ([]*models.MergeCandidate, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Reviewer.ListPending")
	defer span.End()

	return r.queue.ListPending(ctx, limit)
}

// Approve merges the pair, keeping the older profile as primary. The merge
// itself marks the candidate merged.
func (r *Reviewer) Approve(ctx context.Context, candidateID string) (*models.MergeCandidate, *models.MergeResult, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Reviewer.Approve")
	defer span.End()

	c, err := r.pending(ctx, candidateID)
	if err != nil {
		return nil, nil, err
	}

	a, err := r.profiles.Get(ctx, c.ProfileAID)
	if err != nil {
		return nil, nil, err
	}
	b, err := r.profiles.Get(ctx, c.ProfileBID)
	if err != nil {
		return nil, nil, err
	}

	primary, dup := a, b
	if b.CreatedAt.Before(a.CreatedAt) {
		primary, dup = b, a
	}

	result, err := r.merger.MergeProfiles(ctx, primary.ID, []string{dup.ID})
	if err != nil {
		return nil, nil, err
	}

	c, err = r.queue.Get(ctx, candidateID)
	if err != nil {
		return nil, nil, err
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"candidate_id": candidateID,
		"primary_id":   primary.ID,
		"merged_id":    dup.ID,
	}).Info("Approved merge candidate")

	return c, result, nil
}

// Reject closes the candidate without touching either profile.
func (r *Reviewer) Reject(ctx context.Context, candidateID string) (*models.MergeCandidate, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Reviewer.Reject")
	defer span.End()

	if _, err := r.pending(ctx, candidateID); err != nil {
		return nil, err
	}

	resolvedBy := models.StringPtr(sagecontext.GetUserID(ctx))
	if err := r.queue.Resolve(ctx, candidateID, models.MergeCandidateStatusRejected, resolvedBy); err != nil {
		return nil, err
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"candidate_id": candidateID}).Info("Rejected merge candidate")
	return r.queue.Get(ctx, candidateID)
}

func (r *Reviewer) pending(ctx context.Context, candidateID string) (*models.MergeCandidate, error) {
	c, err := r.queue.Get(ctx, candidateID)
	if err != nil {
		return nil, err
	}
	if c.Status != models.MergeCandidateStatusPending {
		return nil, httperror.NewHTTPError(http.StatusConflict, fmt.Sprintf("merge candidate %s is not pending", candidateID))
	}
	return c, nil
}
