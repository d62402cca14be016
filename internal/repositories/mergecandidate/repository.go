package mergecandidate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/sage/pkg/database"
	"github.com/Ramsey-B/sage/pkg/models"
	"github.com/Ramsey-B/sage/pkg/tracing"
)

const table = "profile_merge_candidates"

var columns = []string{
	"id", "profile_a_id", "profile_b_id", "reason", "confidence", "match_reasons",
	"submission_id", "status", "resolved_by", "resolved_at", "created_at", "updated_at",
}

// Repository handles merge candidate persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new merge candidate repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Upsert records a candidate pair. An existing pending row for the same pair keeps
// the higher confidence and the union of reasons; resolved rows are left alone.
func (r *Repository) Upsert(ctx context.Context, candidate *models.MergeCandidate) error {
	ctx, span := tracing.StartSpan(ctx, "mergecandidate.Repository.Upsert")
	defer span.End()

	if candidate.ID == "" {
		candidate.ID = uuid.New().String()
	}
	candidate.CreatedAt = time.Now().UTC()
	candidate.UpdatedAt = candidate.CreatedAt
	if candidate.Status == "" {
		candidate.Status = models.MergeCandidateStatusPending
	}

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols(columns...)
	ib.Values(candidate.ID, candidate.ProfileAID, candidate.ProfileBID, candidate.Reason, candidate.Confidence, candidate.MatchReasons,
		candidate.SubmissionID, candidate.Status, candidate.ResolvedBy, candidate.ResolvedAt, candidate.CreatedAt, candidate.UpdatedAt)

	query, args := ib.Build()
	query += fmt.Sprintf(` ON CONFLICT (profile_a_id, profile_b_id) DO UPDATE SET
		confidence = GREATEST(%[1]s.confidence, EXCLUDED.confidence),
		match_reasons = ARRAY(SELECT DISTINCT unnest(%[1]s.match_reasons || EXCLUDED.match_reasons)),
		updated_at = EXCLUDED.updated_at
		WHERE %[1]s.status = 'pending'`, table)

	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"profile_a_id": candidate.ProfileAID,
			"profile_b_id": candidate.ProfileBID,
		}).Error("Failed to upsert merge candidate")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to record merge candidate")
	}

	return nil
}

// Get retrieves a merge candidate by ID
func (r *Repository) Get(ctx context.Context, id string) (*models.MergeCandidate, error) {
	ctx, span := tracing.StartSpan(ctx, "mergecandidate.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var candidate models.MergeCandidate
	if err := r.db.Conn(ctx).GetContext(ctx, &candidate, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("merge candidate %s not found", id))
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get merge candidate")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get merge candidate")
	}

	return &candidate, nil
}

// ListPending retrieves pending candidates for review, highest confidence first
func (r *Repository) ListPending(ctx context.Context, limit int) ([]*models.MergeCandidate, error) {
	ctx, span := tracing.StartSpan(ctx, "mergecandidate.Repository.ListPending")
	defer span.End()

	if limit < 1 || limit > 500 {
		limit = 100
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.Equal("status", models.MergeCandidateStatusPending))
	sb.OrderBy("confidence DESC", "created_at DESC")
	sb.Limit(limit)

	query, args := sb.Build()
	candidates := []*models.MergeCandidate{}
	if err := r.db.Conn(ctx).SelectContext(ctx, &candidates, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list pending merge candidates")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list merge candidates")
	}

	return candidates, nil
}

// Resolve moves a pending candidate to status. Resolving a non-pending candidate is a conflict.
func (r *Repository) Resolve(ctx context.Context, id string, status models.MergeCandidateStatus, resolvedBy *string) error {
	ctx, span := tracing.StartSpan(ctx, "mergecandidate.Repository.Resolve")
	defer span.End()

	now := time.Now().UTC()
	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(table)
	ub.Set(
		ub.Assign("status", status),
		ub.Assign("resolved_by", resolvedBy),
		ub.Assign("resolved_at", now),
		ub.Assign("updated_at", now),
	)
	ub.Where(
		ub.Equal("id", id),
		ub.Equal("status", models.MergeCandidateStatusPending),
	)

	query, args := ub.Build()
	result, err := r.db.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"candidate_id": id}).Error("Failed to resolve merge candidate")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to resolve merge candidate")
	}

	if rows, _ := result.RowsAffected(); rows == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return httperror.NewHTTPError(http.StatusConflict, fmt.Sprintf("merge candidate %s is not pending", id))
	}

	return nil
}

// ResolveByProfiles resolves every pending candidate involving any of profileIDs.
func (r *Repository) ResolveByProfiles(ctx context.Context, profileIDs []string, status models.MergeCandidateStatus, resolvedBy *string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "mergecandidate.Repository.ResolveByProfiles")
	defer span.End()

	if len(profileIDs) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(table)
	ub.Set(
		ub.Assign("status", status),
		ub.Assign("resolved_by", resolvedBy),
		ub.Assign("resolved_at", now),
		ub.Assign("updated_at", now),
	)
	ub.Where(
		ub.Equal("status", models.MergeCandidateStatusPending),
		ub.Or(
			ub.In("profile_a_id", sqlbuilder.List(profileIDs)),
			ub.In("profile_b_id", sqlbuilder.List(profileIDs)),
		),
	)

	query, args := ub.Build()
	result, err := r.db.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to resolve merge candidates by profile")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to resolve merge candidates")
	}

	rows, _ := result.RowsAffected()
	return int(rows), nil
}
