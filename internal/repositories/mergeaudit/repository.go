package mergeaudit

import (
	"context"
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

const table = "profile_merge_audit"

var columns = []string{
	"id", "primary_profile_id", "merged_profile_ids", "resulting_submission_count", "resulting_form_count",
	"confidence_before", "confidence_after", "performed_by", "snapshots", "created_at",
}

// Repository handles merge audit persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new merge audit repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Create writes an audit record
func (r *Repository) Create(ctx context.Context, record *models.MergeAuditRecord) error {
	ctx, span := tracing.StartSpan(ctx, "mergeaudit.Repository.Create")
	defer span.End()

	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	record.CreatedAt = time.Now().UTC()

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols(columns...)
	ib.Values(record.ID, record.PrimaryProfileID, record.MergedProfileIDs, record.ResultingSubmissionCount, record.ResultingFormCount,
		record.ConfidenceBefore, record.ConfidenceAfter, record.PerformedBy, record.Snapshots, record.CreatedAt)

	query, args := ib.Build()
	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"primary_profile_id": record.PrimaryProfileID}).Error("Failed to create merge audit record")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create merge audit record")
	}

	return nil
}

// ListByProfile returns the merges a profile took part in, as primary or absorbed, newest first.
func (r *Repository) ListByProfile(ctx context.Context, profileID string) ([]*models.MergeAuditRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "mergeaudit.Repository.ListByProfile")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.Or(
		sb.Equal("primary_profile_id", profileID),
		database.ArrayContains(sb, "merged_profile_ids", profileID),
	))
	sb.OrderBy("created_at DESC")

	query, args := sb.Build()
	records := []*models.MergeAuditRecord{}
	if err := r.db.Conn(ctx).SelectContext(ctx, &records, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"profile_id": profileID}).Error("Failed to list merge audit records")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list merge history")
	}

	return records, nil
}
