// Package submission reads form submissions owned by the forms service.
package submission

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/sage/pkg/database"
	"github.com/Ramsey-B/sage/pkg/models"
	"github.com/Ramsey-B/sage/pkg/tracing"
)

type fieldRow struct {
	SubmissionID string `db:"submission_id"`
	models.SubmissionField
}

// Repository handles read access to submissions and forms
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new submission repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Get retrieves a submission with its fields
func (r *Repository) Get(ctx context.Context, id string) (*models.Submission, error) {
	ctx, span := tracing.StartSpan(ctx, "submission.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "form_id", "submitted_at")
	sb.From("submissions")
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var sub models.Submission
	if err := r.db.Conn(ctx).GetContext(ctx, &sub, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("submission %s not found", id))
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"submission_id": id}).Error("Failed to get submission")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get submission")
	}

	if err := r.attachFields(ctx, []*models.Submission{&sub}); err != nil {
		return nil, err
	}

	return &sub, nil
}

// ListByIDs retrieves submissions with their fields, oldest first. Unknown ids are skipped.
func (r *Repository) ListByIDs(ctx context.Context, ids []string) ([]*models.Submission, error) {
	ctx, span := tracing.StartSpan(ctx, "submission.Repository.ListByIDs")
	defer span.End()

	if len(ids) == 0 {
		return []*models.Submission{}, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "form_id", "submitted_at")
	sb.From("submissions")
	sb.Where(sb.In("id", sqlbuilder.List(ids)))
	sb.OrderBy("submitted_at ASC", "id ASC")

	return r.selectWithFields(ctx, sb)
}

// Page returns up to limit submissions with ids greater than afterID, in id order.
func (r *Repository) Page(ctx context.Context, afterID string, limit int) ([]*models.Submission, error) {
	ctx, span := tracing.StartSpan(ctx, "submission.Repository.Page")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "form_id", "submitted_at")
	sb.From("submissions")
	if afterID != "" {
		sb.Where(sb.GreaterThan("id", afterID))
	}
	sb.OrderBy("id ASC")
	sb.Limit(limit)

	return r.selectWithFields(ctx, sb)
}

func (r *Repository) selectWithFields(ctx context.Context, sb *sqlbuilder.SelectBuilder) ([]*models.Submission, error) {
	query, args := sb.Build()
	subs := []*models.Submission{}
	if err := r.db.Conn(ctx).SelectContext(ctx, &subs, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list submissions")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list submissions")
	}

	if err := r.attachFields(ctx, subs); err != nil {
		return nil, err
	}

	return subs, nil
}

func (r *Repository) attachFields(ctx context.Context, subs []*models.Submission) error {
	if len(subs) == 0 {
		return nil
	}

	byID := make(map[string]*models.Submission, len(subs))
	ids := make([]string, 0, len(subs))
	for _, s := range subs {
		byID[s.ID] = s
		ids = append(ids, s.ID)
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("submission_id", "field_id", "label", "field_type", "value", "encrypted")
	sb.From("submission_values")
	sb.Where(sb.In("submission_id", sqlbuilder.List(ids)))
	sb.OrderBy("submission_id", "position", "field_id")

	query, args := sb.Build()
	var rows []fieldRow
	if err := r.db.Conn(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"count": len(ids)}).Error("Failed to load submission values")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to load submission values")
	}

	for _, row := range rows {
		if s, ok := byID[row.SubmissionID]; ok {
			s.Fields = append(s.Fields, row.SubmissionField)
		}
	}

	return nil
}

// GetForms returns the forms with the given ids keyed by id.
func (r *Repository) GetForms(ctx context.Context, ids []string) (map[string]models.Form, error) {
	ctx, span := tracing.StartSpan(ctx, "submission.Repository.GetForms")
	defer span.End()

	forms := make(map[string]models.Form, len(ids))
	if len(ids) == 0 {
		return forms, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "title")
	sb.From("forms")
	sb.Where(sb.In("id", sqlbuilder.List(ids)))

	query, args := sb.Build()
	var rows []models.Form
	if err := r.db.Conn(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get forms")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get forms")
	}

	for _, f := range rows {
		forms[f.ID] = f
	}
	return forms, nil
}
