package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/sage/pkg/database"
	"github.com/Ramsey-B/sage/pkg/models"
	"github.com/Ramsey-B/sage/pkg/tracing"
)

const table = "profiles"

// total_submissions is generated from submission_ids and never written.
var writeColumns = []string{
	"id", "primary_email", "primary_phone", "full_name",
	"linked_emails", "linked_phones", "linked_names",
	"submission_ids", "form_ids",
	"first_submission_date", "last_submission_date",
	"match_confidence", "merged_from_ids", "rebuild_run_id",
	"created_at", "updated_at",
}

var readColumns = append(append([]string{}, writeColumns...), "total_submissions")

var sortColumns = map[string]string{
	"created_at":            "created_at",
	"updated_at":            "updated_at",
	"last_submission_date":  "last_submission_date",
	"first_submission_date": "first_submission_date",
	"total_submissions":     "total_submissions",
	"full_name":             "full_name",
	"primary_email":         "primary_email",
	"match_confidence":      "match_confidence",
}

// Repository handles profile persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new profile repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

func (r *Repository) InTx(ctx context.Context, opts *sql.TxOptions, fn func(ctx context.Context) error) error {
	return r.db.InTx(ctx, opts, fn)
}

func values(p *models.Profile) []any {
	return []any{
		p.ID, p.PrimaryEmail, p.PrimaryPhone, p.FullName,
		p.LinkedEmails, p.LinkedPhones, p.LinkedNames,
		p.SubmissionIDs, p.FormIDs,
		p.FirstSubmissionDate, p.LastSubmissionDate,
		p.MatchConfidence, p.MergedFromIDs, p.RebuildRunID,
		p.CreatedAt, p.UpdatedAt,
	}
}

// Get retrieves a profile by ID
func (r *Repository) Get(ctx context.Context, id string) (*models.Profile, error) {
	ctx, span := tracing.StartSpan(ctx, "profile.Repository.Get")
	defer span.End()

	return r.get(ctx, id, false)
}

// GetForUpdate retrieves a profile and row-locks it for the rest of the transaction.
func (r *Repository) GetForUpdate(ctx context.Context, id string) (*models.Profile, error) {
	ctx, span := tracing.StartSpan(ctx, "profile.Repository.GetForUpdate")
	defer span.End()

	return r.get(ctx, id, true)
}

func (r *Repository) get(ctx context.Context, id string, forUpdate bool) (*models.Profile, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(readColumns...)
	sb.From(table)
	sb.Where(sb.Equal("id", id))
	if forUpdate {
		sb.ForUpdate()
	}

	query, args := sb.Build()
	var p models.Profile
	if err := r.db.Conn(ctx).GetContext(ctx, &p, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, profileNotFound(id)
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"profile_id": id}).Error("Failed to get profile")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get profile")
	}

	return &p, nil
}

func profileNotFound(id string) error {
	return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("profile %s not found", id))
}

// FindByIdentifiers returns every profile sharing any of the given emails or phones.
// Email matches sort first, then oldest first.
func (r *Repository) FindByIdentifiers(ctx context.Context, emails, phones []string) ([]*models.Profile, error) {
	ctx, span := tracing.StartSpan(ctx, "profile.Repository.FindByIdentifiers")
	defer span.End()

	if len(emails) == 0 && len(phones) == 0 {
		return nil, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(readColumns...)
	sb.From(table)
	sb.Where(sb.Or(
		database.ArrayOverlaps(sb, "linked_emails", emails),
		database.ArrayOverlaps(sb, "linked_phones", phones),
	))
	sb.OrderBy(
		fmt.Sprintf("(%s) DESC", database.ArrayOverlaps(sb, "linked_emails", emails)),
		"created_at ASC",
		"id ASC",
	)

	query, args := sb.Build()
	var profiles []*models.Profile
	if err := r.db.Conn(ctx).SelectContext(ctx, &profiles, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"email_count": len(emails),
			"phone_count": len(phones),
		}).Error("Failed to find profiles by identifiers")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to find profiles")
	}

	return profiles, nil
}

// LockIdentifiers takes a transaction-scoped advisory lock per identifier key,
// in sorted order so concurrent callers cannot deadlock.
func (r *Repository) LockIdentifiers(ctx context.Context, keys []string) error {
	ctx, span := tracing.StartSpan(ctx, "profile.Repository.LockIdentifiers")
	defer span.End()

	if database.TxFromContext(ctx) == nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "identifier locks require a transaction")
	}

	sorted := append([]string{}, keys...)
	sort.Strings(sorted)

	conn := r.db.Conn(ctx)
	for _, key := range sorted {
		if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", key); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"key": key}).Error("Failed to lock identifier")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to lock identifier")
		}
	}

	return nil
}

// Create inserts a new profile
func (r *Repository) Create(ctx context.Context, p *models.Profile) error {
	ctx, span := tracing.StartSpan(ctx, "profile.Repository.Create")
	defer span.End()

	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	p.Recount()

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols(writeColumns...)
	ib.Values(values(p)...)

	query, args := ib.Build()
	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"profile_id": p.ID}).Error("Failed to create profile")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create profile")
	}

	return nil
}

// Update persists every mutable field of a profile
func (r *Repository) Update(ctx context.Context, p *models.Profile) error {
	ctx, span := tracing.StartSpan(ctx, "profile.Repository.Update")
	defer span.End()

	p.UpdatedAt = time.Now().UTC()
	p.Recount()

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(table)
	ub.Set(
		ub.Assign("primary_email", p.PrimaryEmail),
		ub.Assign("primary_phone", p.PrimaryPhone),
		ub.Assign("full_name", p.FullName),
		ub.Assign("linked_emails", p.LinkedEmails),
		ub.Assign("linked_phones", p.LinkedPhones),
		ub.Assign("linked_names", p.LinkedNames),
		ub.Assign("submission_ids", p.SubmissionIDs),
		ub.Assign("form_ids", p.FormIDs),
		ub.Assign("first_submission_date", p.FirstSubmissionDate),
		ub.Assign("last_submission_date", p.LastSubmissionDate),
		ub.Assign("match_confidence", p.MatchConfidence),
		ub.Assign("merged_from_ids", p.MergedFromIDs),
		ub.Assign("updated_at", p.UpdatedAt),
	)
	ub.Where(ub.Equal("id", p.ID))

	query, args := ub.Build()
	result, err := r.db.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"profile_id": p.ID}).Error("Failed to update profile")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update profile")
	}

	if rows, _ := result.RowsAffected(); rows == 0 {
		return profileNotFound(p.ID)
	}

	return nil
}

// Delete removes a profile
func (r *Repository) Delete(ctx context.Context, id string) error {
	ctx, span := tracing.StartSpan(ctx, "profile.Repository.Delete")
	defer span.End()

	db := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	db.DeleteFrom(table)
	db.Where(db.Equal("id", id))

	query, args := db.Build()
	result, err := r.db.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"profile_id": id}).Error("Failed to delete profile")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete profile")
	}

	if rows, _ := result.RowsAffected(); rows == 0 {
		return profileNotFound(id)
	}

	return nil
}

// List returns one page of profiles and the total match count.
// Search matches the primary fields and any linked identifier, case-insensitively.
func (r *Repository) List(ctx context.Context, q models.ProfileListQuery) ([]*models.Profile, int, error) {
	ctx, span := tracing.StartSpan(ctx, "profile.Repository.List")
	defer span.End()

	filter := func(sb *sqlbuilder.SelectBuilder) {
		search := strings.TrimSpace(q.Search)
		if search == "" {
			return
		}
		pattern := database.LikePattern(search)
		sb.Where(sb.Or(
			sb.ILike("full_name", pattern),
			sb.ILike("primary_email", pattern),
			sb.ILike("primary_phone", pattern),
			database.ArrayElementILike(sb, "linked_emails", pattern),
			database.ArrayElementILike(sb, "linked_phones", pattern),
			database.ArrayElementILike(sb, "linked_names", pattern),
		))
	}

	cb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	cb.Select("COUNT(*)")
	cb.From(table)
	filter(cb)

	countQuery, countArgs := cb.Build()
	var total int
	if err := r.db.Conn(ctx).GetContext(ctx, &total, countQuery, countArgs...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to count profiles")
		return nil, 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list profiles")
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(readColumns...)
	sb.From(table)
	filter(sb)

	column, ok := sortColumns[q.SortBy]
	if !ok {
		column = "created_at"
	}
	order := "DESC"
	if strings.EqualFold(q.SortOrder, "asc") {
		order = "ASC"
	}
	sb.OrderBy(fmt.Sprintf("%s %s NULLS LAST", column, order), "id ASC")
	sb.Limit(q.Limit)
	sb.Offset((q.Page - 1) * q.Limit)

	query, args := sb.Build()
	profiles := []*models.Profile{}
	if err := r.db.Conn(ctx).SelectContext(ctx, &profiles, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list profiles")
		return nil, 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list profiles")
	}

	return profiles, total, nil
}

// ListForDuplicateScan loads the profiles a duplicate scan compares, busiest first.
func (r *Repository) ListForDuplicateScan(ctx context.Context, minSubmissions, limit int) ([]*models.Profile, error) {
	ctx, span := tracing.StartSpan(ctx, "profile.Repository.ListForDuplicateScan")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(readColumns...)
	sb.From(table)
	sb.Where(sb.GreaterEqualThan("total_submissions", minSubmissions))
	sb.OrderBy("total_submissions DESC", "id ASC")
	sb.Limit(limit)

	query, args := sb.Build()
	var profiles []*models.Profile
	if err := r.db.Conn(ctx).SelectContext(ctx, &profiles, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list profiles for duplicate scan")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list profiles")
	}

	return profiles, nil
}

// UpsertBatch writes rebuilt profiles keyed by their deterministic ids and stamps them with runID.
func (r *Repository) UpsertBatch(ctx context.Context, runID string, profiles []*models.Profile) error {
	ctx, span := tracing.StartSpan(ctx, "profile.Repository.UpsertBatch")
	defer span.End()

	if len(profiles) == 0 {
		return nil
	}

	now := time.Now().UTC()
	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols(writeColumns...)
	for _, p := range profiles {
		p.RebuildRunID = &runID
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		p.UpdatedAt = now
		p.Recount()
		ib.Values(values(p)...)
	}

	query, args := ib.Build()
	query += " ON CONFLICT (id) DO UPDATE SET " + database.Excluded(
		"primary_email", "primary_phone", "full_name",
		"linked_emails", "linked_phones", "linked_names",
		"submission_ids", "form_ids",
		"first_submission_date", "last_submission_date",
		"match_confidence", "merged_from_ids", "rebuild_run_id", "updated_at",
	)

	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"run_id": runID,
			"count":  len(profiles),
		}).Error("Failed to upsert profile batch")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert profiles")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"run_id": runID, "count": len(profiles)}).Debug("Upserted profile batch")
	return nil
}

// DeleteStale removes every profile not written by runID and returns how many were removed.
func (r *Repository) DeleteStale(ctx context.Context, runID string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "profile.Repository.DeleteStale")
	defer span.End()

	db := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	db.DeleteFrom(table)
	db.Where(db.Or(
		db.IsNull("rebuild_run_id"),
		db.NotEqual("rebuild_run_id", runID),
	))

	query, args := db.Build()
	result, err := r.db.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"run_id": runID}).Error("Failed to delete stale profiles")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete stale profiles")
	}

	rows, _ := result.RowsAffected()
	return int(rows), nil
}
