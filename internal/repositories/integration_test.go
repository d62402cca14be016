package repositories_test

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ramsey-B/sage/internal/repositories/mergeaudit"
	"github.com/Ramsey-B/sage/internal/repositories/mergecandidate"
	"github.com/Ramsey-B/sage/internal/repositories/profile"
	"github.com/Ramsey-B/sage/internal/repositories/submission"
	"github.com/Ramsey-B/sage/pkg/database"
	"github.com/Ramsey-B/sage/pkg/events"
	"github.com/Ramsey-B/sage/pkg/extractor"
	"github.com/Ramsey-B/sage/pkg/matching"
	"github.com/Ramsey-B/sage/pkg/models"
	"github.com/Ramsey-B/sage/pkg/profilesync"
)

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getTestDB connects to the database named by SAGE_TEST_DB_*, applies the
// migrations and empties every table. Without SAGE_TEST_DB_HOST the test is skipped.
func getTestDB(t *testing.T) database.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	host := os.Getenv("SAGE_TEST_DB_HOST")
	if host == "" {
		t.Skip("SAGE_TEST_DB_HOST not set")
	}

	logger := getTestLogger()
	cfg := database.Config{
		Host:     host,
		Port:     envOr("SAGE_TEST_DB_PORT", "5432"),
		User:     envOr("SAGE_TEST_DB_USER", "postgres"),
		Password: envOr("SAGE_TEST_DB_PASSWORD", "postgres"),
		Name:     envOr("SAGE_TEST_DB_NAME", "sage_test"),
		SSLMode:  "disable",
	}

	db, err := database.Connect(context.Background(), cfg, logger)
	require.NoError(t, err, "Failed to connect to test database")
	t.Cleanup(func() { _ = db.Close() })

	instance, ok := db.(*database.DatabaseInstance)
	require.True(t, ok)
	err = database.NewMigrationService(logger, &database.MigrationConfig{
		MigrationFolderPath: "../../db/pg",
	}).MigratePostgres(instance.DB, cfg.Name)
	require.NoError(t, err)

	_, err = db.ExecContext(context.Background(), `TRUNCATE profiles, profile_merge_audit, profile_merge_candidates, submission_values, submissions, forms CASCADE`)
	require.NoError(t, err)
	return db
}

func day(d int) time.Time {
	return time.Date(2024, 3, d, 12, 0, 0, 0, time.UTC)
}

func newProfile(email, phone string, subs ...string) *models.Profile {
	p := &models.Profile{
		ID:                  uuid.New().String(),
		PrimaryEmail:        models.StringPtr(email),
		LinkedEmails:        models.NewStringSet(email),
		LinkedPhones:        models.NewStringSet(phone),
		LinkedNames:         models.NewStringSet(),
		SubmissionIDs:       models.NewStringSet(subs...),
		FormIDs:             models.NewStringSet("form-1"),
		MergedFromIDs:       models.NewStringSet(),
		FirstSubmissionDate: day(1),
		LastSubmissionDate:  day(2),
		MatchConfidence:     1.0,
	}
	if email == "" {
		p.PrimaryEmail = nil
	}
	if phone != "" {
		p.PrimaryPhone = models.StringPtr(phone)
	}
	return p
}

func insertSubmission(t *testing.T, db database.DB, id, formID string, at time.Time, fields ...models.SubmissionField) {
	t.Helper()
	ctx := context.Background()
	_, err := db.ExecContext(ctx, `INSERT INTO forms (id, title) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`, formID, "Form "+formID)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO submissions (id, form_id, submitted_at) VALUES ($1, $2, $3)`, id, formID, at)
	require.NoError(t, err)
	for i, f := range fields {
		_, err = db.ExecContext(ctx,
			`INSERT INTO submission_values (submission_id, field_id, label, field_type, value, encrypted, position) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			id, f.FieldID, f.Label, string(f.Type), f.Value, f.Encrypted, i)
		require.NoError(t, err)
	}
}

func emailField(value string) models.SubmissionField {
	return models.SubmissionField{FieldID: "email", Label: "Email", Type: models.FieldTypeEmail, Value: value}
}

func TestIntegrationProfileRepository_CRUD(t *testing.T) {
	db := getTestDB(t)
	ctx := context.Background()
	repo := profile.NewRepository(db, getTestLogger())

	p := newProfile("ann@example.com", "555-0100", "s1", "s2")
	require.NoError(t, repo.Create(ctx, p))

	got, err := repo.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.TotalSubmissions, "total_submissions is generated from submission_ids")
	assert.Equal(t, models.StringSet{"ann@example.com"}, got.LinkedEmails)
	assert.Equal(t, models.StringSet{"s1", "s2"}, got.SubmissionIDs)
	assert.True(t, got.FirstSubmissionDate.Equal(day(1)))

	got.SubmissionIDs.Add("s3")
	got.LinkedNames.Add("Ann")
	require.NoError(t, repo.Update(ctx, got))

	got, err = repo.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.TotalSubmissions)
	assert.Equal(t, models.StringSet{"Ann"}, got.LinkedNames)

	require.NoError(t, repo.Delete(ctx, p.ID))
	_, err = repo.Get(ctx, p.ID)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err))

	err = repo.Delete(ctx, p.ID)
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err))
}

func TestIntegrationProfileRepository_FindByIdentifiers(t *testing.T) {
	db := getTestDB(t)
	ctx := context.Background()
	repo := profile.NewRepository(db, getTestLogger())

	byPhone := newProfile("", "555-0100", "s1")
	require.NoError(t, repo.Create(ctx, byPhone))
	time.Sleep(5 * time.Millisecond)
	byEmail := newProfile("b@example.com", "", "s2")
	require.NoError(t, repo.Create(ctx, byEmail))
	other := newProfile("c@example.com", "555-0199", "s3")
	require.NoError(t, repo.Create(ctx, other))

	matches, err := repo.FindByIdentifiers(ctx, []string{"a@example.com", "b@example.com"}, []string{"555-0100"})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, byEmail.ID, matches[0].ID, "email matches rank before phone matches")
	assert.Equal(t, byPhone.ID, matches[1].ID)

	matches, err = repo.FindByIdentifiers(ctx, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestIntegrationProfileRepository_LockIdentifiersNeedsTransaction(t *testing.T) {
	db := getTestDB(t)
	ctx := context.Background()
	repo := profile.NewRepository(db, getTestLogger())

	err := repo.LockIdentifiers(ctx, []string{"email:a@example.com"})
	require.Error(t, err)

	err = repo.InTx(ctx, nil, func(ctx context.Context) error {
		return repo.LockIdentifiers(ctx, []string{"phone:1", "email:a@example.com"})
	})
	assert.NoError(t, err)
}

func TestIntegrationProfileRepository_ListAndDuplicateScan(t *testing.T) {
	db := getTestDB(t)
	ctx := context.Background()
	repo := profile.NewRepository(db, getTestLogger())

	busy := newProfile("busy@example.com", "", "s1", "s2", "s3")
	busy.FullName = models.StringPtr("Zed Busy")
	quiet := newProfile("quiet@example.com", "555-0142", "s4")
	require.NoError(t, repo.Create(ctx, busy))
	require.NoError(t, repo.Create(ctx, quiet))

	profiles, total, err := repo.List(ctx, models.ProfileListQuery{Page: 1, Limit: 10, Search: "0142"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, profiles, 1)
	assert.Equal(t, quiet.ID, profiles[0].ID)

	profiles, total, err = repo.List(ctx, models.ProfileListQuery{Page: 1, Limit: 1, SortBy: "total_submissions", SortOrder: "desc"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, profiles, 1)
	assert.Equal(t, busy.ID, profiles[0].ID)

	scan, err := repo.ListForDuplicateScan(ctx, 2, 500)
	require.NoError(t, err)
	require.Len(t, scan, 1)
	assert.Equal(t, busy.ID, scan[0].ID)
}

func TestIntegrationProfileRepository_UpsertBatchAndDeleteStale(t *testing.T) {
	db := getTestDB(t)
	ctx := context.Background()
	repo := profile.NewRepository(db, getTestLogger())

	live := newProfile("live@example.com", "", "s9")
	require.NoError(t, repo.Create(ctx, live))

	rebuilt := newProfile("a@example.com", "", "s1")
	require.NoError(t, repo.UpsertBatch(ctx, "run-1", []*models.Profile{rebuilt}))

	rebuilt.SubmissionIDs.Add("s2")
	rebuilt.LinkedPhones.Add("555-0100")
	require.NoError(t, repo.UpsertBatch(ctx, "run-1", []*models.Profile{rebuilt}), "rewriting the same id updates in place")

	got, err := repo.Get(ctx, rebuilt.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.TotalSubmissions)
	assert.Equal(t, models.StringSet{"555-0100"}, got.LinkedPhones)

	removed, err := repo.DeleteStale(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = repo.Get(ctx, live.ID)
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err))
	_, err = repo.Get(ctx, rebuilt.ID)
	assert.NoError(t, err)
}

func TestIntegrationSubmissionRepository(t *testing.T) {
	db := getTestDB(t)
	ctx := context.Background()
	repo := submission.NewRepository(db, getTestLogger())

	insertSubmission(t, db, "s2", "f1", day(2), emailField("b@example.com"))
	insertSubmission(t, db, "s1", "f1", day(3), emailField("a@example.com"),
		models.SubmissionField{FieldID: "phone", Label: "Phone", Type: models.FieldTypePhone, Value: "555-0100"})
	insertSubmission(t, db, "s3", "f2", day(1))

	sub, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, sub.Fields, 2)
	assert.Equal(t, models.FieldTypeEmail, sub.Fields[0].Type)
	assert.Equal(t, "555-0100", sub.Fields[1].Value)

	_, err = repo.Get(ctx, "missing")
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err))

	listed, err := repo.ListByIDs(ctx, []string{"s1", "s2", "missing"})
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "s2", listed[0].ID, "oldest first")

	page, err := repo.Page(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "s1", page[0].ID)
	assert.Equal(t, "s2", page[1].ID)

	page, err = repo.Page(ctx, "s2", 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "s3", page[0].ID)
	assert.Empty(t, page[0].Fields)

	forms, err := repo.GetForms(ctx, []string{"f1", "f2"})
	require.NoError(t, err)
	assert.Equal(t, "Form f1", forms["f1"].Title)
}

func TestIntegrationMergeAuditRepository(t *testing.T) {
	db := getTestDB(t)
	ctx := context.Background()
	repo := mergeaudit.NewRepository(db, getTestLogger())

	primary := uuid.New().String()
	absorbed := uuid.New().String()
	record := &models.MergeAuditRecord{
		PrimaryProfileID:         primary,
		MergedProfileIDs:         models.NewStringSet(absorbed),
		ResultingSubmissionCount: 3,
		ResultingFormCount:       2,
		ConfidenceBefore:         1,
		ConfidenceAfter:          50,
		PerformedBy:              models.StringPtr("operator-1"),
	}
	record.Snapshots.Data = []*models.Profile{newProfile("a@example.com", "", "s1")}
	require.NoError(t, repo.Create(ctx, record))
	assert.NotEmpty(t, record.ID)

	for _, id := range []string{primary, absorbed} {
		records, err := repo.ListByProfile(ctx, id)
		require.NoError(t, err)
		require.Len(t, records, 1, id)
		assert.Equal(t, record.ID, records[0].ID)
		assert.Equal(t, 3, records[0].ResultingSubmissionCount)
		require.Len(t, records[0].Snapshots.Data, 1)
	}

	records, err := repo.ListByProfile(ctx, uuid.New().String())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestIntegrationMergeCandidateRepository(t *testing.T) {
	db := getTestDB(t)
	ctx := context.Background()
	repo := mergecandidate.NewRepository(db, getTestLogger())

	a, b := uuid.New().String(), uuid.New().String()
	first := models.NewMergeCandidate(a, b, models.MergeCandidateReasonDetector)
	first.Confidence = 60
	first.MatchReasons.Add("Same name")
	require.NoError(t, repo.Upsert(ctx, first))

	second := models.NewMergeCandidate(b, a, models.MergeCandidateReasonDetector)
	second.Confidence = 80
	second.MatchReasons.Add("Shared phone")
	require.NoError(t, repo.Upsert(ctx, second), "the pair is unordered and upserts into one row")

	pending, err := repo.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 80, pending[0].Confidence)
	assert.ElementsMatch(t, []string{"Same name", "Shared phone"}, pending[0].MatchReasons)

	id := pending[0].ID
	require.NoError(t, repo.Resolve(ctx, id, models.MergeCandidateStatusRejected, models.StringPtr("operator-1")))

	err = repo.Resolve(ctx, id, models.MergeCandidateStatusMerged, nil)
	assert.Equal(t, http.StatusConflict, httperror.GetStatusCode(err))

	err = repo.Resolve(ctx, uuid.New().String(), models.MergeCandidateStatusMerged, nil)
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err))

	c, d := uuid.New().String(), uuid.New().String()
	require.NoError(t, repo.Upsert(ctx, models.NewMergeCandidate(c, d, models.MergeCandidateReasonIdentifierConflict)))
	n, err := repo.ResolveByProfiles(ctx, []string{d}, models.MergeCandidateStatusMerged, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// Concurrent syncs of submissions sharing one email must converge on a single
// profile; the advisory identifier locks serialize the find-or-create.
func TestIntegrationSync_ConcurrentSameEmail(t *testing.T) {
	db := getTestDB(t)
	logger := getTestLogger()
	ctx := context.Background()

	const n = 8
	for i := 0; i < n; i++ {
		insertSubmission(t, db, fmt.Sprintf("s%02d", i), "f1", day(1).Add(time.Duration(i)*time.Minute), emailField("Same@Example.com"))
	}

	profiles := profile.NewRepository(db, logger)
	s := profilesync.NewSync(
		profiles,
		submission.NewRepository(db, logger),
		mergecandidate.NewRepository(db, logger),
		extractor.NewExtractor(nil, "nphone", logger),
		matching.NewConfidenceScorer(matching.NameModeSubstring),
		events.NewEmitter(&events.Recorder{}, logger),
		nil,
		profilesync.Config{PlaceholderName: "Unknown", RecordConflicts: true},
		logger,
	)

	var wg sync.WaitGroup
	results := make([]*models.SyncResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.SyncSubmission(ctx, fmt.Sprintf("s%02d", i))
		}(i)
	}
	wg.Wait()

	created := 0
	for _, res := range results {
		require.True(t, res.Success, res.Error)
		if res.IsNewProfile {
			created++
		}
	}
	assert.Equal(t, 1, created)

	matches, err := profiles.FindByIdentifiers(ctx, []string{"same@example.com"}, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, n, matches[0].TotalSubmissions)
}
