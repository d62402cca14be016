package rebuild

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/sage/internal/repositories/memory"
	"github.com/Ramsey-B/sage/pkg/events"
	"github.com/Ramsey-B/sage/pkg/extractor"
	"github.com/Ramsey-B/sage/pkg/lock"
	"github.com/Ramsey-B/sage/pkg/matching"
	"github.com/Ramsey-B/sage/pkg/models"
	"github.com/Ramsey-B/sage/pkg/profilesync"
)

var testLogger = ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})

type fixture struct {
	store       *memory.Store
	checkpoints *MemoryCheckpointStore
	locker      *lock.MemoryLocker
	cfg         Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:       memory.NewStore(),
		checkpoints: NewMemoryCheckpointStore(),
		locker:      lock.NewMemoryLocker(),
		cfg:         DefaultConfig(),
	}
	f.cfg.PageSize = 3
	f.cfg.WriteBatchSize = 2
	return f
}

func (f *fixture) rebuilder(writer ProfileWriter) *Rebuilder {
	return f.rebuilderWith(f.store.Submissions(), writer)
}

func (f *fixture) rebuilderWith(pager SubmissionPager, writer ProfileWriter) *Rebuilder {
	if writer == nil {
		writer = f.store.Profiles()
	}
	return NewRebuilder(
		pager,
		writer,
		extractor.NewExtractor(nil, "trim", testLogger),
		f.checkpoints,
		f.locker,
		nil,
		f.cfg,
		testLogger,
	)
}

func field(t models.FieldType, value string) models.SubmissionField {
	return models.SubmissionField{FieldID: string(t), Label: string(t), Type: t, Value: value}
}

func (f *fixture) put(id string, day int, fields ...models.SubmissionField) {
	f.store.Submissions().Put(&models.Submission{
		ID:          id,
		FormID:      "form-" + id,
		SubmittedAt: time.Date(2024, 1, day, 0, 0, 0, 0, time.UTC),
		Fields:      fields,
	})
}

// seedCorpus stores ten submissions covering three emails and two phone-only subjects.
func (f *fixture) seedCorpus() {
	f.put("s01", 1, field(models.FieldTypeEmail, "A@Example.com"), field(models.FieldTypePhone, "111"), field(models.FieldTypeName, "Ann"))
	f.put("s02", 2, field(models.FieldTypeEmail, "a@example.com"))
	f.put("s03", 3, field(models.FieldTypeEmail, "a@example.com"), field(models.FieldTypePhone, "111"))
	f.put("s04", 4, field(models.FieldTypeEmail, "b@example.com"), field(models.FieldTypePhone, "222"))
	f.put("s05", 5, field(models.FieldTypeEmail, "b@example.com"))
	f.put("s06", 6, field(models.FieldTypeEmail, "c@example.com"))
	f.put("s07", 7, field(models.FieldTypePhone, "222"))
	f.put("s08", 8, field(models.FieldTypePhone, "333"))
	f.put("s09", 9, field(models.FieldTypePhone, "333"), field(models.FieldTypeName, "Dee"))
	f.put("s10", 10, field(models.FieldTypePhone, "444"))
}

func groupings(profiles []*models.Profile) []string {
	out := make([]string, len(profiles))
	for i, p := range profiles {
		ids := p.SubmissionIDs.Slice()
		sort.Strings(ids)
		out[i] = strings.Join(ids, ",")
	}
	sort.Strings(out)
	return out
}

func TestRebuilder_Run(t *testing.T) {
	f := newFixture(t)
	f.seedCorpus()
	f.put("s11", 11, field(models.FieldTypeName, "No Contact"))

	stale := &models.Profile{ID: "stale", SubmissionIDs: models.NewStringSet("gone")}
	require.NoError(t, f.store.Profiles().Create(context.Background(), stale))

	cp, err := f.rebuilder(nil).Run(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, models.RebuildPhaseDone, cp.Phase)
	assert.NotEmpty(t, cp.RunID)
	assert.Equal(t, 11, cp.SubmissionsRead)
	assert.Equal(t, 1, cp.SkippedNoContact)
	assert.Equal(t, 5, cp.ProfilesWritten)
	assert.Equal(t, 1, cp.ProfilesRemoved)
	require.NotNil(t, cp.CompletedAt)

	profiles := f.store.Profiles().All()
	require.Len(t, profiles, 5)
	assert.Equal(t, []string{"s01,s02,s03", "s04,s05,s07", "s06", "s08,s09", "s10"}, groupings(profiles))

	a, err := f.store.Profiles().Get(context.Background(), ProfileID("email:a@example.com"))
	require.NoError(t, err)
	assert.Equal(t, "Ann", *a.FullName)

	stored, err := f.checkpoints.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cp.RunID, stored.RunID)
	assert.Equal(t, models.RebuildPhaseDone, stored.Phase)
}

func TestRebuilder_Rerun(t *testing.T) {
	f := newFixture(t)
	f.seedCorpus()

	first, err := f.rebuilder(nil).Run(context.Background(), false)
	require.NoError(t, err)
	before := f.store.Profiles().All()

	second, err := f.rebuilder(nil).Run(context.Background(), false)
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, 0, second.ProfilesRemoved)

	after := f.store.Profiles().All()
	require.Len(t, after, len(before))
	for i := range before {
		assert.True(t, before[i].Equal(after[i]), before[i].ID)
		assert.Equal(t, before[i].CreatedAt, after[i].CreatedAt)
	}
}

func TestRebuilder_MatchesSequentialSync(t *testing.T) {
	f := newFixture(t)
	f.seedCorpus()

	_, err := f.rebuilder(nil).Run(context.Background(), false)
	require.NoError(t, err)
	rebuilt := groupings(f.store.Profiles().All())

	synced := memory.NewStore()
	s := profilesync.NewSync(
		synced.Profiles(), f.store.Submissions(), synced.Candidates(),
		extractor.NewExtractor(nil, "trim", testLogger),
		matching.NewConfidenceScorer(matching.NameModeSubstring),
		events.NewEmitter(nil, testLogger), nil,
		profilesync.Config{PlaceholderName: "Unknown"},
		testLogger,
	)
	for _, id := range []string{"s01", "s02", "s03", "s04", "s05", "s06", "s07", "s08", "s09", "s10"} {
		res := s.SyncSubmission(context.Background(), id)
		require.True(t, res.Success, res.Error)
	}

	assert.Equal(t, groupings(synced.Profiles().All()), rebuilt)
}

// flakyWriter fails every upsert after the first n.
type flakyWriter struct {
	ProfileWriter
	mu    sync.Mutex
	calls int
	n     int
}

func (w *flakyWriter) UpsertBatch(ctx context.Context, runID string, profiles []*models.Profile) error {
	w.mu.Lock()
	w.calls++
	calls := w.calls
	w.mu.Unlock()
	if calls > w.n {
		return errors.New("connection reset")
	}
	return w.ProfileWriter.UpsertBatch(ctx, runID, profiles)
}

func TestRebuilder_Resume(t *testing.T) {
	f := newFixture(t)
	f.seedCorpus()

	cp, err := f.rebuilder(&flakyWriter{ProfileWriter: f.store.Profiles(), n: 1}).Run(context.Background(), false)
	require.Error(t, err)
	assert.Equal(t, models.RebuildPhaseEmail, cp.Phase)
	assert.Equal(t, "email:b@example.com", cp.LastKey)
	assert.Equal(t, 2, cp.ProfilesWritten)
	assert.Contains(t, cp.Error, "connection reset")
	assert.Equal(t, 2, f.store.Profiles().Count())

	resumed, err := f.rebuilder(nil).Run(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, cp.RunID, resumed.RunID)
	assert.Equal(t, 5, resumed.ProfilesWritten)
	assert.Equal(t, 0, resumed.ProfilesRemoved, "rows from the interrupted attempt belong to the run")
	assert.Empty(t, resumed.Error)
	assert.Equal(t, 5, f.store.Profiles().Count())
}

func TestRebuilder_ResumeWithoutCheckpoint(t *testing.T) {
	f := newFixture(t)

	_, err := f.rebuilder(nil).Run(context.Background(), true)
	require.Error(t, err)
	assert.Equal(t, http.StatusConflict, httperror.GetStatusCode(err))

	// the failed attempt released its lock
	_, err = f.rebuilder(nil).Run(context.Background(), false)
	require.NoError(t, err)

	_, err = f.rebuilder(nil).Run(context.Background(), true)
	assert.Equal(t, http.StatusConflict, httperror.GetStatusCode(err), "finished runs cannot be resumed")
}

func TestRebuilder_AlreadyRunning(t *testing.T) {
	f := newFixture(t)
	held, err := f.locker.Acquire(context.Background(), lockKey, time.Minute)
	require.NoError(t, err)

	_, err = f.rebuilder(nil).Run(context.Background(), false)
	require.Error(t, err)
	assert.Equal(t, http.StatusConflict, httperror.GetStatusCode(err))

	require.NoError(t, held.Release(context.Background()))
	_, err = f.rebuilder(nil).Run(context.Background(), false)
	require.NoError(t, err)
}

func TestRebuilder_Cancelled(t *testing.T) {
	f := newFixture(t)
	f.seedCorpus()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cp, err := f.rebuilder(nil).Run(ctx, false)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, cp)
	assert.Equal(t, models.RebuildPhaseScan, cp.Phase)
	assert.Equal(t, 0, f.store.Profiles().Count())

	stored, err := f.checkpoints.Load(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, stored.Error)
}

func TestRebuilder_SkipsUnreadable(t *testing.T) {
	f := newFixture(t)
	f.put("s1", 1, field(models.FieldTypeEmail, "a@example.com"))
	f.put("s2", 2, models.SubmissionField{FieldID: "email", Type: models.FieldTypeEmail, Value: "ciphertext", Encrypted: true})

	cp, err := f.rebuilder(nil).Run(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, cp.SubmissionsRead)
	assert.Equal(t, 1, cp.SkippedUnreadable)
	assert.Equal(t, 1, f.store.Profiles().Count())
}

func TestRebuilder_Start(t *testing.T) {
	f := newFixture(t)
	f.seedCorpus()
	r := f.rebuilder(nil)

	started, err := r.Start(context.Background(), false)
	require.NoError(t, err)
	assert.NotEmpty(t, started.RunID)

	require.Eventually(t, func() bool {
		cp, err := r.Status(context.Background())
		return err == nil && cp != nil && cp.Phase == models.RebuildPhaseDone
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 5, f.store.Profiles().Count())
}

// slowPager waits before serving each page and counts the pages served.
type slowPager struct {
	SubmissionPager
	delay time.Duration
	mu    sync.Mutex
	pages int
}

func (p *slowPager) Page(ctx context.Context, afterID string, limit int) ([]*models.Submission, error) {
	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	p.mu.Lock()
	p.pages++
	p.mu.Unlock()
	return p.SubmissionPager.Page(ctx, afterID, limit)
}

func (p *slowPager) served() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pages
}

func TestRebuilder_ScanKeepsLock(t *testing.T) {
	f := newFixture(t)
	f.seedCorpus()
	f.cfg.LockTTL = 200 * time.Millisecond
	pager := &slowPager{SubmissionPager: f.store.Submissions(), delay: 120 * time.Millisecond}

	type result struct {
		cp  *models.RebuildCheckpoint
		err error
	}
	first := make(chan result, 1)
	go func() {
		cp, err := f.rebuilderWith(pager, nil).Run(context.Background(), false)
		first <- result{cp, err}
	}()

	// two pages in, the scan has outlived the original lock ttl
	require.Eventually(t, func() bool { return pager.served() >= 2 }, 5*time.Second, 5*time.Millisecond)

	_, err := f.rebuilder(nil).Run(context.Background(), false)
	require.Error(t, err)
	assert.Equal(t, http.StatusConflict, httperror.GetStatusCode(err))

	res := <-first
	require.NoError(t, res.err)
	assert.Equal(t, models.RebuildPhaseDone, res.cp.Phase)
	assert.Equal(t, 5, f.store.Profiles().Count())
}

func TestRebuilder_PhoneOnlyMultiplePhones(t *testing.T) {
	f := newFixture(t)
	f.put("s1", 1, field(models.FieldTypePhone, "111"))
	f.put("s2", 2, field(models.FieldTypePhone, "111"), field(models.FieldTypePhone, "222"))

	_, err := f.rebuilder(nil).Run(context.Background(), false)
	require.NoError(t, err)

	profiles := f.store.Profiles().All()
	require.Len(t, profiles, 1)
	assert.Equal(t, []string{"s1,s2"}, groupings(profiles))
	assert.Equal(t, ProfileID("phone:111"), profiles[0].ID)
}

func TestRebuilder_Shutdown(t *testing.T) {
	f := newFixture(t)
	f.seedCorpus()
	pager := &slowPager{SubmissionPager: f.store.Submissions(), delay: 50 * time.Millisecond}
	r := f.rebuilderWith(pager, nil)

	require.NoError(t, r.Shutdown(context.Background()), "nothing started yet")

	_, err := r.Start(context.Background(), false)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))

	cp, err := r.Status(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, models.RebuildPhaseDone, cp.Phase)
	assert.Contains(t, cp.Error, context.Canceled.Error())
	assert.Equal(t, 0, f.store.Profiles().Count())

	// the stopped run released its lock
	lk, err := f.locker.Acquire(context.Background(), lockKey, time.Minute)
	require.NoError(t, err)
	require.NoError(t, lk.Release(context.Background()))
}
