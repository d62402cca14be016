// Package rebuild regenerates the whole profile table from the submission corpus.
package rebuild

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/sage/pkg/extractor"
	"github.com/Ramsey-B/sage/pkg/graph"
	"github.com/Ramsey-B/sage/pkg/lock"
	"github.com/Ramsey-B/sage/pkg/metrics"
	"github.com/Ramsey-B/sage/pkg/models"
	"github.com/Ramsey-B/sage/pkg/tracing"
)

const lockKey = "rebuild"

const (
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

type SubmissionPager interface {
	Page(ctx context.Context, afterID string, limit int) ([]*models.Submission, error)
}

type ProfileWriter interface {
	UpsertBatch(ctx context.Context, runID string, profiles []*models.Profile) error
	DeleteStale(ctx context.Context, runID string) (int, error)
}

type Config struct {
	PageSize        int
	WriteBatchSize  int
	LockTTL         time.Duration
	PlaceholderName string
}

func DefaultConfig() Config {
	return Config{
		PageSize:        500,
		WriteBatchSize:  200,
		LockTTL:         5 * time.Minute,
		PlaceholderName: "Unknown",
	}
}

// Rebuilder replaces every profile with one derived from the submissions alone.
// Writes are upserts keyed by deterministic ids, so an interrupted run can be
// resumed or simply rerun. Profiles not written by the run are swept at the end,
// including any a live sync created while the run was in progress.
type Rebuilder struct {
	submissions SubmissionPager
	profiles    ProfileWriter
	extractor   *extractor.Extractor
	checkpoints CheckpointStore
	locker      lock.Locker
	graph       graph.Projector
	cfg         Config
	logger      ectologger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRebuilder(
	submissions SubmissionPager,
	profiles ProfileWriter,
	extractor *extractor.Extractor,
	checkpoints CheckpointStore,
	locker lock.Locker,
	projector graph.Projector,
	cfg Config,
	logger ectologger.Logger,
) *Rebuilder {
	if projector == nil {
		projector = graph.NoopProjector{}
	}
	return &Rebuilder{
		submissions: submissions,
		profiles:    profiles,
		extractor:   extractor,
		checkpoints: checkpoints,
		locker:      locker,
		graph:       projector,
		cfg:         cfg,
		logger:      logger,
	}
}

// Run starts a new run, or continues the last unfinished one when resume is
// set, and blocks until it ends. The returned checkpoint reflects progress
// even when err is non-nil.
func (r *Rebuilder) Run(ctx context.Context, resume bool) (*models.RebuildCheckpoint, error) {
	ctx, span := tracing.StartSpan(ctx, "rebuild.Rebuilder.Run")
	defer span.End()

	lk, cp, err := r.prepare(ctx, resume)
	if err != nil {
		return nil, err
	}
	return r.execute(ctx, lk, cp)
}

// Start prepares a run and executes it in the background. The run outlives
// ctx's cancellation and stops only through Shutdown; its progress is visible
// through Status.
func (r *Rebuilder) Start(ctx context.Context, resume bool) (*models.RebuildCheckpoint, error) {
	ctx, span := tracing.StartSpan(ctx, "rebuild.Rebuilder.Start")
	defer span.End()

	lk, cp, err := r.prepare(ctx, resume)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	r.mu.Lock()
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	started := *cp
	go func() {
		defer close(done)
		defer cancel()
		_, _ = r.execute(runCtx, lk, cp)
	}()
	return &started, nil
}

// Shutdown cancels a run begun by Start and waits for it to record its
// checkpoint and release the lock, or for ctx to end.
func (r *Rebuilder) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the checkpoint of the latest run, or nil if none has run.
func (r *Rebuilder) Status(ctx context.Context) (*models.RebuildCheckpoint, error) {
	return r.checkpoints.Load(ctx)
}

func (r *Rebuilder) prepare(ctx context.Context, resume bool) (lock.Lock, *models.RebuildCheckpoint, error) {
	lk, err := r.locker.Acquire(ctx, lockKey, r.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil, nil, httperror.NewHTTPError(http.StatusConflict, "a profile rebuild is already running")
		}
		return nil, nil, err
	}

	cp, err := r.checkpoint(ctx, resume)
	if err != nil {
		_ = lk.Release(ctx)
		return nil, nil, err
	}
	if err := r.checkpoints.Save(ctx, cp); err != nil {
		_ = lk.Release(ctx)
		return nil, nil, err
	}
	return lk, cp, nil
}

func (r *Rebuilder) checkpoint(ctx context.Context, resume bool) (*models.RebuildCheckpoint, error) {
	now := time.Now().UTC()
	if !resume {
		return &models.RebuildCheckpoint{
			RunID:     uuid.New().String(),
			Phase:     models.RebuildPhaseScan,
			StartedAt: now,
			UpdatedAt: now,
		}, nil
	}

	cp, err := r.checkpoints.Load(ctx)
	if err != nil {
		return nil, err
	}
	if cp == nil || cp.Phase == models.RebuildPhaseDone {
		return nil, httperror.NewHTTPError(http.StatusConflict, "there is no unfinished rebuild to resume")
	}
	cp.Error = ""
	cp.UpdatedAt = now
	return cp, nil
}

func (r *Rebuilder) execute(ctx context.Context, lk lock.Lock, cp *models.RebuildCheckpoint) (*models.RebuildCheckpoint, error) {
	log := r.logger.WithContext(ctx).WithFields(map[string]any{"run_id": cp.RunID})
	defer func() {
		if err := lk.Release(context.WithoutCancel(ctx)); err != nil {
			log.WithError(err).Warn("Failed to release rebuild lock")
		}
	}()

	log.WithFields(map[string]any{"phase": cp.Phase, "last_key": cp.LastKey}).Info("Starting profile rebuild")

	err := r.steps(ctx, lk, cp)
	if err != nil {
		status := RunFailed
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = RunCancelled
		}
		cp.Error = err.Error()
		cp.UpdatedAt = time.Now().UTC()
		if saveErr := r.checkpoints.Save(context.WithoutCancel(ctx), cp); saveErr != nil {
			log.WithError(saveErr).Error("Failed to save rebuild checkpoint")
		}
		metrics.RecordRebuildRun(status)
		log.WithError(err).WithFields(map[string]any{"phase": cp.Phase, "last_key": cp.LastKey}).Error("Profile rebuild stopped")
		return cp, err
	}

	metrics.RecordRebuildRun(RunCompleted)
	log.WithFields(map[string]any{
		"submissions": cp.SubmissionsRead,
		"written":     cp.ProfilesWritten,
		"removed":     cp.ProfilesRemoved,
	}).Info("Profile rebuild complete")
	return cp, nil
}

func (r *Rebuilder) steps(ctx context.Context, lk lock.Lock, cp *models.RebuildCheckpoint) error {
	identities, err := r.scan(ctx, lk, cp)
	if err != nil {
		return err
	}

	if cp.Phase == models.RebuildPhaseScan {
		cp.Phase = models.RebuildPhaseEmail
		cp.LastKey = ""
	}

	groups := Aggregate(identities, r.cfg.PlaceholderName)
	for _, phase := range []models.RebuildPhase{models.RebuildPhaseEmail, models.RebuildPhasePhoneOnly} {
		if err := r.write(ctx, lk, cp, phase, groups); err != nil {
			return err
		}
	}

	if err := extend(ctx, lk, r.cfg.LockTTL); err != nil {
		return err
	}
	return r.sweep(ctx, cp)
}

// extend renews the run lock. Every scanned page and written batch calls it
// before doing work.
func extend(ctx context.Context, lk lock.Lock, ttl time.Duration) error {
	if err := lk.Extend(ctx, ttl); err != nil {
		return fmt.Errorf("lost rebuild lock: %w", err)
	}
	return nil
}

// scan reads the full corpus. It always starts from the beginning because
// grouping needs every submission; resumed runs skip only the writes.
func (r *Rebuilder) scan(ctx context.Context, lk lock.Lock, cp *models.RebuildCheckpoint) ([]*models.CandidateIdentity, error) {
	ctx, span := tracing.StartSpan(ctx, "rebuild.Rebuilder.scan")
	defer span.End()

	var (
		identities []*models.CandidateIdentity
		read       int
		noContact  int
		unreadable int
		after      string
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page, err := r.submissions.Page(ctx, after, r.cfg.PageSize)
		if err != nil {
			return nil, err
		}
		if err := extend(ctx, lk, r.cfg.LockTTL); err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}

		for _, sub := range page {
			read++
			identity, err := r.extractor.Extract(ctx, sub)
			if err != nil {
				unreadable++
				r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"submission_id": sub.ID}).Warn("Skipping unreadable submission")
				continue
			}
			if !identity.HasContact() {
				noContact++
				continue
			}
			identities = append(identities, identity)
		}

		after = page[len(page)-1].ID
		if len(page) < r.cfg.PageSize {
			break
		}
	}

	cp.SubmissionsRead = read
	cp.SkippedNoContact = noContact
	cp.SkippedUnreadable = unreadable
	return identities, nil
}

func (r *Rebuilder) write(ctx context.Context, lk lock.Lock, cp *models.RebuildCheckpoint, phase models.RebuildPhase, groups []Keyed) error {
	ctx, span := tracing.StartSpan(ctx, "rebuild.Rebuilder.write")
	defer span.End()

	if phaseOrder(cp.Phase) > phaseOrder(phase) {
		return nil
	}
	if cp.Phase != phase {
		cp.Phase = phase
		cp.LastKey = ""
	}

	var pending []Keyed
	for _, g := range groups {
		if g.Phase != phase || (cp.LastKey != "" && g.Key <= cp.LastKey) {
			continue
		}
		pending = append(pending, g)
	}

	for start := 0; start < len(pending); start += r.cfg.WriteBatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch := pending[start:min(start+r.cfg.WriteBatchSize, len(pending))]
		profiles := make([]*models.Profile, len(batch))
		for i, g := range batch {
			profiles[i] = g.Profile
		}

		if err := extend(ctx, lk, r.cfg.LockTTL); err != nil {
			return err
		}
		if err := r.profiles.UpsertBatch(ctx, cp.RunID, profiles); err != nil {
			return fmt.Errorf("failed to write %s profiles after %q: %w", phase, cp.LastKey, err)
		}
		if err := r.graph.ProjectProfiles(ctx, profiles...); err != nil {
			r.logger.WithContext(ctx).WithError(err).Warn("Failed to project rebuilt profiles")
		}

		cp.LastKey = batch[len(batch)-1].Key
		cp.ProfilesWritten += len(batch)
		cp.UpdatedAt = time.Now().UTC()
		if err := r.checkpoints.Save(ctx, cp); err != nil {
			return err
		}

		metrics.RecordRebuildWrite(string(phase), len(batch))
		r.logger.WithContext(ctx).WithFields(map[string]any{
			"run_id":   cp.RunID,
			"phase":    phase,
			"batch":    len(batch),
			"last_key": cp.LastKey,
		}).Debug("Wrote rebuild batch")
	}
	return nil
}

func (r *Rebuilder) sweep(ctx context.Context, cp *models.RebuildCheckpoint) error {
	ctx, span := tracing.StartSpan(ctx, "rebuild.Rebuilder.sweep")
	defer span.End()

	cp.Phase = models.RebuildPhaseSweep
	cp.LastKey = ""

	removed, err := r.profiles.DeleteStale(ctx, cp.RunID)
	if err != nil {
		return err
	}
	if err := r.graph.SweepProfiles(ctx, cp.RunID); err != nil {
		r.logger.WithContext(ctx).WithError(err).Warn("Failed to sweep graph profiles")
	}

	now := time.Now().UTC()
	cp.ProfilesRemoved += removed
	cp.Phase = models.RebuildPhaseDone
	cp.UpdatedAt = now
	cp.CompletedAt = &now
	metrics.RecordRebuildWrite(string(models.RebuildPhaseSweep), removed)
	return r.checkpoints.Save(ctx, cp)
}

func phaseOrder(p models.RebuildPhase) int {
	switch p {
	case models.RebuildPhaseScan:
		return 0
	case models.RebuildPhaseEmail:
		return 1
	case models.RebuildPhasePhoneOnly:
		return 2
	case models.RebuildPhaseSweep:
		return 3
	default:
		return 4
	}
}
