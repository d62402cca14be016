// Package profilesync attaches submissions to profiles as they arrive.
package profilesync

import (
	"context"
	"database/sql"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/sage/pkg/events"
	"github.com/Ramsey-B/sage/pkg/extractor"
	"github.com/Ramsey-B/sage/pkg/graph"
	"github.com/Ramsey-B/sage/pkg/matching"
	"github.com/Ramsey-B/sage/pkg/metrics"
	"github.com/Ramsey-B/sage/pkg/models"
	"github.com/Ramsey-B/sage/pkg/tracing"
)

const (
	OutcomeCreated = "created"
	OutcomeUpdated = "updated"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

type ProfileStore interface {
	InTx(ctx context.Context, opts *sql.TxOptions, fn func(ctx context.Context) error) error
	LockIdentifiers(ctx context.Context, keys []string) error
	FindByIdentifiers(ctx context.Context, emails, phones []string) ([]*models.Profile, error)
	Create(ctx context.Context, p *models.Profile) error
	Update(ctx context.Context, p *models.Profile) error
}

type SubmissionSource interface {
	Get(ctx context.Context, id string) (*models.Submission, error)
}

type CandidateStore interface {
	Upsert(ctx context.Context, candidate *models.MergeCandidate) error
}

type Config struct {
	// PlaceholderName is stored as full_name until a real name is seen.
	PlaceholderName string
	// RecordConflicts queues a merge candidate when one submission matches several profiles.
	RecordConflicts bool
}

// Sync finds or creates the profile for each submission. It never returns an
// error: every failure is logged and reported on the result.
type Sync struct {
	profiles    ProfileStore
	submissions SubmissionSource
	candidates  CandidateStore
	extractor   *extractor.Extractor
	scorer      *matching.ConfidenceScorer
	emitter     *events.Emitter
	graph       graph.Projector
	cfg         Config
	logger      ectologger.Logger
}

func NewSync(
	profiles ProfileStore,
	submissions SubmissionSource,
	candidates CandidateStore,
	extractor *extractor.Extractor,
	scorer *matching.ConfidenceScorer,
	emitter *events.Emitter,
	projector graph.Projector,
	cfg Config,
	logger ectologger.Logger,
) *Sync {
	if projector == nil {
		projector = graph.NoopProjector{}
	}
	return &Sync{
		profiles:    profiles,
		submissions: submissions,
		candidates:  candidates,
		extractor:   extractor,
		scorer:      scorer,
		emitter:     emitter,
		graph:       projector,
		cfg:         cfg,
		logger:      logger,
	}
}

type outcome struct {
	profile   *models.Profile
	isNew     bool
	changed   bool
	conflicts []*models.Profile
}

// SyncSubmission loads a submission and attaches it to its profile.
func (s *Sync) SyncSubmission(ctx context.Context, submissionID string) *models.SyncResult {
	ctx, span := tracing.StartSpan(ctx, "profilesync.Sync.SyncSubmission")
	defer span.End()

	start := time.Now()
	sub, err := s.submissions.Get(ctx, submissionID)
	if err != nil {
		return s.fail(ctx, submissionID, start, err)
	}

	return s.sync(ctx, sub, start)
}

// SyncLoaded attaches an already loaded submission to its profile.
func (s *Sync) SyncLoaded(ctx context.Context, sub *models.Submission) *models.SyncResult {
	ctx, span := tracing.StartSpan(ctx, "profilesync.Sync.SyncLoaded")
	defer span.End()

	return s.sync(ctx, sub, time.Now())
}

func (s *Sync) sync(ctx context.Context, sub *models.Submission, start time.Time) *models.SyncResult {
	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"submission_id": sub.ID,
		"form_id":       sub.FormID,
	})

	identity, err := s.extractor.Extract(ctx, sub)
	if err != nil {
		return s.fail(ctx, sub.ID, start, err)
	}

	if !identity.HasContact() {
		log.Debug("Submission has no email or phone, skipping profile sync")
		metrics.RecordSync(OutcomeSkipped, time.Since(start).Seconds())
		return &models.SyncResult{Success: true, Skipped: true}
	}

	var out outcome
	err = s.profiles.InTx(ctx, nil, func(ctx context.Context) error {
		var txErr error
		out, txErr = s.attach(ctx, identity)
		return txErr
	})
	if err != nil {
		return s.fail(ctx, sub.ID, start, err)
	}

	s.publish(ctx, identity, out)

	result := OutcomeUpdated
	if out.isNew {
		result = OutcomeCreated
	}
	metrics.RecordSync(result, time.Since(start).Seconds())

	log.WithFields(map[string]any{
		"profile_id": out.profile.ID,
		"is_new":     out.isNew,
		"changed":    out.changed,
	}).Info("Synced submission to profile")

	return &models.SyncResult{
		Success:      true,
		ProfileID:    out.profile.ID,
		IsNewProfile: out.isNew,
	}
}

// attach runs inside the sync transaction. Identifier locks serialize concurrent
// syncs that share any email or phone, so find-or-create cannot race.
func (s *Sync) attach(ctx context.Context, identity *models.CandidateIdentity) (outcome, error) {
	if err := s.profiles.LockIdentifiers(ctx, identifierKeys(identity)); err != nil {
		return outcome{}, err
	}

	matches, err := s.profiles.FindByIdentifiers(ctx, identity.Emails, identity.Phones)
	if err != nil {
		return outcome{}, err
	}

	if len(matches) == 0 {
		p := s.newProfile(identity)
		if err := s.profiles.Create(ctx, p); err != nil {
			return outcome{}, err
		}
		return outcome{profile: p, isNew: true, changed: true}, nil
	}

	p := matches[0]
	before := p.Clone()
	s.apply(p, identity)

	out := outcome{profile: p, changed: !before.Equal(p)}
	if out.changed {
		if err := s.profiles.Update(ctx, p); err != nil {
			return outcome{}, err
		}
	}

	if len(matches) > 1 && s.cfg.RecordConflicts {
		out.conflicts = matches[1:]
		if err := s.recordConflicts(ctx, identity, p, out.conflicts); err != nil {
			return outcome{}, err
		}
	}

	return out, nil
}

func (s *Sync) newProfile(identity *models.CandidateIdentity) *models.Profile {
	p := &models.Profile{
		ID:              uuid.New().String(),
		LinkedEmails:    models.NewStringSet(),
		LinkedPhones:    models.NewStringSet(),
		LinkedNames:     models.NewStringSet(),
		SubmissionIDs:   models.NewStringSet(),
		FormIDs:         models.NewStringSet(),
		MergedFromIDs:   models.NewStringSet(),
		MatchConfidence: 1.0,
	}
	s.apply(p, identity)
	if p.FullName == nil && s.cfg.PlaceholderName != "" {
		p.FullName = models.StringPtr(s.cfg.PlaceholderName)
	}
	return p
}

// apply folds one submission's identifiers into p. It is idempotent.
func (s *Sync) apply(p *models.Profile, identity *models.CandidateIdentity) {
	p.AddSubmission(identity.SubmissionID, identity.FormID, identity.SubmittedAt)
	p.AddIdentifiers(identity.Emails, identity.Phones, identity.Names)

	name, ok := identity.Names.First()
	if ok && (p.FullName == nil || *p.FullName == s.cfg.PlaceholderName) {
		p.FullName = models.StringPtr(name)
	}
}

func (s *Sync) recordConflicts(ctx context.Context, identity *models.CandidateIdentity, chosen *models.Profile, others []*models.Profile) error {
	for _, other := range others {
		score := s.scorer.Score(chosen, other)
		c := models.NewMergeCandidate(chosen.ID, other.ID, models.MergeCandidateReasonIdentifierConflict)
		c.Confidence = score.Confidence
		c.MatchReasons.Add(score.Reasons...)
		c.SubmissionID = models.StringPtr(identity.SubmissionID)
		if err := s.candidates.Upsert(ctx, c); err != nil {
			return err
		}
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"submission_id": identity.SubmissionID,
		"profile_id":    chosen.ID,
		"conflicts":     len(others),
	}).Warn("Submission identifiers match more than one profile")
	return nil
}

// publish runs after commit. Nothing here can fail the sync.
func (s *Sync) publish(ctx context.Context, identity *models.CandidateIdentity, out outcome) {
	var evs []*events.ProfileEvent
	switch {
	case out.isNew:
		evs = append(evs, &events.ProfileEvent{EventType: events.ProfileCreated, ProfileID: out.profile.ID, Profile: out.profile, SubmissionID: identity.SubmissionID})
	case out.changed:
		evs = append(evs, &events.ProfileEvent{EventType: events.ProfileUpdated, ProfileID: out.profile.ID, Profile: out.profile, SubmissionID: identity.SubmissionID})
	}

	if len(out.conflicts) > 0 {
		metrics.RecordIdentifierConflict()
		ids := make([]string, len(out.conflicts))
		for i, c := range out.conflicts {
			ids[i] = c.ID
		}
		evs = append(evs, &events.ProfileEvent{EventType: events.ProfileConflict, ProfileID: out.profile.ID, SubmissionID: identity.SubmissionID, ConflictingIDs: ids})
	}

	s.emitter.Emit(ctx, evs...)

	if !out.changed {
		return
	}
	if err := s.graph.ProjectProfiles(ctx, out.profile); err != nil {
		return
	}
	_ = s.graph.ProjectSubmission(ctx, out.profile.ID, identity.SubmissionID, identity.FormID)
}

func (s *Sync) fail(ctx context.Context, submissionID string, start time.Time, err error) *models.SyncResult {
	s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"submission_id": submissionID}).Error("Failed to sync submission to profile")
	metrics.RecordSync(OutcomeFailed, time.Since(start).Seconds())
	return &models.SyncResult{Success: false, Error: err.Error()}
}

func identifierKeys(identity *models.CandidateIdentity) []string {
	keys := make([]string, 0, len(identity.Emails)+len(identity.Phones))
	for _, e := range identity.Emails {
		keys = append(keys, "email:"+e)
	}
	for _, p := range identity.Phones {
		keys = append(keys, "phone:"+p)
	}
	return keys
}
