// Package merging collapses duplicate profiles into a primary profile.
package merging

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	sagecontext "github.com/Ramsey-B/sage/pkg/context"
	"github.com/Ramsey-B/sage/pkg/events"
	"github.com/Ramsey-B/sage/pkg/graph"
	"github.com/Ramsey-B/sage/pkg/metrics"
	"github.com/Ramsey-B/sage/pkg/models"
	"github.com/Ramsey-B/sage/pkg/tracing"
)

const (
	StatusMerged   = "merged"
	StatusFailed   = "failed"
	StatusRejected = "rejected"
)

type ProfileStore interface {
	InTx(ctx context.Context, opts *sql.TxOptions, fn func(ctx context.Context) error) error
	GetForUpdate(ctx context.Context, id string) (*models.Profile, error)
	Update(ctx context.Context, p *models.Profile) error
	Delete(ctx context.Context, id string) error
}

type CandidateStore interface {
	ResolveByProfiles(ctx context.Context, profileIDs []string, status models.MergeCandidateStatus, resolvedBy *string) (int, error)
}

type AuditStore interface {
	Create(ctx context.Context, record *models.MergeAuditRecord) error
}

type Config struct {
	// ConfidenceFloor is the lowest confidence a merged profile can be degraded to.
	ConfidenceFloor float64
	// Penalty is subtracted from the primary's confidence per absorbed duplicate.
	Penalty float64
}

func DefaultConfig() Config {
	return Config{ConfidenceFloor: 50, Penalty: 5}
}

// Merger runs each merge in one serializable transaction. Either the primary is
// updated and every duplicate deleted, or nothing changes.
type Merger struct {
	profiles   ProfileStore
	candidates CandidateStore
	audit      AuditStore
	emitter    *events.Emitter
	graph      graph.Projector
	cfg        Config
	logger     ectologger.Logger
}

func NewMerger(
	profiles ProfileStore,
	candidates CandidateStore,
	audit AuditStore,
	emitter *events.Emitter,
	projector graph.Projector,
	cfg Config,
	logger ectologger.Logger,
) *Merger {
	if projector == nil {
		projector = graph.NoopProjector{}
	}
	return &Merger{
		profiles:   profiles,
		candidates: candidates,
		audit:      audit,
		emitter:    emitter,
		graph:      projector,
		cfg:        cfg,
		logger:     logger,
	}
}

// MergeProfiles absorbs duplicateIDs into primaryID in the order given.
func (m *Merger) MergeProfiles(ctx context.Context, primaryID string, duplicateIDs []string) (*models.MergeResult, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Merger.MergeProfiles")
	defer span.End()

	dups, err := validate(primaryID, duplicateIDs)
	if err != nil {
		metrics.RecordMerge(StatusRejected, 0)
		return nil, err
	}

	log := m.logger.WithContext(ctx).WithFields(map[string]any{
		"primary_id":    primaryID,
		"duplicate_ids": dups,
	})

	var (
		result   *models.MergeResult
		absorbed []*models.Profile
	)
	opts := &sql.TxOptions{Isolation: sql.LevelSerializable}
	err = m.profiles.InTx(ctx, opts, func(ctx context.Context) error {
		var txErr error
		result, absorbed, txErr = m.merge(ctx, primaryID, dups)
		return txErr
	})
	if err != nil {
		log.WithError(err).Error("Failed to merge profiles")
		metrics.RecordMerge(StatusFailed, 0)
		return nil, err
	}

	m.publish(ctx, result, absorbed)
	metrics.RecordMerge(StatusMerged, len(absorbed))

	log.WithFields(map[string]any{
		"submissions": result.Profile.TotalSubmissions,
		"forms":       len(result.Profile.FormIDs),
		"confidence":  result.Profile.MatchConfidence,
	}).Info("Merged profiles")

	return result, nil
}

func (m *Merger) merge(ctx context.Context, primaryID string, dupIDs []string) (*models.MergeResult, []*models.Profile, error) {
	primary, err := m.profiles.GetForUpdate(ctx, primaryID)
	if err != nil {
		return nil, nil, err
	}

	dups := make([]*models.Profile, 0, len(dupIDs))
	for _, id := range dupIDs {
		dup, err := m.profiles.GetForUpdate(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		dups = append(dups, dup)
	}

	snapshots := make([]*models.Profile, 0, len(dups)+1)
	snapshots = append(snapshots, primary.Clone())
	for _, dup := range dups {
		snapshots = append(snapshots, dup.Clone())
	}

	before := primary.MatchConfidence
	for _, dup := range dups {
		primary.Absorb(dup)
	}
	primary.MatchConfidence = m.degrade(before, len(dups))

	if err := primary.CheckInvariants(); err != nil {
		return nil, nil, httperror.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	if err := m.profiles.Update(ctx, primary); err != nil {
		return nil, nil, err
	}
	for _, dup := range dups {
		if err := m.profiles.Delete(ctx, dup.ID); err != nil {
			return nil, nil, err
		}
	}

	performedBy := models.StringPtr(sagecontext.GetUserID(ctx))
	involved := append([]string{primary.ID}, dupIDs...)
	if _, err := m.candidates.ResolveByProfiles(ctx, involved, models.MergeCandidateStatusMerged, performedBy); err != nil {
		return nil, nil, err
	}

	record := &models.MergeAuditRecord{
		ID:                       uuid.New().String(),
		PrimaryProfileID:         primary.ID,
		MergedProfileIDs:         models.NewStringSet(dupIDs...),
		ResultingSubmissionCount: primary.TotalSubmissions,
		ResultingFormCount:       len(primary.FormIDs),
		ConfidenceBefore:         before,
		ConfidenceAfter:          primary.MatchConfidence,
		PerformedBy:              performedBy,
	}
	record.Snapshots.Data = snapshots
	if err := m.audit.Create(ctx, record); err != nil {
		return nil, nil, err
	}

	return &models.MergeResult{Profile: primary, Audit: record}, dups, nil
}

func (m *Merger) degrade(confidence float64, merged int) float64 {
	return max(m.cfg.ConfidenceFloor, confidence-m.cfg.Penalty*float64(merged))
}

// publish runs after commit.
func (m *Merger) publish(ctx context.Context, result *models.MergeResult, absorbed []*models.Profile) {
	ids := make([]string, len(absorbed))
	for i, p := range absorbed {
		ids[i] = p.ID
	}

	evs := []*events.ProfileEvent{{
		EventType:   events.ProfileMerged,
		ProfileID:   result.Profile.ID,
		Profile:     result.Profile,
		MergedIDs:   ids,
		PerformedBy: sagecontext.GetUserID(ctx),
	}}
	for _, id := range ids {
		evs = append(evs, &events.ProfileEvent{
			EventType:   events.ProfileDeleted,
			ProfileID:   id,
			MergedIDs:   []string{result.Profile.ID},
			PerformedBy: sagecontext.GetUserID(ctx),
		})
	}
	m.emitter.Emit(ctx, evs...)

	_ = m.graph.ProjectMerge(ctx, result.Profile, ids)
}

// validate rejects malformed requests before anything is read. Repeated
// duplicate ids collapse to their first occurrence.
func validate(primaryID string, duplicateIDs []string) ([]string, error) {
	if primaryID == "" {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "primary_id is required")
	}

	dups := models.NewStringSet(duplicateIDs...)
	if len(dups) == 0 {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "duplicate_ids must not be empty")
	}
	if dups.Contains(primaryID) {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("profile %s cannot be merged into itself", primaryID))
	}
	return dups.Slice(), nil
}
