// Package duplicates scans profiles for pairs that likely describe the same person.
package duplicates

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/sage/pkg/matching"
	"github.com/Ramsey-B/sage/pkg/metrics"
	"github.com/Ramsey-B/sage/pkg/models"
	"github.com/Ramsey-B/sage/pkg/tracing"
)

type ProfileSource interface {
	ListForDuplicateScan(ctx context.Context, minSubmissions, limit int) ([]*models.Profile, error)
}

type CandidateStore interface {
	Upsert(ctx context.Context, candidate *models.MergeCandidate) error
}

type Config struct {
	DefaultMinConfidence  int
	DefaultMinSubmissions int
	DefaultLimit          int
	MaxLimit              int
	// ScanSize caps how many profiles one scan compares.
	ScanSize int
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		DefaultMinConfidence:  70,
		DefaultMinSubmissions: 1,
		DefaultLimit:          50,
		MaxLimit:              100,
		ScanSize:              500,
	}
}

// Detector is read-only and takes no locks; results may be stale by the time they are acted on.
type Detector struct {
	profiles ProfileSource
	scorer   *matching.ConfidenceScorer
	cfg      Config
	logger   ectologger.Logger
}

func NewDetector(profiles ProfileSource, scorer *matching.ConfidenceScorer, cfg Config, logger ectologger.Logger) *Detector {
	return &Detector{
		profiles: profiles,
		scorer:   scorer,
		cfg:      cfg,
		logger:   logger,
	}
}

// Query fills unset thresholds with defaults and rejects out-of-range values.
// A zero MinConfidence or Limit means "use the default".
func (d *Detector) Query(minConfidence, minSubmissions, limit int) (models.DuplicateQuery, error) {
	q := models.DuplicateQuery{
		MinConfidence:  minConfidence,
		MinSubmissions: minSubmissions,
		Limit:          limit,
	}
	if q.MinConfidence == 0 {
		q.MinConfidence = d.cfg.DefaultMinConfidence
	}
	if q.MinSubmissions == 0 {
		q.MinSubmissions = d.cfg.DefaultMinSubmissions
	}
	if q.Limit == 0 {
		q.Limit = d.cfg.DefaultLimit
	}

	switch {
	case q.MinConfidence < 0 || q.MinConfidence > matching.MaxConfidence:
		return q, httperror.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("min_confidence must be between 0 and %d", matching.MaxConfidence))
	case q.MinSubmissions < 0:
		return q, httperror.NewHTTPError(http.StatusBadRequest, "min_submissions must not be negative")
	case q.Limit < 1:
		return q, httperror.NewHTTPError(http.StatusBadRequest, "limit must be positive")
	}
	if q.Limit > d.cfg.MaxLimit {
		q.Limit = d.cfg.MaxLimit
	}
	return q, nil
}

// FindPotentialDuplicates scores every pair of the busiest profiles and returns
// pairs at or above MinConfidence, strongest first. Scanning stops once Limit
// pairs are collected, so which pairs are returned depends on scan order.
func (d *Detector) FindPotentialDuplicates(ctx context.Context, q models.DuplicateQuery) ([]*models.DuplicateGroup, error) {
	ctx, span := tracing.StartSpan(ctx, "duplicates.Detector.FindPotentialDuplicates")
	defer span.End()

	start := time.Now()
	profiles, err := d.profiles.ListForDuplicateScan(ctx, q.MinSubmissions, d.cfg.ScanSize)
	if err != nil {
		return nil, err
	}

	groups := []*models.DuplicateGroup{}
scan:
	for i := 0; i < len(profiles); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for j := i + 1; j < len(profiles); j++ {
			score := d.scorer.Score(profiles[i], profiles[j])
			if score.Confidence <= 0 || score.Confidence < q.MinConfidence {
				continue
			}
			groups = append(groups, &models.DuplicateGroup{
				Profiles:     []*models.Profile{profiles[i], profiles[j]},
				Confidence:   score.Confidence,
				MatchReasons: score.Reasons,
			})
			if len(groups) >= q.Limit {
				break scan
			}
		}
	}

	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].Confidence > groups[j].Confidence
	})

	metrics.RecordDuplicateScan(time.Since(start).Seconds(), len(groups))
	d.logger.WithContext(ctx).WithFields(map[string]any{
		"scanned":         len(profiles),
		"groups":          len(groups),
		"min_confidence":  q.MinConfidence,
		"min_submissions": q.MinSubmissions,
	}).Debug("Duplicate scan complete")

	return groups, nil
}

// QueueCandidates stores each group as a pending merge candidate for review.
func (d *Detector) QueueCandidates(ctx context.Context, store CandidateStore, groups []*models.DuplicateGroup) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "duplicates.Detector.QueueCandidates")
	defer span.End()

	for _, g := range groups {
		c := models.NewMergeCandidate(g.Profiles[0].ID, g.Profiles[1].ID, models.MergeCandidateReasonDetector)
		c.Confidence = g.Confidence
		c.MatchReasons.Add(g.MatchReasons...)
		if err := store.Upsert(ctx, c); err != nil {
			return 0, err
		}
	}
	return len(groups), nil
}
