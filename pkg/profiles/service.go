// Package profiles serves the read side of profiles: listing, detail and export.
package profiles

import (
	"context"
	"sort"
	"time"

	"github.com/Gobusters/ectologger"
	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/sage/pkg/extractor"
	"github.com/Ramsey-B/sage/pkg/models"
	"github.com/Ramsey-B/sage/pkg/tracing"
)

type ProfileReader interface {
	Get(ctx context.Context, id string) (*models.Profile, error)
	List(ctx context.Context, q models.ProfileListQuery) ([]*models.Profile, int, error)
}

type SubmissionReader interface {
	ListByIDs(ctx context.Context, ids []string) ([]*models.Submission, error)
	GetForms(ctx context.Context, ids []string) (map[string]models.Form, error)
}

type AuditReader interface {
	ListByProfile(ctx context.Context, profileID string) ([]*models.MergeAuditRecord, error)
}

type Config struct {
	DefaultLimit int
	MaxLimit     int
}

func DefaultConfig() Config {
	return Config{DefaultLimit: 20, MaxLimit: 100}
}

type Service struct {
	profiles    ProfileReader
	submissions SubmissionReader
	audit       AuditReader
	compliance  ComplianceSource
	extractor   *extractor.Extractor
	cfg         Config
	logger      ectologger.Logger
}

func NewService(
	profiles ProfileReader,
	submissions SubmissionReader,
	audit AuditReader,
	compliance ComplianceSource,
	extractor *extractor.Extractor,
	cfg Config,
	logger ectologger.Logger,
) *Service {
	if compliance == nil {
		compliance = NoopCompliance{}
	}
	return &Service{
		profiles:    profiles,
		submissions: submissions,
		audit:       audit,
		compliance:  compliance,
		extractor:   extractor,
		cfg:         cfg,
		logger:      logger,
	}
}

// ListProfiles returns one page of profiles. Page and limit are clamped to
// valid values rather than rejected.
func (s *Service) ListProfiles(ctx context.Context, q models.ProfileListQuery) (*models.ProfileList, error) {
	ctx, span := tracing.StartSpan(ctx, "profiles.Service.ListProfiles")
	defer span.End()

	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 {
		q.Limit = s.cfg.DefaultLimit
	}
	if q.Limit > s.cfg.MaxLimit {
		q.Limit = s.cfg.MaxLimit
	}

	items, total, err := s.profiles.List(ctx, q)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*models.Profile{}
	}

	return &models.ProfileList{
		Profiles:   items,
		Total:      total,
		Page:       q.Page,
		Limit:      q.Limit,
		TotalPages: (total + q.Limit - 1) / q.Limit,
	}, nil
}

// GetProfileDetail aggregates everything known about a profile. The pieces are
// loaded concurrently; any failure fails the whole view.
func (s *Service) GetProfileDetail(ctx context.Context, id string) (*models.ProfileDetail, error) {
	ctx, span := tracing.StartSpan(ctx, "profiles.Service.GetProfileDetail")
	defer span.End()

	p, err := s.profiles.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	detail := &models.ProfileDetail{
		Profile:    p,
		Statistics: models.NewProfileStatistics(p),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		summaries, err := s.summaries(gctx, p)
		if err != nil {
			return err
		}
		detail.Submissions = summaries
		detail.PersonalDataFields = personalDataFields(summaries)
		return nil
	})
	g.Go(func() error {
		history, err := s.audit.ListByProfile(gctx, p.ID)
		detail.MergeHistory = history
		return err
	})
	g.Go(func() error {
		consents, err := s.compliance.Consents(gctx, p)
		detail.Consents = consents
		return err
	})
	g.Go(func() error {
		requests, err := s.compliance.DSRRequests(gctx, p)
		detail.DSRRequests = requests
		return err
	})
	if err := g.Wait(); err != nil {
		s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"profile_id": id}).Error("Failed to load profile detail")
		return nil, err
	}

	return detail, nil
}

// ExportProfileData builds the portable bundle handed to a data subject.
func (s *Service) ExportProfileData(ctx context.Context, id string) (*models.ProfileExport, error) {
	ctx, span := tracing.StartSpan(ctx, "profiles.Service.ExportProfileData")
	defer span.End()

	detail, err := s.GetProfileDetail(ctx, id)
	if err != nil {
		return nil, err
	}

	p := detail.Profile
	export := &models.ProfileExport{
		ExportVersion: models.ExportVersion,
		ExportedAt:    time.Now().UTC(),
		Profile: models.ExportIdentity{
			ID:                  p.ID,
			PrimaryEmail:        p.PrimaryEmail,
			PrimaryPhone:        p.PrimaryPhone,
			FullName:            p.FullName,
			Emails:              p.LinkedEmails,
			Phones:              p.LinkedPhones,
			Names:               p.LinkedNames,
			FirstSubmissionDate: p.FirstSubmissionDate,
			LastSubmissionDate:  p.LastSubmissionDate,
			CreatedAt:           p.CreatedAt,
		},
		Submissions:        detail.Submissions,
		Consents:           detail.Consents,
		PersonalDataFields: detail.PersonalDataFields,
		DSRRequests:        detail.DSRRequests,
		MergeHistory:       detail.MergeHistory,
		Statistics:         detail.Statistics,
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"profile_id":  p.ID,
		"submissions": len(export.Submissions),
	}).Info("Exported profile data")

	return export, nil
}

// summaries loads the profile's submissions, newest first, with decrypted values.
// Submissions deleted upstream are left out.
func (s *Service) summaries(ctx context.Context, p *models.Profile) ([]models.SubmissionSummary, error) {
	subs, err := s.submissions.ListByIDs(ctx, p.SubmissionIDs)
	if err != nil {
		return nil, err
	}

	formIDs := models.NewStringSet()
	for _, sub := range subs {
		formIDs.Add(sub.FormID)
	}
	forms, err := s.submissions.GetForms(ctx, formIDs)
	if err != nil {
		return nil, err
	}

	out := make([]models.SubmissionSummary, 0, len(subs))
	for _, sub := range subs {
		fields, err := s.extractor.Decode(ctx, sub)
		if err != nil {
			return nil, err
		}
		out = append(out, models.SubmissionSummary{
			ID:          sub.ID,
			FormID:      sub.FormID,
			FormTitle:   forms[sub.FormID].Title,
			SubmittedAt: sub.SubmittedAt,
			Fields:      fields,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SubmittedAt.After(out[j].SubmittedAt)
	})
	return out, nil
}

// personalDataFields lists each identity field per form with how many of the
// subject's submissions answered it.
func personalDataFields(summaries []models.SubmissionSummary) []models.PersonalDataField {
	type key struct {
		formID string
		label  string
		typ    models.FieldType
	}

	counts := map[key]*models.PersonalDataField{}
	var order []key
	for _, sum := range summaries {
		seen := map[key]bool{}
		for _, f := range sum.Fields {
			if !f.Type.IsIdentity() || f.Value == "" {
				continue
			}
			k := key{formID: sum.FormID, label: f.Label, typ: f.Type}
			if seen[k] {
				continue
			}
			seen[k] = true
			if _, ok := counts[k]; !ok {
				counts[k] = &models.PersonalDataField{FormID: sum.FormID, FormTitle: sum.FormTitle, Label: f.Label, Type: f.Type}
				order = append(order, k)
			}
			counts[k].SubmissionCount++
		}
	}

	out := make([]models.PersonalDataField, 0, len(order))
	for _, k := range order {
		out = append(out, *counts[k])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].FormID != out[j].FormID {
			return out[i].FormID < out[j].FormID
		}
		return out[i].Label < out[j].Label
	})
	return out
}
