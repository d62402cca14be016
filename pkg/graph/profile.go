package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/sage/pkg/models"
	"github.com/Ramsey-B/sage/pkg/tracing"
)

// Projector mirrors profile state into a graph. Callers treat it as best-effort.
type Projector interface {
	ProjectProfiles(ctx context.Context, profiles ...*models.Profile) error
	ProjectSubmission(ctx context.Context, profileID, submissionID, formID string) error
	ProjectMerge(ctx context.Context, primary *models.Profile, absorbedIDs []string) error
	SweepProfiles(ctx context.Context, runID string) error
}

// NoopProjector is used when the graph is disabled.
type NoopProjector struct{}

func (NoopProjector) ProjectProfiles(context.Context, ...*models.Profile) error { return nil }

func (NoopProjector) ProjectSubmission(context.Context, string, string, string) error { return nil }

func (NoopProjector) ProjectMerge(context.Context, *models.Profile, []string) error { return nil }

func (NoopProjector) SweepProfiles(context.Context, string) error { return nil }

// ProfileService writes the profile lineage graph:
// (:Profile)-[:SUBMITTED]->(:Submission)-[:FOR_FORM]->(:Form),
// (:Profile)-[:USED_FORM]->(:Form) and (:Profile)-[:MERGED_INTO]->(:Profile).
type ProfileService struct {
	client *Client
	logger ectologger.Logger
}

// NewProfileService creates a new profile graph service
func NewProfileService(client *Client, logger ectologger.Logger) *ProfileService {
	return &ProfileService{
		client: client,
		logger: logger,
	}
}

const upsertProfilesCypher = `
	UNWIND $batch AS row
	MERGE (p:Profile {id: row.props.id})
	SET p += row.props
	REMOVE p.deleted_at
	WITH p, row
	FOREACH (sid IN row.submission_ids |
		MERGE (s:Submission {id: sid})
		MERGE (p)-[:SUBMITTED]->(s))
	FOREACH (fid IN row.form_ids |
		MERGE (f:Form {id: fid})
		MERGE (p)-[:USED_FORM]->(f))
`

// ProjectProfiles creates or updates profile nodes with their submission and form edges
func (s *ProfileService) ProjectProfiles(ctx context.Context, profiles ...*models.Profile) error {
	ctx, span := tracing.StartSpan(ctx, "graph.ProfileService.ProjectProfiles")
	defer span.End()

	if len(profiles) == 0 {
		return nil
	}

	batch := make([]map[string]any, len(profiles))
	for i, p := range profiles {
		batch[i] = map[string]any{
			"props":          profileProps(p),
			"submission_ids": p.SubmissionIDs.Slice(),
			"form_ids":       p.FormIDs.Slice(),
		}
	}

	err := s.client.write(ctx, statement{cypher: upsertProfilesCypher, params: map[string]any{"batch": batch}})
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"count": len(profiles)}).Error("Failed to project profiles to graph")
		return fmt.Errorf("failed to project profiles to graph: %w", err)
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{"count": len(profiles)}).Debug("Projected profiles to graph")
	return nil
}

// ProjectSubmission links a submission to its form and its profile
func (s *ProfileService) ProjectSubmission(ctx context.Context, profileID, submissionID, formID string) error {
	ctx, span := tracing.StartSpan(ctx, "graph.ProfileService.ProjectSubmission")
	defer span.End()

	err := s.client.write(ctx, statement{
		cypher: `
			MERGE (p:Profile {id: $profile_id})
			MERGE (s:Submission {id: $submission_id})
			MERGE (f:Form {id: $form_id})
			MERGE (p)-[:SUBMITTED]->(s)
			MERGE (s)-[:FOR_FORM]->(f)
			MERGE (p)-[:USED_FORM]->(f)
		`,
		params: map[string]any{
			"profile_id":    profileID,
			"submission_id": submissionID,
			"form_id":       formID,
		},
	})
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"profile_id":    profileID,
			"submission_id": submissionID,
		}).Error("Failed to project submission to graph")
		return fmt.Errorf("failed to project submission to graph: %w", err)
	}

	return nil
}

// ProjectMerge re-points absorbed profiles' edges to the primary and soft-deletes them
func (s *ProfileService) ProjectMerge(ctx context.Context, primary *models.Profile, absorbedIDs []string) error {
	ctx, span := tracing.StartSpan(ctx, "graph.ProfileService.ProjectMerge")
	defer span.End()

	err := s.client.write(ctx,
		statement{cypher: upsertProfilesCypher, params: map[string]any{"batch": []map[string]any{{
			"props":          profileProps(primary),
			"submission_ids": primary.SubmissionIDs.Slice(),
			"form_ids":       primary.FormIDs.Slice(),
		}}}},
		statement{
			cypher: `
				MATCH (p:Profile {id: $primary_id})
				UNWIND $absorbed_ids AS did
				MERGE (d:Profile {id: did})
				SET d.deleted_at = $merged_at
				MERGE (d)-[:MERGED_INTO]->(p)
				WITH d
				MATCH (d)-[r:SUBMITTED|USED_FORM]->()
				DELETE r
			`,
			params: map[string]any{
				"primary_id":   primary.ID,
				"absorbed_ids": absorbedIDs,
				"merged_at":    time.Now().UTC().Format(time.RFC3339),
			},
		},
	)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"primary_id":   primary.ID,
			"absorbed_ids": absorbedIDs,
		}).Error("Failed to project merge to graph")
		return fmt.Errorf("failed to project merge to graph: %w", err)
	}

	return nil
}

// SweepProfiles detaches and deletes profile nodes a rebuild run did not produce
func (s *ProfileService) SweepProfiles(ctx context.Context, runID string) error {
	ctx, span := tracing.StartSpan(ctx, "graph.ProfileService.SweepProfiles")
	defer span.End()

	err := s.client.write(ctx, statement{
		cypher: `
			MATCH (p:Profile)
			WHERE p.rebuild_run_id IS NULL OR p.rebuild_run_id <> $run_id
			DETACH DELETE p
		`,
		params: map[string]any{"run_id": runID},
	})
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"run_id": runID}).Error("Failed to sweep graph profiles")
		return fmt.Errorf("failed to sweep graph profiles: %w", err)
	}

	return nil
}

func profileProps(p *models.Profile) map[string]any {
	props := map[string]any{
		"id":                p.ID,
		"total_submissions": p.TotalSubmissions,
		"match_confidence":  p.MatchConfidence,
		"linked_emails":     p.LinkedEmails.Slice(),
		"linked_phones":     p.LinkedPhones.Slice(),
		"merged_from_ids":   p.MergedFromIDs.Slice(),
		"updated_at":        p.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if p.PrimaryEmail != nil {
		props["primary_email"] = *p.PrimaryEmail
	}
	if p.PrimaryPhone != nil {
		props["primary_phone"] = *p.PrimaryPhone
	}
	if p.FullName != nil {
		props["full_name"] = *p.FullName
	}
	if p.RebuildRunID != nil {
		props["rebuild_run_id"] = *p.RebuildRunID
	}
	return props
}
