package models

import (
	"time"

	"github.com/Ramsey-B/sage/pkg/database"
)

// MergeRequest consolidates DuplicateIDs into PrimaryID.
type MergeRequest struct {
	PrimaryID    string   `json:"primary_id" validate:"required,uuid"`
	DuplicateIDs []string `json:"duplicate_ids" validate:"required,min=1,dive,required,uuid"`
}

// MergeAuditRecord is the permanent record of one merge.
type MergeAuditRecord struct {
	ID                       string                     `json:"id" db:"id"`
	PrimaryProfileID         string                     `json:"primary_profile_id" db:"primary_profile_id"`
	MergedProfileIDs         StringSet                  `json:"merged_profile_ids" db:"merged_profile_ids"`
	ResultingSubmissionCount int                        `json:"resulting_submission_count" db:"resulting_submission_count"`
	ResultingFormCount       int                        `json:"resulting_form_count" db:"resulting_form_count"`
	ConfidenceBefore         float64                    `json:"confidence_before" db:"confidence_before"`
	ConfidenceAfter          float64                    `json:"confidence_after" db:"confidence_after"`
	PerformedBy              *string                    `json:"performed_by" db:"performed_by"`
	Snapshots                database.JSONB[[]*Profile] `json:"-" db:"snapshots"`
	CreatedAt                time.Time                  `json:"created_at" db:"created_at"`
}

// MergeResult is returned by the merger after commit.
type MergeResult struct {
	Profile *Profile          `json:"profile"`
	Audit   *MergeAuditRecord `json:"audit"`
}

// MergeCandidateStatus represents the review state of a suspected duplicate pair.
type MergeCandidateStatus string

const (
	MergeCandidateStatusPending  MergeCandidateStatus = "pending"
	MergeCandidateStatusMerged   MergeCandidateStatus = "merged"
	MergeCandidateStatusRejected MergeCandidateStatus = "rejected"
)

const (
	// MergeCandidateReasonIdentifierConflict marks a submission whose identifiers matched two profiles.
	MergeCandidateReasonIdentifierConflict = "identifier_conflict"
	// MergeCandidateReasonDetector marks a pair queued from a duplicate scan.
	MergeCandidateReasonDetector = "duplicate_scan"
)

// MergeCandidate is a profile pair queued for operator review.
// ProfileAID sorts before ProfileBID so a pair is stored once.
type MergeCandidate struct {
	ID           string               `json:"id" db:"id"`
	ProfileAID   string               `json:"profile_a_id" db:"profile_a_id"`
	ProfileBID   string               `json:"profile_b_id" db:"profile_b_id"`
	Reason       string               `json:"reason" db:"reason"`
	Confidence   int                  `json:"confidence" db:"confidence"`
	MatchReasons StringSet            `json:"match_reasons" db:"match_reasons"`
	SubmissionID *string              `json:"submission_id,omitempty" db:"submission_id"`
	Status       MergeCandidateStatus `json:"status" db:"status"`
	ResolvedBy   *string              `json:"resolved_by,omitempty" db:"resolved_by"`
	ResolvedAt   *time.Time           `json:"resolved_at,omitempty" db:"resolved_at"`
	CreatedAt    time.Time            `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at" db:"updated_at"`
}

// NewMergeCandidate orders the pair canonically.
func NewMergeCandidate(a, b, reason string) *MergeCandidate {
	if b < a {
		a, b = b, a
	}
	return &MergeCandidate{
		ProfileAID:   a,
		ProfileBID:   b,
		Reason:       reason,
		Status:       MergeCandidateStatusPending,
		MatchReasons: NewStringSet(),
	}
}
