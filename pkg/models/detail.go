package models

import "time"

// SubmissionSummary is a submission as shown on a profile, with decrypted identity values.
type SubmissionSummary struct {
	ID          string        `json:"id"`
	FormID      string        `json:"form_id"`
	FormTitle   string        `json:"form_title"`
	SubmittedAt time.Time     `json:"submitted_at"`
	Fields      []ExportField `json:"fields"`
}

type ExportField struct {
	Label string    `json:"label"`
	Type  FieldType `json:"type"`
	Value string    `json:"value"`
}

// PersonalDataField describes where a kind of personal data was collected for the subject.
type PersonalDataField struct {
	FormID          string    `json:"form_id"`
	FormTitle       string    `json:"form_title"`
	Label           string    `json:"label"`
	Type            FieldType `json:"type"`
	SubmissionCount int       `json:"submission_count"`
}

// Consent and DSRRequest are owned by the compliance collaborator and passed through.
type Consent struct {
	ID        string    `json:"id"`
	FormID    string    `json:"form_id,omitempty"`
	Purpose   string    `json:"purpose"`
	Granted   bool      `json:"granted"`
	UpdatedAt time.Time `json:"updated_at"`
}

type DSRRequest struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type ProfileStatistics struct {
	TotalSubmissions    int       `json:"total_submissions"`
	TotalForms          int       `json:"total_forms"`
	FirstSubmissionDate time.Time `json:"first_submission_date"`
	LastSubmissionDate  time.Time `json:"last_submission_date"`
	DaysActive          int       `json:"days_active"`
	LinkedEmailCount    int       `json:"linked_email_count"`
	LinkedPhoneCount    int       `json:"linked_phone_count"`
	LinkedNameCount     int       `json:"linked_name_count"`
	MergeCount          int       `json:"merge_count"`
}

// NewProfileStatistics derives statistics from the profile alone.
func NewProfileStatistics(p *Profile) ProfileStatistics {
	stats := ProfileStatistics{
		TotalSubmissions:    p.TotalSubmissions,
		TotalForms:          len(p.FormIDs),
		FirstSubmissionDate: p.FirstSubmissionDate,
		LastSubmissionDate:  p.LastSubmissionDate,
		LinkedEmailCount:    len(p.LinkedEmails),
		LinkedPhoneCount:    len(p.LinkedPhones),
		LinkedNameCount:     len(p.LinkedNames),
		MergeCount:          len(p.MergedFromIDs),
	}
	if !p.FirstSubmissionDate.IsZero() && !p.LastSubmissionDate.IsZero() {
		stats.DaysActive = int(p.LastSubmissionDate.Sub(p.FirstSubmissionDate).Hours()/24) + 1
	}
	return stats
}

// ProfileDetail is a profile with everything collected about the subject.
type ProfileDetail struct {
	*Profile
	Submissions        []SubmissionSummary `json:"submissions"`
	Consents           []Consent           `json:"consents"`
	PersonalDataFields []PersonalDataField `json:"personal_data_fields"`
	DSRRequests        []DSRRequest        `json:"dsr_requests"`
	MergeHistory       []*MergeAuditRecord `json:"merge_history"`
	Statistics         ProfileStatistics   `json:"statistics"`
}

const ExportVersion = "1.0"

// ExportIdentity is the identity block of a portable export.
type ExportIdentity struct {
	ID                  string    `json:"id"`
	PrimaryEmail        *string   `json:"primary_email"`
	PrimaryPhone        *string   `json:"primary_phone"`
	FullName            *string   `json:"full_name"`
	Emails              StringSet `json:"emails"`
	Phones              StringSet `json:"phones"`
	Names               StringSet `json:"names"`
	FirstSubmissionDate time.Time `json:"first_submission_date"`
	LastSubmissionDate  time.Time `json:"last_submission_date"`
	CreatedAt           time.Time `json:"created_at"`
}

// ProfileExport is the portable bundle handed to a data subject.
type ProfileExport struct {
	ExportVersion      string              `json:"export_version"`
	ExportedAt         time.Time           `json:"exported_at"`
	Profile            ExportIdentity      `json:"profile"`
	Submissions        []SubmissionSummary `json:"submissions"`
	Consents           []Consent           `json:"consents"`
	PersonalDataFields []PersonalDataField `json:"personal_data_fields"`
	DSRRequests        []DSRRequest        `json:"dsr_requests"`
	MergeHistory       []*MergeAuditRecord `json:"merge_history"`
	Statistics         ProfileStatistics   `json:"statistics"`
}

// RebuildPhase names a stage of a corpus rebuild.
type RebuildPhase string

const (
	RebuildPhaseScan      RebuildPhase = "scan"
	RebuildPhaseEmail     RebuildPhase = "email"
	RebuildPhasePhoneOnly RebuildPhase = "phone_only"
	RebuildPhaseSweep     RebuildPhase = "sweep"
	RebuildPhaseDone      RebuildPhase = "done"
)

// RebuildCheckpoint is the resumable progress of a rebuild run.
type RebuildCheckpoint struct {
	RunID             string       `json:"run_id"`
	Phase             RebuildPhase `json:"phase"`
	LastKey           string       `json:"last_key"`
	SubmissionsRead   int          `json:"submissions_read"`
	ProfilesWritten   int          `json:"profiles_written"`
	ProfilesRemoved   int          `json:"profiles_removed"`
	SkippedNoContact  int          `json:"skipped_no_contact"`
	SkippedUnreadable int          `json:"skipped_unreadable"`
	StartedAt         time.Time    `json:"started_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
	CompletedAt       *time.Time   `json:"completed_at,omitempty"`
	Error             string       `json:"error,omitempty"`
}
