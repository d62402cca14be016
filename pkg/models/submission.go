package models

import "time"

// FieldType classifies a submission field for identity extraction.
type FieldType string

const (
	FieldTypeEmail FieldType = "email"
	FieldTypePhone FieldType = "phone"
	FieldTypeName  FieldType = "name"
	FieldTypeOther FieldType = "other"
)

// IsIdentity reports whether values of this type identify a data subject.
func (t FieldType) IsIdentity() bool {
	return t == FieldTypeEmail || t == FieldTypePhone || t == FieldTypeName
}

// SubmissionField is one stored answer. Value may be ciphertext when Encrypted is set.
type SubmissionField struct {
	FieldID   string    `json:"field_id" db:"field_id"`
	Label     string    `json:"label" db:"label"`
	Type      FieldType `json:"type" db:"field_type"`
	Value     string    `json:"value" db:"value"`
	Encrypted bool      `json:"encrypted" db:"encrypted"`
}

// Submission is one form response owned by the submissions collaborator.
type Submission struct {
	ID          string            `json:"id" db:"id"`
	FormID      string            `json:"form_id" db:"form_id"`
	SubmittedAt time.Time         `json:"submitted_at" db:"submitted_at"`
	Fields      []SubmissionField `json:"fields"`
}

type Form struct {
	ID    string `json:"id" db:"id"`
	Title string `json:"title" db:"title"`
}

// CandidateIdentity is the normalized identifier set extracted from one submission.
type CandidateIdentity struct {
	SubmissionID string
	FormID       string
	SubmittedAt  time.Time
	Emails       StringSet
	Phones       StringSet
	Names        StringSet
}

// HasContact reports whether the identity carries an email or phone, the only
// identifiers that can anchor a profile.
func (c *CandidateIdentity) HasContact() bool {
	return len(c.Emails) > 0 || len(c.Phones) > 0
}
