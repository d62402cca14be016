package models

import (
	"fmt"
	"slices"
	"time"
)

// Profile is the consolidated record of one data subject across all submissions.
type Profile struct {
	ID                  string    `json:"id" db:"id"`
	PrimaryEmail        *string   `json:"primary_email" db:"primary_email"`
	PrimaryPhone        *string   `json:"primary_phone" db:"primary_phone"`
	FullName            *string   `json:"full_name" db:"full_name"`
	LinkedEmails        StringSet `json:"linked_emails" db:"linked_emails"`
	LinkedPhones        StringSet `json:"linked_phones" db:"linked_phones"`
	LinkedNames         StringSet `json:"linked_names" db:"linked_names"`
	SubmissionIDs       StringSet `json:"submission_ids" db:"submission_ids"`
	FormIDs             StringSet `json:"form_ids" db:"form_ids"`
	TotalSubmissions    int       `json:"total_submissions" db:"total_submissions"`
	FirstSubmissionDate time.Time `json:"first_submission_date" db:"first_submission_date"`
	LastSubmissionDate  time.Time `json:"last_submission_date" db:"last_submission_date"`
	MatchConfidence     float64   `json:"match_confidence" db:"match_confidence"`
	MergedFromIDs       StringSet `json:"merged_from_ids" db:"merged_from_ids"`
	RebuildRunID        *string   `json:"-" db:"rebuild_run_id"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time `json:"updated_at" db:"updated_at"`
}

// AddSubmission records a submission on the profile. Re-adding a known id is a no-op
// apart from the date range, so repeated syncs converge.
func (p *Profile) AddSubmission(submissionID, formID string, submittedAt time.Time) bool {
	added := p.SubmissionIDs.Add(submissionID) > 0
	p.FormIDs.Add(formID)
	p.ExtendDateRange(submittedAt, submittedAt)
	p.Recount()
	return added
}

// ExtendDateRange widens the profile's date range to cover [first, last].
func (p *Profile) ExtendDateRange(first, last time.Time) {
	if !first.IsZero() && (p.FirstSubmissionDate.IsZero() || first.Before(p.FirstSubmissionDate)) {
		p.FirstSubmissionDate = first
	}
	if !last.IsZero() && (p.LastSubmissionDate.IsZero() || last.After(p.LastSubmissionDate)) {
		p.LastSubmissionDate = last
	}
}

// Recount keeps TotalSubmissions equal to the number of linked submission ids.
func (p *Profile) Recount() {
	p.TotalSubmissions = len(p.SubmissionIDs)
}

// AddIdentifiers unions emails, phones and names into the linked sets and fills
// empty primary fields from the first value seen.
func (p *Profile) AddIdentifiers(emails, phones, names []string) {
	p.LinkedEmails.Add(emails...)
	p.LinkedPhones.Add(phones...)
	p.LinkedNames.Add(names...)

	if p.PrimaryEmail == nil {
		if e, ok := p.LinkedEmails.First(); ok {
			p.PrimaryEmail = &e
		}
	}
	if p.PrimaryPhone == nil {
		if ph, ok := p.LinkedPhones.First(); ok {
			p.PrimaryPhone = &ph
		}
	}
}

// Absorb folds a duplicate into p: set unions, a widened date range and
// lineage. Confidence is left to the caller.
func (p *Profile) Absorb(dup *Profile) {
	p.AddIdentifiers(dup.LinkedEmails, dup.LinkedPhones, dup.LinkedNames)
	p.SubmissionIDs.Add(dup.SubmissionIDs...)
	p.FormIDs.Add(dup.FormIDs...)
	p.ExtendDateRange(dup.FirstSubmissionDate, dup.LastSubmissionDate)
	p.MergedFromIDs.Add(dup.MergedFromIDs...)
	p.MergedFromIDs.Add(dup.ID)
	if p.FullName == nil && dup.FullName != nil {
		name := *dup.FullName
		p.FullName = &name
	}
	p.Recount()
}

// CheckInvariants reports the first structural inconsistency found on the profile.
func (p *Profile) CheckInvariants() error {
	if p.TotalSubmissions != len(p.SubmissionIDs) {
		return fmt.Errorf("profile %s: total_submissions %d != %d submission ids", p.ID, p.TotalSubmissions, len(p.SubmissionIDs))
	}
	for name, set := range map[string]StringSet{
		"linked_emails":   p.LinkedEmails,
		"linked_phones":   p.LinkedPhones,
		"linked_names":    p.LinkedNames,
		"submission_ids":  p.SubmissionIDs,
		"form_ids":        p.FormIDs,
		"merged_from_ids": p.MergedFromIDs,
	} {
		if len(NewStringSet(set...)) != len(set) {
			return fmt.Errorf("profile %s: %s contains duplicates", p.ID, name)
		}
	}
	if !p.FirstSubmissionDate.IsZero() && p.LastSubmissionDate.Before(p.FirstSubmissionDate) {
		return fmt.Errorf("profile %s: last submission date precedes first", p.ID)
	}
	if p.MatchConfidence < 0 || p.MatchConfidence > 100 {
		return fmt.Errorf("profile %s: match confidence %.2f out of range", p.ID, p.MatchConfidence)
	}
	return nil
}

// Clone returns a deep copy.
func (p *Profile) Clone() *Profile {
	c := *p
	c.PrimaryEmail = cloneString(p.PrimaryEmail)
	c.PrimaryPhone = cloneString(p.PrimaryPhone)
	c.FullName = cloneString(p.FullName)
	c.RebuildRunID = cloneString(p.RebuildRunID)
	c.LinkedEmails = p.LinkedEmails.Slice()
	c.LinkedPhones = p.LinkedPhones.Slice()
	c.LinkedNames = p.LinkedNames.Slice()
	c.SubmissionIDs = p.SubmissionIDs.Slice()
	c.FormIDs = p.FormIDs.Slice()
	c.MergedFromIDs = p.MergedFromIDs.Slice()
	return &c
}

// Equal reports whether two profiles hold the same identity data. Timestamps
// of the row itself are ignored.
func (p *Profile) Equal(o *Profile) bool {
	return p.ID == o.ID &&
		equalString(p.PrimaryEmail, o.PrimaryEmail) &&
		equalString(p.PrimaryPhone, o.PrimaryPhone) &&
		equalString(p.FullName, o.FullName) &&
		slices.Equal(p.LinkedEmails, o.LinkedEmails) &&
		slices.Equal(p.LinkedPhones, o.LinkedPhones) &&
		slices.Equal(p.LinkedNames, o.LinkedNames) &&
		slices.Equal(p.SubmissionIDs, o.SubmissionIDs) &&
		slices.Equal(p.FormIDs, o.FormIDs) &&
		slices.Equal(p.MergedFromIDs, o.MergedFromIDs) &&
		p.TotalSubmissions == o.TotalSubmissions &&
		p.FirstSubmissionDate.Equal(o.FirstSubmissionDate) &&
		p.LastSubmissionDate.Equal(o.LastSubmissionDate) &&
		p.MatchConfidence == o.MatchConfidence
}

func equalString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ProfileListQuery is the paging and filtering input for listing profiles.
type ProfileListQuery struct {
	Page      int    `json:"page" query:"page" validate:"omitempty,min=1"`
	Limit     int    `json:"limit" query:"limit" validate:"omitempty,min=1,max=100"`
	Search    string `json:"search" query:"search" validate:"omitempty,max=256"`
	SortBy    string `json:"sort_by" query:"sort_by" validate:"omitempty,oneof=created_at updated_at last_submission_date first_submission_date total_submissions full_name primary_email match_confidence"`
	SortOrder string `json:"sort_order" query:"sort_order" validate:"omitempty,oneof=asc desc ASC DESC"`
}

// ProfileList is one page of profiles.
type ProfileList struct {
	Profiles   []*Profile `json:"profiles"`
	Total      int        `json:"total"`
	Page       int        `json:"page"`
	Limit      int        `json:"limit"`
	TotalPages int        `json:"total_pages"`
}
