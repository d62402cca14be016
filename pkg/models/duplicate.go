package models

// DuplicateGroup is a suspected duplicate pair produced by a scan. It is never persisted.
type DuplicateGroup struct {
	Profiles     []*Profile `json:"profiles"`
	Confidence   int        `json:"confidence"`
	MatchReasons []string   `json:"match_reasons"`
}

// DuplicateQuery bounds a duplicate scan.
type DuplicateQuery struct {
	MinConfidence  int `json:"min_confidence" validate:"min=0,max=100"`
	MinSubmissions int `json:"min_submissions" validate:"min=0"`
	Limit          int `json:"limit" validate:"min=1"`
}

// SyncResult is the outcome of syncing one submission. Failures are reported here, never raised.
type SyncResult struct {
	Success      bool   `json:"success"`
	ProfileID    string `json:"profile_id,omitempty"`
	IsNewProfile bool   `json:"is_new_profile"`
	Skipped      bool   `json:"skipped,omitempty"`
	Error        string `json:"error,omitempty"`
}
