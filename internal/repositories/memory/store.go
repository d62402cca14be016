// Package memory is an in-process implementation of the sage stores. Transactions
// are serialized and roll back by restoring a snapshot.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectolinq"
	"github.com/google/uuid"

	"github.com/Ramsey-B/sage/pkg/models"
)

type txKey struct{}

type snapshot struct {
	profiles   map[string]*models.Profile
	candidates map[string]*models.MergeCandidate
	audits     []*models.MergeAuditRecord
}

// Store holds every table in memory.
type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex

	profiles    map[string]*models.Profile
	submissions map[string]*models.Submission
	forms       map[string]models.Form
	candidates  map[string]*models.MergeCandidate
	audits      []*models.MergeAuditRecord

	failOn      map[string]error
	lastCreated time.Time
}

// now is strictly increasing so creation order is always observable.
func (s *Store) now() time.Time {
	t := time.Now().UTC()
	if !t.After(s.lastCreated) {
		t = s.lastCreated.Add(time.Nanosecond)
	}
	s.lastCreated = t
	return t
}

func NewStore() *Store {
	return &Store{
		profiles:    map[string]*models.Profile{},
		submissions: map[string]*models.Submission{},
		forms:       map[string]models.Form{},
		candidates:  map[string]*models.MergeCandidate{},
		failOn:      map[string]error{},
	}
}

// InTx runs fn with exclusive access to the store. A failed fn leaves the store as it was.
// Nested calls join the outer transaction.
func (s *Store) InTx(ctx context.Context, _ *sql.TxOptions, fn func(ctx context.Context) error) (err error) {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	defer func() {
		if p := recover(); p != nil {
			s.restore(snap)
			panic(p)
		}
		if err != nil {
			s.restore(snap)
		}
	}()

	return fn(context.WithValue(ctx, txKey{}, true))
}

func (s *Store) snapshot() snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := snapshot{
		profiles:   make(map[string]*models.Profile, len(s.profiles)),
		candidates: make(map[string]*models.MergeCandidate, len(s.candidates)),
		audits:     append([]*models.MergeAuditRecord{}, s.audits...),
	}
	for id, p := range s.profiles {
		snap.profiles[id] = p.Clone()
	}
	for id, c := range s.candidates {
		cp := *c
		snap.candidates[id] = &cp
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.profiles = snap.profiles
	s.candidates = snap.candidates
	s.audits = snap.audits
}

func (s *Store) fail(op string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failOn[op]
}

// SetFailure makes op fail with err until cleared with a nil err.
func (s *Store) SetFailure(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failOn, op)
		return
	}
	s.failOn[op] = err
}

// Profiles returns the profile table.
func (s *Store) Profiles() *ProfileRepository { return &ProfileRepository{s: s} }

// Submissions returns the submission and form tables.
func (s *Store) Submissions() *SubmissionRepository { return &SubmissionRepository{s: s} }

// Candidates returns the merge candidate table.
func (s *Store) Candidates() *CandidateRepository { return &CandidateRepository{s: s} }

// Audit returns the merge audit table.
func (s *Store) Audit() *AuditRepository { return &AuditRepository{s: s} }

type ProfileRepository struct {
	s *Store
}

func (r *ProfileRepository) InTx(ctx context.Context, opts *sql.TxOptions, fn func(ctx context.Context) error) error {
	return r.s.InTx(ctx, opts, fn)
}

func notFound(kind, id string) error {
	return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("%s %s not found", kind, id))
}

func (r *ProfileRepository) Get(_ context.Context, id string) (*models.Profile, error) {
	if err := r.s.fail("profile.Get"); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	p, ok := r.s.profiles[id]
	if !ok {
		return nil, notFound("profile", id)
	}
	return p.Clone(), nil
}

func (r *ProfileRepository) GetForUpdate(ctx context.Context, id string) (*models.Profile, error) {
	return r.Get(ctx, id)
}

func (r *ProfileRepository) FindByIdentifiers(_ context.Context, emails, phones []string) ([]*models.Profile, error) {
	if err := r.s.fail("profile.FindByIdentifiers"); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	type match struct {
		p       *models.Profile
		byEmail bool
	}
	var matches []match
	for _, p := range r.s.profiles {
		byEmail := overlaps(p.LinkedEmails, emails)
		if byEmail || overlaps(p.LinkedPhones, phones) {
			matches = append(matches, match{p: p, byEmail: byEmail})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].byEmail != matches[j].byEmail {
			return matches[i].byEmail
		}
		a, b := matches[i].p, matches[j].p
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	out := make([]*models.Profile, len(matches))
	for i, m := range matches {
		out[i] = m.p.Clone()
	}
	return out, nil
}

func overlaps(set models.StringSet, values []string) bool {
	return ectolinq.Any(values, set.Contains)
}

// LockIdentifiers is a no-op; transactions on the store are already serialized.
func (r *ProfileRepository) LockIdentifiers(_ context.Context, _ []string) error {
	return r.s.fail("profile.LockIdentifiers")
}

func (r *ProfileRepository) Create(_ context.Context, p *models.Profile) error {
	if err := r.s.fail("profile.Create"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, exists := r.s.profiles[p.ID]; exists {
		return httperror.NewHTTPError(http.StatusConflict, fmt.Sprintf("profile %s already exists", p.ID))
	}
	now := r.s.now()
	p.CreatedAt = now
	p.UpdatedAt = now
	p.Recount()
	r.s.profiles[p.ID] = p.Clone()
	return nil
}

func (r *ProfileRepository) Update(_ context.Context, p *models.Profile) error {
	if err := r.s.fail("profile.Update"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	existing, ok := r.s.profiles[p.ID]
	if !ok {
		return notFound("profile", p.ID)
	}
	p.UpdatedAt = time.Now().UTC()
	p.CreatedAt = existing.CreatedAt
	p.Recount()
	stored := p.Clone()
	stored.RebuildRunID = existing.RebuildRunID
	r.s.profiles[p.ID] = stored
	return nil
}

func (r *ProfileRepository) Delete(_ context.Context, id string) error {
	if err := r.s.fail("profile.Delete"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.profiles[id]; !ok {
		return notFound("profile", id)
	}
	delete(r.s.profiles, id)
	return nil
}

func (r *ProfileRepository) List(_ context.Context, q models.ProfileListQuery) ([]*models.Profile, int, error) {
	if err := r.s.fail("profile.List"); err != nil {
		return nil, 0, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	search := strings.ToLower(strings.TrimSpace(q.Search))
	var matched []*models.Profile
	for _, p := range r.s.profiles {
		if search == "" || profileMatches(p, search) {
			matched = append(matched, p)
		}
	}

	desc := !strings.EqualFold(q.SortOrder, "asc")
	sort.Slice(matched, func(i, j int) bool {
		c := compareBy(matched[i], matched[j], q.SortBy)
		if c == 0 {
			return matched[i].ID < matched[j].ID
		}
		if desc {
			return c > 0
		}
		return c < 0
	})

	total := len(matched)
	start := (q.Page - 1) * q.Limit
	if start > total {
		start = total
	}
	end := start + q.Limit
	if end > total {
		end = total
	}

	out := make([]*models.Profile, 0, end-start)
	for _, p := range matched[start:end] {
		out = append(out, p.Clone())
	}
	return out, total, nil
}

func profileMatches(p *models.Profile, search string) bool {
	for _, v := range []*string{p.FullName, p.PrimaryEmail, p.PrimaryPhone} {
		if v != nil && strings.Contains(strings.ToLower(*v), search) {
			return true
		}
	}
	for _, set := range []models.StringSet{p.LinkedEmails, p.LinkedPhones, p.LinkedNames} {
		for _, v := range set {
			if strings.Contains(strings.ToLower(v), search) {
				return true
			}
		}
	}
	return false
}

func compareBy(a, b *models.Profile, column string) int {
	switch column {
	case "updated_at":
		return a.UpdatedAt.Compare(b.UpdatedAt)
	case "last_submission_date":
		return a.LastSubmissionDate.Compare(b.LastSubmissionDate)
	case "first_submission_date":
		return a.FirstSubmissionDate.Compare(b.FirstSubmissionDate)
	case "total_submissions":
		return a.TotalSubmissions - b.TotalSubmissions
	case "match_confidence":
		switch {
		case a.MatchConfidence < b.MatchConfidence:
			return -1
		case a.MatchConfidence > b.MatchConfidence:
			return 1
		}
		return 0
	case "full_name":
		return strings.Compare(deref(a.FullName), deref(b.FullName))
	case "primary_email":
		return strings.Compare(deref(a.PrimaryEmail), deref(b.PrimaryEmail))
	default:
		return a.CreatedAt.Compare(b.CreatedAt)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (r *ProfileRepository) ListForDuplicateScan(_ context.Context, minSubmissions, limit int) ([]*models.Profile, error) {
	if err := r.s.fail("profile.ListForDuplicateScan"); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []*models.Profile
	for _, p := range r.s.profiles {
		if p.TotalSubmissions >= minSubmissions {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalSubmissions != out[j].TotalSubmissions {
			return out[i].TotalSubmissions > out[j].TotalSubmissions
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *ProfileRepository) UpsertBatch(_ context.Context, runID string, profiles []*models.Profile) error {
	if err := r.s.fail("profile.UpsertBatch"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := time.Now().UTC()
	for _, p := range profiles {
		p.RebuildRunID = &runID
		if existing, ok := r.s.profiles[p.ID]; ok {
			p.CreatedAt = existing.CreatedAt
		} else if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		p.UpdatedAt = now
		p.Recount()
		r.s.profiles[p.ID] = p.Clone()
	}
	return nil
}

func (r *ProfileRepository) DeleteStale(_ context.Context, runID string) (int, error) {
	if err := r.s.fail("profile.DeleteStale"); err != nil {
		return 0, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	removed := 0
	for id, p := range r.s.profiles {
		if p.RebuildRunID == nil || *p.RebuildRunID != runID {
			delete(r.s.profiles, id)
			removed++
		}
	}
	return removed, nil
}

// Count returns the number of stored profiles.
func (r *ProfileRepository) Count() int {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return len(r.s.profiles)
}

// All returns every stored profile ordered by id.
func (r *ProfileRepository) All() []*models.Profile {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]*models.Profile, 0, len(r.s.profiles))
	for _, p := range r.s.profiles {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type SubmissionRepository struct {
	s *Store
}

// Put stores a submission, replacing any with the same id.
func (r *SubmissionRepository) Put(sub *models.Submission) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *sub
	cp.Fields = append([]models.SubmissionField{}, sub.Fields...)
	r.s.submissions[sub.ID] = &cp
}

// PutForm stores a form.
func (r *SubmissionRepository) PutForm(form models.Form) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.forms[form.ID] = form
}

func (r *SubmissionRepository) Get(_ context.Context, id string) (*models.Submission, error) {
	if err := r.s.fail("submission.Get"); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	sub, ok := r.s.submissions[id]
	if !ok {
		return nil, notFound("submission", id)
	}
	cp := *sub
	return &cp, nil
}

func (r *SubmissionRepository) ListByIDs(_ context.Context, ids []string) ([]*models.Submission, error) {
	if err := r.s.fail("submission.ListByIDs"); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := []*models.Submission{}
	for _, id := range ids {
		if sub, ok := r.s.submissions[id]; ok {
			cp := *sub
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *SubmissionRepository) Page(_ context.Context, afterID string, limit int) ([]*models.Submission, error) {
	if err := r.s.fail("submission.Page"); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	ids := make([]string, 0, len(r.s.submissions))
	for id := range r.s.submissions {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]*models.Submission, len(ids))
	for i, id := range ids {
		cp := *r.s.submissions[id]
		out[i] = &cp
	}
	return out, nil
}

func (r *SubmissionRepository) GetForms(_ context.Context, ids []string) (map[string]models.Form, error) {
	if err := r.s.fail("submission.GetForms"); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make(map[string]models.Form, len(ids))
	for _, id := range ids {
		if f, ok := r.s.forms[id]; ok {
			out[id] = f
		}
	}
	return out, nil
}

type CandidateRepository struct {
	s *Store
}

func (r *CandidateRepository) Upsert(_ context.Context, candidate *models.MergeCandidate) error {
	if err := r.s.fail("candidate.Upsert"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := time.Now().UTC()
	for _, existing := range r.s.candidates {
		if existing.ProfileAID == candidate.ProfileAID && existing.ProfileBID == candidate.ProfileBID {
			if existing.Status == models.MergeCandidateStatusPending {
				if candidate.Confidence > existing.Confidence {
					existing.Confidence = candidate.Confidence
				}
				existing.MatchReasons = existing.MatchReasons.Union(candidate.MatchReasons)
				existing.UpdatedAt = now
			}
			return nil
		}
	}

	if candidate.ID == "" {
		candidate.ID = uuid.New().String()
	}
	if candidate.Status == "" {
		candidate.Status = models.MergeCandidateStatusPending
	}
	candidate.CreatedAt = now
	candidate.UpdatedAt = now
	cp := *candidate
	r.s.candidates[cp.ID] = &cp
	return nil
}

func (r *CandidateRepository) Get(_ context.Context, id string) (*models.MergeCandidate, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	c, ok := r.s.candidates[id]
	if !ok {
		return nil, notFound("merge candidate", id)
	}
	cp := *c
	return &cp, nil
}

func (r *CandidateRepository) ListPending(_ context.Context, limit int) ([]*models.MergeCandidate, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := []*models.MergeCandidate{}
	for _, c := range r.s.candidates {
		if c.Status == models.MergeCandidateStatusPending {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *CandidateRepository) Resolve(_ context.Context, id string, status models.MergeCandidateStatus, resolvedBy *string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.candidates[id]
	if !ok {
		return notFound("merge candidate", id)
	}
	if c.Status != models.MergeCandidateStatusPending {
		return httperror.NewHTTPError(http.StatusConflict, fmt.Sprintf("merge candidate %s is not pending", id))
	}
	resolve(c, status, resolvedBy)
	return nil
}

func (r *CandidateRepository) ResolveByProfiles(_ context.Context, profileIDs []string, status models.MergeCandidateStatus, resolvedBy *string) (int, error) {
	if err := r.s.fail("candidate.ResolveByProfiles"); err != nil {
		return 0, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	ids := models.NewStringSet(profileIDs...)
	resolved := 0
	for _, c := range r.s.candidates {
		if c.Status != models.MergeCandidateStatusPending {
			continue
		}
		if ids.Contains(c.ProfileAID) || ids.Contains(c.ProfileBID) {
			resolve(c, status, resolvedBy)
			resolved++
		}
	}
	return resolved, nil
}

func resolve(c *models.MergeCandidate, status models.MergeCandidateStatus, resolvedBy *string) {
	now := time.Now().UTC()
	c.Status = status
	c.ResolvedBy = resolvedBy
	c.ResolvedAt = &now
	c.UpdatedAt = now
}

type AuditRepository struct {
	s *Store
}

func (r *AuditRepository) Create(_ context.Context, record *models.MergeAuditRecord) error {
	if err := r.s.fail("audit.Create"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	record.CreatedAt = time.Now().UTC()
	cp := *record
	r.s.audits = append(r.s.audits, &cp)
	return nil
}

func (r *AuditRepository) ListByProfile(_ context.Context, profileID string) ([]*models.MergeAuditRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := []*models.MergeAuditRecord{}
	for i := len(r.s.audits) - 1; i >= 0; i-- {
		a := r.s.audits[i]
		if a.PrimaryProfileID == profileID || a.MergedProfileIDs.Contains(profileID) {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}
