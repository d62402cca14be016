package rebuild

import (
	"sort"

	"github.com/Gobusters/ectolinq"
	"github.com/google/uuid"

	"github.com/Ramsey-B/sage/pkg/models"
)

// ProfileNamespace seeds the deterministic ids of rebuilt profiles, so
// rerunning a rebuild upserts the same rows.
var ProfileNamespace = uuid.MustParse("6f1c3f9e-2a47-5b1d-9c7e-4e0a8d2b5f13")

// Keyed is a rebuilt profile with the identifier it was grouped on.
type Keyed struct {
	Key     string
	Phase   models.RebuildPhase
	Profile *models.Profile
}

// ProfileID returns the deterministic profile id for an identifier key.
func ProfileID(key string) string {
	return uuid.NewSHA1(ProfileNamespace, []byte(key)).String()
}

// Aggregate groups identities into profiles. Every distinct email yields one
// profile. A submission with phones but no email joins the email profile of
// the earliest email-bearing submission sharing one of its phones. The
// remaining phone-only submissions are grouped by shared phones, one profile
// per connected group keyed on its smallest phone. Results are ordered by
// phase, then key.
func Aggregate(identities []*models.CandidateIdentity, placeholderName string) []Keyed {
	sorted := append([]*models.CandidateIdentity{}, identities...)
	sortByTime(sorted)

	byEmail := map[string][]*models.CandidateIdentity{}
	owner := map[string]string{}
	for _, id := range sorted {
		for _, e := range id.Emails {
			byEmail[e] = append(byEmail[e], id)
		}
		if len(id.Emails) == 0 {
			continue
		}
		for _, ph := range id.Phones {
			if _, ok := owner[ph]; !ok {
				owner[ph] = id.Emails[0]
			}
		}
	}

	var orphans []*models.CandidateIdentity
	for _, id := range sorted {
		if len(id.Emails) > 0 {
			continue
		}
		if e, ok := ownerOf(id.Phones, owner); ok {
			byEmail[e] = append(byEmail[e], id)
			continue
		}
		orphans = append(orphans, id)
	}
	byPhone := groupByPhone(orphans)

	out := make([]Keyed, 0, len(byEmail)+len(byPhone))
	for _, e := range sortedKeys(byEmail) {
		key := "email:" + e
		p := build(key, byEmail[e], placeholderName)
		p.PrimaryEmail = models.StringPtr(e)
		out = append(out, Keyed{Key: key, Phase: models.RebuildPhaseEmail, Profile: p})
	}
	for _, ph := range sortedKeys(byPhone) {
		key := "phone:" + ph
		p := build(key, byPhone[ph], placeholderName)
		p.PrimaryPhone = models.StringPtr(ph)
		out = append(out, Keyed{Key: key, Phase: models.RebuildPhasePhoneOnly, Profile: p})
	}

	return out
}

// groupByPhone unions submissions that share any phone and keys each group by
// its smallest phone, so every submission lands in exactly one group.
func groupByPhone(ids []*models.CandidateIdentity) map[string][]*models.CandidateIdentity {
	parent := map[string]string{}
	var find func(string) string
	find = func(ph string) string {
		if parent[ph] == ph {
			return ph
		}
		root := find(parent[ph])
		parent[ph] = root
		return root
	}
	union := func(a, b string) {
		ra, rb := find(a), find(b)
		switch {
		case ra == rb:
		case ra < rb:
			parent[rb] = ra
		default:
			parent[ra] = rb
		}
	}

	for _, id := range ids {
		for _, ph := range id.Phones {
			if _, ok := parent[ph]; !ok {
				parent[ph] = ph
			}
			union(id.Phones[0], ph)
		}
	}

	groups := map[string][]*models.CandidateIdentity{}
	for _, id := range ids {
		if len(id.Phones) == 0 {
			continue
		}
		root := find(id.Phones[0])
		groups[root] = append(groups[root], id)
	}
	return groups
}

func ownerOf(phones []string, owner map[string]string) (string, bool) {
	for _, ph := range phones {
		if e, ok := owner[ph]; ok {
			return e, true
		}
	}
	return "", false
}

func sortByTime(ids []*models.CandidateIdentity) {
	sort.SliceStable(ids, func(i, j int) bool {
		if !ids[i].SubmittedAt.Equal(ids[j].SubmittedAt) {
			return ids[i].SubmittedAt.Before(ids[j].SubmittedAt)
		}
		return ids[i].SubmissionID < ids[j].SubmissionID
	})
}

// build folds a group into a fresh profile in submission order.
func build(key string, group []*models.CandidateIdentity, placeholderName string) *models.Profile {
	sortByTime(group)
	p := &models.Profile{
		ID:              ProfileID(key),
		LinkedEmails:    models.NewStringSet(),
		LinkedPhones:    models.NewStringSet(),
		LinkedNames:     models.NewStringSet(),
		SubmissionIDs:   models.NewStringSet(),
		FormIDs:         models.NewStringSet(),
		MergedFromIDs:   models.NewStringSet(),
		MatchConfidence: 1.0,
	}
	for _, id := range group {
		p.AddSubmission(id.SubmissionID, id.FormID, id.SubmittedAt)
		p.LinkedEmails.Add(id.Emails...)
		p.LinkedPhones.Add(id.Phones...)
		p.LinkedNames.Add(id.Names...)
	}

	if ph, ok := p.LinkedPhones.First(); ok {
		p.PrimaryPhone = &ph
	}
	if e, ok := p.LinkedEmails.First(); ok {
		p.PrimaryEmail = &e
	}
	if name, ok := p.LinkedNames.First(); ok {
		p.FullName = &name
	} else if placeholderName != "" {
		p.FullName = models.StringPtr(placeholderName)
	}
	return p
}

func sortedKeys(m map[string][]*models.CandidateIdentity) []string {
	keys := ectolinq.Keys(m)
	sort.Strings(keys)
	return keys
}
