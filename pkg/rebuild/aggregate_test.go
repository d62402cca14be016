package rebuild

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/sage/pkg/models"
)

func identity(id string, day int, emails, phones, names []string) *models.CandidateIdentity {
	return &models.CandidateIdentity{
		SubmissionID: id,
		FormID:       "form-" + id,
		SubmittedAt:  time.Date(2024, 1, day, 0, 0, 0, 0, time.UTC),
		Emails:       models.NewStringSet(emails...),
		Phones:       models.NewStringSet(phones...),
		Names:        models.NewStringSet(names...),
	}
}

func corpus() []*models.CandidateIdentity {
	return []*models.CandidateIdentity{
		identity("s10", 10, nil, []string{"444"}, nil),
		identity("s3", 3, []string{"a@example.com"}, []string{"111"}, nil),
		identity("s1", 1, []string{"a@example.com"}, []string{"111"}, []string{"Ann"}),
		identity("s2", 2, []string{"a@example.com"}, nil, []string{"Annie"}),
		identity("s4", 4, []string{"b@example.com"}, []string{"222"}, nil),
		identity("s5", 5, []string{"b@example.com"}, nil, nil),
		identity("s6", 6, []string{"c@example.com"}, nil, []string{"Cee"}),
		identity("s7", 7, nil, []string{"222"}, nil),
		identity("s8", 8, nil, []string{"333"}, nil),
		identity("s9", 9, nil, []string{"333"}, []string{"Dee"}),
	}
}

func byKey(groups []Keyed) map[string]*models.Profile {
	out := map[string]*models.Profile{}
	for _, g := range groups {
		out[g.Key] = g.Profile
	}
	return out
}

func TestAggregate(t *testing.T) {
	groups := Aggregate(corpus(), "Unknown")
	require.Len(t, groups, 5)

	keys := make([]string, len(groups))
	for i, g := range groups {
		keys[i] = g.Key
	}
	assert.Equal(t, []string{"email:a@example.com", "email:b@example.com", "email:c@example.com", "phone:333", "phone:444"}, keys)

	profiles := byKey(groups)

	a := profiles["email:a@example.com"]
	assert.Equal(t, ProfileID("email:a@example.com"), a.ID)
	assert.Equal(t, models.StringSet{"s1", "s2", "s3"}, a.SubmissionIDs)
	assert.Equal(t, 3, a.TotalSubmissions)
	assert.Equal(t, models.StringSet{"111"}, a.LinkedPhones)
	assert.Equal(t, models.StringSet{"Ann", "Annie"}, a.LinkedNames)
	require.NotNil(t, a.FullName)
	assert.Equal(t, "Ann", *a.FullName)
	assert.Equal(t, "a@example.com", *a.PrimaryEmail)
	assert.Equal(t, 1, a.FirstSubmissionDate.Day())
	assert.Equal(t, 3, a.LastSubmissionDate.Day())

	b := profiles["email:b@example.com"]
	assert.Equal(t, models.StringSet{"s4", "s5", "s7"}, b.SubmissionIDs, "phone-only submission joins the email profile owning its phone")
	assert.Equal(t, "Unknown", *b.FullName)

	ph := profiles["phone:333"]
	assert.Equal(t, models.StringSet{"s8", "s9"}, ph.SubmissionIDs)
	assert.Nil(t, ph.PrimaryEmail)
	assert.Equal(t, "333", *ph.PrimaryPhone)
	assert.Equal(t, "Dee", *ph.FullName)

	for _, g := range groups {
		require.NoError(t, g.Profile.CheckInvariants())
	}
}

func TestAggregate_Deterministic(t *testing.T) {
	first := Aggregate(corpus(), "Unknown")

	reversed := corpus()
	for i, j := 0, len(reversed)-1; i < j; i, j = i+1, j-1 {
		reversed[i], reversed[j] = reversed[j], reversed[i]
	}
	second := Aggregate(reversed, "Unknown")

	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].Key, second[i].Key)
		assert.True(t, first[i].Profile.Equal(second[i].Profile), first[i].Key)
	}
}

func TestAggregate_MultipleEmailsPerSubmission(t *testing.T) {
	groups := Aggregate([]*models.CandidateIdentity{
		identity("s1", 1, []string{"x@example.com", "y@example.com"}, nil, nil),
	}, "")
	require.Len(t, groups, 2)

	profiles := byKey(groups)
	assert.Equal(t, "y@example.com", *profiles["email:y@example.com"].PrimaryEmail)
	assert.Equal(t, models.StringSet{"x@example.com", "y@example.com"}, profiles["email:y@example.com"].LinkedEmails)
	assert.Nil(t, profiles["email:x@example.com"].FullName)
}

func TestAggregate_PhoneOnlyMultiplePhones(t *testing.T) {
	groups := Aggregate([]*models.CandidateIdentity{
		identity("s1", 1, nil, []string{"111"}, nil),
		identity("s2", 2, nil, []string{"222", "111"}, nil),
		identity("s3", 3, nil, []string{"333", "222"}, nil),
		identity("s4", 4, nil, []string{"999"}, nil),
	}, "")
	require.Len(t, groups, 2)

	profiles := byKey(groups)
	chain := profiles["phone:111"]
	require.NotNil(t, chain)
	assert.Equal(t, models.StringSet{"s1", "s2", "s3"}, chain.SubmissionIDs)
	assert.Equal(t, models.StringSet{"111", "222", "333"}, chain.LinkedPhones)
	assert.Equal(t, "111", *chain.PrimaryPhone)
	assert.Equal(t, models.StringSet{"s4"}, profiles["phone:999"].SubmissionIDs)

	seen := map[string]int{}
	for _, g := range groups {
		for _, id := range g.Profile.SubmissionIDs {
			seen[id]++
		}
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "submission %s should belong to exactly one profile", id)
	}
}

func TestProfileID(t *testing.T) {
	assert.Equal(t, ProfileID("email:a@example.com"), ProfileID("email:a@example.com"))
	assert.NotEqual(t, ProfileID("email:a@example.com"), ProfileID("phone:a@example.com"))
}
