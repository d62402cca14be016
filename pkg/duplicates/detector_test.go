package duplicates

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/sage/internal/repositories/memory"
	"github.com/Ramsey-B/sage/pkg/matching"
	"github.com/Ramsey-B/sage/pkg/models"
)

func newDetector(t *testing.T, store *memory.Store, cfg Config) *Detector {
	t.Helper()
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	return NewDetector(store.Profiles(), matching.NewConfidenceScorer(matching.NameModeSubstring), cfg, logger)
}

func seed(t *testing.T, store *memory.Store, id string, submissions int, emails, phones, names []string) *models.Profile {
	t.Helper()
	p := &models.Profile{
		ID:            id,
		LinkedEmails:  models.NewStringSet(emails...),
		LinkedPhones:  models.NewStringSet(phones...),
		LinkedNames:   models.NewStringSet(names...),
		SubmissionIDs: models.NewStringSet(),
	}
	for i := 0; i < submissions; i++ {
		p.SubmissionIDs.Add(fmt.Sprintf("%s-s%d", id, i))
	}
	require.NoError(t, store.Profiles().Create(context.Background(), p))
	return p
}

func TestDetector_Query(t *testing.T) {
	d := newDetector(t, memory.NewStore(), DefaultConfig())

	q, err := d.Query(0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, models.DuplicateQuery{MinConfidence: 70, MinSubmissions: 1, Limit: 50}, q)

	q, err = d.Query(40, 3, 500)
	require.NoError(t, err)
	assert.Equal(t, 100, q.Limit, "limit is capped")

	for _, tc := range []struct {
		name              string
		conf, subs, limit int
	}{
		{"confidence too high", 101, 1, 10},
		{"negative confidence", -1, 1, 10},
		{"negative submissions", 70, -2, 10},
		{"negative limit", 70, 1, -5},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := d.Query(tc.conf, tc.subs, tc.limit)
			require.Error(t, err)
			assert.Equal(t, http.StatusBadRequest, httperror.GetStatusCode(err))
		})
	}
}

func TestDetector_FindPotentialDuplicates(t *testing.T) {
	store := memory.NewStore()
	seed(t, store, "a", 3, []string{"jane@example.com"}, []string{"555-0100"}, []string{"Jane Doe"})
	seed(t, store, "b", 2, []string{"jane@example.com"}, []string{"555-0100"}, nil)
	seed(t, store, "c", 1, []string{"other@example.com"}, []string{"555-0100"}, nil)
	seed(t, store, "d", 1, []string{"nobody@example.com"}, []string{"555-9999"}, []string{"Zed"})

	d := newDetector(t, store, DefaultConfig())
	groups, err := d.FindPotentialDuplicates(context.Background(), models.DuplicateQuery{MinConfidence: 1, MinSubmissions: 1, Limit: 50})
	require.NoError(t, err)

	require.Len(t, groups, 3)
	assert.Equal(t, 100, groups[0].Confidence)
	assert.Equal(t, []string{"a", "b"}, []string{groups[0].Profiles[0].ID, groups[0].Profiles[1].ID})
	assert.Contains(t, groups[0].MatchReasons, "Matching email: jane@example.com")
	for i := 1; i < len(groups); i++ {
		assert.GreaterOrEqual(t, groups[i-1].Confidence, groups[i].Confidence)
	}
	for _, g := range groups {
		for _, p := range g.Profiles {
			assert.NotEqual(t, "d", p.ID, "profile with no shared identifiers never appears")
		}
	}
}

func TestDetector_Thresholds(t *testing.T) {
	store := memory.NewStore()
	seed(t, store, "a", 3, []string{"jane@example.com"}, nil, nil)
	seed(t, store, "b", 1, []string{"JANE@example.com"}, nil, nil)
	seed(t, store, "c", 2, nil, []string{"555-0100"}, nil)
	seed(t, store, "e", 2, nil, []string{"555-0100"}, nil)

	d := newDetector(t, store, DefaultConfig())
	ctx := context.Background()

	t.Run("min confidence", func(t *testing.T) {
		groups, err := d.FindPotentialDuplicates(ctx, models.DuplicateQuery{MinConfidence: 40, MinSubmissions: 1, Limit: 50})
		require.NoError(t, err)
		require.Len(t, groups, 2)
		assert.Equal(t, 50, groups[0].Confidence)
		assert.Equal(t, 40, groups[1].Confidence)

		groups, err = d.FindPotentialDuplicates(ctx, models.DuplicateQuery{MinConfidence: 50, MinSubmissions: 1, Limit: 50})
		require.NoError(t, err)
		require.Len(t, groups, 1)
	})

	t.Run("min submissions", func(t *testing.T) {
		groups, err := d.FindPotentialDuplicates(ctx, models.DuplicateQuery{MinConfidence: 1, MinSubmissions: 2, Limit: 50})
		require.NoError(t, err)
		require.Len(t, groups, 1)
		assert.Equal(t, 40, groups[0].Confidence)
	})

	t.Run("limit", func(t *testing.T) {
		groups, err := d.FindPotentialDuplicates(ctx, models.DuplicateQuery{MinConfidence: 1, MinSubmissions: 1, Limit: 1})
		require.NoError(t, err)
		assert.Len(t, groups, 1)
	})
}

func TestDetector_ScanSizeCapsProfiles(t *testing.T) {
	store := memory.NewStore()
	seed(t, store, "a", 3, []string{"x@example.com"}, nil, nil)
	seed(t, store, "b", 2, nil, []string{"555-0100"}, nil)
	seed(t, store, "c", 1, []string{"x@example.com"}, []string{"555-0100"}, nil)

	cfg := DefaultConfig()
	cfg.ScanSize = 2
	d := newDetector(t, store, cfg)

	groups, err := d.FindPotentialDuplicates(context.Background(), models.DuplicateQuery{MinConfidence: 1, MinSubmissions: 1, Limit: 50})
	require.NoError(t, err)
	assert.Empty(t, groups, "c is outside the scan window")
}

func TestDetector_Cancelled(t *testing.T) {
	store := memory.NewStore()
	seed(t, store, "a", 1, []string{"x@example.com"}, nil, nil)
	seed(t, store, "b", 1, []string{"x@example.com"}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newDetector(t, store, DefaultConfig()).FindPotentialDuplicates(ctx, models.DuplicateQuery{MinConfidence: 1, MinSubmissions: 1, Limit: 10})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDetector_StoreFailure(t *testing.T) {
	store := memory.NewStore()
	boom := errors.New("connection refused")
	store.SetFailure("profile.ListForDuplicateScan", boom)

	_, err := newDetector(t, store, DefaultConfig()).FindPotentialDuplicates(context.Background(), models.DuplicateQuery{MinConfidence: 70, MinSubmissions: 1, Limit: 10})
	assert.ErrorIs(t, err, boom)
}

func TestDetector_QueueCandidates(t *testing.T) {
	store := memory.NewStore()
	seed(t, store, "b", 1, []string{"x@example.com"}, nil, nil)
	seed(t, store, "a", 2, []string{"x@example.com"}, nil, nil)

	d := newDetector(t, store, DefaultConfig())
	ctx := context.Background()
	groups, err := d.FindPotentialDuplicates(ctx, models.DuplicateQuery{MinConfidence: 50, MinSubmissions: 1, Limit: 10})
	require.NoError(t, err)
	require.Len(t, groups, 1)

	queued, err := d.QueueCandidates(ctx, store.Candidates(), groups)
	require.NoError(t, err)
	assert.Equal(t, 1, queued)

	// queuing twice keeps one pending row per pair
	_, err = d.QueueCandidates(ctx, store.Candidates(), groups)
	require.NoError(t, err)

	pending, err := store.Candidates().ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "a", pending[0].ProfileAID)
	assert.Equal(t, "b", pending[0].ProfileBID)
	assert.Equal(t, models.MergeCandidateReasonDetector, pending[0].Reason)
	assert.Equal(t, 50, pending[0].Confidence)
}
