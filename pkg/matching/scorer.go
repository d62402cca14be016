// Package matching scores how likely two profiles describe the same data subject.
package matching

import (
	"fmt"
	"math"

	"github.com/Ramsey-B/sage/pkg/models"
	"github.com/Ramsey-B/sage/pkg/normalizers"
)

const (
	EmailWeight      = 50.0
	PhoneWeight      = 40.0
	NameWeight       = 30.0
	BothContactBonus = 10.0
	MaxConfidence    = 100
)

const (
	NameModeSubstring   = "substring"
	NameModeJaroWinkler = "jaro_winkler"
)

// Score is a confidence in [0,100] with the reasons that produced it.
type Score struct {
	Confidence     int
	Reasons        []string
	EmailMatch     bool
	PhoneMatch     bool
	NameSimilarity float64
}

// ConfidenceScorer is pure and symmetric: Score(a, b) == Score(b, a).
type ConfidenceScorer struct {
	nameSimilarity NameSimilarity
}

func NewConfidenceScorer(nameMode string) *ConfidenceScorer {
	sim := SubstringNameSimilarity
	if nameMode == NameModeJaroWinkler {
		sim = JaroWinklerNameSimilarity
	}
	return &ConfidenceScorer{nameSimilarity: sim}
}

// Score compares the identifier sets of two profiles.
func (s *ConfidenceScorer) Score(a, b *models.Profile) Score {
	return s.ScoreIdentifiers(
		a.LinkedEmails, a.LinkedPhones, namesOf(a),
		b.LinkedEmails, b.LinkedPhones, namesOf(b),
	)
}

// ScoreIdentifiers compares raw identifier lists. Emails compare case-insensitively,
// phones as stored after trimming.
func (s *ConfidenceScorer) ScoreIdentifiers(aEmails, aPhones, aNames, bEmails, bPhones, bNames []string) Score {
	var (
		result Score
		sum    float64
	)

	if email, ok := sharedValue(aEmails, bEmails, normalizers.NormalizeEmail); ok {
		result.EmailMatch = true
		sum += EmailWeight
		result.Reasons = append(result.Reasons, fmt.Sprintf("Matching email: %s", email))
	}

	if phone, ok := sharedValue(aPhones, bPhones, normalizers.Trim); ok {
		result.PhoneMatch = true
		sum += PhoneWeight
		result.Reasons = append(result.Reasons, fmt.Sprintf("Matching phone: %s", phone))
	}

	result.NameSimilarity = s.nameSimilarity(aNames, bNames)
	if result.NameSimilarity > 0 {
		sum += NameWeight * result.NameSimilarity
		result.Reasons = append(result.Reasons, fmt.Sprintf("Similar name (%d%%)", int(math.Round(result.NameSimilarity*100))))
	}

	if result.EmailMatch && result.PhoneMatch {
		sum += BothContactBonus
		result.Reasons = append(result.Reasons, "Email and phone both match")
	}

	result.Confidence = min(MaxConfidence, int(math.Round(sum)))
	return result
}

func namesOf(p *models.Profile) []string {
	return p.LinkedNames
}

// sharedValue returns the smallest value present in both lists so reasons
// read the same whichever side is passed first.
func sharedValue(a, b []string, key func(string) string) (string, bool) {
	var (
		found bool
		best  string
	)
	for _, x := range a {
		kx := key(x)
		if kx == "" {
			continue
		}
		for _, y := range b {
			if kx != key(y) {
				continue
			}
			if !found || kx < best {
				best = kx
				found = true
			}
		}
	}
	return best, found
}
