package normalizers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "a@x.com", NormalizeEmail("  A@X.com "))
}

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "(555) 010-0100", NormalizePhone(" (555) 010-0100 "))
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "Mary Ann Lee", NormalizeName("  Mary   Ann\tLee "))
	assert.Equal(t, "", NormalizeName("   "))
}

func TestPhoneDigitsWithPlus(t *testing.T) {
	tests := map[string]string{
		"+1 (555) 010-0100": "+15550100100",
		"555.010.0100":      "5550100100",
		"n/a":               "",
	}
	for in, want := range tests {
		assert.Equal(t, want, PhoneDigitsWithPlus(in), in)
	}
}

func TestLooksLikeEmail(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"jane@example.com", true},
		{"j.doe+tag@mail.example.org", true},
		{"jane@", false},
		{"@example.com", false},
		{"jane@example", false},
		{"jane@@example.com", false},
		{"jane doe@example.com", false},
		{"jane@example.", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, LooksLikeEmail(tt.in))
		})
	}
}

func TestRegistry(t *testing.T) {
	fn, ok := Get("nphone")
	assert.True(t, ok)
	assert.Equal(t, "555", fn(" 555 "))

	_, ok = Get("missing")
	assert.False(t, ok)
}
