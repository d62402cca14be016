// Package normalizers canonicalizes identifier values before they are stored or compared.
package normalizers

import (
	"strings"
	"unicode"
)

// Normalizer is a function that normalizes a string value
type Normalizer func(string) string

var registry = map[string]Normalizer{}

func init() {
	Register("trim", Trim)
	Register("lowercase", Lowercase)
	Register("nemail", NormalizeEmail)
	Register("nphone", NormalizePhone)
	Register("nname", NormalizeName)
	Register("digits_only", DigitsOnly)
	Register("e164ish", PhoneDigitsWithPlus)
}

// Register adds a normalizer to the registry
func Register(name string, fn Normalizer) {
	registry[name] = fn
}

// Get retrieves a normalizer by name
func Get(name string) (Normalizer, bool) {
	fn, ok := registry[name]
	return fn, ok
}

// Trim removes leading and trailing whitespace
func Trim(s string) string {
	return strings.TrimSpace(s)
}

// Lowercase converts string to lowercase
func Lowercase(s string) string {
	return strings.ToLower(s)
}

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizePhone trims a phone number and otherwise keeps it as observed.
// Phones are compared exactly as stored.
func NormalizePhone(s string) string {
	return strings.TrimSpace(s)
}

// NormalizeName trims a name and collapses inner whitespace. Case is preserved.
func NormalizeName(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// DigitsOnly keeps only digit characters
func DigitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// PhoneDigitsWithPlus keeps digits and a leading plus sign.
func PhoneDigitsWithPlus(s string) string {
	s = strings.TrimSpace(s)
	digits := DigitsOnly(s)
	if digits == "" {
		return ""
	}
	if strings.HasPrefix(s, "+") {
		return "+" + digits
	}
	return digits
}

// LooksLikeEmail is a shape check: one @ with a non-empty local part and a dotted domain.
func LooksLikeEmail(s string) bool {
	at := strings.LastIndex(s, "@")
	if at <= 0 || at != strings.Index(s, "@") {
		return false
	}
	domain := s[at+1:]
	dot := strings.LastIndex(domain, ".")
	return dot > 0 && dot < len(domain)-1 && !strings.ContainsAny(s, " \t\n")
}
