package models

import (
	"database/sql/driver"
	"encoding/json"
	"strings"

	"github.com/Gobusters/ectolinq"
	"github.com/lib/pq"
)

// StringSet is an insertion-ordered set of non-empty strings. It is stored
// as a postgres text[] and serialized as a JSON array.
type StringSet []string

// NewStringSet trims each value and drops empties and repeats.
func NewStringSet(values ...string) StringSet {
	s := make(StringSet, 0, len(values))
	s.Add(values...)
	return s
}

// Add inserts values not already present and reports how many were new.
func (s *StringSet) Add(values ...string) int {
	added := 0
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || s.Contains(v) {
			continue
		}
		*s = append(*s, v)
		added++
	}
	return added
}

func (s StringSet) Contains(value string) bool {
	return ectolinq.Contains(s, value)
}

func (s StringSet) ContainsFold(value string) bool {
	return ectolinq.Any(s, func(v string) bool { return strings.EqualFold(v, value) })
}

// Union returns a new set holding s followed by the members of other not in s.
func (s StringSet) Union(other StringSet) StringSet {
	out := make(StringSet, 0, len(s)+len(other))
	out.Add(s...)
	out.Add(other...)
	return out
}

// First returns the earliest inserted member.
func (s StringSet) First() (string, bool) {
	if len(s) == 0 {
		return "", false
	}
	return s[0], true
}

func (s StringSet) Slice() []string {
	return append([]string{}, s...)
}

func (s *StringSet) Scan(src any) error {
	var arr pq.StringArray
	if err := arr.Scan(src); err != nil {
		return err
	}
	*s = NewStringSet(arr...)
	return nil
}

func (s StringSet) Value() (driver.Value, error) {
	return pq.StringArray(s.Slice()).Value()
}

func (s StringSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Slice())
}

func (s *StringSet) UnmarshalJSON(b []byte) error {
	var values []string
	if err := json.Unmarshal(b, &values); err != nil {
		return err
	}
	*s = NewStringSet(values...)
	return nil
}
