package database

import (
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// Binder is any builder that can bind a placeholder argument.
type Binder interface {
	Var(arg any) string
}

// ArrayContains builds "$n = ANY(column)".
func ArrayContains(b Binder, column string, value any) string {
	return fmt.Sprintf("%s = ANY(%s)", b.Var(value), column)
}

// ArrayOverlaps builds "column && $n" for a text[] column.
func ArrayOverlaps(b Binder, column string, values []string) string {
	return fmt.Sprintf("%s && %s", column, b.Var(pq.StringArray(values)))
}

// ArrayElementILike builds an EXISTS over unnest(column) matching pattern case-insensitively.
func ArrayElementILike(b Binder, column string, pattern string) string {
	return fmt.Sprintf("EXISTS (SELECT 1 FROM unnest(%s) AS v WHERE v ILIKE %s)", column, b.Var(pattern))
}

// Excluded assigns every column from the proposed row in an upsert:
// "a = EXCLUDED.a, b = EXCLUDED.b".
func Excluded(columns ...string) string {
	assignments := make([]string, len(columns))
	for i, col := range columns {
		assignments[i] = fmt.Sprintf("%s = EXCLUDED.%s", col, col)
	}
	return strings.Join(assignments, ", ")
}

// LikePattern escapes LIKE metacharacters in s and wraps it for a contains match.
func LikePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}
