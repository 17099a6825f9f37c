package classify

import (
	"regexp"
	"strings"
)

// AggregateFuncs are the recognized collection-aggregate function names.
var AggregateFuncs = map[string]bool{
	"sum":   true,
	"avg":   true,
	"count": true,
	"min":   true,
	"max":   true,
	"std":   true,
	"var":   true,
}

// aggregatePattern matches a collection-aggregate call: one of the known
// functions applied to a single string-literal pattern. min(a, b) with
// plain arguments is an ordinary function call and does not match.
var aggregatePattern = regexp.MustCompile(`\b(sum|avg|count|min|max|std|var)\(\s*"([^"]*)"\s*\)`)

// Aggregate is a parsed collection-aggregate reference. The pattern's
// clauses are pipe-separated: the first "type:value" clause is the filter,
// clauses prefixed "!" are exclusions. Filter resolution against the live
// entity fleet happens at evaluation time through the host's
// dependency-discovery collaborator.
type Aggregate struct {
	Func        string
	Pattern     string
	FilterType  string
	FilterValue string
	Exclusions  []string

	raw string // full matched call text, used for masking
}

// Canonical returns the reference identity of the aggregate call.
func (a Aggregate) Canonical() string {
	return a.Func + `("` + a.Pattern + `")`
}

// ExtractAggregates finds every collection-aggregate call in an expression.
func ExtractAggregates(expression string) []Aggregate {
	matches := aggregatePattern.FindAllStringSubmatch(expression, -1)
	if len(matches) == 0 {
		return nil
	}

	out := make([]Aggregate, 0, len(matches))
	for _, m := range matches {
		agg := parsePattern(m[1], m[2])
		agg.raw = m[0]
		out = append(out, agg)
	}
	return out
}

// parsePattern splits an aggregate pattern into filter and exclusion
// clauses.
func parsePattern(fn, pattern string) Aggregate {
	agg := Aggregate{Func: fn, Pattern: pattern}

	for _, clause := range strings.Split(pattern, "|") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		if strings.HasPrefix(clause, "!") {
			agg.Exclusions = append(agg.Exclusions, strings.TrimPrefix(clause, "!"))
			continue
		}
		if agg.FilterType == "" {
			if i := strings.IndexByte(clause, ':'); i > 0 {
				agg.FilterType = clause[:i]
				agg.FilterValue = clause[i+1:]
			} else {
				// Bare clause: treat as an entity-id glob filter.
				agg.FilterType = "entity_id"
				agg.FilterValue = clause
			}
		}
	}
	return agg
}
