package notification

import (
	"errors"
	"regexp"
	"strings"
)

// clausePattern matches `type in (...)` and `status in (...)`. RE2 matching is
// linear in the input, and the input is capped at MaxFilterLength, so
// evaluation time is bounded for any expression.
var clausePattern = regexp.MustCompile(`(?i)\b(type|status)\s+in\s*\(([^)]*)\)`)

var ErrFilterTooLong = errors.New("notification: filter expression too long")

// Filter is a parsed channel filter. A nil set means no constraint on that
// dimension.
type Filter struct {
	Types    map[string]struct{}
	Statuses map[string]struct{}
}

// ParseFilter parses expressions like `type in (Bug, Task) AND status in
// ("In Progress", Open)`. Values compare case-insensitively. An empty
// expression, or one without recognised clauses, constrains nothing.
func ParseFilter(expr string) (Filter, error) {
	if len(expr) > MaxFilterLength {
		return Filter{}, ErrFilterTooLong
	}
	var f Filter
	for _, m := range clausePattern.FindAllStringSubmatch(expr, -1) {
		values := parseValues(m[2])
		switch strings.ToLower(m[1]) {
		case "type":
			f.Types = union(f.Types, values)
		case "status":
			f.Statuses = union(f.Statuses, values)
		}
	}
	return f, nil
}

func parseValues(list string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, v := range strings.Split(list, ",") {
		v = strings.TrimSpace(v)
		v = strings.Trim(v, `"'`)
		v = strings.TrimSpace(v)
		if v != "" {
			out[strings.ToLower(v)] = struct{}{}
		}
	}
	return out
}

func union(dst, src map[string]struct{}) map[string]struct{} {
	if dst == nil {
		return src
	}
	for k := range src {
		dst[k] = struct{}{}
	}
	return dst
}

// Matches reports whether an issue of the given type and status satisfies
// every clause of the filter.
func (f Filter) Matches(issueType, status string) bool {
	if f.Types != nil {
		if _, ok := f.Types[strings.ToLower(strings.TrimSpace(issueType))]; !ok {
			return false
		}
	}
	if f.Statuses != nil {
		if _, ok := f.Statuses[strings.ToLower(strings.TrimSpace(status))]; !ok {
			return false
		}
	}
	return true
}
