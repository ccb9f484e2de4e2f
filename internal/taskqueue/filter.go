package taskqueue

import (
	"fmt"
	"time"
)

// SearchParams are the optional filters shared by Search, Iterate, Delete
// and QueueCounts. Zero values mean "no constraint"; an empty SearchParams
// matches every task.
type SearchParams struct {
	// Queues restricts results to these queue names.
	Queues []string
	// Keys restricts results to these keys.
	Keys []string
	// IatBefore / IatAfter bound iat with strict < / >.
	IatBefore *time.Time
	IatAfter  *time.Time
	// NbfBefore / NbfAfter bound nbf with strict < / >. Rows with a
	// NULL nbf never match either bound.
	NbfBefore *time.Time
	NbfAfter  *time.Time
	// MinAttempts matches attempts >= MinAttempts.
	MinAttempts *int
	// MaxAttempts matches attempts < MaxAttempts.
	MaxAttempts *int
}

// buildWhere renders p into predicate fragments and their bind values,
// with positional parameters numbered from next. Every fragment gets its
// own parameter, so the two bounds of a range never share a bind.
func buildWhere(p SearchParams, next int) ([]string, []any, error) {
	var clauses []string
	var args []any

	add := func(format string, val any) {
		clauses = append(clauses, fmt.Sprintf(format, next))
		args = append(args, val)
		next++
	}

	if len(p.Queues) > 0 {
		add("queue = ANY($%d)", p.Queues)
	}
	if len(p.Keys) > 0 {
		add("key = ANY($%d)", p.Keys)
	}

	if p.IatBefore != nil && p.IatAfter != nil && !p.IatAfter.Before(*p.IatBefore) {
		return nil, nil, &InvalidRangeError{
			Field:  "iat",
			Detail: fmt.Sprintf("after (%s) must precede before (%s)", p.IatAfter, p.IatBefore),
		}
	}
	if p.IatAfter != nil {
		add("iat > $%d", *p.IatAfter)
	}
	if p.IatBefore != nil {
		add("iat < $%d", *p.IatBefore)
	}

	if p.NbfBefore != nil && p.NbfAfter != nil && !p.NbfAfter.Before(*p.NbfBefore) {
		return nil, nil, &InvalidRangeError{
			Field:  "nbf",
			Detail: fmt.Sprintf("after (%s) must precede before (%s)", p.NbfAfter, p.NbfBefore),
		}
	}
	if p.NbfAfter != nil {
		add("nbf > $%d", *p.NbfAfter)
	}
	if p.NbfBefore != nil {
		add("nbf < $%d", *p.NbfBefore)
	}

	if p.MinAttempts != nil && p.MaxAttempts != nil && *p.MinAttempts > *p.MaxAttempts {
		return nil, nil, &InvalidRangeError{
			Field:  "attempts",
			Detail: fmt.Sprintf("min (%d) exceeds max (%d)", *p.MinAttempts, *p.MaxAttempts),
		}
	}
	if p.MinAttempts != nil {
		add("attempts >= $%d", *p.MinAttempts)
	}
	if p.MaxAttempts != nil {
		add("attempts < $%d", *p.MaxAttempts)
	}

	return clauses, args, nil
}

func whereSQL(clauses []string) string {
	if len(clauses) == 0 {
		return ""
	}
	out := " WHERE " + clauses[0]
	for _, c := range clauses[1:] {
		out += " AND " + c
	}
	return out
}
