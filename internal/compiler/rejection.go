package compiler

import "strings"

// Rejection is the structured refusal of a plan. Issues holds one entry per
// violated rule in validation order; a rejection always carries at least
// one. Issue text names entities and columns but never echoes SQL or
// parameter values, so it is safe to return to the planning caller.
type Rejection struct {
	Issues []string
}

func (r *Rejection) Error() string {
	return "plan rejected: " + strings.Join(r.Issues, "; ")
}
