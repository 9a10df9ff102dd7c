// Package queryplan defines the declarative query plan contract between the
// upstream planner and this service, and decodes untrusted plan payloads.
// A plan is a statement of intent: nothing in it is ever interpolated into
// SQL text, and nothing here validates semantics — that is the compiler's
// job, so that all violations can be reported together.
package queryplan

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Filter is one predicate requested by the plan.
type Filter struct {
	Column   string `json:"column"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
	// Description is planner-facing prose carried through for attribution;
	// it never reaches SQL.
	Description string `json:"description,omitempty"`
}

// Join requests that two tables be joined. The column pair is advisory
// only: the compiler always resolves the real predicate from the registry
// (foreign key first, text join fallback) and never trusts these columns.
type Join struct {
	LeftTable   string `json:"leftTable"`
	RightTable  string `json:"rightTable"`
	LeftColumn  string `json:"leftColumn,omitempty"`
	RightColumn string `json:"rightColumn,omitempty"`
}

// TimeWindow bounds a plan in time. Explicit dates take precedence over
// DaysBack; an absent window compiles to the default lookback.
type TimeWindow struct {
	StartDate string `json:"startDate,omitempty"`
	EndDate   string `json:"endDate,omitempty"`
	DaysBack  int    `json:"daysBack,omitempty"`
}

// OrderBy requests result ordering on one column.
type OrderBy struct {
	Column    string `json:"column"`
	Direction string `json:"direction,omitempty"`
}

// QueryPlan is the untrusted declarative input produced by the upstream
// planner. Column references may be bare ("message"), qualified
// ("commits.message"), or aggregate ("count(*)", "sum(additions)").
type QueryPlan struct {
	Domain     string      `json:"domain,omitempty"`
	Entities   []string    `json:"entities"`
	Columns    []string    `json:"columns,omitempty"`
	Filters    []Filter    `json:"filters,omitempty"`
	Joins      []Join      `json:"joins,omitempty"`
	TimeWindow *TimeWindow `json:"timeWindow,omitempty"`
	OrderBy    []OrderBy   `json:"orderBy,omitempty"`
	Limit      int         `json:"limit,omitempty"`
}

// Normalize trims identifier whitespace and drops empty entity entries.
// LLM output is ragged in exactly these ways; semantic validation stays
// with the compiler.
func (p *QueryPlan) Normalize() {
	entities := p.Entities[:0]
	for _, e := range p.Entities {
		e = strings.TrimSpace(e)
		if e != "" {
			entities = append(entities, e)
		}
	}
	p.Entities = entities

	for i := range p.Columns {
		p.Columns[i] = strings.TrimSpace(p.Columns[i])
	}
	for i := range p.Filters {
		p.Filters[i].Column = strings.TrimSpace(p.Filters[i].Column)
		p.Filters[i].Operator = strings.TrimSpace(p.Filters[i].Operator)
	}
	for i := range p.Joins {
		p.Joins[i].LeftTable = strings.TrimSpace(p.Joins[i].LeftTable)
		p.Joins[i].RightTable = strings.TrimSpace(p.Joins[i].RightTable)
	}
	for i := range p.OrderBy {
		p.OrderBy[i].Column = strings.TrimSpace(p.OrderBy[i].Column)
		p.OrderBy[i].Direction = strings.TrimSpace(p.OrderBy[i].Direction)
	}
	p.Domain = strings.TrimSpace(p.Domain)
}

// Fingerprint returns a short stable hash of the plan for log and trace
// correlation. Two equal plans share a fingerprint; the raw plan content
// never needs to appear in telemetry.
func (p QueryPlan) Fingerprint() string {
	encoded, err := json.Marshal(p)
	if err != nil {
		return "unhashable"
	}
	hash := sha256.New()
	_, _ = fmt.Fprintf(hash, "%d:%s|", len(encoded), encoded)
	return hex.EncodeToString(hash.Sum(nil))[:16]
}
