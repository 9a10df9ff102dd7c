package compiler

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// Operator is the closed set of comparison operators a plan filter may use.
// Anything that does not parse into this set is rejected; there is no
// passthrough of caller-supplied operator text into SQL.
type Operator uint8

const (
	OpInvalid Operator = iota
	OpEq
	OpNotEq
	OpLt
	OpLtOrEq
	OpGt
	OpGtOrEq
	OpLike
	OpILike
	OpIn
)

// ParseOperator maps the plan's operator spelling onto the whitelist. Word
// operators are matched case-insensitively; symbols must match exactly.
func ParseOperator(s string) (Operator, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "=":
		return OpEq, true
	case "!=":
		return OpNotEq, true
	case "<":
		return OpLt, true
	case "<=":
		return OpLtOrEq, true
	case ">":
		return OpGt, true
	case ">=":
		return OpGtOrEq, true
	case "LIKE":
		return OpLike, true
	case "ILIKE":
		return OpILike, true
	case "IN":
		return OpIn, true
	}
	return OpInvalid, false
}

func (op Operator) String() string {
	switch op {
	case OpEq:
		return "="
	case OpNotEq:
		return "!="
	case OpLt:
		return "<"
	case OpLtOrEq:
		return "<="
	case OpGt:
		return ">"
	case OpGtOrEq:
		return ">="
	case OpLike:
		return "LIKE"
	case OpILike:
		return "ILIKE"
	case OpIn:
		return "IN"
	}
	return "invalid"
}

// condition renders the operator as a squirrel predicate on an
// already-quoted column. The value always travels as a bound parameter.
// MySQL has no ILIKE, so it lowers both sides of a LIKE instead.
func (op Operator) condition(quotedColumn string, value any) sq.Sqlizer {
	switch op {
	case OpEq:
		return sq.Eq{quotedColumn: value}
	case OpNotEq:
		return sq.NotEq{quotedColumn: value}
	case OpLt:
		return sq.Lt{quotedColumn: value}
	case OpLtOrEq:
		return sq.LtOrEq{quotedColumn: value}
	case OpGt:
		return sq.Gt{quotedColumn: value}
	case OpGtOrEq:
		return sq.GtOrEq{quotedColumn: value}
	case OpLike:
		return sq.Like{quotedColumn: value}
	case OpILike:
		return sq.Expr(fmt.Sprintf("LOWER(%s) LIKE LOWER(?)", quotedColumn), value)
	case OpIn:
		return sq.Eq{quotedColumn: value}
	}
	return nil
}

func (b *build) resolveFilters() {
	for _, f := range b.plan.Filters {
		op, opOK := ParseOperator(f.Operator)
		if !opOK {
			b.addIssue("operator %q is not permitted", f.Operator)
		}
		table, column, colOK := b.resolveColumn(f.Column)
		if !opOK || !colOK {
			continue
		}
		quoted := b.qualify(table, column)

		switch op {
		case OpIn:
			values, ok := sequenceValues(f.Value)
			if !ok {
				b.addIssue("IN filter on %q requires a list of values", f.Column)
				continue
			}
			if len(values) == 0 {
				b.addIssue("IN filter on %q requires a non-empty list", f.Column)
				continue
			}
			b.filterCnd = append(b.filterCnd, sq.Eq{quoted: values})
		case OpLike, OpILike:
			pattern, ok := f.Value.(string)
			if !ok {
				b.addIssue("%s filter on %q requires a string pattern", op, f.Column)
				continue
			}
			b.filterCnd = append(b.filterCnd, op.condition(quoted, pattern))
		default:
			if _, isList := f.Value.([]any); isList {
				b.addIssue("operator %s on %q does not accept a list", op, f.Column)
				continue
			}
			b.filterCnd = append(b.filterCnd, op.condition(quoted, f.Value))
		}
	}
}

// sequenceValues normalizes an IN filter value. JSON decoding always yields
// []any; []string is accepted for plans built in code.
func sequenceValues(value any) ([]any, bool) {
	switch v := value.(type) {
	case []any:
		return v, true
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}
