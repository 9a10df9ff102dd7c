package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planql/internal/queryplan"
)

func TestParseOperator(t *testing.T) {
	allowed := map[string]Operator{
		"=":     OpEq,
		"!=":    OpNotEq,
		"<":     OpLt,
		"<=":    OpLtOrEq,
		">":     OpGt,
		">=":    OpGtOrEq,
		"LIKE":  OpLike,
		"like":  OpLike,
		"ILIKE": OpILike,
		"ilike": OpILike,
		"IN":    OpIn,
		"in":    OpIn,
		" IN ":  OpIn,
	}
	for spelling, want := range allowed {
		op, ok := ParseOperator(spelling)
		assert.True(t, ok, "expected %q to parse", spelling)
		assert.Equal(t, want, op)
	}

	denied := []string{
		"", "==", "<>", "=>", "BETWEEN", "REGEXP", "IS", "NOT IN",
		"UNION", "OR", "1=1", "LIKE%",
	}
	for _, spelling := range denied {
		_, ok := ParseOperator(spelling)
		assert.False(t, ok, "expected %q to be refused", spelling)
	}
}

func TestCompileComparisonOperators(t *testing.T) {
	c := newTestCompiler(t)

	tests := []struct {
		operator string
		fragment string
	}{
		{"=", "`additions` = ?"},
		{"!=", "`additions` <> ?"},
		{"<", "`additions` < ?"},
		{"<=", "`additions` <= ?"},
		{">", "`additions` > ?"},
		{">=", "`additions` >= ?"},
	}

	for _, tt := range tests {
		t.Run(tt.operator, func(t *testing.T) {
			plan := queryplan.QueryPlan{
				Entities: []string{"commits"},
				Filters: []queryplan.Filter{
					{Column: "additions", Operator: tt.operator, Value: 100},
				},
			}
			q, err := c.Compile(plan, "T1")
			require.NoError(t, err)
			assert.Contains(t, q.SQL, tt.fragment)
			assertSameArgs(t, q.Params, []any{"T1", 100})
		})
	}
}

func TestCompileInFilter(t *testing.T) {
	c := newTestCompiler(t)

	t.Run("json style list", func(t *testing.T) {
		plan := queryplan.QueryPlan{
			Entities: []string{"issues"},
			Filters: []queryplan.Filter{
				{Column: "state", Operator: "IN", Value: []any{"open", "closed"}},
			},
		}
		q, err := c.Compile(plan, "T1")
		require.NoError(t, err)
		assert.Contains(t, q.SQL, "`state` IN (?,?)")
		assertSameArgs(t, q.Params, []any{"T1", "open", "closed"})
	})

	t.Run("string slice", func(t *testing.T) {
		plan := queryplan.QueryPlan{
			Entities: []string{"deployments"},
			Filters: []queryplan.Filter{
				{Column: "environment", Operator: "in", Value: []string{"staging", "production"}},
			},
		}
		q, err := c.Compile(plan, "T1")
		require.NoError(t, err)
		assert.Contains(t, q.SQL, "`environment` IN (?,?)")
		assertSameArgs(t, q.Params, []any{"T1", "staging", "production"})
	})

	t.Run("empty list rejected", func(t *testing.T) {
		plan := queryplan.QueryPlan{
			Entities: []string{"issues"},
			Filters: []queryplan.Filter{
				{Column: "state", Operator: "IN", Value: []any{}},
			},
		}
		_, err := c.Compile(plan, "T1")
		rej := requireRejection(t, err)
		assertIssueContains(t, rej, "non-empty list")
	})

	t.Run("scalar rejected", func(t *testing.T) {
		plan := queryplan.QueryPlan{
			Entities: []string{"issues"},
			Filters: []queryplan.Filter{
				{Column: "state", Operator: "IN", Value: "open"},
			},
		}
		_, err := c.Compile(plan, "T1")
		rej := requireRejection(t, err)
		assertIssueContains(t, rej, "requires a list")
	})
}

func TestCompileScalarOperatorRefusesList(t *testing.T) {
	c := newTestCompiler(t)

	plan := queryplan.QueryPlan{
		Entities: []string{"issues"},
		Filters: []queryplan.Filter{
			{Column: "state", Operator: "=", Value: []any{"open", "closed"}},
		},
	}
	_, err := c.Compile(plan, "T1")
	rej := requireRejection(t, err)
	assertIssueContains(t, rej, "does not accept a list")
}

func TestCompileLikeRequiresStringPattern(t *testing.T) {
	c := newTestCompiler(t)

	plan := queryplan.QueryPlan{
		Entities: []string{"commits"},
		Filters: []queryplan.Filter{
			{Column: "message", Operator: "LIKE", Value: 42},
		},
	}
	_, err := c.Compile(plan, "T1")
	rej := requireRejection(t, err)
	assertIssueContains(t, rej, "requires a string pattern")
}

func TestCompileILikeLowersBothSides(t *testing.T) {
	c := newTestCompiler(t)

	plan := queryplan.QueryPlan{
		Entities: []string{"pull_requests"},
		Columns:  []string{"title"},
		Filters: []queryplan.Filter{
			{Column: "title", Operator: "ILIKE", Value: "%Fix%"},
		},
	}
	q, err := c.Compile(plan, "T1")
	require.NoError(t, err)
	assert.Contains(t, q.SQL, "LOWER(`title`) LIKE LOWER(?)")
	assertSameArgs(t, q.Params, []any{"T1", "%Fix%"})
}

func TestOperatorString(t *testing.T) {
	for _, spelling := range []string{"=", "!=", "<", "<=", ">", ">=", "LIKE", "ILIKE", "IN"} {
		op, ok := ParseOperator(spelling)
		require.True(t, ok)
		assert.Equal(t, spelling, op.String())
	}
	assert.Equal(t, "invalid", OpInvalid.String())
}
