package compiler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planql/internal/ontology"
	"planql/internal/queryplan"
)

func TestCompileDefaultLookback(t *testing.T) {
	c := newTestCompiler(t)

	q, err := c.Compile(queryplan.QueryPlan{Entities: []string{"commits"}}, "T1")
	require.NoError(t, err)
	assert.Contains(t, q.SQL, "`committed_at` >= DATE_SUB(NOW(), INTERVAL 30 DAY)")
	// The lookback is compiler-owned text; only the tenant id is bound.
	assertSameArgs(t, q.Params, []any{"T1"})
}

func TestCompileLookbackOption(t *testing.T) {
	reg, err := ontology.Default()
	require.NoError(t, err)

	t.Run("override", func(t *testing.T) {
		c := New(reg, WithLookbackDays(90))
		q, err := c.Compile(queryplan.QueryPlan{Entities: []string{"commits"}}, "T1")
		require.NoError(t, err)
		assert.Contains(t, q.SQL, "INTERVAL 90 DAY")
	})

	t.Run("clamped low", func(t *testing.T) {
		c := New(reg, WithLookbackDays(0))
		q, err := c.Compile(queryplan.QueryPlan{Entities: []string{"commits"}}, "T1")
		require.NoError(t, err)
		assert.Contains(t, q.SQL, "INTERVAL 1 DAY")
	})

	t.Run("clamped high", func(t *testing.T) {
		c := New(reg, WithLookbackDays(10000))
		q, err := c.Compile(queryplan.QueryPlan{Entities: []string{"commits"}}, "T1")
		require.NoError(t, err)
		assert.Contains(t, q.SQL, "INTERVAL 365 DAY")
	})
}

func TestCompileDaysBack(t *testing.T) {
	c := newTestCompiler(t)

	t.Run("honored", func(t *testing.T) {
		plan := queryplan.QueryPlan{
			Entities:   []string{"deployments"},
			TimeWindow: &queryplan.TimeWindow{DaysBack: 7},
		}
		q, err := c.Compile(plan, "T1")
		require.NoError(t, err)
		assert.Contains(t, q.SQL, "`deployed_at` >= DATE_SUB(NOW(), INTERVAL 7 DAY)")
		assertSameArgs(t, q.Params, []any{"T1"})
	})

	t.Run("clamped", func(t *testing.T) {
		plan := queryplan.QueryPlan{
			Entities:   []string{"deployments"},
			TimeWindow: &queryplan.TimeWindow{DaysBack: 100000},
		}
		q, err := c.Compile(plan, "T1")
		require.NoError(t, err)
		assert.Contains(t, q.SQL, "INTERVAL 365 DAY")
	})

	t.Run("negative rejected", func(t *testing.T) {
		plan := queryplan.QueryPlan{
			Entities:   []string{"deployments"},
			TimeWindow: &queryplan.TimeWindow{DaysBack: -3},
		}
		_, err := c.Compile(plan, "T1")
		rej := requireRejection(t, err)
		assertIssueContains(t, rej, "daysBack must be positive")
	})
}

func TestCompileExplicitWindow(t *testing.T) {
	c := newTestCompiler(t)

	t.Run("start and end bind as parameters", func(t *testing.T) {
		plan := queryplan.QueryPlan{
			Entities: []string{"commits"},
			Filters: []queryplan.Filter{
				{Column: "author_name", Operator: "=", Value: "lin"},
			},
			TimeWindow: &queryplan.TimeWindow{
				StartDate: "2026-01-01",
				EndDate:   "2026-02-01",
			},
		}
		q, err := c.Compile(plan, "T1")
		require.NoError(t, err)
		assert.Contains(t, q.SQL, "`committed_at` >= ?")
		assert.Contains(t, q.SQL, "`committed_at` <= ?")
		assert.NotContains(t, q.SQL, "DATE_SUB")

		require.Len(t, q.Params, 4)
		assert.Equal(t, "T1", q.Params[0])
		assert.Equal(t, "lin", q.Params[1])
		start, ok := q.Params[2].(time.Time)
		require.True(t, ok)
		assert.Equal(t, 2026, start.Year())
		end, ok := q.Params[3].(time.Time)
		require.True(t, ok)
		assert.Equal(t, time.February, end.Month())
	})

	t.Run("start only", func(t *testing.T) {
		plan := queryplan.QueryPlan{
			Entities:   []string{"commits"},
			TimeWindow: &queryplan.TimeWindow{StartDate: "2026-03-15T12:00:00Z"},
		}
		q, err := c.Compile(plan, "T1")
		require.NoError(t, err)
		assert.Contains(t, q.SQL, "`committed_at` >= ?")
		assert.NotContains(t, q.SQL, "<= ?")
		require.Len(t, q.Params, 2)
	})

	t.Run("bad date rejected", func(t *testing.T) {
		plan := queryplan.QueryPlan{
			Entities:   []string{"commits"},
			TimeWindow: &queryplan.TimeWindow{StartDate: "last tuesday"},
		}
		_, err := c.Compile(plan, "T1")
		rej := requireRejection(t, err)
		assertIssueContains(t, rej, `"last tuesday" is not a valid date`)
	})

	t.Run("explicit dates win over daysBack", func(t *testing.T) {
		plan := queryplan.QueryPlan{
			Entities: []string{"commits"},
			TimeWindow: &queryplan.TimeWindow{
				StartDate: "2026-01-01",
				DaysBack:  7,
			},
		}
		q, err := c.Compile(plan, "T1")
		require.NoError(t, err)
		assert.NotContains(t, q.SQL, "DATE_SUB")
	})
}

func TestCompileEmptyWindowFallsBackToDefault(t *testing.T) {
	c := newTestCompiler(t)

	plan := queryplan.QueryPlan{
		Entities:   []string{"issues"},
		TimeWindow: &queryplan.TimeWindow{},
	}
	q, err := c.Compile(plan, "T1")
	require.NoError(t, err)
	assert.Contains(t, q.SQL, "`created_at` >= DATE_SUB(NOW(), INTERVAL 30 DAY)")
}

func TestCompileWindowOnEntityWithoutTimeColumn(t *testing.T) {
	entities := []ontology.Entity{
		{
			Name:         "settings",
			Columns:      []ontology.Column{{Name: "id", Type: ontology.TypeString}, {Name: "tenant_id", Type: ontology.TypeString}},
			PrimaryKey:   "id",
			TenantColumn: "tenant_id",
		},
	}
	reg, err := ontology.New(entities, nil, nil, nil, nil)
	require.NoError(t, err)
	c := New(reg)

	t.Run("no window compiles without a time clause", func(t *testing.T) {
		q, err := c.Compile(queryplan.QueryPlan{Entities: []string{"settings"}}, "T1")
		require.NoError(t, err)
		assert.NotContains(t, q.SQL, "DATE_SUB")
	})

	t.Run("window on timeless entity rejected", func(t *testing.T) {
		plan := queryplan.QueryPlan{
			Entities:   []string{"settings"},
			TimeWindow: &queryplan.TimeWindow{DaysBack: 7},
		}
		_, err := c.Compile(plan, "T1")
		rej := requireRejection(t, err)
		assertIssueContains(t, rej, "does not support time windows")
	})
}
