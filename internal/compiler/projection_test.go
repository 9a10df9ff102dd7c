package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planql/internal/queryplan"
)

func TestCompileCountStar(t *testing.T) {
	c := newTestCompiler(t)

	plan := queryplan.QueryPlan{
		Entities: []string{"commits"},
		Columns:  []string{"COUNT(*)"},
	}
	q, err := c.Compile(plan, "T1")
	require.NoError(t, err)
	assertSQLOneOf(t, q.SQL,
		"SELECT COUNT(*) FROM `commits` "+
			"WHERE `project_id` = ? "+
			"AND `committed_at` >= DATE_SUB(NOW(), INTERVAL 30 DAY) "+
			"LIMIT 200",
	)
}

func TestCompileAggregateWithGroupBy(t *testing.T) {
	c := newTestCompiler(t)

	plan := queryplan.QueryPlan{
		Entities: []string{"commits"},
		Columns:  []string{"author_name", "COUNT(id)", "sum(additions)"},
	}
	q, err := c.Compile(plan, "T1")
	require.NoError(t, err)
	assert.Contains(t, q.SQL, "SELECT `author_name`, COUNT(`id`), SUM(`additions`)")
	assert.Contains(t, q.SQL, "GROUP BY `author_name`")
}

func TestCompileAggregateWhitelist(t *testing.T) {
	c := newTestCompiler(t)

	t.Run("unknown function rejected", func(t *testing.T) {
		plan := queryplan.QueryPlan{
			Entities: []string{"commits"},
			Columns:  []string{"GROUP_CONCAT(message)"},
		}
		_, err := c.Compile(plan, "T1")
		rej := requireRejection(t, err)
		assertIssueContains(t, rej, `aggregate function "GROUP_CONCAT" is not permitted`)
	})

	t.Run("star only for COUNT", func(t *testing.T) {
		plan := queryplan.QueryPlan{
			Entities: []string{"commits"},
			Columns:  []string{"SUM(*)"},
		}
		_, err := c.Compile(plan, "T1")
		rej := requireRejection(t, err)
		assertIssueContains(t, rej, "SUM(*) is not supported")
	})

	t.Run("restricted column inside aggregate rejected", func(t *testing.T) {
		plan := queryplan.QueryPlan{
			Entities: []string{"commits"},
			Columns:  []string{"COUNT(author_email)"},
		}
		_, err := c.Compile(plan, "T1")
		rej := requireRejection(t, err)
		assertIssueContains(t, rej, "restricted")
	})
}

func TestCompileOrderBy(t *testing.T) {
	c := newTestCompiler(t)

	t.Run("direction defaults to ASC", func(t *testing.T) {
		plan := queryplan.QueryPlan{
			Entities: []string{"issues"},
			OrderBy:  []queryplan.OrderBy{{Column: "created_at"}},
		}
		q, err := c.Compile(plan, "T1")
		require.NoError(t, err)
		assert.Contains(t, q.SQL, "ORDER BY `created_at` ASC")
	})

	t.Run("descending", func(t *testing.T) {
		plan := queryplan.QueryPlan{
			Entities: []string{"issues"},
			OrderBy:  []queryplan.OrderBy{{Column: "created_at", Direction: "desc"}},
		}
		q, err := c.Compile(plan, "T1")
		require.NoError(t, err)
		assert.Contains(t, q.SQL, "ORDER BY `created_at` DESC")
	})

	t.Run("direction is whitelisted", func(t *testing.T) {
		plan := queryplan.QueryPlan{
			Entities: []string{"issues"},
			OrderBy:  []queryplan.OrderBy{{Column: "created_at", Direction: "DESC; DROP TABLE issues"}},
		}
		_, err := c.Compile(plan, "T1")
		rej := requireRejection(t, err)
		assertIssueContains(t, rej, "must be ASC or DESC")
	})

	t.Run("aggregate query may only order by grouped columns", func(t *testing.T) {
		plan := queryplan.QueryPlan{
			Entities: []string{"commits"},
			Columns:  []string{"author_name", "COUNT(id)"},
			OrderBy:  []queryplan.OrderBy{{Column: "committed_at"}},
		}
		_, err := c.Compile(plan, "T1")
		rej := requireRejection(t, err)
		assertIssueContains(t, rej, "aggregate query")
	})

	t.Run("grouped column order is allowed", func(t *testing.T) {
		plan := queryplan.QueryPlan{
			Entities: []string{"commits"},
			Columns:  []string{"author_name", "COUNT(id)"},
			OrderBy:  []queryplan.OrderBy{{Column: "author_name", Direction: "ASC"}},
		}
		q, err := c.Compile(plan, "T1")
		require.NoError(t, err)
		assert.Contains(t, q.SQL, "ORDER BY `author_name` ASC")
	})
}

func TestCompileBareColumnResolvesInPlanOrder(t *testing.T) {
	c := newTestCompiler(t)

	// Both commits and pull_requests declare author_name; the first declared
	// entity that has the column wins.
	plan := queryplan.QueryPlan{
		Entities: []string{"commits", "pull_requests"},
		Columns:  []string{"author_name", "pull_requests.title"},
		Joins: []queryplan.Join{
			{LeftTable: "commits", RightTable: "pull_requests"},
		},
	}
	q, err := c.Compile(plan, "T1")
	require.NoError(t, err)
	assert.Contains(t, q.SQL, "SELECT `commits`.`author_name`, `pull_requests`.`title`")
}

func TestCompileQualifiedColumnMustNameDeclaredEntity(t *testing.T) {
	c := newTestCompiler(t)

	plan := queryplan.QueryPlan{
		Entities: []string{"commits"},
		Columns:  []string{"issues.title"},
	}
	_, err := c.Compile(plan, "T1")
	rej := requireRejection(t, err)
	assertIssueContains(t, rej, `references table "issues" which is not among the plan entities`)
}

func TestCompileUnknownColumn(t *testing.T) {
	c := newTestCompiler(t)

	plan := queryplan.QueryPlan{
		Entities: []string{"commits"},
		Columns:  []string{"commits.password"},
	}
	_, err := c.Compile(plan, "T1")
	rej := requireRejection(t, err)
	assertIssueContains(t, rej, `unknown column "commits.password"`)
}
