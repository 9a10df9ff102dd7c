package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planql/internal/ontology"
	"planql/internal/queryplan"
)

func TestCompileForeignKeyJoin(t *testing.T) {
	c := newTestCompiler(t)

	plan := queryplan.QueryPlan{
		Entities: []string{"pull_requests", "reviews"},
		Columns:  []string{"pull_requests.title", "reviews.state"},
		Joins: []queryplan.Join{
			{LeftTable: "pull_requests", RightTable: "reviews"},
		},
	}

	q, err := c.Compile(plan, "T1")
	require.NoError(t, err)
	assert.Contains(t, q.SQL,
		"JOIN `reviews` ON `pull_requests`.`id` = `reviews`.`pull_request_id`")
	assert.Equal(t, 2, q.TableCount)
}

func TestCompileTextJoinFallback(t *testing.T) {
	c := newTestCompiler(t)

	// commits and deployments share no foreign key; the registry links them
	// through the commit sha they both record.
	plan := queryplan.QueryPlan{
		Entities: []string{"commits", "deployments"},
		Columns:  []string{"commits.sha", "deployments.environment"},
		Joins: []queryplan.Join{
			{LeftTable: "commits", RightTable: "deployments"},
		},
	}

	q, err := c.Compile(plan, "T1")
	require.NoError(t, err)
	assert.Contains(t, q.SQL,
		"JOIN `deployments` ON `commits`.`sha` = `deployments`.`commit_sha`")
}

func TestCompileJoinAdvisoryColumnsAreIgnored(t *testing.T) {
	c := newTestCompiler(t)

	// The plan claims a join predicate of its own; the compiled statement
	// must still use the registry's, never the plan's.
	plan := queryplan.QueryPlan{
		Entities: []string{"pull_requests", "reviews"},
		Joins: []queryplan.Join{
			{
				LeftTable:   "pull_requests",
				LeftColumn:  "title",
				RightTable:  "reviews",
				RightColumn: "body",
			},
		},
	}

	q, err := c.Compile(plan, "T1")
	require.NoError(t, err)
	assert.Contains(t, q.SQL,
		"JOIN `reviews` ON `pull_requests`.`id` = `reviews`.`pull_request_id`")
	assert.NotContains(t, q.SQL, "`title` = `body`")
}

func TestCompileJoinPairNotAllowed(t *testing.T) {
	c := newTestCompiler(t)

	plan := queryplan.QueryPlan{
		Entities: []string{"commits", "issues"},
		Joins: []queryplan.Join{
			{LeftTable: "commits", RightTable: "issues"},
		},
	}
	_, err := c.Compile(plan, "T1")
	rej := requireRejection(t, err)
	assertIssueContains(t, rej, `tables "commits" and "issues" may not be joined`)
}

func TestCompileJoinCapExceeded(t *testing.T) {
	c := newTestCompiler(t)

	plan := queryplan.QueryPlan{
		Entities: []string{"projects", "commits", "pull_requests"},
		Joins: []queryplan.Join{
			{LeftTable: "projects", RightTable: "commits"},
			{LeftTable: "projects", RightTable: "pull_requests"},
			{LeftTable: "commits", RightTable: "pull_requests"},
			{LeftTable: "pull_requests", RightTable: "reviews"},
		},
	}
	_, err := c.Compile(plan, "T1")
	rej := requireRejection(t, err)
	assertIssueContains(t, rej, "plan requests 4 joins; the limit is 3")
}

func TestCompileJoinTableNotDeclared(t *testing.T) {
	c := newTestCompiler(t)

	plan := queryplan.QueryPlan{
		Entities: []string{"pull_requests"},
		Joins: []queryplan.Join{
			{LeftTable: "pull_requests", RightTable: "reviews"},
		},
	}
	_, err := c.Compile(plan, "T1")
	rej := requireRejection(t, err)
	assertIssueContains(t, rej, `"reviews" which is not among the plan entities`)
}

func TestCompileDisconnectedEntityRejected(t *testing.T) {
	c := newTestCompiler(t)

	plan := queryplan.QueryPlan{
		Entities: []string{"commits", "issues"},
	}
	_, err := c.Compile(plan, "T1")
	rej := requireRejection(t, err)
	assertIssueContains(t, rej, `entity "issues" is declared but never joined`)
}

func TestCompileJoinOrderInPlanDoesNotMatter(t *testing.T) {
	c := newTestCompiler(t)

	plan := queryplan.QueryPlan{
		Entities: []string{"projects", "pull_requests", "reviews"},
		Columns:  []string{"projects.name", "reviews.state"},
		Joins: []queryplan.Join{
			// Listed leaf-first; the second edge is what connects the first
			// one to the primary table.
			{LeftTable: "pull_requests", RightTable: "reviews"},
			{LeftTable: "projects", RightTable: "pull_requests"},
		},
	}

	q, err := c.Compile(plan, "T1")
	require.NoError(t, err)
	assert.Contains(t, q.SQL, "JOIN `pull_requests` ON `projects`.`id` = `pull_requests`.`project_id`")
	assert.Contains(t, q.SQL, "JOIN `reviews` ON `pull_requests`.`id` = `reviews`.`pull_request_id`")
	assert.Equal(t, 3, q.TableCount)
}

func TestCompileDuplicateJoinRejected(t *testing.T) {
	c := newTestCompiler(t)

	plan := queryplan.QueryPlan{
		Entities: []string{"projects", "commits"},
		Joins: []queryplan.Join{
			{LeftTable: "projects", RightTable: "commits"},
			{LeftTable: "commits", RightTable: "projects"},
		},
	}
	_, err := c.Compile(plan, "T1")
	rej := requireRejection(t, err)
	assertIssueContains(t, rej, "duplicate join")
}

func TestCompileSelfJoinRejected(t *testing.T) {
	c := newTestCompiler(t)

	plan := queryplan.QueryPlan{
		Entities: []string{"commits"},
		Joins: []queryplan.Join{
			{LeftTable: "commits", RightTable: "commits"},
		},
	}
	_, err := c.Compile(plan, "T1")
	rej := requireRejection(t, err)
	assertIssueContains(t, rej, `table "commits" cannot be joined to itself`)
}

func TestCompileJoinWhitelistIsExhaustive(t *testing.T) {
	reg, err := ontology.Default()
	require.NoError(t, err)
	c := New(reg)

	tables := reg.Tables()
	for _, left := range tables {
		for _, right := range tables {
			if left == right || reg.IsValidJoin(left, right) {
				continue
			}
			plan := queryplan.QueryPlan{
				Entities: []string{string(left), string(right)},
				Joins: []queryplan.Join{
					{LeftTable: string(left), RightTable: string(right)},
				},
			}
			_, err := c.Compile(plan, "T1")
			rej := requireRejection(t, err)
			assertIssueContains(t, rej, "may not be joined")
		}
	}
}

func TestCompileJoinPairWithoutPredicateRejected(t *testing.T) {
	// A registry may allow a pair without giving it a resolvable predicate;
	// the compiler has to refuse rather than emit a cross product.
	entities := []ontology.Entity{
		{
			Name:         "left_things",
			Columns:      []ontology.Column{{Name: "id", Type: ontology.TypeString}, {Name: "tenant_id", Type: ontology.TypeString}},
			PrimaryKey:   "id",
			TenantColumn: "tenant_id",
		},
		{
			Name:       "right_things",
			Columns:    []ontology.Column{{Name: "id", Type: ontology.TypeString}},
			PrimaryKey: "id",
		},
	}
	joins := []ontology.JoinPair{{Left: "left_things", Right: "right_things"}}
	reg, err := ontology.New(entities, joins, nil, nil, nil)
	require.NoError(t, err)

	plan := queryplan.QueryPlan{
		Entities: []string{"left_things", "right_things"},
		Joins: []queryplan.Join{
			{LeftTable: "left_things", RightTable: "right_things"},
		},
	}
	_, err = New(reg).Compile(plan, "T1")
	rej := requireRejection(t, err)
	assertIssueContains(t, rej, "no join rule exists")
}
