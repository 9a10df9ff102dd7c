package ontology

// Table identifiers for the built-in engineering analytics schema.
const (
	TableProjects     TableName = "projects"
	TableCommits      TableName = "commits"
	TablePullRequests TableName = "pull_requests"
	TableIssues       TableName = "issues"
	TableReviews      TableName = "reviews"
	TableDeployments  TableName = "deployments"
)

// TenantColumn is the project-scoping column name shared by the analytics
// tables. The projects table scopes on its own primary key.
const TenantColumn = "project_id"

// Default returns the registry for the engineering analytics store. The
// definition is code, not configuration: the set of queryable tables changes
// with a deploy, never at runtime.
func Default() (*Registry, error) {
	entities := []Entity{
		{
			Name:        TableProjects,
			Description: "One row per tracked repository/project. This is the tenant root.",
			Columns: []Column{
				{Name: "id", Type: TypeString},
				{Name: "name", Type: TypeString},
				{Name: "repo_url", Type: TypeString},
				{Name: "default_branch", Type: TypeString},
				{Name: "webhook_secret", Type: TypeString},
				{Name: "created_at", Type: TypeTime},
			},
			PrimaryKey:   "id",
			TenantColumn: "id",
			TimeColumn:   "created_at",
		},
		{
			Name:        TableCommits,
			Description: "One row per commit pushed to a project.",
			Columns: []Column{
				{Name: "id", Type: TypeString},
				{Name: "project_id", Type: TypeString},
				{Name: "sha", Type: TypeString},
				{Name: "message", Type: TypeText},
				{Name: "author_name", Type: TypeString},
				{Name: "author_email", Type: TypeString},
				{Name: "additions", Type: TypeInt},
				{Name: "deletions", Type: TypeInt},
				{Name: "committed_at", Type: TypeTime},
			},
			PrimaryKey:   "id",
			ForeignKeys:  map[string]string{"project_id": "projects.id"},
			TenantColumn: TenantColumn,
			TimeColumn:   "committed_at",
		},
		{
			Name:        TablePullRequests,
			Description: "One row per pull request opened against a project.",
			Columns: []Column{
				{Name: "id", Type: TypeString},
				{Name: "project_id", Type: TypeString},
				{Name: "number", Type: TypeInt},
				{Name: "title", Type: TypeString},
				{Name: "body", Type: TypeText},
				{Name: "state", Type: TypeString},
				{Name: "author_name", Type: TypeString},
				{Name: "source_branch", Type: TypeString},
				{Name: "target_branch", Type: TypeString},
				{Name: "created_at", Type: TypeTime},
				{Name: "merged_at", Type: TypeTime},
			},
			PrimaryKey:   "id",
			ForeignKeys:  map[string]string{"project_id": "projects.id"},
			TenantColumn: TenantColumn,
			TimeColumn:   "created_at",
		},
		{
			Name:        TableIssues,
			Description: "One row per issue filed in a project tracker.",
			Columns: []Column{
				{Name: "id", Type: TypeString},
				{Name: "project_id", Type: TypeString},
				{Name: "number", Type: TypeInt},
				{Name: "title", Type: TypeString},
				{Name: "body", Type: TypeText},
				{Name: "state", Type: TypeString},
				{Name: "author_name", Type: TypeString},
				{Name: "labels", Type: TypeString},
				{Name: "created_at", Type: TypeTime},
				{Name: "closed_at", Type: TypeTime},
			},
			PrimaryKey:   "id",
			ForeignKeys:  map[string]string{"project_id": "projects.id"},
			TenantColumn: TenantColumn,
			TimeColumn:   "created_at",
		},
		{
			// No project column on purpose: reviews are only reachable through
			// pull_requests, which exercises transitive tenant scoping.
			Name:        TableReviews,
			Description: "One row per review submitted on a pull request.",
			Columns: []Column{
				{Name: "id", Type: TypeString},
				{Name: "pull_request_id", Type: TypeString},
				{Name: "reviewer_name", Type: TypeString},
				{Name: "state", Type: TypeString},
				{Name: "body", Type: TypeText},
				{Name: "submitted_at", Type: TypeTime},
			},
			PrimaryKey:  "id",
			ForeignKeys: map[string]string{"pull_request_id": "pull_requests.id"},
			TimeColumn:  "submitted_at",
		},
		{
			Name:        TableDeployments,
			Description: "One row per deployment of a project to an environment.",
			Columns: []Column{
				{Name: "id", Type: TypeString},
				{Name: "project_id", Type: TypeString},
				{Name: "environment", Type: TypeString},
				{Name: "commit_sha", Type: TypeString},
				{Name: "status", Type: TypeString},
				{Name: "deployed_at", Type: TypeTime},
			},
			PrimaryKey:   "id",
			ForeignKeys:  map[string]string{"project_id": "projects.id"},
			TenantColumn: TenantColumn,
			TimeColumn:   "deployed_at",
		},
	}

	joins := []JoinPair{
		{Left: TableProjects, Right: TableCommits},
		{Left: TableProjects, Right: TablePullRequests},
		{Left: TableProjects, Right: TableIssues},
		{Left: TableProjects, Right: TableDeployments},
		{Left: TablePullRequests, Right: TableReviews},
		{Left: TableCommits, Right: TablePullRequests},
		{Left: TableCommits, Right: TableDeployments},
		{Left: TableIssues, Right: TablePullRequests},
	}

	textJoins := []TextJoin{
		{LeftTable: TableCommits, LeftColumn: "author_name", RightTable: TablePullRequests, RightColumn: "author_name"},
		{LeftTable: TableIssues, LeftColumn: "author_name", RightTable: TablePullRequests, RightColumn: "author_name"},
		{LeftTable: TableCommits, LeftColumn: "sha", RightTable: TableDeployments, RightColumn: "commit_sha"},
	}

	restricted := []string{
		"commits.author_email",
		"projects.webhook_secret",
	}

	aggregates := []string{"COUNT", "SUM", "AVG", "MIN", "MAX"}

	return New(entities, joins, textJoins, restricted, aggregates)
}
