//go:build integration
// +build integration

package integration

import (
	"fmt"
	"net/http"
	"testing"

	"planql/internal/testutil/tidbcloud"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestQueryAPI runs the full pipeline against a real TiDB database: plan in,
// parameterized SQL out, rows back. All subtests share one seeded database
// and one server process because every operation is read-only.
func TestQueryAPI(t *testing.T) {
	requireTiDB(t)

	testDB := tidbcloud.NewTestDB(t)
	testDB.LoadSchema(t, "../fixtures/analytics_schema.sql")
	testDB.LoadFixtures(t, "../fixtures/analytics_seed.sql")

	_, _, _ = startTestApp(
		t,
		18092,
		fmt.Sprintf("PLANQL_DATABASE_DATABASE=%s", testDB.DatabaseName),
	)

	queryURL := "http://localhost:18092/v1/query"
	batchURL := "http://localhost:18092/v1/batch"

	t.Run("schema endpoint describes the ontology", func(t *testing.T) {
		status, body := getJSON(t, "http://localhost:18092/v1/schema")
		require.Equal(t, http.StatusOK, status)

		version, ok := body["version"].(string)
		require.True(t, ok, "version should be a string")
		assert.Len(t, version, 16)

		description, ok := body["description"].(string)
		require.True(t, ok, "description should be a string")
		assert.Contains(t, description, "commits")
		assert.Contains(t, description, "project_id")
	})

	t.Run("single query scopes to tenant", func(t *testing.T) {
		status, body := postJSON(t, queryURL, `{
			"tenantId": "proj-alpha",
			"plan": {"entities": ["commits"], "columns": ["sha", "message"]}
		}`)
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, true, body["success"])
		assert.EqualValues(t, 3, body["rowCount"])

		shas := collectColumn(t, body["rows"], "sha")
		assert.Contains(t, shas, "4f2a9c1d8e3b")
		assert.NotContains(t, shas, "9a3b5c7d1e2f", "rows from another project must never leak")
	})

	t.Run("tenant isolation between projects", func(t *testing.T) {
		status, body := postJSON(t, queryURL, `{
			"tenantId": "proj-beta",
			"plan": {"entities": ["commits"], "columns": ["sha"]}
		}`)
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, true, body["success"])
		assert.EqualValues(t, 2, body["rowCount"])

		shas := collectColumn(t, body["rows"], "sha")
		assert.NotContains(t, shas, "4f2a9c1d8e3b")
	})

	t.Run("filters combine with time window", func(t *testing.T) {
		status, body := postJSON(t, queryURL, `{
			"tenantId": "proj-alpha",
			"plan": {
				"entities": ["commits"],
				"columns": ["sha"],
				"filters": [{"column": "author_name", "operator": "=", "value": "Dana Webb"}],
				"timeWindow": {"daysBack": 7}
			}
		}`)
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, true, body["success"])
		assert.EqualValues(t, 2, body["rowCount"])
	})

	t.Run("aggregate query", func(t *testing.T) {
		status, body := postJSON(t, queryURL, `{
			"tenantId": "proj-alpha",
			"plan": {"entities": ["commits"], "columns": ["count(*)"]}
		}`)
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, true, body["success"])
		assert.EqualValues(t, 1, body["rowCount"])
	})

	t.Run("foreign key join", func(t *testing.T) {
		status, body := postJSON(t, queryURL, `{
			"tenantId": "proj-alpha",
			"plan": {
				"entities": ["commits", "projects"],
				"columns": ["commits.sha", "projects.name"],
				"joins": [{"leftTable": "commits", "rightTable": "projects"}]
			}
		}`)
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, true, body["success"])
		assert.EqualValues(t, 3, body["rowCount"])

		names := collectColumn(t, body["rows"], "name")
		for _, name := range names {
			assert.Equal(t, "atlas", name)
		}
	})

	t.Run("text join when no foreign key exists", func(t *testing.T) {
		// commits and deployments share no key; the registry pairs them
		// on sha = commit_sha instead.
		status, body := postJSON(t, queryURL, `{
			"tenantId": "proj-alpha",
			"plan": {
				"entities": ["commits", "deployments"],
				"columns": ["commits.sha", "deployments.environment"],
				"joins": [{"leftTable": "commits", "rightTable": "deployments"}]
			}
		}`)
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, true, body["success"])
		assert.EqualValues(t, 2, body["rowCount"])

		environments := collectColumn(t, body["rows"], "environment")
		assert.ElementsMatch(t, []string{"staging", "production"}, environments)
	})

	t.Run("transitive tenant scoping through pull_requests", func(t *testing.T) {
		// reviews has no project column; the tenant filter must travel
		// through the joined pull_requests table.
		status, body := postJSON(t, queryURL, `{
			"tenantId": "proj-alpha",
			"plan": {
				"entities": ["reviews", "pull_requests"],
				"columns": ["reviewer_name", "pull_requests.title"],
				"joins": [{"leftTable": "reviews", "rightTable": "pull_requests"}]
			}
		}`)
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, true, body["success"])
		assert.EqualValues(t, 2, body["rowCount"])

		status, body = postJSON(t, queryURL, `{
			"tenantId": "proj-beta",
			"plan": {
				"entities": ["reviews", "pull_requests"],
				"columns": ["reviewer_name"],
				"joins": [{"leftTable": "reviews", "rightTable": "pull_requests"}]
			}
		}`)
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, true, body["success"])
		assert.EqualValues(t, 1, body["rowCount"])
	})

	t.Run("restricted column is rejected", func(t *testing.T) {
		status, body := postJSON(t, queryURL, `{
			"tenantId": "proj-alpha",
			"plan": {"entities": ["commits"], "columns": ["author_email"]}
		}`)
		require.Equal(t, http.StatusUnprocessableEntity, status)
		assert.Equal(t, true, body["rejected"])

		issues, ok := body["issues"].([]interface{})
		require.True(t, ok, "issues should be a list")
		require.Len(t, issues, 1)
		assert.Contains(t, issues[0], "restricted")
	})

	t.Run("unknown entity is rejected", func(t *testing.T) {
		status, body := postJSON(t, queryURL, `{
			"tenantId": "proj-alpha",
			"plan": {"entities": ["users"], "columns": ["id"]}
		}`)
		require.Equal(t, http.StatusUnprocessableEntity, status)
		assert.Equal(t, true, body["rejected"])
	})

	t.Run("batch returns primary and contextual results", func(t *testing.T) {
		status, body := postJSON(t, batchURL, `{
			"tenantId": "proj-alpha",
			"primary": {"entities": ["commits"], "columns": ["sha", "message"]},
			"contextual": [
				{"entities": ["issues"], "columns": ["title", "state"]},
				{"entities": ["deployments"], "columns": ["environment", "status"]}
			]
		}`)
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, true, body["success"])
		assert.NotEmpty(t, body["batchId"])

		primary, ok := body["primary"].(map[string]interface{})
		require.True(t, ok, "primary should be an object")
		assert.Equal(t, true, primary["success"])
		assert.EqualValues(t, 3, primary["rowCount"])

		tags, ok := primary["tags"].(map[string]interface{})
		require.True(t, ok, "primary tags should be an object")
		assert.Equal(t, "primary", tags["queryType"])

		contextual, ok := body["contextual"].([]interface{})
		require.True(t, ok, "contextual should be a list")
		require.Len(t, contextual, 2)
		for _, entry := range contextual {
			result, ok := entry.(map[string]interface{})
			require.True(t, ok)
			assert.Equal(t, true, result["success"])
		}
	})

	t.Run("failed primary keeps contextual evidence", func(t *testing.T) {
		status, body := postJSON(t, batchURL, `{
			"tenantId": "proj-alpha",
			"primary": {"entities": ["commits"], "columns": ["author_email"]},
			"contextual": [
				{"entities": ["issues"], "columns": ["title"]}
			]
		}`)
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, false, body["success"])
		assert.Contains(t, body["error"], "primary query failed")

		primary, ok := body["primary"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, false, primary["success"])

		contextual, ok := body["contextual"].([]interface{})
		require.True(t, ok)
		require.Len(t, contextual, 1)
		result, ok := contextual[0].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, true, result["success"])
	})
}

// collectColumn pulls one column's values out of a decoded rows payload.
func collectColumn(t *testing.T, rows interface{}, column string) []interface{} {
	t.Helper()

	list, ok := rows.([]interface{})
	require.True(t, ok, "rows should be a list")

	values := make([]interface{}, 0, len(list))
	for _, entry := range list {
		row, ok := entry.(map[string]interface{})
		require.True(t, ok, "each row should be an object")
		values = append(values, row[column])
	}
	return values
}
