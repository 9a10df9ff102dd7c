package ontology

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/jinzhu/inflection"
)

// Describe renders the registry as a human-readable schema reference for the
// upstream planner's prompt: tables, columns, relationships, restricted
// columns, and the safety rules the compiler enforces. The output is fully
// deterministic so the same registry always renders the same text.
func (r *Registry) Describe() string {
	var b strings.Builder

	b.WriteString("# Queryable schema\n\n")
	b.WriteString("Read-only analytics store. Every query is scoped to a single project;\n")
	b.WriteString("rows from other projects are never returned.\n")

	for _, name := range r.order {
		e := r.entities[name]
		fmt.Fprintf(&b, "\n## %s\n", name)
		if e.Description != "" {
			fmt.Fprintf(&b, "%s\n", e.Description)
		} else {
			fmt.Fprintf(&b, "One row per %s.\n", inflection.Singular(string(name)))
		}
		for _, c := range e.Columns {
			if r.IsRestricted(name, c.Name) {
				continue
			}
			marker := ""
			if c.Name == e.PrimaryKey {
				marker = ", primary key"
			}
			fmt.Fprintf(&b, "- %s (%s%s)\n", c.Name, c.Type, marker)
		}
	}

	b.WriteString("\n## Relationships\n")
	for _, name := range r.order {
		e := r.entities[name]
		srcCols := make([]string, 0, len(e.ForeignKeys))
		for col := range e.ForeignKeys {
			srcCols = append(srcCols, col)
		}
		sort.Strings(srcCols)
		for _, col := range srcCols {
			target := e.ForeignKeys[col]
			targetTable, _, _ := splitQualified(target)
			fmt.Fprintf(&b, "- each %s belongs to one %s (%s.%s references %s)\n",
				inflection.Singular(string(name)), inflection.Singular(targetTable), name, col, target)
		}
	}
	for _, tj := range r.textJoinList {
		fmt.Fprintf(&b, "- %s.%s and %s.%s hold the same values and may be joined by equality (no foreign key)\n",
			tj.LeftTable, tj.LeftColumn, tj.RightTable, tj.RightColumn)
	}

	if len(r.restricted) > 0 {
		b.WriteString("\n## Restricted columns\n")
		b.WriteString("Never request, filter on, or join through these:\n")
		for _, ref := range r.RestrictedColumns() {
			fmt.Fprintf(&b, "- %s\n", ref)
		}
	}

	b.WriteString("\n## Rules\n")
	b.WriteString("- queries are SELECT-only and always carry a row limit of at most 200\n")
	b.WriteString("- at most 3 tables and 3 joins per query; joins only between related tables listed above\n")
	b.WriteString("- filter operators: =, !=, <, <=, >, >=, LIKE, ILIKE, IN\n")
	fmt.Fprintf(&b, "- aggregate functions: %s\n", strings.Join(r.Aggregates(), ", "))
	b.WriteString("- without an explicit time window, results cover the last 30 days\n")

	return b.String()
}

// Version returns a short stable content hash of the schema description, so
// a prompt built from an older export can be recognized as stale.
func (r *Registry) Version() string {
	return framedSHA256(r.Describe())[:16]
}

func framedSHA256(parts ...string) string {
	hash := sha256.New()
	for _, part := range parts {
		_, _ = fmt.Fprintf(hash, "%d:%s|", len(part), part)
	}
	return hex.EncodeToString(hash.Sum(nil))
}
