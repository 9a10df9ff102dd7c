package compiler

import "planql/internal/ontology"

// resolvedJoin is one INNER JOIN edge. base is already reachable from the
// primary table, joined is the table the edge brings in.
type resolvedJoin struct {
	base         ontology.TableName
	baseColumn   string
	joined       ontology.TableName
	joinedColumn string
}

// resolveJoins grows the set of reachable tables out from the primary
// entity. The plan's own join columns are advisory only; the predicate
// always comes from the registry, foreign key first, shared-text join
// second. Join order in the plan does not matter: edges are attached in
// passes until no more connect, so only genuinely disconnected joins fail.
func (b *build) resolveJoins() {
	if b.primary == "" {
		return
	}
	if len(b.plan.Joins) > MaxJoins {
		b.addIssue("plan requests %d joins; the limit is %d", len(b.plan.Joins), MaxJoins)
	}

	type candidate struct {
		left, right ontology.TableName
	}
	var pending []candidate
	joinedPairs := make(map[[2]ontology.TableName]bool, len(b.plan.Joins))

	for _, j := range b.plan.Joins {
		left := ontology.TableName(j.LeftTable)
		right := ontology.TableName(j.RightTable)

		known := true
		if !b.declared(left) {
			b.addIssue("join references table %q which is not among the plan entities", j.LeftTable)
			known = false
		}
		if !b.declared(right) {
			b.addIssue("join references table %q which is not among the plan entities", j.RightTable)
			known = false
		}
		if !known {
			continue
		}
		if left == right {
			b.addIssue("table %q cannot be joined to itself", j.LeftTable)
			continue
		}
		if !b.registry.IsValidJoin(left, right) {
			b.addIssue("tables %q and %q may not be joined", j.LeftTable, j.RightTable)
			continue
		}
		pair := orderedPair(left, right)
		if joinedPairs[pair] {
			b.addIssue("duplicate join between %q and %q", j.LeftTable, j.RightTable)
			continue
		}
		joinedPairs[pair] = true
		pending = append(pending, candidate{left: left, right: right})
	}

	reachable := map[ontology.TableName]bool{b.primary: true}
	for progress := true; progress && len(pending) > 0; {
		progress = false
		remaining := pending[:0]
		for _, c := range pending {
			var base, joined ontology.TableName
			switch {
			case reachable[c.left] && reachable[c.right]:
				b.addIssue("join between %q and %q is redundant; both tables are already connected", c.left, c.right)
				progress = true
				continue
			case reachable[c.left]:
				base, joined = c.left, c.right
			case reachable[c.right]:
				base, joined = c.right, c.left
			default:
				remaining = append(remaining, c)
				continue
			}

			columns, ok := b.registry.ForeignKeyBetween(base, joined)
			if !ok {
				columns, ok = b.registry.TextJoinBetween(base, joined)
			}
			if !ok {
				b.addIssue("no join rule exists between %q and %q", c.left, c.right)
				progress = true
				continue
			}

			reachable[joined] = true
			progress = true
			b.joins = append(b.joins, resolvedJoin{
				base:         base,
				baseColumn:   columns.LeftColumn,
				joined:       joined,
				joinedColumn: columns.RightColumn,
			})
		}
		pending = remaining
	}
	for _, c := range pending {
		b.addIssue("join between %q and %q does not connect to the rest of the query", c.left, c.right)
	}

	// Every declared entity must take part in the query; an unreachable
	// table would silently turn the statement into a cross product.
	for _, table := range b.tables {
		if !reachable[table] {
			b.addIssue("entity %q is declared but never joined to the rest of the plan", table)
		}
	}
}

func orderedPair(a, b ontology.TableName) [2]ontology.TableName {
	if a < b {
		return [2]ontology.TableName{a, b}
	}
	return [2]ontology.TableName{b, a}
}
