package ontology

import (
	"fmt"
	"sort"
	"strings"
)

// Registry is the static catalog the plan compiler validates against. All
// lookup tables are built at construction; lookups never allocate and unknown
// names simply return the zero answer.
type Registry struct {
	entities map[TableName]Entity
	order    []TableName

	columns    map[TableName]map[string]Column
	adjacency  map[TableName]map[TableName]bool
	foreign    map[joinKey]JoinColumns
	textJoins  map[joinKey]JoinColumns
	restricted map[string]bool
	aggregates map[string]bool

	textJoinList []TextJoin
}

type joinKey struct {
	left  TableName
	right TableName
}

// New builds a Registry and validates its internal consistency: foreign key
// targets must be registered entities, join endpoints and text join columns
// must exist, and restricted references must name real columns. Any
// inconsistency is a construction error, not a runtime surprise.
func New(entities []Entity, joins []JoinPair, textJoins []TextJoin, restricted []string, aggregates []string) (*Registry, error) {
	r := &Registry{
		entities:   make(map[TableName]Entity, len(entities)),
		order:      make([]TableName, 0, len(entities)),
		columns:    make(map[TableName]map[string]Column, len(entities)),
		adjacency:  make(map[TableName]map[TableName]bool, len(entities)),
		foreign:    make(map[joinKey]JoinColumns),
		textJoins:  make(map[joinKey]JoinColumns),
		restricted: make(map[string]bool, len(restricted)),
		aggregates: make(map[string]bool, len(aggregates)),
	}

	for _, e := range entities {
		if e.Name == "" {
			return nil, fmt.Errorf("entity with empty name")
		}
		if _, exists := r.entities[e.Name]; exists {
			return nil, fmt.Errorf("duplicate entity %q", e.Name)
		}
		if len(e.Columns) == 0 {
			return nil, fmt.Errorf("entity %q declares no columns", e.Name)
		}
		cols := make(map[string]Column, len(e.Columns))
		for _, c := range e.Columns {
			if c.Name == "" {
				return nil, fmt.Errorf("entity %q has a column with empty name", e.Name)
			}
			if _, exists := cols[c.Name]; exists {
				return nil, fmt.Errorf("entity %q declares column %q twice", e.Name, c.Name)
			}
			cols[c.Name] = c
		}
		if e.PrimaryKey == "" {
			return nil, fmt.Errorf("entity %q has no primary key", e.Name)
		}
		if _, ok := cols[e.PrimaryKey]; !ok {
			return nil, fmt.Errorf("entity %q primary key %q is not a declared column", e.Name, e.PrimaryKey)
		}
		if e.TenantColumn != "" {
			if _, ok := cols[e.TenantColumn]; !ok {
				return nil, fmt.Errorf("entity %q tenant column %q is not a declared column", e.Name, e.TenantColumn)
			}
		}
		if e.TimeColumn != "" {
			if _, ok := cols[e.TimeColumn]; !ok {
				return nil, fmt.Errorf("entity %q time column %q is not a declared column", e.Name, e.TimeColumn)
			}
		}
		r.entities[e.Name] = e
		r.order = append(r.order, e.Name)
		r.columns[e.Name] = cols
	}

	// Foreign keys are validated after all entities are registered so targets
	// can reference entities declared later. Iteration is over sorted source
	// columns to keep the between-table resolution deterministic.
	for _, name := range r.order {
		e := r.entities[name]
		srcCols := make([]string, 0, len(e.ForeignKeys))
		for col := range e.ForeignKeys {
			srcCols = append(srcCols, col)
		}
		sort.Strings(srcCols)
		for _, col := range srcCols {
			target := e.ForeignKeys[col]
			if _, ok := r.columns[name][col]; !ok {
				return nil, fmt.Errorf("entity %q foreign key column %q is not a declared column", name, col)
			}
			targetTable, targetColumn, ok := splitQualified(target)
			if !ok {
				return nil, fmt.Errorf("entity %q foreign key %q target %q is not of the form table.column", name, col, target)
			}
			tcols, ok := r.columns[TableName(targetTable)]
			if !ok {
				return nil, fmt.Errorf("entity %q foreign key %q targets unregistered table %q", name, col, targetTable)
			}
			if _, ok := tcols[targetColumn]; !ok {
				return nil, fmt.Errorf("entity %q foreign key %q targets unknown column %q.%q", name, col, targetTable, targetColumn)
			}
			fwd := joinKey{left: name, right: TableName(targetTable)}
			if _, exists := r.foreign[fwd]; !exists {
				r.foreign[fwd] = JoinColumns{LeftColumn: col, RightColumn: targetColumn}
				r.foreign[joinKey{left: TableName(targetTable), right: name}] = JoinColumns{LeftColumn: targetColumn, RightColumn: col}
			}
		}
	}

	for _, j := range joins {
		if j.Left == j.Right {
			return nil, fmt.Errorf("join pair %q joins a table to itself", j.Left)
		}
		if _, ok := r.entities[j.Left]; !ok {
			return nil, fmt.Errorf("join pair references unregistered table %q", j.Left)
		}
		if _, ok := r.entities[j.Right]; !ok {
			return nil, fmt.Errorf("join pair references unregistered table %q", j.Right)
		}
		r.addAdjacency(j.Left, j.Right)
	}

	for _, tj := range textJoins {
		if _, ok := r.columns[tj.LeftTable]; !ok {
			return nil, fmt.Errorf("text join references unregistered table %q", tj.LeftTable)
		}
		if _, ok := r.columns[tj.RightTable]; !ok {
			return nil, fmt.Errorf("text join references unregistered table %q", tj.RightTable)
		}
		if _, ok := r.columns[tj.LeftTable][tj.LeftColumn]; !ok {
			return nil, fmt.Errorf("text join references unknown column %q.%q", tj.LeftTable, tj.LeftColumn)
		}
		if _, ok := r.columns[tj.RightTable][tj.RightColumn]; !ok {
			return nil, fmt.Errorf("text join references unknown column %q.%q", tj.RightTable, tj.RightColumn)
		}
		if !r.IsValidJoin(tj.LeftTable, tj.RightTable) {
			return nil, fmt.Errorf("text join %s.%s to %s.%s has no matching join pair", tj.LeftTable, tj.LeftColumn, tj.RightTable, tj.RightColumn)
		}
		fwd := joinKey{left: tj.LeftTable, right: tj.RightTable}
		if _, exists := r.textJoins[fwd]; !exists {
			r.textJoins[fwd] = JoinColumns{LeftColumn: tj.LeftColumn, RightColumn: tj.RightColumn}
			r.textJoins[joinKey{left: tj.RightTable, right: tj.LeftTable}] = JoinColumns{LeftColumn: tj.RightColumn, RightColumn: tj.LeftColumn}
		}
		r.textJoinList = append(r.textJoinList, tj)
	}

	for _, ref := range restricted {
		table, column, ok := splitQualified(ref)
		if !ok {
			return nil, fmt.Errorf("restricted column %q is not of the form table.column", ref)
		}
		cols, ok := r.columns[TableName(table)]
		if !ok {
			return nil, fmt.Errorf("restricted column %q references unregistered table %q", ref, table)
		}
		if _, ok := cols[column]; !ok {
			return nil, fmt.Errorf("restricted column %q references unknown column", ref)
		}
		r.restricted[ref] = true
	}

	for _, fn := range aggregates {
		fn = strings.ToUpper(strings.TrimSpace(fn))
		if fn == "" {
			return nil, fmt.Errorf("aggregate whitelist contains an empty name")
		}
		r.aggregates[fn] = true
	}

	return r, nil
}

func (r *Registry) addAdjacency(a, b TableName) {
	if r.adjacency[a] == nil {
		r.adjacency[a] = make(map[TableName]bool)
	}
	if r.adjacency[b] == nil {
		r.adjacency[b] = make(map[TableName]bool)
	}
	r.adjacency[a][b] = true
	r.adjacency[b][a] = true
}

// Entity returns the definition of a registered table.
func (r *Registry) Entity(name TableName) (Entity, bool) {
	e, ok := r.entities[name]
	return e, ok
}

// Tables returns all registered table names in registration order.
func (r *Registry) Tables() []TableName {
	out := make([]TableName, len(r.order))
	copy(out, r.order)
	return out
}

// ColumnsOf returns the declared column names of a table in declaration
// order, or nil for an unknown table.
func (r *Registry) ColumnsOf(table TableName) []string {
	e, ok := r.entities[table]
	if !ok {
		return nil
	}
	out := make([]string, len(e.Columns))
	for i, c := range e.Columns {
		out[i] = c.Name
	}
	return out
}

// HasColumn reports whether the table declares the column.
func (r *Registry) HasColumn(table TableName, column string) bool {
	cols, ok := r.columns[table]
	if !ok {
		return false
	}
	_, ok = cols[column]
	return ok
}

// IsValidJoin reports whether the two tables may be joined, in either order.
func (r *Registry) IsValidJoin(a, b TableName) bool {
	return r.adjacency[a][b]
}

// ForeignKeyBetween resolves the foreign key predicate between two tables.
// The returned columns are relative to the argument order: a.LeftColumn
// equals b.RightColumn.
func (r *Registry) ForeignKeyBetween(a, b TableName) (JoinColumns, bool) {
	jc, ok := r.foreign[joinKey{left: a, right: b}]
	return jc, ok
}

// TextJoinBetween resolves the text join predicate between two tables, in
// argument order, when no foreign key applies.
func (r *Registry) TextJoinBetween(a, b TableName) (JoinColumns, bool) {
	jc, ok := r.textJoins[joinKey{left: a, right: b}]
	return jc, ok
}

// IsRestricted reports whether table.column must never appear in a
// projection, filter, grouping, or ordering.
func (r *Registry) IsRestricted(table TableName, column string) bool {
	return r.restricted[string(table)+"."+column]
}

// RestrictedColumns returns the restricted table.column references, sorted.
func (r *Registry) RestrictedColumns() []string {
	out := make([]string, 0, len(r.restricted))
	for ref := range r.restricted {
		out = append(out, ref)
	}
	sort.Strings(out)
	return out
}

// IsAllowedAggregate reports whether fn is a permitted aggregate function.
// Matching is case-insensitive.
func (r *Registry) IsAllowedAggregate(fn string) bool {
	return r.aggregates[strings.ToUpper(strings.TrimSpace(fn))]
}

// Aggregates returns the permitted aggregate function names, sorted.
func (r *Registry) Aggregates() []string {
	out := make([]string, 0, len(r.aggregates))
	for fn := range r.aggregates {
		out = append(out, fn)
	}
	sort.Strings(out)
	return out
}

func splitQualified(ref string) (table, column string, ok bool) {
	i := strings.IndexByte(ref, '.')
	if i <= 0 || i == len(ref)-1 {
		return "", "", false
	}
	return ref[:i], ref[i+1:], true
}
