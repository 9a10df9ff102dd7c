// Package compiler is the single trust boundary between untrusted query
// plans and the database. It validates a plan against the ontology registry,
// accumulating every violation, and on success emits one parameterized
// SELECT statement. Every caller-supplied literal is bound through the
// parameter list; no plan content ever reaches SQL text, so there is no code
// path that can emit anything but a whitelisted SELECT.
package compiler

import (
	"fmt"
	"slices"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"planql/internal/ontology"
	"planql/internal/queryplan"
	"planql/internal/sqlutil"
)

const (
	// MaxRows caps every compiled query's LIMIT. Plans requesting more are
	// clamped, not rejected.
	MaxRows = 200
	// MaxTables bounds how many tables one plan may touch.
	MaxTables = 3
	// MaxJoins bounds the join list. Exceeding it is a rejection, never a
	// truncation.
	MaxJoins = 3
	// DefaultLookbackDays is the time window substituted when a plan does
	// not carry one.
	DefaultLookbackDays = 30
	// MaxLookbackDays clamps relative lookbacks.
	MaxLookbackDays = 365
)

// CompiledQuery is an immutable, fully parameterized SELECT. SQL contains
// positional placeholders only; Params carries every caller-supplied literal
// in placeholder order.
type CompiledQuery struct {
	SQL        string
	Params     []any
	RowLimit   int
	TableCount int

	// Attribution passthrough for the orchestrator; never used in SQL.
	Entities []string
	Domain   string
}

// Compiler validates plans against a registry and emits SQL. It is stateless
// and safe for concurrent use; identical plan and tenant always produce
// identical output.
type Compiler struct {
	registry     *ontology.Registry
	lookbackDays int
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithLookbackDays overrides the default time window applied to plans that
// do not supply one. Values are clamped to [1, MaxLookbackDays].
func WithLookbackDays(days int) Option {
	return func(c *Compiler) {
		c.lookbackDays = clampDays(days)
	}
}

// New returns a Compiler bound to a registry.
func New(registry *ontology.Registry, opts ...Option) *Compiler {
	c := &Compiler{
		registry:     registry,
		lookbackDays: DefaultLookbackDays,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compile validates the plan and renders it. On any violation it returns a
// *Rejection carrying every accumulated issue; a rejected plan is never
// partially compiled. Issue strings name the offending entity or column,
// never SQL text or parameter values.
func (c *Compiler) Compile(plan queryplan.QueryPlan, tenantID string) (*CompiledQuery, error) {
	b := &build{
		compiler: c,
		registry: c.registry,
		plan:     plan,
		tenantID: strings.TrimSpace(tenantID),
	}

	if b.tenantID == "" {
		b.addIssue("a project id is required to scope the query")
	}

	b.resolveEntities()
	b.resolveProjection()
	b.resolveJoins()
	b.resolveFilters()
	b.resolveTenantScope()
	b.resolveTimeWindow()
	b.resolveOrderBy()

	if len(b.issues) > 0 {
		return nil, &Rejection{Issues: b.issues}
	}
	return b.render()
}

// build carries one compilation pass. It is created per Compile call and
// never shared.
type build struct {
	compiler *Compiler
	registry *ontology.Registry
	plan     queryplan.QueryPlan
	tenantID string

	issues []string

	tables  []ontology.TableName
	primary ontology.TableName

	selects   []string
	groupBy   []string
	hasAgg    bool
	joins     []resolvedJoin
	tenantCnd sq.Sqlizer
	filterCnd []sq.Sqlizer
	timeCnd   []sq.Sqlizer
	orderBy   []string
}

func (b *build) addIssue(format string, args ...any) {
	b.issues = append(b.issues, fmt.Sprintf(format, args...))
}

func (b *build) multiTable() bool {
	return len(b.tables) > 1
}

// qualify quotes a validated column reference. Single-table queries emit
// bare column names, multi-table queries qualify with the table.
func (b *build) qualify(table ontology.TableName, column string) string {
	if !b.multiTable() {
		return sqlutil.QuoteIdentifier(column)
	}
	return sqlutil.QuoteIdentifier(string(table)) + "." + sqlutil.QuoteIdentifier(column)
}

func (b *build) declared(table ontology.TableName) bool {
	return slices.Contains(b.tables, table)
}

func (b *build) render() (*CompiledQuery, error) {
	builder := sq.Select(b.selects...).From(sqlutil.QuoteIdentifier(string(b.primary)))

	for _, j := range b.joins {
		builder = builder.Join(fmt.Sprintf("%s ON %s = %s",
			sqlutil.QuoteIdentifier(string(j.joined)),
			b.qualify(j.base, j.baseColumn),
			b.qualify(j.joined, j.joinedColumn),
		))
	}

	builder = builder.Where(b.tenantCnd)
	for _, cond := range b.filterCnd {
		builder = builder.Where(cond)
	}
	for _, cond := range b.timeCnd {
		builder = builder.Where(cond)
	}

	if len(b.groupBy) > 0 {
		builder = builder.GroupBy(b.groupBy...)
	}
	if len(b.orderBy) > 0 {
		builder = builder.OrderBy(b.orderBy...)
	}

	limit := clampLimit(b.plan.Limit)
	sqlText, args, err := builder.
		Limit(uint64(limit)).
		PlaceholderFormat(sq.Question).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}

	entities := make([]string, len(b.tables))
	for i, t := range b.tables {
		entities[i] = string(t)
	}

	return &CompiledQuery{
		SQL:        sqlText,
		Params:     args,
		RowLimit:   limit,
		TableCount: len(b.tables),
		Entities:   entities,
		Domain:     b.plan.Domain,
	}, nil
}

func (b *build) resolveEntities() {
	if len(b.plan.Entities) == 0 {
		b.addIssue("plan declares no entities")
		return
	}

	seen := make(map[ontology.TableName]bool, len(b.plan.Entities))
	for _, name := range b.plan.Entities {
		table := ontology.TableName(name)
		if seen[table] {
			continue
		}
		seen[table] = true
		if _, ok := b.registry.Entity(table); !ok {
			b.addIssue("unknown entity %q", name)
			continue
		}
		b.tables = append(b.tables, table)
	}

	if len(b.tables) > MaxTables {
		b.addIssue("plan references %d tables; the limit is %d", len(b.tables), MaxTables)
	}
	if len(b.tables) > 0 {
		b.primary = b.tables[0]
	}
}

func (b *build) resolveProjection() {
	if b.primary == "" {
		return
	}

	if len(b.plan.Columns) == 0 {
		entity, _ := b.registry.Entity(b.primary)
		for _, col := range entity.Columns {
			if b.registry.IsRestricted(b.primary, col.Name) {
				continue
			}
			b.selects = append(b.selects, b.qualify(b.primary, col.Name))
		}
		return
	}

	var plain []string
	for _, ref := range b.plan.Columns {
		if fn, inner, ok := splitAggregate(ref); ok {
			b.resolveAggregate(fn, inner)
			continue
		}
		table, column, ok := b.resolveColumn(ref)
		if !ok {
			continue
		}
		expr := b.qualify(table, column)
		b.selects = append(b.selects, expr)
		plain = append(plain, expr)
	}

	// Mixing aggregates with plain columns groups by the plain ones, so the
	// statement stays valid under ONLY_FULL_GROUP_BY.
	if b.hasAgg && len(plain) > 0 {
		b.groupBy = plain
	}

	if len(b.issues) == 0 && len(b.selects) == 0 {
		b.addIssue("plan selects no usable columns")
	}
}

func (b *build) resolveAggregate(fn, inner string) {
	if !b.registry.IsAllowedAggregate(fn) {
		b.addIssue("aggregate function %q is not permitted", fn)
		return
	}
	upper := strings.ToUpper(strings.TrimSpace(fn))

	if inner == "*" {
		if upper != "COUNT" {
			b.addIssue("%s(*) is not supported; name a column", upper)
			return
		}
		b.selects = append(b.selects, "COUNT(*)")
		b.hasAgg = true
		return
	}

	table, column, ok := b.resolveColumn(inner)
	if !ok {
		return
	}
	b.selects = append(b.selects, fmt.Sprintf("%s(%s)", upper, b.qualify(table, column)))
	b.hasAgg = true
}

// resolveColumn maps a plan column reference onto a declared entity's
// column. Qualified references must name a declared entity; bare references
// resolve against declared entities in plan order.
func (b *build) resolveColumn(ref string) (ontology.TableName, string, bool) {
	if ref == "" {
		b.addIssue("plan references an empty column name")
		return "", "", false
	}

	if tableName, column, qualified := strings.Cut(ref, "."); qualified && tableName != "" && column != "" {
		table := ontology.TableName(tableName)
		if !b.declared(table) {
			b.addIssue("column %q references table %q which is not among the plan entities", ref, tableName)
			return "", "", false
		}
		if !b.registry.HasColumn(table, column) {
			b.addIssue("unknown column %q", ref)
			return "", "", false
		}
		if b.registry.IsRestricted(table, column) {
			b.addIssue("column %s.%s is restricted and may not be referenced", tableName, column)
			return "", "", false
		}
		return table, column, true
	}

	for _, table := range b.tables {
		if !b.registry.HasColumn(table, ref) {
			continue
		}
		if b.registry.IsRestricted(table, ref) {
			b.addIssue("column %s.%s is restricted and may not be referenced", table, ref)
			return "", "", false
		}
		return table, ref, true
	}

	b.addIssue("column %q does not belong to any declared entity", ref)
	return "", "", false
}

func (b *build) resolveTenantScope() {
	if b.primary == "" {
		return
	}
	for _, table := range b.tables {
		entity, _ := b.registry.Entity(table)
		if entity.TenantColumn == "" {
			continue
		}
		b.tenantCnd = sq.Eq{b.qualify(table, entity.TenantColumn): b.tenantID}
		return
	}
	b.addIssue("plan cannot be scoped to a project: no declared table carries a project column")
}

func (b *build) resolveOrderBy() {
	for _, ob := range b.plan.OrderBy {
		direction := strings.ToUpper(ob.Direction)
		if direction == "" {
			direction = "ASC"
		}
		if direction != "ASC" && direction != "DESC" {
			b.addIssue("order direction %q must be ASC or DESC", ob.Direction)
			continue
		}
		table, column, ok := b.resolveColumn(ob.Column)
		if !ok {
			continue
		}
		expr := b.qualify(table, column)
		if b.hasAgg && !slices.Contains(b.groupBy, expr) {
			b.addIssue("cannot order by %q in an aggregate query unless it is also selected", ob.Column)
			continue
		}
		b.orderBy = append(b.orderBy, expr+" "+direction)
	}
}

func clampLimit(requested int) int {
	if requested <= 0 || requested > MaxRows {
		return MaxRows
	}
	return requested
}

func clampDays(days int) int {
	if days < 1 {
		return 1
	}
	if days > MaxLookbackDays {
		return MaxLookbackDays
	}
	return days
}

// splitAggregate recognizes fn(arg) column references.
func splitAggregate(ref string) (fn, inner string, ok bool) {
	open := strings.IndexByte(ref, '(')
	if open <= 0 || !strings.HasSuffix(ref, ")") {
		return "", "", false
	}
	fn = strings.TrimSpace(ref[:open])
	inner = strings.TrimSpace(ref[open+1 : len(ref)-1])
	if fn == "" || inner == "" {
		return "", "", false
	}
	return fn, inner, true
}
