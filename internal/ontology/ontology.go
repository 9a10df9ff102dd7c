// Package ontology defines the static catalog of tables the query planner may
// touch: columns, keys, permitted joins (including text joins), restricted
// columns, and the aggregate function whitelist. It is pure data with O(1)
// lookups, built once at process start; it performs no I/O and has no mutable
// state after construction.
package ontology

// TableName identifies a registered table.
type TableName string

// ColumnType is the scalar type of a column as the planner sees it.
type ColumnType string

const (
	TypeString ColumnType = "string"
	TypeText   ColumnType = "text"
	TypeInt    ColumnType = "int"
	TypeFloat  ColumnType = "float"
	TypeBool   ColumnType = "bool"
	TypeTime   ColumnType = "timestamp"
)

// Column describes one queryable column.
type Column struct {
	Name string
	Type ColumnType
}

// Entity describes one queryable table. Columns are ordered; the order is
// stable and doubles as the default projection order, so compiled SQL stays
// deterministic.
type Entity struct {
	Name       TableName
	Columns    []Column
	PrimaryKey string
	// ForeignKeys maps a local column to its "table.column" target. Every
	// target table must itself be registered.
	ForeignKeys map[string]string
	// TenantColumn is the column binding rows to a project. Empty means the
	// table has no direct project column and is only scopeable through joins.
	TenantColumn string
	// TimeColumn is the timestamp column time windows apply to.
	TimeColumn string
	// Description is a one-line summary used in the schema export.
	Description string
}

// JoinPair names an allowed join between two tables. Adjacency is undirected:
// registering (a, b) also permits (b, a).
type JoinPair struct {
	Left  TableName
	Right TableName
}

// TextJoin declares that two columns are joinable by value equality even
// though no foreign key relates them (for example a free-text author name
// shared by two tables).
type TextJoin struct {
	LeftTable   TableName
	LeftColumn  string
	RightTable  TableName
	RightColumn string
}

// JoinColumns is a resolved join predicate, relative to the (left, right)
// table order it was requested in.
type JoinColumns struct {
	LeftColumn  string
	RightColumn string
}
