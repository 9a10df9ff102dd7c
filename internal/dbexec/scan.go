package dbexec

// scanRows reads every row into a map keyed by column name. Column names
// come from the result set so aggregate projections keep their rendered
// names.
func scanRows(rows Rows) ([]map[string]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	// One scan buffer serves all rows; []byte cells are materialized into
	// strings before the next Scan overwrites them.
	cells := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range cells {
		ptrs[i] = &cells[i]
	}

	var out []map[string]any
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(columns))
		for i, name := range columns {
			row[name] = jsonValue(cells[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// jsonValue makes driver values JSON-friendly. MySQL returns text columns
// as []byte.
func jsonValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
