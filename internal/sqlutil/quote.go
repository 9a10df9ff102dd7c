// Package sqlutil provides SQL identifier quoting for the statement builder.
// There is deliberately no string-literal quoting here: caller values always
// travel as bound parameters, never as SQL text.
package sqlutil

import "strings"

// QuoteIdentifier wraps a table or column name in backticks, doubling any
// backtick inside the name. Identifiers originate in the schema registry,
// not in query plans.
func QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
