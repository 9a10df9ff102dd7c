package dbexec

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
)

// normalizeError maps a driver failure onto a stable message that carries
// no SQL text and no parameter values. The raw error is logged by the
// caller for operators; this string is what query planners get back.
func normalizeError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "query timed out"
	case errors.Is(err, context.Canceled):
		return "query canceled"
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, mysql.ErrInvalidConn):
		return "database connection failed"
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1044, 1045:
			return "database access denied"
		case 1054:
			return "query referenced an unknown column"
		case 1146:
			return "query referenced an unknown table"
		case 1205:
			return "database lock wait timed out"
		case 3024:
			return "query exceeded the execution time limit"
		}
		return fmt.Sprintf("database error %d", mysqlErr.Number)
	}

	return "database query failed"
}
