package compiler

import (
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// dateLayouts are the accepted spellings for explicit window bounds.
var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
}

// resolveTimeWindow constrains the primary entity's time column. Plans
// without a window get the default lookback; explicit dates bind as
// parameters, while relative lookbacks render as a DATE_SUB interval with a
// clamped integer owned by the compiler, keeping the statement free of any
// clock taken at compile time.
func (b *build) resolveTimeWindow() {
	if b.primary == "" {
		return
	}
	entity, _ := b.registry.Entity(b.primary)
	window := b.plan.TimeWindow

	if entity.TimeColumn == "" {
		if window != nil {
			b.addIssue("entity %q does not support time windows", b.primary)
		}
		return
	}
	quoted := b.qualify(b.primary, entity.TimeColumn)

	if window != nil && (window.StartDate != "" || window.EndDate != "") {
		if window.StartDate != "" {
			start, err := parseDate(window.StartDate)
			if err != nil {
				b.addIssue("time window start %q is not a valid date", window.StartDate)
			} else {
				b.timeCnd = append(b.timeCnd, sq.GtOrEq{quoted: start})
			}
		}
		if window.EndDate != "" {
			end, err := parseDate(window.EndDate)
			if err != nil {
				b.addIssue("time window end %q is not a valid date", window.EndDate)
			} else {
				b.timeCnd = append(b.timeCnd, sq.LtOrEq{quoted: end})
			}
		}
		return
	}

	days := b.compiler.lookbackDays
	if window != nil && window.DaysBack != 0 {
		if window.DaysBack < 0 {
			b.addIssue("time window daysBack must be positive")
			return
		}
		days = clampDays(window.DaysBack)
	}
	b.timeCnd = append(b.timeCnd, sq.Expr(fmt.Sprintf(
		"%s >= DATE_SUB(NOW(), INTERVAL %d DAY)", quoted, days,
	)))
}

func parseDate(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
