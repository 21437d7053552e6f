package store

import (
	"fmt"
	"time"

	"possale/backend/internal/domain"
)

// PeriodKey derives the report bucket for t: calendar day, ISO week or
// year-month in loc. The keys sort lexically in time order.
func PeriodKey(t time.Time, group string, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	switch group {
	case domain.ReportGroupWeekly:
		year, week := local.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case domain.ReportGroupMonthly:
		return local.Format("2006-01")
	default:
		return local.Format("2006-01-02")
	}
}
