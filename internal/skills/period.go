package skills

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/quantlab-io/backtest/internal/domain"
)

var periodPattern = regexp.MustCompile(`^\s*(\d+)\s*([ymd])\s*$`)

// PeriodDuration converts an analysis-period label like "3y", "6m" or "90d"
// into a duration. "all" and "max" mean unbounded and return (0, false).
// Years count as 365 days and months as 30; close enough for window slicing.
func PeriodDuration(period string) (time.Duration, bool, error) {
	p := strings.ToLower(strings.TrimSpace(period))
	if p == "" || p == "all" || p == "max" {
		return 0, false, nil
	}

	m := periodPattern.FindStringSubmatch(p)
	if m == nil {
		return 0, false, domain.DataValidationError(
			fmt.Sprintf("invalid period %q (expected like 3y/6m/90d)", period))
	}

	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false, domain.DataValidationError(fmt.Sprintf("invalid period %q", period))
	}

	day := 24 * time.Hour
	switch m[2] {
	case "y":
		return time.Duration(n) * 365 * day, true, nil
	case "m":
		return time.Duration(n) * 30 * day, true, nil
	default:
		return time.Duration(n) * day, true, nil
	}
}

// MaxPeriodDuration returns the longest bounded duration among the labels,
// or false when every label is unbounded or the list is empty. Invalid
// labels are skipped; coverage checks only need a best effort.
func MaxPeriodDuration(periods []string) (time.Duration, bool) {
	var max time.Duration
	found := false
	for _, p := range periods {
		d, bounded, err := PeriodDuration(p)
		if err != nil || !bounded {
			continue
		}
		if d > max {
			max = d
			found = true
		}
	}
	return max, found
}
