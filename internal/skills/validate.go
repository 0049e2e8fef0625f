package skills

import (
	"context"
	"fmt"
	"time"

	"github.com/quantlab-io/backtest/internal/backend"
	"github.com/quantlab-io/backtest/internal/domain"
	"github.com/quantlab-io/backtest/internal/skill"
)

// SeriesReader is the slice of the remote client the data skills need.
type SeriesReader interface {
	FetchContinuous(ctx context.Context, base, start, end string, limit *int) ([]backend.Row, error)
}

// requiredColumns must be present in every series row the pipeline consumes.
var requiredColumns = []string{"trade_date", "close_ba"}

// coverageWindowDays is the probe width near the start of the longest
// requested period: finding any rows there proves the history reaches back
// far enough.
const coverageWindowDays = 45

// ValidateData checks that every position's symbols have usable history.
// It only inspects; it never modifies anything.
type ValidateData struct {
	reader SeriesReader
	now    func() time.Time
}

var _ skill.Skill = (*ValidateData)(nil)

// NewValidateData creates the validation skill.
func NewValidateData(reader SeriesReader) *ValidateData {
	return &ValidateData{reader: reader, now: time.Now}
}

func (s *ValidateData) Name() string { return "validate_data" }

// Execute validates every position and reports the passing subset. Partial
// success is allowed: downstream stages work on the passed positions only.
// Classified network errors propagate untouched so the supervisor applies
// retry policy; all other faults fail the individual position.
func (s *ValidateData) Execute(ctx context.Context, params skill.Params) (*domain.SkillResult, error) {
	positions := params.Strings("positions")
	periods := params.Strings("periods")

	var passed []string
	var failed []map[string]any
	var warnings []map[string]any

	maxPeriod, bounded := MaxPeriodDuration(periods)

	for _, position := range positions {
		status, message, err := s.validatePosition(ctx, position, maxPeriod, bounded)
		if err != nil {
			if kind, ok := domain.KindOf(err); ok && kind == domain.KindNetwork {
				return nil, err
			}
			failed = append(failed, map[string]any{"position": position, "message": err.Error()})
			continue
		}
		switch status {
		case "pass":
			passed = append(passed, position)
		case "warning":
			warnings = append(warnings, map[string]any{"position": position, "message": message})
			passed = append(passed, position)
		default:
			failed = append(failed, map[string]any{"position": position, "message": message})
		}
	}

	data := map[string]any{"passed": passed, "failed": failed, "warnings": warnings}
	if len(passed) == 0 {
		return &domain.SkillResult{
			Success: false,
			Data:    data,
			Error:   fmt.Sprintf("all %d positions failed validation", len(failed)),
		}, nil
	}
	return domain.OK(data), nil
}

func (s *ValidateData) validatePosition(ctx context.Context, position string, maxPeriod time.Duration, bounded bool) (string, string, error) {
	parsed, err := ParsePosition(position)
	if err != nil {
		return "", "", err
	}

	today := s.now().UTC().Truncate(24 * time.Hour)
	var start, end time.Time
	if bounded {
		// Probe a small window near the period's start boundary; rows
		// there prove the history exists.
		start = today.Add(-maxPeriod)
		end = start.Add(coverageWindowDays * 24 * time.Hour)
	} else {
		start = today.Add(-365 * 24 * time.Hour)
		end = today
	}

	limit := 10000
	minCount := -1
	for _, leg := range parsed.Symbols {
		rows, err := s.reader.FetchContinuous(ctx, leg.Symbol,
			start.Format("2006-01-02"), end.Format("2006-01-02"), &limit)
		if err != nil {
			if kind, ok := domain.KindOf(err); ok && kind == domain.KindNetwork {
				return "", "", err
			}
			return "fail", fmt.Sprintf("fetch failed for %s: %v", leg.Symbol, err), nil
		}

		if len(rows) == 0 {
			if bounded {
				return "fail", fmt.Sprintf("symbol %s history too short (no rows in %s~%s)",
					leg.Symbol, start.Format("2006-01-02"), end.Format("2006-01-02")), nil
			}
			return "fail", fmt.Sprintf("symbol %s has no data", leg.Symbol), nil
		}

		if missing := missingColumns(rows[0]); len(missing) > 0 {
			return "fail", fmt.Sprintf("symbol %s missing required columns: %v", leg.Symbol, missing), nil
		}

		if minCount < 0 || len(rows) < minCount {
			minCount = len(rows)
		}
	}

	if !bounded && minCount < 50 {
		return "warning", fmt.Sprintf("sparse data: %d rows", minCount), nil
	}
	return "pass", fmt.Sprintf("validated, %d rows", minCount), nil
}

func missingColumns(row backend.Row) []string {
	var missing []string
	for _, col := range requiredColumns {
		if _, ok := row[col]; !ok {
			missing = append(missing, col)
		}
	}
	return missing
}
