package backend

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/quantlab-io/backtest/internal/domain"
)

const (
	// defaultChunkDays is the initial chunk size for degraded range fetches.
	defaultChunkDays = 365

	// minChunkDays is the floor below which a chunk is never halved again.
	minChunkDays = 30

	// halveThresholdDays: a timed-out chunk is only subdivided while larger
	// than this, bounding recursion to O(log(chunk/30)) levels.
	halveThresholdDays = 45

	dateLayout = "2006-01-02"
)

// fetchContinuousChunked fetches a date range in fixed-size chunks to avoid
// server-side timeouts on large queries. Chunks are fetched sequentially; a
// chunk that itself times out is recursively halved (floor minChunkDays)
// before the failure is allowed to propagate. The combined rows are
// de-duplicated by trade date (last write wins) and sorted ascending.
func (c *Client) fetchContinuousChunked(ctx context.Context, base, start, end string, limit *int, chunkDays int) ([]Row, error) {
	startDate, err := time.Parse(dateLayout, start)
	if err != nil {
		return nil, domain.NetworkError(fmt.Sprintf("invalid date range for chunked fetch: %s~%s", start, end), err)
	}
	endDate, err := time.Parse(dateLayout, end)
	if err != nil {
		return nil, domain.NetworkError(fmt.Sprintf("invalid date range for chunked fetch: %s~%s", start, end), err)
	}

	if chunkDays < 1 {
		chunkDays = 1
	}
	step := time.Duration(chunkDays) * 24 * time.Hour

	var all []Row
	for cur := startDate; !cur.After(endDate); {
		curEnd := cur.Add(step - 24*time.Hour)
		if curEnd.After(endDate) {
			curEnd = endDate
		}

		rows, err := c.fetchContinuousOnce(ctx, base, cur.Format(dateLayout), curEnd.Format(dateLayout), limit)
		if err != nil {
			kind, _ := domain.KindOf(err)
			if kind == domain.KindNetwork && domain.IsTimeout(err) && chunkDays > halveThresholdDays {
				half := chunkDays / 2
				if half < minChunkDays {
					half = minChunkDays
				}
				rows, err = c.fetchContinuousChunked(ctx, base, cur.Format(dateLayout), curEnd.Format(dateLayout), limit, half)
			}
			if err != nil {
				return nil, err
			}
		}

		all = append(all, rows...)
		cur = curEnd.Add(24 * time.Hour)
	}

	return mergeByTradeDate(all), nil
}

// mergeByTradeDate de-duplicates rows by their trade_date key, keeping the
// last occurrence, and returns them sorted ascending by date.
func mergeByTradeDate(rows []Row) []Row {
	if len(rows) == 0 {
		return nil
	}

	byDate := make(map[string]Row, len(rows))
	for _, row := range rows {
		if td, ok := row["trade_date"]; ok && td != nil {
			byDate[fmt.Sprint(td)] = row
		}
	}

	dates := make([]string, 0, len(byDate))
	for td := range byDate {
		dates = append(dates, td)
	}
	sort.Strings(dates)

	out := make([]Row, 0, len(dates))
	for _, td := range dates {
		out = append(out, byDate[td])
	}
	return out
}
