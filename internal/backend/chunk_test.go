package backend

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantlab-io/backtest/internal/domain"
)

// chunkBackend simulates a data service that times out on ranges wider than
// maxSpanDays and otherwise returns one row per day.
type chunkBackend struct {
	maxSpanDays int
	calls       atomic.Int64
	spans       []int
}

func (b *chunkBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.calls.Add(1)

	start, err := time.Parse(dateLayout, r.URL.Query().Get("start_date"))
	if err != nil {
		http.Error(w, "bad start_date", http.StatusBadRequest)
		return
	}
	end, err := time.Parse(dateLayout, r.URL.Query().Get("end_date"))
	if err != nil {
		http.Error(w, "bad end_date", http.StatusBadRequest)
		return
	}

	span := int(end.Sub(start).Hours()/24) + 1
	b.spans = append(b.spans, span)
	if span > b.maxSpanDays {
		http.Error(w, "upstream timeout", http.StatusGatewayTimeout)
		return
	}

	rows := make([]Row, 0, span)
	for d := start; !d.After(end); d = d.Add(24 * time.Hour) {
		rows = append(rows, Row{
			"trade_date": d.Format(dateLayout),
			"close":      float64(d.YearDay()),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": rows})
}

func expectedDays(t *testing.T, start, end string) []string {
	t.Helper()
	s, err := time.Parse(dateLayout, start)
	require.NoError(t, err)
	e, err := time.Parse(dateLayout, end)
	require.NoError(t, err)

	var days []string
	for d := s; !d.After(e); d = d.Add(24 * time.Hour) {
		days = append(days, d.Format(dateLayout))
	}
	return days
}

func TestFetchContinuous_ChunkedFallbackEqualsDirect(t *testing.T) {
	t.Parallel()

	// 1000-day range: the whole query times out, 365-day chunks succeed.
	backend := &chunkBackend{maxSpanDays: 400}
	client, _ := testClient(t, backend)

	rows, err := client.FetchContinuous(context.Background(), "AU", "2021-01-01", "2023-09-27", nil)
	require.NoError(t, err)

	days := expectedDays(t, "2021-01-01", "2023-09-27")
	require.Len(t, rows, len(days))
	for i, day := range days {
		assert.Equal(t, day, rows[i]["trade_date"], "rows must be sorted ascending with no gaps")
	}
}

func TestFetchContinuous_RecursiveChunkHalving(t *testing.T) {
	t.Parallel()

	// Even a 365-day chunk is too wide; the client must halve down to a
	// span the backend accepts (365 -> 182 -> 91).
	backend := &chunkBackend{maxSpanDays: 100}
	client, _ := testClient(t, backend)

	rows, err := client.FetchContinuous(context.Background(), "AU", "2022-01-01", "2022-12-31", nil)
	require.NoError(t, err)

	days := expectedDays(t, "2022-01-01", "2022-12-31")
	require.Len(t, rows, len(days))
	assert.Equal(t, days[0], rows[0]["trade_date"])
	assert.Equal(t, days[len(days)-1], rows[len(rows)-1]["trade_date"])

	served := false
	for _, span := range backend.spans {
		if span <= 100 && span > 45 {
			served = true
		}
	}
	assert.True(t, served, "halving should reach a span the backend accepts")
}

func TestFetchContinuous_NonTimeoutFailurePropagates(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "database exploded", http.StatusInternalServerError)
	}))

	_, err := client.FetchContinuous(context.Background(), "AU", "2021-01-01", "2023-09-27", nil)
	require.Error(t, err)
	kind, _ := domain.KindOf(err)
	assert.Equal(t, domain.KindNetwork, kind)
	assert.Equal(t, int64(1), calls.Load(), "a non-timeout failure must not trigger chunking")
}

func TestFetchContinuous_TimeoutWithoutDatesPropagates(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "upstream timeout", http.StatusGatewayTimeout)
	}))

	_, err := client.FetchContinuous(context.Background(), "AU", "", "", nil)
	require.Error(t, err)
	assert.True(t, domain.IsTimeout(err))
	assert.Equal(t, int64(1), calls.Load())
}

func TestFetchContinuous_ChunkFloorStopsHalving(t *testing.T) {
	t.Parallel()

	// Nothing ever succeeds. Halving stops once chunks reach the 45-day
	// threshold and the timeout finally propagates.
	backend := &chunkBackend{maxSpanDays: 0}
	client, _ := testClient(t, backend)

	_, err := client.FetchContinuous(context.Background(), "AU", "2022-01-01", "2022-12-31", nil)
	require.Error(t, err)
	assert.True(t, domain.IsTimeout(err))

	for _, span := range backend.spans {
		assert.GreaterOrEqual(t, span, minChunkDays-15, "spans should never shrink far below the floor")
	}
}

func TestMergeByTradeDate(t *testing.T) {
	t.Parallel()

	t.Run("deduplicates last write wins and sorts", func(t *testing.T) {
		t.Parallel()

		merged := mergeByTradeDate([]Row{
			{"trade_date": "2024-01-03", "close": 3.0},
			{"trade_date": "2024-01-01", "close": 1.0},
			{"trade_date": "2024-01-03", "close": 3.5},
			{"trade_date": "2024-01-02", "close": 2.0},
		})

		require.Len(t, merged, 3)
		assert.Equal(t, "2024-01-01", merged[0]["trade_date"])
		assert.Equal(t, "2024-01-02", merged[1]["trade_date"])
		assert.Equal(t, "2024-01-03", merged[2]["trade_date"])
		assert.Equal(t, 3.5, merged[2]["close"], "duplicate dates resolve to the last occurrence")
	})

	t.Run("rows without a trade date are dropped", func(t *testing.T) {
		t.Parallel()

		merged := mergeByTradeDate([]Row{{"close": 1.0}, {"trade_date": "2024-01-01"}})
		require.Len(t, merged, 1)
	})

	t.Run("empty input", func(t *testing.T) {
		t.Parallel()
		assert.Nil(t, mergeByTradeDate(nil))
	})
}

func TestFetchContinuous_BadDatesInChunkedPath(t *testing.T) {
	t.Parallel()

	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream timeout", http.StatusGatewayTimeout)
	}))

	_, err := client.FetchContinuous(context.Background(), "AU", "not-a-date", "2022-12-31", nil)
	require.Error(t, err)
	kind, _ := domain.KindOf(err)
	assert.Equal(t, domain.KindNetwork, kind)
	assert.Contains(t, err.Error(), "invalid date range")
}
