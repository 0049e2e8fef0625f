package skills

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"time"

	"github.com/quantlab-io/backtest/internal/backend"
	"github.com/quantlab-io/backtest/internal/domain"
	"github.com/quantlab-io/backtest/internal/skill"
)

const (
	// loadBufferDays pads the fetch window so rolling windows have history
	// before the first evaluated bar.
	loadBufferDays = 120

	// signalWindow is the moving average length behind the timing signal.
	signalWindow = 60

	tradingDaysPerYear = 252.0
)

// bar is one aligned observation of the position's combined series.
type bar struct {
	date  time.Time
	close float64
	ret   float64
}

// BacktestStrategy optimizes and evaluates a threshold timing strategy for a
// single position across the requested periods.
type BacktestStrategy struct {
	reader SeriesReader
	now    func() time.Time
}

var _ skill.Skill = (*BacktestStrategy)(nil)

// NewBacktestStrategy creates the per-position analysis skill.
func NewBacktestStrategy(reader SeriesReader) *BacktestStrategy {
	return &BacktestStrategy{reader: reader, now: time.Now}
}

func (s *BacktestStrategy) Name() string { return "backtest_strategy" }

// paramGrid is the search space for parameter optimization. Kept small on
// purpose; max_evals bounds the walk through it either way.
var paramGrid = []struct {
	name   string
	values []float64
}{
	{"low_threshold", arange(1.0, 1.05, 0.01)},
	{"high_threshold", arange(1.45, 1.5, 0.01)},
	{"reverse_long_threshold", arange(1.1, 1.15, 0.01)},
	{"reverse_short_threshold", arange(1.0, 1.15, 0.01)},
	{"stop_loss_pct", arange(0.01, 0.03, 0.01)},
	{"threshold_adjust_pct", arange(0.05, 0.2, 0.05)},
	{"max_position_pct", []float64{1.0}},
	{"position_increase_pct", arange(0.1, 0.3, 0.1)},
	{"profit_threshold_pct", arange(0.1, 0.3, 0.1)},
	{"drawdown_threshold_pct", arange(0.2, 0.5, 0.1)},
}

func arange(start, stop, step float64) []float64 {
	var out []float64
	for v := start; v < stop-1e-9; v += step {
		out = append(out, math.Round(v*1e6)/1e6)
	}
	return out
}

func (s *BacktestStrategy) Execute(ctx context.Context, params skill.Params) (*domain.SkillResult, error) {
	position := params.String("position")
	periods := params.Strings("periods")
	if len(periods) == 0 {
		periods = []string{"all"}
	}
	fixedParams, _ := params["params"].(map[string]any)
	maxEvals := params.Int("max_evals", 2000)

	parsed, err := ParsePosition(position)
	if err != nil {
		return domain.Fail(err.Error()), nil
	}

	maxPeriod, bounded := MaxPeriodDuration(periods)
	today := s.now().UTC().Truncate(24 * time.Hour)
	loadEnd := today.Format("2006-01-02")
	loadStart := ""
	if bounded {
		loadStart = today.Add(-(maxPeriod + loadBufferDays*24*time.Hour)).Format("2006-01-02")
	}

	series, err := s.loadSeries(ctx, parsed, loadStart, loadEnd)
	if err != nil {
		if kind, ok := domain.KindOf(err); ok && kind == domain.KindNetwork {
			return nil, err
		}
		return domain.Fail(err.Error()), nil
	}
	if len(series) < 3 {
		return domain.Fail(fmt.Sprintf("not enough data for %s", position)), nil
	}

	periodResults := make(map[string]any)
	bestPeriod := ""
	bestSharpe := math.Inf(-1)

	for _, period := range periods {
		sliced, err := slicePeriod(series, period)
		if err != nil || len(sliced) < 3 {
			continue
		}

		var bestParams map[string]any
		if len(fixedParams) > 0 {
			bestParams = fixedParams
		} else {
			bestParams = s.optimizeParams(sliced, parsed.Direction, maxEvals)
		}
		metrics, returns := runBacktest(sliced, bestParams, parsed.Direction)

		dates := make([]string, len(sliced))
		for i, b := range sliced {
			dates[i] = b.date.Format("2006-01-02")
		}
		periodResults[period] = map[string]any{
			"best_params":   bestParams,
			"metrics":       metrics,
			"dates":         dates,
			"daily_returns": returns,
		}

		if sharpe := floatOf(metrics["sharpe_ratio"]); sharpe > bestSharpe {
			bestSharpe = sharpe
			bestPeriod = period
		}
	}

	if len(periodResults) == 0 {
		return domain.Fail(fmt.Sprintf("no usable period data for %s", position)), nil
	}

	best := periodResults[bestPeriod].(map[string]any)
	return domain.OK(map[string]any{
		"position":       position,
		"direction":      string(parsed.Direction),
		"best_period":    bestPeriod,
		"best_params":    best["best_params"],
		"metrics":        best["metrics"],
		"dates":          best["dates"],
		"daily_returns":  best["daily_returns"],
		"period_results": periodResults,
	}), nil
}

// loadSeries fetches every leg of the position and combines them into one
// return series. Hedged positions are aligned by date (inner join); the
// signal price for a hedged pair is the long leg over the short leg.
func (s *BacktestStrategy) loadSeries(ctx context.Context, pos *Position, start, end string) ([]bar, error) {
	limit := 10000
	legs := make(map[string][]bar, len(pos.Symbols))
	for _, leg := range pos.Symbols {
		rows, err := s.reader.FetchContinuous(ctx, leg.Symbol, start, end, &limit)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, domain.DataValidationError(fmt.Sprintf("no data for %s", leg.Symbol))
		}
		series, err := rowsToBars(leg.Symbol, rows)
		if err != nil {
			return nil, err
		}
		legs[leg.Symbol] = series
	}

	if len(pos.Symbols) == 1 {
		leg := pos.Symbols[0]
		series := legs[leg.Symbol]
		if leg.Weight < 0 {
			for i := range series {
				series[i].ret = -series[i].ret
			}
		}
		return series, nil
	}

	return combineLegs(pos, legs)
}

// rowsToBars converts API rows into a sorted, de-duplicated bar series with
// close-to-close returns.
func rowsToBars(symbol string, rows []backend.Row) ([]bar, error) {
	byDate := make(map[time.Time]float64, len(rows))
	for _, row := range rows {
		if _, ok := row["trade_date"]; !ok {
			return nil, domain.DataValidationError(fmt.Sprintf("%s rows missing trade_date", symbol))
		}
		closeRaw, ok := row["close_ba"]
		if !ok {
			return nil, domain.DataValidationError(fmt.Sprintf("%s rows missing close_ba", symbol))
		}
		d, err := parseRowDate(row["trade_date"])
		if err != nil {
			continue
		}
		px, ok := toFloat(closeRaw)
		if !ok {
			continue
		}
		byDate[d] = px
	}

	dates := make([]time.Time, 0, len(byDate))
	for d := range byDate {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	series := make([]bar, 0, len(dates))
	for i, d := range dates {
		b := bar{date: d, close: byDate[d]}
		if i > 0 && byDate[dates[i-1]] != 0 {
			b.ret = b.close/byDate[dates[i-1]] - 1.0
		}
		series = append(series, b)
	}
	if len(series) > 0 {
		series = series[1:]
	}
	return series, nil
}

func combineLegs(pos *Position, legs map[string][]bar) ([]bar, error) {
	type legBar struct{ close, ret float64 }
	aligned := make(map[time.Time]map[string]legBar)
	for sym, series := range legs {
		for _, b := range series {
			if aligned[b.date] == nil {
				aligned[b.date] = make(map[string]legBar, len(legs))
			}
			aligned[b.date][sym] = legBar{close: b.close, ret: b.ret}
		}
	}

	var longLeg, shortLeg *SymbolWeight
	for i := range pos.Symbols {
		if pos.Symbols[i].Weight > 0 && longLeg == nil {
			longLeg = &pos.Symbols[i]
		}
		if pos.Symbols[i].Weight < 0 && shortLeg == nil {
			shortLeg = &pos.Symbols[i]
		}
	}

	total := pos.TotalWeight
	if total == 0 {
		total = 1
	}

	var out []bar
	for d, bySym := range aligned {
		if len(bySym) != len(pos.Symbols) {
			continue
		}
		var ret float64
		for _, leg := range pos.Symbols {
			ret += bySym[leg.Symbol].ret * leg.Weight
		}
		b := bar{date: d, ret: ret / total}
		if longLeg != nil && shortLeg != nil {
			den := bySym[shortLeg.Symbol].close * math.Abs(shortLeg.Weight)
			if den == 0 {
				continue
			}
			b.close = bySym[longLeg.Symbol].close * math.Abs(longLeg.Weight) / den
		} else {
			for _, leg := range pos.Symbols {
				b.close += bySym[leg.Symbol].close * math.Abs(leg.Weight)
			}
		}
		out = append(out, b)
	}
	if len(out) == 0 {
		return nil, domain.DataValidationError(fmt.Sprintf("%s legs share no trading days", pos.Raw))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].date.Before(out[j].date) })
	return out, nil
}

// slicePeriod keeps the trailing window named by period; "all"/"max" keeps
// everything.
func slicePeriod(series []bar, period string) ([]bar, error) {
	d, bounded, err := PeriodDuration(period)
	if err != nil {
		return nil, err
	}
	if !bounded {
		return series, nil
	}
	end := series[len(series)-1].date
	start := end.Add(-d)
	i := sort.Search(len(series), func(i int) bool { return !series[i].date.Before(start) })
	return series[i:], nil
}

// optimizeParams walks the grid looking for the best Sharpe. When the full
// grid fits inside maxEvals it is enumerated; otherwise candidates are drawn
// with a seed derived from the data window, so reruns stay reproducible.
func (s *BacktestStrategy) optimizeParams(series []bar, direction Direction, maxEvals int) map[string]any {
	if maxEvals <= 0 {
		return defaultParams()
	}

	bestSharpe := math.Inf(-1)
	var best map[string]any
	evaluate := func(candidate map[string]any) {
		metrics, _ := runBacktest(series, candidate, direction)
		if sharpe := floatOf(metrics["sharpe_ratio"]); sharpe > bestSharpe {
			bestSharpe = sharpe
			best = candidate
		}
	}

	total := 1
	for _, g := range paramGrid {
		total *= len(g.values)
	}

	if total <= maxEvals {
		indices := make([]int, len(paramGrid))
		for {
			candidate := make(map[string]any, len(paramGrid))
			for i, g := range paramGrid {
				candidate[g.name] = g.values[indices[i]]
			}
			evaluate(candidate)
			i := len(indices) - 1
			for ; i >= 0; i-- {
				indices[i]++
				if indices[i] < len(paramGrid[i].values) {
					break
				}
				indices[i] = 0
			}
			if i < 0 {
				break
			}
		}
	} else {
		rng := rand.New(rand.NewSource(optimizeSeed(series, direction)))
		for eval := 0; eval < maxEvals; eval++ {
			candidate := make(map[string]any, len(paramGrid))
			for _, g := range paramGrid {
				candidate[g.name] = g.values[rng.Intn(len(g.values))]
			}
			evaluate(candidate)
		}
	}

	if best == nil {
		return defaultParams()
	}
	return best
}

func optimizeSeed(series []bar, direction Direction) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%s", direction,
		series[0].date.Format("2006-01-02"),
		series[len(series)-1].date.Format("2006-01-02"))
	return int64(h.Sum64())
}

func defaultParams() map[string]any {
	out := make(map[string]any, len(paramGrid))
	for _, g := range paramGrid {
		out[g.name] = g.values[0]
	}
	return out
}

// runBacktest evaluates one parameter set: signal, threshold simulation,
// metrics. Returns the metrics and the per-bar strategy returns.
func runBacktest(series []bar, params map[string]any, direction Direction) (map[string]any, []float64) {
	signal := computeSignal(series)
	returns, trades := simulateThreshold(series, signal, direction, params)
	metrics := calcMetrics(returns)
	metrics["n_trades"] = trades
	return metrics, returns
}

// computeSignal is the close over its rolling mean. Leading bars without a
// full window fall back to the earliest available value.
func computeSignal(series []bar) []float64 {
	minPeriods := signalWindow / 3
	if minPeriods < 5 {
		minPeriods = 5
	}

	out := make([]float64, len(series))
	var sum float64
	firstValid := -1
	for i, b := range series {
		sum += b.close
		if i >= signalWindow {
			sum -= series[i-signalWindow].close
		}
		n := i + 1
		if n > signalWindow {
			n = signalWindow
		}
		if n < minPeriods || sum == 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = b.close / (sum / float64(n))
		if firstValid < 0 {
			firstValid = i
		}
	}

	fill := 1.0
	if firstValid >= 0 {
		fill = out[firstValid]
	}
	for i := range out {
		if math.IsNaN(out[i]) {
			out[i] = fill
		} else {
			break
		}
	}
	return out
}

func paramFloat(params map[string]any, key string, fallback float64) float64 {
	if v, ok := toFloat(params[key]); ok {
		return v
	}
	return fallback
}

// simulateThreshold runs the timing model: enter when the signal crosses the
// entry threshold for the position's direction, scale in on further moves,
// exit on the reverse threshold, stop loss, take profit or trade drawdown.
// Today's return is earned with yesterday's exposure; exposure changes cost
// slippage plus commission on the decision day.
func simulateThreshold(series []bar, signal []float64, direction Direction, params map[string]any) ([]float64, int) {
	lowTh := paramFloat(params, "low_threshold", 1.02)
	highTh := paramFloat(params, "high_threshold", 1.45)
	revLong := paramFloat(params, "reverse_long_threshold", 1.12)
	revShort := paramFloat(params, "reverse_short_threshold", 1.08)
	stopLoss := paramFloat(params, "stop_loss_pct", 0.02)
	thStep := paramFloat(params, "threshold_adjust_pct", 0.05)
	maxPos := paramFloat(params, "max_position_pct", 1.0)
	posStep := paramFloat(params, "position_increase_pct", 0.2)
	takeProfit := paramFloat(params, "profit_threshold_pct", 0.2)
	maxTradeDD := paramFloat(params, "drawdown_threshold_pct", 0.3)

	const slippage = 0.001
	const commission = 0.0002
	costRate := slippage + commission

	out := make([]float64, len(series))
	exposure := 0.0
	tradeEquity := 1.0
	entryEquity := 1.0
	tradePeak := 1.0
	inTrade := false
	trades := 0
	adds := 0

	for i, b := range series {
		out[i] = exposure * b.ret

		tradeEquity *= 1.0 + out[i]
		if inTrade && tradeEquity > tradePeak {
			tradePeak = tradeEquity
		}

		s := signal[i]
		next := exposure

		enter := s <= lowTh
		exit := s >= revLong
		addLevel := lowTh - thStep*float64(adds+1)
		addHit := s <= addLevel
		if direction == DirectionShort {
			enter = s >= highTh
			exit = s <= revShort
			addLevel = highTh + thStep*float64(adds+1)
			addHit = s >= addLevel
		}

		if !inTrade && enter {
			next = math.Min(maxPos, posStep)
			inTrade = true
			trades++
			adds = 0
			entryEquity = tradeEquity
			tradePeak = tradeEquity
		} else if inTrade {
			if addHit && next < maxPos {
				next = math.Min(maxPos, next+posStep)
				adds++
			}

			tradeRet := tradeEquity/entryEquity - 1.0
			tradeDD := 0.0
			if tradePeak != 0 {
				tradeDD = tradeEquity/tradePeak - 1.0
			}
			if exit || tradeRet <= -stopLoss || tradeRet >= takeProfit || tradeDD <= -maxTradeDD {
				next = 0.0
				inTrade = false
			}
		}

		if delta := math.Abs(next - exposure); delta != 0 {
			out[i] -= delta * costRate
		}
		exposure = next
	}

	return out, trades
}

func emptyMetrics() map[string]any {
	return map[string]any{
		"sharpe_ratio":          0.0,
		"total_return":          0.0,
		"max_drawdown":          0.0,
		"annualized_return":     0.0,
		"annualized_volatility": 0.0,
		"n_days":                0,
	}
}

// calcMetrics computes the standard performance summary from daily returns.
func calcMetrics(returns []float64) map[string]any {
	n := len(returns)
	if n < 2 {
		return emptyMetrics()
	}

	equity := 1.0
	peak := 1.0
	maxDD := 0.0
	var sum, sumSq float64
	for _, r := range returns {
		equity *= 1.0 + r
		if equity > peak {
			peak = equity
		}
		if dd := equity/peak - 1.0; dd < maxDD {
			maxDD = dd
		}
		sum += r
		sumSq += r * r
	}

	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	std := math.Sqrt(variance)

	totalReturn := equity - 1.0
	annualizedReturn := math.Pow(1.0+totalReturn, tradingDaysPerYear/float64(n)) - 1.0
	annualizedVol := std * math.Sqrt(tradingDaysPerYear)
	sharpe := 0.0
	if std != 0 {
		sharpe = mean / std * math.Sqrt(tradingDaysPerYear)
	}

	return map[string]any{
		"sharpe_ratio":          sharpe,
		"total_return":          totalReturn,
		"max_drawdown":          maxDD,
		"annualized_return":     annualizedReturn,
		"annualized_volatility": annualizedVol,
		"n_days":                n,
	}
}

func parseRowDate(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("trade_date is not a string: %v", v)
	}
	if len(s) > 10 {
		s = s[:10]
	}
	return time.Parse("2006-01-02", s)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func floatOf(v any) float64 {
	f, _ := toFloat(v)
	return f
}
