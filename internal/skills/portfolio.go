package skills

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/quantlab-io/backtest/internal/domain"
	"github.com/quantlab-io/backtest/internal/skill"
)

// meanVarianceSamples bounds the weight search per combination.
const meanVarianceSamples = 512

// BacktestPortfolio combines successful per-position strategy results into
// candidate portfolios and ranks them. It does no data fetching and no
// parameter optimization of its own.
type BacktestPortfolio struct{}

var _ skill.Skill = (*BacktestPortfolio)(nil)

// NewBacktestPortfolio creates the aggregation skill.
func NewBacktestPortfolio() *BacktestPortfolio {
	return &BacktestPortfolio{}
}

func (s *BacktestPortfolio) Name() string { return "backtest_portfolio" }

// returnSeries is one position's aligned daily returns by date.
type returnSeries map[time.Time]float64

func (s *BacktestPortfolio) Execute(_ context.Context, params skill.Params) (*domain.SkillResult, error) {
	models := params.Strings("portfolio_models")
	if len(models) == 0 {
		models = []string{"mean_variance", "equal_weight"}
	}
	requested := params.Strings("periods")
	topN := params.Int("top_n", 0)

	perPosition := extractPeriodResults(params["strategy_results"])
	if len(perPosition) < 2 {
		return domain.Fail("need at least 2 successful strategy results to combine"), nil
	}

	periodsToRun := commonPeriods(perPosition, requested)
	if len(periodsToRun) == 0 {
		return domain.Fail("strategy results share no common period"), nil
	}

	minSize, maxSize := 2, len(perPosition)
	if cr, ok := params["combo_range"].(*domain.ComboRange); ok && cr != nil {
		minSize, maxSize = cr.Min, cr.Max
	}

	periodResults := make(map[string]any)
	var bestOverall map[string]any

	for _, period := range periodsToRun {
		series := make(map[string]returnSeries)
		for position, byPeriod := range perPosition {
			if rs := toReturnSeries(byPeriod[period]); len(rs) > 0 {
				series[position] = rs
			}
		}
		if len(series) < 2 {
			continue
		}

		positions := make([]string, 0, len(series))
		for p := range series {
			positions = append(positions, p)
		}
		sort.Strings(positions)

		var all []map[string]any
		upper := maxSize
		if upper > len(positions) {
			upper = len(positions)
		}
		for size := minSize; size <= upper; size++ {
			forEachCombination(positions, size, func(combo []string) {
				dates, matrix := alignReturns(series, combo)
				if len(dates) < 2 {
					return
				}
				for _, model := range models {
					weights := modelWeights(matrix, model, period, combo)
					portfolio := weightedReturns(matrix, weights)
					entry := map[string]any{
						"period":    period,
						"positions": append([]string(nil), combo...),
						"model":     model,
						"weights":   weightMap(combo, weights),
						"metrics":   calcMetrics(portfolio),
					}
					all = append(all, entry)
				}
			})
		}
		if len(all) == 0 {
			continue
		}

		sort.SliceStable(all, func(i, j int) bool {
			return entrySharpe(all[i]) > entrySharpe(all[j])
		})

		top := all
		if topN > 0 && topN < len(all) {
			top = all[:topN]
		}

		best := all[0]
		bestCombo := best["positions"].([]string)
		dates, matrix := alignReturns(series, bestCombo)
		weights := modelWeights(matrix, best["model"].(string), period, bestCombo)
		portfolio := weightedReturns(matrix, weights)

		dateStrs := make([]string, len(dates))
		for i, d := range dates {
			dateStrs[i] = d.Format("2006-01-02")
		}
		best["dates"] = dateStrs
		best["portfolio_returns"] = portfolio

		periodResults[period] = map[string]any{"best": best, "top": top}

		if bestOverall == nil || entrySharpe(best) > entrySharpe(bestOverall) {
			bestOverall = best
		}
	}

	if len(periodResults) == 0 || bestOverall == nil {
		return domain.Fail("no usable portfolio could be built"), nil
	}

	return domain.OK(map[string]any{
		"best":           bestOverall,
		"period_results": periodResults,
		// Flattened convenience fields for downstream consumers.
		"period":            bestOverall["period"],
		"positions":         bestOverall["positions"],
		"model":             bestOverall["model"],
		"weights":           bestOverall["weights"],
		"metrics":           bestOverall["metrics"],
		"dates":             bestOverall["dates"],
		"portfolio_returns": bestOverall["portfolio_returns"],
	}), nil
}

// extractPeriodResults pulls the period_results payload out of every
// successful strategy result, tolerating both live SkillResult values and
// plain decoded maps.
func extractPeriodResults(v any) map[string]map[string]any {
	out := make(map[string]map[string]any)
	switch results := v.(type) {
	case map[string]*domain.SkillResult:
		for position, r := range results {
			if r == nil || !r.Success || r.Data == nil {
				continue
			}
			if pr, ok := r.Data["period_results"].(map[string]any); ok {
				out[position] = pr
			}
		}
	case map[string]any:
		for position, raw := range results {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if pr, ok := m["period_results"].(map[string]any); ok {
				out[position] = pr
				continue
			}
			if data, ok := m["data"].(map[string]any); ok {
				if pr, ok := data["period_results"].(map[string]any); ok {
					out[position] = pr
				}
			}
		}
	}
	return out
}

// commonPeriods intersects the per-position period sets, keeping the
// requested order when given.
func commonPeriods(perPosition map[string]map[string]any, requested []string) []string {
	var common map[string]bool
	for _, byPeriod := range perPosition {
		keys := make(map[string]bool, len(byPeriod))
		for k := range byPeriod {
			keys[k] = true
		}
		if common == nil {
			common = keys
			continue
		}
		for k := range common {
			if !keys[k] {
				delete(common, k)
			}
		}
	}

	if len(requested) > 0 {
		var out []string
		for _, p := range requested {
			if common[p] {
				out = append(out, p)
			}
		}
		return out
	}

	out := make([]string, 0, len(common))
	for p := range common {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func toReturnSeries(v any) returnSeries {
	item, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	dates := anyStrings(item["dates"])
	rets := anyFloats(item["daily_returns"])
	if len(dates) == 0 || len(dates) != len(rets) {
		return nil
	}
	out := make(returnSeries, len(dates))
	for i, ds := range dates {
		d, err := time.Parse("2006-01-02", ds)
		if err != nil {
			continue
		}
		out[d] = rets[i]
	}
	return out
}

func anyStrings(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

func anyFloats(v any) []float64 {
	switch s := v.(type) {
	case []float64:
		return s
	case []any:
		out := make([]float64, 0, len(s))
		for _, item := range s {
			if f, ok := toFloat(item); ok {
				out = append(out, f)
			}
		}
		return out
	default:
		return nil
	}
}

// forEachCombination visits every size-k subset of items in lexicographic
// order.
func forEachCombination(items []string, k int, visit func([]string)) {
	if k <= 0 || k > len(items) {
		return
	}
	combo := make([]string, k)
	var walk func(start, depth int)
	walk = func(start, depth int) {
		if depth == k {
			visit(combo)
			return
		}
		for i := start; i <= len(items)-(k-depth); i++ {
			combo[depth] = items[i]
			walk(i+1, depth+1)
		}
	}
	walk(0, 0)
}

// alignReturns inner-joins the combo's return series on shared dates and
// returns the sorted dates plus one column per position.
func alignReturns(series map[string]returnSeries, combo []string) ([]time.Time, [][]float64) {
	if len(combo) == 0 {
		return nil, nil
	}
	var shared []time.Time
	for d := range series[combo[0]] {
		ok := true
		for _, p := range combo[1:] {
			if _, present := series[p][d]; !present {
				ok = false
				break
			}
		}
		if ok {
			shared = append(shared, d)
		}
	}
	sort.Slice(shared, func(i, j int) bool { return shared[i].Before(shared[j]) })

	matrix := make([][]float64, len(combo))
	for c, p := range combo {
		col := make([]float64, len(shared))
		for i, d := range shared {
			col[i] = series[p][d]
		}
		matrix[c] = col
	}
	return shared, matrix
}

// modelWeights returns portfolio weights for the model. Unknown models fall
// back to equal weighting.
func modelWeights(matrix [][]float64, model, period string, combo []string) []float64 {
	n := len(matrix)
	equal := make([]float64, n)
	for i := range equal {
		equal[i] = 1.0 / float64(n)
	}
	if model != "mean_variance" || n == 0 {
		return equal
	}
	return meanVarianceWeights(matrix, equal, period, combo)
}

// meanVarianceWeights searches the long-only simplex for the Sharpe-optimal
// weighting. A seeded random walk replaces a gradient solver; it is
// deterministic for a given period and combination.
func meanVarianceWeights(matrix [][]float64, equal []float64, period string, combo []string) []float64 {
	rows := 0
	if len(matrix) > 0 {
		rows = len(matrix[0])
	}
	if rows < 2 {
		return equal
	}

	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s", period, strings.Join(combo, ","))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	best := equal
	bestSharpe := portfolioSharpe(matrix, equal)

	candidate := make([]float64, len(matrix))
	for sample := 0; sample < meanVarianceSamples; sample++ {
		var total float64
		for i := range candidate {
			candidate[i] = rng.ExpFloat64()
			total += candidate[i]
		}
		if total == 0 {
			continue
		}
		for i := range candidate {
			candidate[i] /= total
		}
		if sharpe := portfolioSharpe(matrix, candidate); sharpe > bestSharpe {
			bestSharpe = sharpe
			best = append([]float64(nil), candidate...)
		}
	}
	return best
}

func portfolioSharpe(matrix [][]float64, weights []float64) float64 {
	returns := weightedReturns(matrix, weights)
	n := len(returns)
	if n < 2 {
		return math.Inf(-1)
	}
	var sum, sumSq float64
	for _, r := range returns {
		sum += r
		sumSq += r * r
	}
	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean
	if variance <= 0 {
		return math.Inf(-1)
	}
	return mean / math.Sqrt(variance)
}

func weightedReturns(matrix [][]float64, weights []float64) []float64 {
	if len(matrix) == 0 {
		return nil
	}
	out := make([]float64, len(matrix[0]))
	for c, col := range matrix {
		w := weights[c]
		for i, r := range col {
			out[i] += w * r
		}
	}
	return out
}

func weightMap(combo []string, weights []float64) map[string]float64 {
	out := make(map[string]float64, len(combo))
	for i, p := range combo {
		out[p] = weights[i]
	}
	return out
}

func entrySharpe(entry map[string]any) float64 {
	metrics, _ := entry["metrics"].(map[string]any)
	return floatOf(metrics["sharpe_ratio"])
}
