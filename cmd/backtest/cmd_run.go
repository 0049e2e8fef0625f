package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quantlab-io/backtest/internal/domain"
	"github.com/quantlab-io/backtest/internal/orchestrator"
)

var (
	smartPositions       string
	smartPeriods         string
	smartComboRange      string
	smartPortfolioModels string
	smartTopN            int
	smartMaxEvals        int

	specifiedPositions      string
	specifiedPeriod         string
	specifiedPortfolioModel string
	specifiedMaxEvals       int
)

// smartCmd runs the full pipeline: a position pool is validated, analyzed
// concurrently, combined into portfolios and reported.
var smartCmd = &cobra.Command{
	Use:   "smart",
	Short: "Smart mode: optimize over a position pool and rank portfolio combinations",
	Example: `  backtest smart --positions "多AU,空AG,多L-V:1:1" --periods 3y,5y --combo-range 2-3
  backtest smart --positions 多AU,多CU --top-n 5 --max-evals 500`,
	RunE: runSmart,
}

// specifiedCmd runs one fixed configuration sequentially.
var specifiedCmd = &cobra.Command{
	Use:   "specified",
	Short: "Specified mode: backtest a fixed position set over one period",
	RunE:  runSpecified,
}

func init() {
	smartCmd.Flags().StringVar(&smartPositions, "positions", "",
		`candidate positions, comma separated (e.g. "多AU,空AG,多L-V:1:1")`)
	smartCmd.Flags().StringVar(&smartPeriods, "periods", "3y,5y,10y",
		"backtest periods, comma separated (3m/6m/5y/90d/all)")
	smartCmd.Flags().StringVar(&smartComboRange, "combo-range", "3-5",
		"portfolio combination size range, like 2-4")
	smartCmd.Flags().StringVar(&smartPortfolioModels, "portfolio-models", "mean_variance,equal_weight",
		"portfolio weight models, comma separated")
	smartCmd.Flags().IntVar(&smartTopN, "top-n", 10,
		"report the top N combinations per period, ranked by Sharpe")
	smartCmd.Flags().IntVar(&smartMaxEvals, "max-evals", 2000,
		"parameter search budget per position per period")
	_ = smartCmd.MarkFlagRequired("positions")

	specifiedCmd.Flags().StringVar(&specifiedPositions, "positions", "",
		"positions, comma separated")
	specifiedCmd.Flags().StringVar(&specifiedPeriod, "period", "",
		"single backtest period (5y/6m/all)")
	specifiedCmd.Flags().StringVar(&specifiedPortfolioModel, "portfolio-model", "mean_variance",
		"portfolio weight model")
	specifiedCmd.Flags().IntVar(&specifiedMaxEvals, "max-evals", 2000,
		"parameter search budget per position")
	_ = specifiedCmd.MarkFlagRequired("positions")
	_ = specifiedCmd.MarkFlagRequired("period")
}

func runSmart(cmd *cobra.Command, _ []string) error {
	comboRange, err := parseComboRange(smartComboRange)
	if err != nil {
		return err
	}

	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	run := a.orch.Run(cmd.Context(), domain.TaskConfig{
		Mode:            domain.TaskModeSmart,
		Positions:       splitList(smartPositions),
		Periods:         splitList(smartPeriods),
		ComboRange:      comboRange,
		PortfolioModels: splitList(smartPortfolioModels),
		TopN:            smartTopN,
		MaxEvals:        smartMaxEvals,
	})
	return printOutcome(run)
}

func runSpecified(cmd *cobra.Command, _ []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	run := a.orch.Run(cmd.Context(), domain.TaskConfig{
		Mode:            domain.TaskModeSpecified,
		Positions:       splitList(specifiedPositions),
		Periods:         []string{strings.TrimSpace(specifiedPeriod)},
		PortfolioModels: []string{strings.TrimSpace(specifiedPortfolioModel)},
		TopN:            10,
		MaxEvals:        specifiedMaxEvals,
	})
	return printOutcome(run)
}

// printOutcome summarizes the run on stdout and surfaces the report path.
// A non-completed task is not a CLI error: the task record holds the detail.
func printOutcome(run *domain.TaskRun) error {
	status, errMsg := run.Status()
	if status == domain.TaskStatusCompleted {
		fmt.Printf("\ntask completed: %s\n", run.TaskID)
	} else {
		fmt.Printf("\ntask %s: %s\n", status, run.TaskID)
		if errMsg != "" {
			fmt.Printf("reason: %s\n", errMsg)
		}
	}

	for _, step := range run.Steps {
		if step.Skill != orchestrator.SkillGenerateReport || step.Result == nil || step.Result.Data == nil {
			continue
		}
		if path, ok := step.Result.Data["report_path"].(string); ok && path != "" {
			fmt.Printf("report: %s\n", path)
		}
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// parseComboRange parses a "min-max" range like "3-5".
func parseComboRange(raw string) (*domain.ComboRange, error) {
	parts := strings.SplitN(strings.TrimSpace(raw), "-", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid combo range %q (expected like 3-5)", raw)
	}
	min, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return nil, fmt.Errorf("invalid combo range %q: %w", raw, err)
	}
	max, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, fmt.Errorf("invalid combo range %q: %w", raw, err)
	}
	if min < 2 || max < min {
		return nil, fmt.Errorf("invalid combo range %q: need 2 <= min <= max", raw)
	}
	return &domain.ComboRange{Min: min, Max: max}, nil
}
