package skills

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/quantlab-io/backtest/internal/domain"
	"github.com/quantlab-io/backtest/internal/skill"
)

// ResultWriter is the slice of the remote client the report skill needs for
// persisting the final record.
type ResultWriter interface {
	WriteResult(ctx context.Context, payload map[string]any) (int64, error)
}

// GenerateReport renders the run record into local artifacts and records the
// best portfolio on the server. It only formats what earlier stages
// produced.
type GenerateReport struct {
	writer    ResultWriter
	outputDir string
	logger    *slog.Logger
	now       func() time.Time
}

var _ skill.Skill = (*GenerateReport)(nil)

// NewGenerateReport creates the report skill. writer may be nil, in which
// case the server record is skipped.
func NewGenerateReport(writer ResultWriter, outputDir string, log *slog.Logger) *GenerateReport {
	if log == nil {
		log = slog.Default()
	}
	return &GenerateReport{
		writer:    writer,
		outputDir: outputDir,
		logger:    log.With(slog.String("component", "report")),
		now:       time.Now,
	}
}

func (s *GenerateReport) Name() string { return "generate_report" }

func (s *GenerateReport) Execute(ctx context.Context, params skill.Params) (*domain.SkillResult, error) {
	run, ok := params["results"].(*domain.TaskRun)
	if !ok || run == nil {
		return domain.Fail("report input missing run record"), nil
	}
	topN := params.Int("top_n", 10)

	if err := os.MkdirAll(s.outputDir, 0o755); err != nil {
		return domain.Fail(fmt.Sprintf("create output dir: %v", err)), nil
	}

	reportPath, err := s.writeJSONReport(run, topN)
	if err != nil {
		return domain.Fail(fmt.Sprintf("write report: %v", err)), nil
	}

	stepsPath, err := s.writeStepsCSV(run)
	if err != nil {
		return domain.Fail(fmt.Sprintf("write steps: %v", err)), nil
	}

	recordID := s.saveRecord(ctx, run, reportPath)

	return domain.OK(map[string]any{
		"report_path":  reportPath,
		"steps_path":   stepsPath,
		"db_record_id": recordID,
	}), nil
}

// writeJSONReport renders the full run summary to
// <output_dir>/<task_id>.report.json.
func (s *GenerateReport) writeJSONReport(run *domain.TaskRun, topN int) (string, error) {
	cfg := run.Config
	report := map[string]any{
		"summary": map[string]any{
			"task_id":          run.TaskID,
			"mode":             string(run.Mode),
			"generated_at":     s.now().Format(time.RFC3339),
			"positions":        cfg.Positions,
			"periods":          cfg.Periods,
			"portfolio_models": cfg.PortfolioModels,
			"top_n":            cfg.TopN,
			"max_evals":        cfg.MaxEvals,
		},
		"steps": stepRows(run),
	}
	if cfg.ComboRange != nil {
		report["summary"].(map[string]any)["combo_range"] =
			fmt.Sprintf("%d-%d", cfg.ComboRange.Min, cfg.ComboRange.Max)
	}

	if rows := validationRows(run); rows != nil {
		report["validation"] = rows
	}
	if rows := strategyRows(run); rows != nil {
		report["strategies"] = rows
	}
	if rows := portfolioRows(run, topN); rows != nil {
		report["portfolios"] = rows
	}
	if best := bestPortfolio(run); best != nil {
		report["best"] = best
	}

	path := filepath.Join(s.outputDir, run.TaskID+".report.json")
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// writeStepsCSV renders the step history to <output_dir>/<task_id>.steps.csv.
func (s *GenerateReport) writeStepsCSV(run *domain.TaskRun) (string, error) {
	path := filepath.Join(s.outputDir, run.TaskID+".steps.csv")
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"skill", "position", "success", "error"}); err != nil {
		return "", err
	}
	for _, step := range run.Steps {
		success := false
		errMsg := ""
		if step.Result != nil {
			success = step.Result.Success
			errMsg = step.Result.Error
		}
		if err := w.Write([]string{step.Skill, step.Position, strconv.FormatBool(success), errMsg}); err != nil {
			return "", err
		}
	}
	w.Flush()
	return path, w.Error()
}

func stepRows(run *domain.TaskRun) []map[string]any {
	rows := make([]map[string]any, 0, len(run.Steps))
	for _, step := range run.Steps {
		row := map[string]any{
			"skill":    step.Skill,
			"position": step.Position,
			"success":  step.Result != nil && step.Result.Success,
		}
		if step.Result != nil && step.Result.Error != "" {
			row["error"] = step.Result.Error
		}
		rows = append(rows, row)
	}
	return rows
}

func validationRows(run *domain.TaskRun) []map[string]any {
	data := stepData(run, "validate_data", "")
	if data == nil {
		return nil
	}
	var rows []map[string]any
	for _, p := range anyStrings(data["passed"]) {
		rows = append(rows, map[string]any{"position": p, "status": "pass"})
	}
	for _, label := range []struct{ key, status string }{
		{"warnings", "warning"},
		{"failed", "fail"},
	} {
		items, _ := data[label.key].([]map[string]any)
		for _, item := range items {
			rows = append(rows, map[string]any{
				"position": item["position"],
				"status":   label.status,
				"message":  item["message"],
			})
		}
	}
	return rows
}

func strategyRows(run *domain.TaskRun) []map[string]any {
	var rows []map[string]any
	for _, step := range run.Steps {
		if step.Skill != "backtest_strategy" || step.Result == nil || !step.Result.Success || step.Result.Data == nil {
			continue
		}
		data := step.Result.Data
		bestPeriod, _ := data["best_period"].(string)
		byPeriod, _ := data["period_results"].(map[string]any)
		for period, raw := range byPeriod {
			item, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			metrics, _ := item["metrics"].(map[string]any)
			row := map[string]any{
				"position":       data["position"],
				"direction":      data["direction"],
				"period":         period,
				"is_best_period": period == bestPeriod,
			}
			for k, v := range metrics {
				row[k] = v
			}
			if bp, ok := item["best_params"].(map[string]any); ok {
				row["best_params"] = bp
			}
			rows = append(rows, row)
		}
	}
	return rows
}

func portfolioRows(run *domain.TaskRun, topN int) []map[string]any {
	data := stepData(run, "backtest_portfolio", "")
	if data == nil {
		return nil
	}
	byPeriod, _ := data["period_results"].(map[string]any)
	var rows []map[string]any
	for period, raw := range byPeriod {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		top, _ := item["top"].([]map[string]any)
		for rank, entry := range top {
			if topN > 0 && rank >= topN {
				break
			}
			row := map[string]any{
				"period":    period,
				"rank":      rank + 1,
				"model":     entry["model"],
				"positions": entry["positions"],
				"weights":   entry["weights"],
			}
			if metrics, ok := entry["metrics"].(map[string]any); ok {
				for k, v := range metrics {
					row[k] = v
				}
			}
			rows = append(rows, row)
		}
	}
	return rows
}

func bestPortfolio(run *domain.TaskRun) map[string]any {
	data := stepData(run, "backtest_portfolio", "")
	if data == nil {
		return nil
	}
	best, _ := data["best"].(map[string]any)
	return best
}

// stepData returns the Data payload of the first matching successful step.
func stepData(run *domain.TaskRun, skillName, position string) map[string]any {
	for _, step := range run.Steps {
		if step.Skill != skillName || (position != "" && step.Position != position) {
			continue
		}
		if step.Result == nil || step.Result.Data == nil {
			continue
		}
		return step.Result.Data
	}
	return nil
}

// saveRecord persists the best portfolio summary on the server. Failures are
// logged, never raised: the local artifacts already exist.
func (s *GenerateReport) saveRecord(ctx context.Context, run *domain.TaskRun, reportPath string) int64 {
	if s.writer == nil {
		return 0
	}

	best := bestPortfolio(run)
	period := "unknown"
	metricsPayload := map[string]any{}
	if best != nil {
		if p, ok := best["period"].(string); ok && p != "" {
			period = p
		}
		if metrics, ok := best["metrics"].(map[string]any); ok {
			for k, v := range metrics {
				metricsPayload[k] = v
			}
		}
		metricsPayload["positions"] = best["positions"]
		metricsPayload["model"] = best["model"]
		metricsPayload["weights"] = best["weights"]
	}

	metricsJSON, err := json.Marshal(metricsPayload)
	if err != nil {
		metricsJSON = []byte("{}")
	}

	id, err := s.writer.WriteResult(ctx, map[string]any{
		"task_id":     run.TaskID,
		"result_type": "portfolio",
		"period":      period,
		"metrics":     string(metricsJSON),
		"report_path": reportPath,
		"created_at":  s.now().Format(time.DateTime),
	})
	if err != nil {
		s.logger.Warn("result record write failed",
			slog.String("task_id", run.TaskID),
			slog.String("error", err.Error()))
		return 0
	}
	return id
}
