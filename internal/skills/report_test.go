package skills

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantlab-io/backtest/internal/domain"
	"github.com/quantlab-io/backtest/internal/skill"
)

type fakeResultWriter struct {
	payload map[string]any
	id      int64
	err     error
}

func (f *fakeResultWriter) WriteResult(_ context.Context, payload map[string]any) (int64, error) {
	f.payload = payload
	return f.id, f.err
}

func sampleRun() *domain.TaskRun {
	return &domain.TaskRun{
		TaskID: "task_20260601_120000_abc123",
		Mode:   domain.TaskModeSmart,
		Config: domain.TaskConfig{
			TaskID:          "task_20260601_120000_abc123",
			Mode:            domain.TaskModeSmart,
			Positions:       []string{"多AU", "多AG"},
			Periods:         []string{"1y"},
			PortfolioModels: []string{"equal_weight"},
			TopN:            5,
			MaxEvals:        100,
			ComboRange:      &domain.ComboRange{Min: 2, Max: 3},
		},
		Steps: []domain.Step{
			{
				Skill: "validate_data",
				Result: domain.OK(map[string]any{
					"passed": []string{"多AU", "多AG"},
					"failed": []map[string]any{},
				}),
			},
			{
				Skill:    "backtest_strategy",
				Position: "多AU",
				Result: domain.OK(map[string]any{
					"position":    "多AU",
					"direction":   "long",
					"best_period": "1y",
					"period_results": map[string]any{
						"1y": map[string]any{
							"metrics":     map[string]any{"sharpe_ratio": 1.2, "n_days": 40},
							"best_params": map[string]any{"low_threshold": 1.01},
						},
					},
				}),
			},
			{
				Skill:    "backtest_strategy",
				Position: "多AG",
				Result:   domain.Fail("analysis timed out after 10m0s"),
			},
			{
				Skill: "backtest_portfolio",
				Result: domain.OK(map[string]any{
					"best": map[string]any{
						"period":    "1y",
						"model":     "equal_weight",
						"positions": []string{"多AU", "多AG"},
						"weights":   map[string]float64{"多AU": 0.5, "多AG": 0.5},
						"metrics":   map[string]any{"sharpe_ratio": 1.5},
					},
					"period_results": map[string]any{
						"1y": map[string]any{
							"top": []map[string]any{
								{
									"model":     "equal_weight",
									"positions": []string{"多AU", "多AG"},
									"weights":   map[string]float64{"多AU": 0.5, "多AG": 0.5},
									"metrics":   map[string]any{"sharpe_ratio": 1.5},
								},
							},
						},
					},
				}),
			},
		},
	}
}

func TestGenerateReportWritesArtifacts(t *testing.T) {
	dir := t.TempDir()
	writer := &fakeResultWriter{id: 42}
	sk := NewGenerateReport(writer, dir, nil)
	sk.now = fixedNow

	run := sampleRun()
	result, err := sk.Execute(context.Background(), skill.Params{
		"results": run,
		"top_n":   5,
	})
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)

	reportPath := result.Data["report_path"].(string)
	assert.Equal(t, filepath.Join(dir, run.TaskID+".report.json"), reportPath)

	raw, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	var report map[string]any
	require.NoError(t, json.Unmarshal(raw, &report))

	summary := report["summary"].(map[string]any)
	assert.Equal(t, run.TaskID, summary["task_id"])
	assert.Equal(t, "smart", summary["mode"])
	assert.Equal(t, "2-3", summary["combo_range"])

	assert.Len(t, report["steps"], 4)
	assert.NotNil(t, report["validation"])
	assert.NotNil(t, report["strategies"])
	assert.NotNil(t, report["portfolios"])

	best := report["best"].(map[string]any)
	assert.Equal(t, "1y", best["period"])

	assert.Equal(t, int64(42), result.Data["db_record_id"])
	assert.Equal(t, run.TaskID, writer.payload["task_id"])
	assert.Equal(t, "portfolio", writer.payload["result_type"])
	assert.Equal(t, "1y", writer.payload["period"])

	var metrics map[string]any
	require.NoError(t, json.Unmarshal([]byte(writer.payload["metrics"].(string)), &metrics))
	assert.Equal(t, "equal_weight", metrics["model"])
}

func TestGenerateReportStepsCSV(t *testing.T) {
	dir := t.TempDir()
	sk := NewGenerateReport(nil, dir, nil)
	sk.now = fixedNow

	run := sampleRun()
	result, err := sk.Execute(context.Background(), skill.Params{"results": run})
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)

	f, err := os.Open(result.Data["steps_path"].(string))
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 5)
	assert.Equal(t, []string{"skill", "position", "success", "error"}, rows[0])
	assert.Equal(t, []string{"backtest_strategy", "多AG", "false", "analysis timed out after 10m0s"}, rows[3])
}

func TestGenerateReportWriterFailureIsNotFatal(t *testing.T) {
	dir := t.TempDir()
	writer := &fakeResultWriter{err: errors.New("server unavailable")}
	sk := NewGenerateReport(writer, dir, nil)
	sk.now = fixedNow

	result, err := sk.Execute(context.Background(), skill.Params{"results": sampleRun()})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, int64(0), result.Data["db_record_id"])
}

func TestGenerateReportWithoutWriter(t *testing.T) {
	dir := t.TempDir()
	sk := NewGenerateReport(nil, dir, nil)
	sk.now = fixedNow

	result, err := sk.Execute(context.Background(), skill.Params{"results": sampleRun()})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, int64(0), result.Data["db_record_id"])
}

func TestGenerateReportMissingRun(t *testing.T) {
	sk := NewGenerateReport(nil, t.TempDir(), nil)
	result, err := sk.Execute(context.Background(), skill.Params{})
	require.NoError(t, err)
	assert.False(t, result.Success)
}
