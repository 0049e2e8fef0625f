// Package orchestrator owns the skill registry and the task pipeline state
// machine: it sequences the fixed stages, drives the bounded retry loop
// around every skill call, fans per-position analysis out across a small
// worker pool and finalizes task status.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quantlab-io/backtest/internal/domain"
	"github.com/quantlab-io/backtest/internal/skill"
	"github.com/quantlab-io/backtest/internal/supervisor"
)

// Pipeline skill names.
const (
	SkillValidateData      = "validate_data"
	SkillBacktestStrategy  = "backtest_strategy"
	SkillBacktestPortfolio = "backtest_portfolio"
	SkillGenerateReport    = "generate_report"
)

const (
	// defaultMaxRetries bounds the per-skill retry loop.
	defaultMaxRetries = 3

	// createTaskAttempts bounds the lightweight task-creation retry.
	createTaskAttempts = 3

	// analysisTimeout is the hard per-position budget in smart mode.
	analysisTimeout = 600 * time.Second

	// maxAnalysisWorkers keeps concurrent fan-out small to protect the
	// shared backend.
	maxAnalysisWorkers = 2
)

// TaskBackend is the slice of the remote client the orchestrator itself
// needs. Implemented by backend.Client.
type TaskBackend interface {
	CreateTask(ctx context.Context, payload map[string]any) (bool, error)
	SetTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus, errMsg string, completedAt *time.Time) (int64, error)
}

// AnalysisFactory builds a fresh analysis skill bound to its own remote
// client, so no cache or connection is shared across worker boundaries.
type AnalysisFactory func() (skill.Skill, error)

// Orchestrator drives tasks through the fixed validate -> analyze ->
// aggregate -> report pipeline.
type Orchestrator struct {
	supervisor      *supervisor.Supervisor
	backend         TaskBackend
	skills          map[string]skill.Skill
	analysisFactory AnalysisFactory
	logger          *slog.Logger

	maxRetries      int
	workerTimeout   time.Duration
	analysisPoolCap int
}

// New creates an Orchestrator. backend may be nil in tests; the analysis
// factory may be nil, in which case smart mode falls back to the registered
// strategy skill (sharing is then the caller's responsibility).
func New(sup *supervisor.Supervisor, backend TaskBackend, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		supervisor:      sup,
		backend:         backend,
		skills:          make(map[string]skill.Skill),
		logger:          log.With(slog.String("component", "orchestrator")),
		maxRetries:      defaultMaxRetries,
		workerTimeout:   analysisTimeout,
		analysisPoolCap: maxAnalysisWorkers,
	}
}

// RegisterSkill adds a skill to the registry under its own name.
func (o *Orchestrator) RegisterSkill(s skill.Skill) {
	o.skills[s.Name()] = s
}

// SetAnalysisFactory installs the per-worker skill constructor used by smart
// mode.
func (o *Orchestrator) SetAnalysisFactory(f AnalysisFactory) {
	o.analysisFactory = f
}

// newTaskID mints a fresh task identifier: timestamp plus random suffix.
func newTaskID(now time.Time) string {
	return fmt.Sprintf("task_%s_%s", now.Format("20060102_150405"), uuid.NewString()[:6])
}

// executeSkill runs one skill through the bounded retry loop, reporting every
// attempt to the supervisor. Only explicitly retry-flagged failures loop;
// success, halted, skipped and plain failures all return immediately.
func (o *Orchestrator) executeSkill(ctx context.Context, name string, params skill.Params) *domain.SkillResult {
	sk, ok := o.skills[name]
	if !ok {
		return domain.Fail(fmt.Sprintf("skill %s not found", name))
	}

	o.supervisor.OnSkillStart(ctx, name, params)

	for attempt := 1; attempt <= o.maxRetries; attempt++ {
		result, err := sk.Execute(ctx, params)
		if err != nil {
			decided := o.supervisor.OnSkillError(ctx, name, err)
			if decided.Halted || decided.Skipped || !decided.Retry {
				return decided
			}
			fmt.Printf("retrying %d/%d...\n", attempt, o.maxRetries)
			continue
		}

		if result == nil {
			result = domain.Fail("skill returned no result")
		}

		// Non-error failures also flow through the supervisor so the
		// audit trail stays consistent.
		o.supervisor.OnSkillComplete(ctx, name, result)

		if result.Success || result.Halted || result.Skipped {
			return result
		}
		if result.Retry {
			fmt.Printf("retrying %d/%d...\n", attempt, o.maxRetries)
			continue
		}
		// Plain failure: retries are opt-in per failure, not automatic.
		return result
	}

	final := domain.Fail("max retries exceeded")
	o.supervisor.OnSkillComplete(ctx, name, final)
	return final
}

// createTask records the task on the server before any stage runs. Task
// creation has its own lightweight retry: there is no skill or supervisor
// context for it yet. When all attempts fail the run proceeds with local
// logging only, and that degradation is reported once.
func (o *Orchestrator) createTask(ctx context.Context, taskID string, cfg domain.TaskConfig, startedAt time.Time) bool {
	if o.backend == nil {
		return false
	}

	payload := taskPayload(taskID, cfg, startedAt)
	for attempt := 1; attempt <= createTaskAttempts; attempt++ {
		created, err := o.backend.CreateTask(ctx, payload)
		if err == nil && created {
			return true
		}
		if err != nil {
			o.logger.Warn("task creation failed",
				slog.Int("attempt", attempt),
				slog.String("task_id", taskID),
				slog.String("error", err.Error()))
		}
		fmt.Printf("task creation retry %d/%d...\n", attempt, createTaskAttempts)
	}
	return false
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func taskPayload(taskID string, cfg domain.TaskConfig, startedAt time.Time) map[string]any {
	snapshot := map[string]any{
		"positions":        cfg.Positions,
		"periods":          cfg.Periods,
		"portfolio_models": cfg.PortfolioModels,
		"top_n":            cfg.TopN,
		"max_evals":        cfg.MaxEvals,
		"params":           cfg.Params,
	}
	payload := map[string]any{
		"task_id":          taskID,
		"mode":             string(cfg.Mode),
		"status":           string(domain.TaskStatusRunning),
		"positions":        mustJSON(cfg.Positions),
		"periods":          mustJSON(cfg.Periods),
		"portfolio_models": mustJSON(cfg.PortfolioModels),
		"top_n":            cfg.TopN,
		"config":           mustJSON(snapshot),
		"started_at":       startedAt.Format(time.DateTime),
		"created_at":       startedAt.Format(time.DateTime),
	}
	if cfg.ComboRange != nil {
		snapshot["combo_range"] = cfg.ComboRange
		payload["combo_range"] = fmt.Sprintf("%d-%d", cfg.ComboRange.Min, cfg.ComboRange.Max)
	}
	return payload
}

// Run executes one task end to end and returns the accumulated run record.
func (o *Orchestrator) Run(ctx context.Context, cfg domain.TaskConfig) *domain.TaskRun {
	now := time.Now()
	taskID := newTaskID(now)
	cfg.TaskID = taskID
	o.supervisor.SetTaskID(taskID)

	if !o.createTask(ctx, taskID, cfg, now) {
		fmt.Println("warning: task creation failed, logs will not be written to the server")
		o.supervisor.DisableRemoteLogging()
	}

	run := &domain.TaskRun{TaskID: taskID, Mode: cfg.Mode, Config: cfg}

	// Stage 1: validation. A failure here halts the whole task.
	validateResult := o.executeSkill(ctx, SkillValidateData, skill.Params{
		"positions": cfg.Positions,
		"periods":   cfg.Periods,
	})
	run.Steps = append(run.Steps, domain.Step{Skill: SkillValidateData, Result: validateResult})
	if !validateResult.Success {
		o.finalize(ctx, run)
		return run
	}

	positions := passedPositions(validateResult, cfg.Positions)
	if len(positions) == 0 {
		o.finalize(ctx, run)
		return run
	}

	// Stage 2: per-position analysis.
	var strategyResults map[string]*domain.SkillResult
	if cfg.Mode == domain.TaskModeSmart {
		strategyResults = o.runAnalysisPool(ctx, cfg, positions)
	} else {
		strategyResults = make(map[string]*domain.SkillResult, len(positions))
		for _, position := range positions {
			result := o.executeSkill(ctx, SkillBacktestStrategy, skill.Params{
				"position":  position,
				"periods":   cfg.Periods,
				"params":    cfg.Params,
				"max_evals": cfg.MaxEvals,
			})
			strategyResults[position] = result
		}
	}
	for _, position := range positions {
		if result, ok := strategyResults[position]; ok {
			run.Steps = append(run.Steps, domain.Step{
				Skill:    SkillBacktestStrategy,
				Position: position,
				Result:   result,
			})
		}
	}

	// Stage 3: portfolio aggregation. Tolerates individual analysis
	// failures; the skill sees the full outcome map.
	aggParams := skill.Params{
		"strategy_results": strategyResults,
		"portfolio_models": cfg.PortfolioModels,
		"periods":          cfg.Periods,
		"top_n":            cfg.TopN,
	}
	if cfg.ComboRange != nil {
		aggParams["combo_range"] = cfg.ComboRange
	}
	portfolioResult := o.executeSkill(ctx, SkillBacktestPortfolio, aggParams)
	run.Steps = append(run.Steps, domain.Step{Skill: SkillBacktestPortfolio, Result: portfolioResult})

	// Stage 4: report generation. Failures here never retroactively fail
	// earlier stages.
	reportResult := o.executeSkill(ctx, SkillGenerateReport, skill.Params{
		"results": run,
		"top_n":   cfg.TopN,
	})
	run.Steps = append(run.Steps, domain.Step{Skill: SkillGenerateReport, Result: reportResult})

	o.finalize(ctx, run)
	return run
}

// passedPositions extracts the validated subset from the validation result.
// A result without any detail payload keeps the configured list; a detailed
// result with an empty passed set means nothing is usable.
func passedPositions(result *domain.SkillResult, configured []string) []string {
	if result.Data == nil {
		return configured
	}
	return skill.Params(result.Data).Strings("passed")
}

// finalize derives the final status from the step history and pushes it via
// the best-effort status update. Never raises out of the pipeline.
func (o *Orchestrator) finalize(ctx context.Context, run *domain.TaskRun) {
	if o.backend == nil || run.TaskID == "" {
		return
	}

	status, errMsg := run.Status()
	completedAt := time.Now()
	if _, err := o.backend.SetTaskStatus(ctx, run.TaskID, status, errMsg, &completedAt); err != nil {
		o.logger.Warn("task status update failed",
			slog.String("task_id", run.TaskID),
			slog.String("status", string(status)),
			slog.String("error", err.Error()))
	}
}
