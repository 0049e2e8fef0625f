package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantlab-io/backtest/internal/domain"
	"github.com/quantlab-io/backtest/internal/skill"
	"github.com/quantlab-io/backtest/internal/supervisor"
)

// fakeBackend records orchestration-level backend calls.
type fakeBackend struct {
	createCalls   int
	createErr     error
	createRefused bool

	statusTaskID string
	status       domain.TaskStatus
	statusErr    string
	statusCalls  int
	statusFail   error
}

func (f *fakeBackend) CreateTask(_ context.Context, _ map[string]any) (bool, error) {
	f.createCalls++
	if f.createErr != nil {
		return false, f.createErr
	}
	return !f.createRefused, nil
}

func (f *fakeBackend) SetTaskStatus(_ context.Context, taskID string, status domain.TaskStatus, errMsg string, _ *time.Time) (int64, error) {
	f.statusCalls++
	f.statusTaskID = taskID
	f.status = status
	f.statusErr = errMsg
	if f.statusFail != nil {
		return 0, f.statusFail
	}
	return 1, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOrchestrator(t *testing.T, backend TaskBackend) (*Orchestrator, *supervisor.Supervisor) {
	t.Helper()
	sup := supervisor.New(nil, supervisor.Config{
		NonInteractive: true,
		OnEscalate:     supervisor.ActionHalt,
		LogDir:         t.TempDir(),
	}, discardLogger())
	return New(sup, backend, discardLogger()), sup
}

func staticSkill(name string, result *domain.SkillResult) skill.Skill {
	return &skill.Func{
		SkillName: name,
		Run: func(context.Context, skill.Params) (*domain.SkillResult, error) {
			return result, nil
		},
	}
}

func TestExecuteSkill_RetryLoop(t *testing.T) {
	t.Run("succeeds after k retry-flagged failures", func(t *testing.T) {
		o, sup := newTestOrchestrator(t, nil)
		sup.SetTaskID("task_x")

		attempts := 0
		o.RegisterSkill(&skill.Func{
			SkillName: "flaky",
			Run: func(context.Context, skill.Params) (*domain.SkillResult, error) {
				attempts++
				if attempts <= 2 {
					return &domain.SkillResult{Retry: true, Error: "try again"}, nil
				}
				return domain.OK(map[string]any{"attempts": attempts}), nil
			},
		})

		result := o.executeSkill(context.Background(), "flaky", nil)
		assert.True(t, result.Success)
		assert.Equal(t, 3, attempts)
	})

	t.Run("exhausts retries", func(t *testing.T) {
		o, _ := newTestOrchestrator(t, nil)

		attempts := 0
		o.RegisterSkill(&skill.Func{
			SkillName: "hopeless",
			Run: func(context.Context, skill.Params) (*domain.SkillResult, error) {
				attempts++
				return &domain.SkillResult{Retry: true}, nil
			},
		})

		result := o.executeSkill(context.Background(), "hopeless", nil)
		assert.False(t, result.Success)
		assert.Equal(t, "max retries exceeded", result.Error)
		assert.Equal(t, defaultMaxRetries, attempts)
	})

	t.Run("plain failure is not retried", func(t *testing.T) {
		o, _ := newTestOrchestrator(t, nil)

		attempts := 0
		o.RegisterSkill(&skill.Func{
			SkillName: "failing",
			Run: func(context.Context, skill.Params) (*domain.SkillResult, error) {
				attempts++
				return domain.Fail("bad input"), nil
			},
		})

		result := o.executeSkill(context.Background(), "failing", nil)
		assert.False(t, result.Success)
		assert.Equal(t, "bad input", result.Error)
		assert.Equal(t, 1, attempts)
	})

	t.Run("halted and skipped are terminal", func(t *testing.T) {
		for _, res := range []*domain.SkillResult{
			{Halted: true, Retry: true},
			{Skipped: true, Retry: true},
		} {
			o, _ := newTestOrchestrator(t, nil)
			attempts := 0
			o.RegisterSkill(&skill.Func{
				SkillName: "terminal",
				Run: func(context.Context, skill.Params) (*domain.SkillResult, error) {
					attempts++
					return res, nil
				},
			})

			got := o.executeSkill(context.Background(), "terminal", nil)
			assert.Equal(t, res, got)
			assert.Equal(t, 1, attempts)
		}
	})

	t.Run("nil result is a failure", func(t *testing.T) {
		o, _ := newTestOrchestrator(t, nil)
		o.RegisterSkill(&skill.Func{
			SkillName: "empty",
			Run: func(context.Context, skill.Params) (*domain.SkillResult, error) {
				return nil, nil
			},
		})

		result := o.executeSkill(context.Background(), "empty", nil)
		assert.False(t, result.Success)
		assert.Equal(t, "skill returned no result", result.Error)
	})

	t.Run("unregistered skill does not raise", func(t *testing.T) {
		o, _ := newTestOrchestrator(t, nil)
		result := o.executeSkill(context.Background(), "missing", nil)
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "not found")
	})
}

func TestExecuteSkill_ErrorClassification(t *testing.T) {
	t.Run("network errors loop until exhausted", func(t *testing.T) {
		o, _ := newTestOrchestrator(t, nil)

		attempts := 0
		o.RegisterSkill(&skill.Func{
			SkillName: "netfail",
			Run: func(context.Context, skill.Params) (*domain.SkillResult, error) {
				attempts++
				return nil, domain.NetworkError("GET /x -> HTTP 503", nil)
			},
		})

		result := o.executeSkill(context.Background(), "netfail", nil)
		assert.False(t, result.Success)
		assert.Equal(t, "max retries exceeded", result.Error)
		assert.Equal(t, defaultMaxRetries, attempts)
	})

	t.Run("module error halts via default escalation", func(t *testing.T) {
		o, _ := newTestOrchestrator(t, nil)

		attempts := 0
		o.RegisterSkill(&skill.Func{
			SkillName: "broken",
			Run: func(context.Context, skill.Params) (*domain.SkillResult, error) {
				attempts++
				return nil, domain.ModuleError("POST /x -> HTTP 400", nil)
			},
		})

		result := o.executeSkill(context.Background(), "broken", nil)
		assert.True(t, result.Halted)
		assert.Equal(t, "POST /x -> HTTP 400", result.Error)
		assert.Equal(t, 1, attempts)
	})
}

func TestRun_TaskCreationRetryAndDegradation(t *testing.T) {
	t.Run("creation failure disables remote logging but run proceeds", func(t *testing.T) {
		backend := &fakeBackend{createErr: errors.New("connection refused")}
		o, sup := newTestOrchestrator(t, backend)
		registerHappySkills(o)

		run := o.Run(context.Background(), smartConfig())

		assert.Equal(t, createTaskAttempts, backend.createCalls)
		assert.False(t, sup.RemoteLoggingEnabled())

		status, _ := run.Status()
		assert.Equal(t, domain.TaskStatusCompleted, status)
	})

	t.Run("successful creation keeps remote logging", func(t *testing.T) {
		backend := &fakeBackend{}
		o, sup := newTestOrchestrator(t, backend)
		registerHappySkills(o)

		o.Run(context.Background(), smartConfig())

		assert.Equal(t, 1, backend.createCalls)
		assert.True(t, sup.RemoteLoggingEnabled())
	})
}

func smartConfig() domain.TaskConfig {
	return domain.TaskConfig{
		Mode:      domain.TaskModeSmart,
		Positions: []string{"AU", "AG", "CU"},
		Periods:   []string{"3y"},
		TopN:      10,
		MaxEvals:  100,
	}
}

// registerHappySkills wires a pipeline where everything succeeds.
func registerHappySkills(o *Orchestrator) {
	o.RegisterSkill(&skill.Func{
		SkillName: SkillValidateData,
		Run: func(_ context.Context, p skill.Params) (*domain.SkillResult, error) {
			return domain.OK(map[string]any{"passed": p.Strings("positions")}), nil
		},
	})
	o.RegisterSkill(staticSkill(SkillBacktestStrategy, domain.OK(map[string]any{"sharpe": 1.2})))
	o.RegisterSkill(staticSkill(SkillBacktestPortfolio, domain.OK(nil)))
	o.RegisterSkill(staticSkill(SkillGenerateReport, domain.OK(nil)))
}

func TestRun_EndToEnd(t *testing.T) {
	// Three positions: one fails validation, one fails analysis
	// permanently, one succeeds. Aggregation still runs and the final
	// status is failed, not halted.
	backend := &fakeBackend{}
	o, _ := newTestOrchestrator(t, backend)

	o.RegisterSkill(&skill.Func{
		SkillName: SkillValidateData,
		Run: func(context.Context, skill.Params) (*domain.SkillResult, error) {
			return domain.OK(map[string]any{
				"passed": []string{"AU", "AG"},
				"failed": []any{map[string]any{"position": "CU", "message": "no data"}},
			}), nil
		},
	})

	analyzed := map[string]int{}
	o.RegisterSkill(&skill.Func{
		SkillName: SkillBacktestStrategy,
		Run: func(_ context.Context, p skill.Params) (*domain.SkillResult, error) {
			position := p.String("position")
			analyzed[position]++
			if position == "AG" {
				return domain.Fail("insufficient history"), nil
			}
			return domain.OK(map[string]any{"sharpe": 0.9}), nil
		},
	})

	aggregateRan := false
	o.RegisterSkill(&skill.Func{
		SkillName: SkillBacktestPortfolio,
		Run: func(_ context.Context, p skill.Params) (*domain.SkillResult, error) {
			aggregateRan = true
			results, _ := p["strategy_results"].(map[string]*domain.SkillResult)
			return domain.OK(map[string]any{"inputs": len(results)}), nil
		},
	})
	o.RegisterSkill(staticSkill(SkillGenerateReport, domain.OK(nil)))

	run := o.Run(context.Background(), domain.TaskConfig{
		Mode:      domain.TaskModeSpecified,
		Positions: []string{"AU", "AG", "CU"},
		Periods:   []string{"5y"},
	})

	assert.Equal(t, map[string]int{"AU": 1, "AG": 1}, analyzed, "analysis must only run on validated positions")
	assert.True(t, aggregateRan)

	status, errMsg := run.Status()
	assert.Equal(t, domain.TaskStatusFailed, status)
	assert.Equal(t, "insufficient history", errMsg)

	require.Equal(t, 1, backend.statusCalls)
	assert.Equal(t, domain.TaskStatusFailed, backend.status)
	assert.Equal(t, run.TaskID, backend.statusTaskID)
}

func TestRun_ValidationFailureHaltsPipeline(t *testing.T) {
	backend := &fakeBackend{}
	o, _ := newTestOrchestrator(t, backend)

	o.RegisterSkill(staticSkill(SkillValidateData, domain.Fail("all positions failed")))
	analyzeRan := false
	o.RegisterSkill(&skill.Func{
		SkillName: SkillBacktestStrategy,
		Run: func(context.Context, skill.Params) (*domain.SkillResult, error) {
			analyzeRan = true
			return domain.OK(nil), nil
		},
	})

	run := o.Run(context.Background(), domain.TaskConfig{
		Mode:      domain.TaskModeSpecified,
		Positions: []string{"AU"},
	})

	assert.False(t, analyzeRan)
	require.Len(t, run.Steps, 1)
	assert.Equal(t, domain.TaskStatusFailed, backend.status)
}

func TestRun_EmptyPassedSetStopsAfterValidation(t *testing.T) {
	backend := &fakeBackend{}
	o, _ := newTestOrchestrator(t, backend)

	o.RegisterSkill(staticSkill(SkillValidateData, domain.OK(map[string]any{"passed": []string{}})))
	registerNeverCalled(t, o, SkillBacktestStrategy)

	run := o.Run(context.Background(), domain.TaskConfig{
		Mode:      domain.TaskModeSpecified,
		Positions: []string{"AU"},
	})
	require.Len(t, run.Steps, 1)
}

func registerNeverCalled(t *testing.T, o *Orchestrator, name string) {
	t.Helper()
	o.RegisterSkill(&skill.Func{
		SkillName: name,
		Run: func(context.Context, skill.Params) (*domain.SkillResult, error) {
			t.Errorf("skill %s must not run", name)
			return nil, nil
		},
	})
}

func TestFinalize_StatusUpdateErrorsAreSwallowed(t *testing.T) {
	backend := &fakeBackend{statusFail: domain.NetworkError("db down", nil)}
	o, _ := newTestOrchestrator(t, backend)
	registerHappySkills(o)

	assert.NotPanics(t, func() {
		o.Run(context.Background(), smartConfig())
	})
	assert.Equal(t, 1, backend.statusCalls)
}

func TestNewTaskID(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	id := newTaskID(now)
	assert.Contains(t, id, "task_20260314_093000_")
	assert.NotEqual(t, id, newTaskID(now), "random suffix must differ per run")
}
