package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/quantlab-io/backtest/internal/domain"
	"github.com/quantlab-io/backtest/internal/skill"
)

type analysisOutcome struct {
	position string
	result   *domain.SkillResult
}

// runAnalysisPool fans per-position analysis out across a bounded worker
// pool. Each worker constructs its own analysis skill (and therefore its own
// remote client) through the factory, each position runs under a hard
// timeout, and a worker that fails or times out yields a failure result for
// that position only. Completion order is unordered; results are keyed by
// position so downstream aggregation is order-independent.
func (o *Orchestrator) runAnalysisPool(ctx context.Context, cfg domain.TaskConfig, positions []string) map[string]*domain.SkillResult {
	workerCount := o.analysisPoolCap
	if len(positions) < workerCount {
		workerCount = len(positions)
	}

	jobs := make(chan string)
	outcomes := make(chan analysisOutcome)

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			sk, err := o.analysisSkill()
			for position := range jobs {
				if err != nil {
					outcomes <- analysisOutcome{position, domain.Fail(fmt.Sprintf("worker setup failed: %v", err))}
					continue
				}
				outcomes <- analysisOutcome{position, o.runAnalysis(ctx, sk, cfg, position)}
			}
		}()
	}

	go func() {
		for _, position := range positions {
			jobs <- position
		}
		close(jobs)
		wg.Wait()
		close(outcomes)
	}()

	results := make(map[string]*domain.SkillResult, len(positions))
	for outcome := range outcomes {
		results[outcome.position] = outcome.result
		if outcome.result.Success {
			fmt.Printf("✓ %s done\n", outcome.position)
		} else {
			fmt.Printf("✗ %s failed: %s\n", outcome.position, outcome.result.Error)
		}
	}
	return results
}

// analysisSkill builds the per-worker strategy skill, falling back to the
// registered one when no factory is installed.
func (o *Orchestrator) analysisSkill() (skill.Skill, error) {
	if o.analysisFactory != nil {
		return o.analysisFactory()
	}
	if sk, ok := o.skills[SkillBacktestStrategy]; ok {
		return sk, nil
	}
	return nil, fmt.Errorf("skill %s not found", SkillBacktestStrategy)
}

// runAnalysis executes one position under the hard timeout. Timeout
// enforcement is external: a worker past its deadline is abandoned and its
// eventual result discarded; there is no cooperative cancellation beyond the
// context.
func (o *Orchestrator) runAnalysis(ctx context.Context, sk skill.Skill, cfg domain.TaskConfig, position string) *domain.SkillResult {
	runCtx, cancel := context.WithTimeout(ctx, o.workerTimeout)
	defer cancel()

	done := make(chan *domain.SkillResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("analysis panicked",
					slog.String("position", position),
					slog.Any("panic", r))
				done <- domain.Fail(fmt.Sprintf("analysis panicked: %v", r))
			}
		}()

		result, err := sk.Execute(runCtx, skill.Params{
			"position":  position,
			"periods":   cfg.Periods,
			"params":    cfg.Params,
			"max_evals": cfg.MaxEvals,
		})
		if err != nil {
			done <- domain.Fail(err.Error())
			return
		}
		if result == nil {
			result = domain.Fail("skill returned no result")
		}
		done <- result
	}()

	select {
	case result := <-done:
		return result
	case <-runCtx.Done():
		return domain.Fail(fmt.Sprintf("analysis timed out after %s", o.workerTimeout))
	}
}
