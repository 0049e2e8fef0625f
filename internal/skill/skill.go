// Package skill defines the contract between the orchestration core and the
// pluggable units of work it sequences. The core never depends on what a
// skill does internally, only on this interface.
package skill

import (
	"context"

	"github.com/quantlab-io/backtest/internal/domain"
)

// Params is the mapping of named inputs passed to a skill invocation.
type Params map[string]any

// String returns the string value under key, or "" when absent or not a
// string.
func (p Params) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// Strings returns the string-slice value under key, tolerating []any
// payloads that arrive via JSON decoding.
func (p Params) Strings(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Int returns the integer value under key, or fallback when absent.
func (p Params) Int(key string, fallback int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

// Skill is one pluggable unit of work.
//
// Execute returns either a SkillResult or an error. Skills let classified
// NetworkErrors propagate untouched so the supervisor can apply retry
// policy, and convert other faults into failed results locally. A nil
// result with a nil error is treated by the orchestrator as a failure.
type Skill interface {
	Name() string
	Execute(ctx context.Context, params Params) (*domain.SkillResult, error)
}

// Func adapts a function to the Skill interface.
type Func struct {
	SkillName string
	Run       func(ctx context.Context, params Params) (*domain.SkillResult, error)
}

var _ Skill = (*Func)(nil)

func (f *Func) Name() string { return f.SkillName }

func (f *Func) Execute(ctx context.Context, params Params) (*domain.SkillResult, error) {
	return f.Run(ctx, params)
}
