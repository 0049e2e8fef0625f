package domain

// SkillResult is the outcome of one skill invocation.
//
// At most one of the Retry, Skipped and Halted flags is set by any producer.
// Skipped and Halted are terminal: the orchestration loop stops retrying once
// either is set and records the step as an accepted degraded outcome.
type SkillResult struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
	Retry   bool           `json:"retry,omitempty"`
	Skipped bool           `json:"skipped,omitempty"`
	Halted  bool           `json:"halted,omitempty"`
}

// OK returns a successful result carrying the given payload.
func OK(data map[string]any) *SkillResult {
	return &SkillResult{Success: true, Data: data}
}

// Fail returns a plain (non-retryable) failure.
func Fail(errMsg string) *SkillResult {
	return &SkillResult{Success: false, Error: errMsg}
}

// Terminal reports whether the result ends the retry loop: any success,
// or a failure that is skipped, halted or not retry-flagged.
func (r *SkillResult) Terminal() bool {
	if r.Success || r.Halted || r.Skipped {
		return true
	}
	return !r.Retry
}
