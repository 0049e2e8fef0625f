package domain

// TaskMode selects which pipeline variant a task runs.
type TaskMode string

// Supported task modes.
const (
	// TaskModeSmart explores the full position pool with concurrent
	// per-position analysis.
	TaskModeSmart TaskMode = "smart"

	// TaskModeSpecified runs exactly what the caller asked for,
	// sequentially.
	TaskModeSpecified TaskMode = "specified"
)

// TaskStatus represents the final state of a task run.
type TaskStatus string

// Possible task status values.
const (
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusHalted    TaskStatus = "halted"
)

// ComboRange bounds how many positions a portfolio combination may hold.
type ComboRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// TaskConfig identifies one unit of work. The task ID is assigned by the
// orchestrator when the run starts, never by the caller. A TaskConfig is
// immutable once passed into a run.
type TaskConfig struct {
	TaskID          string         `json:"task_id"`
	Mode            TaskMode       `json:"mode"`
	Positions       []string       `json:"positions"`
	Periods         []string       `json:"periods"`
	ComboRange      *ComboRange    `json:"combo_range,omitempty"`
	PortfolioModels []string       `json:"portfolio_models"`
	TopN            int            `json:"top_n"`
	Params          map[string]any `json:"params,omitempty"`
	MaxEvals        int            `json:"max_evals"`
}

// Step records one pipeline stage outcome for a task. Position is set only
// for per-position analysis steps.
type Step struct {
	Skill    string       `json:"skill"`
	Position string       `json:"position,omitempty"`
	Result   *SkillResult `json:"result"`
}

// TaskRun accumulates everything produced by one end-to-end run.
type TaskRun struct {
	TaskID string     `json:"task_id"`
	Mode   TaskMode   `json:"mode"`
	Config TaskConfig `json:"config"`
	Steps  []Step     `json:"steps"`
}

// Status scans the recorded steps and derives the final task status.
// The first halted step wins and its error text is returned; otherwise any
// unsuccessful step makes the run failed; otherwise it completed.
func (r *TaskRun) Status() (TaskStatus, string) {
	status := TaskStatusCompleted
	errMsg := ""
	for _, step := range r.Steps {
		res := step.Result
		if res == nil {
			continue
		}
		if res.Halted {
			return TaskStatusHalted, res.Error
		}
		if !res.Success {
			status = TaskStatusFailed
			if errMsg == "" {
				errMsg = res.Error
			}
		}
	}
	return status, errMsg
}
