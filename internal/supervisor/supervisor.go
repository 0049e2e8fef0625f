// Package supervisor converts raw skill faults into retry/skip/escalate/halt
// decisions and produces the audit trail for every state transition.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/quantlab-io/backtest/internal/domain"
)

// DefaultMaxLogDataChars bounds the serialized payload stored per log entry.
const DefaultMaxLogDataChars = 20000

// truncationMarker is appended to payloads cut at the character cap.
const truncationMarker = "...(truncated)"

// Action is a resolved escalation outcome.
type Action string

// Escalation actions.
const (
	ActionRetry Action = "retry"
	ActionSkip  Action = "skip"
	ActionHalt  Action = "halt"
)

// LogSink is the remote half of the audit pipeline. Implemented by
// backend.Client.
type LogSink interface {
	WriteLog(ctx context.Context, entry domain.LogEntry) (bool, error)
}

// Prompter resolves an escalation interactively. Implementations must keep
// asking until they obtain a valid action; they never default silently.
type Prompter interface {
	Decide(skillName string, err error) Action
}

// Config carries the supervisor's construction options.
type Config struct {
	NonInteractive  bool
	OnEscalate      Action // applied in non-interactive mode: halt, retry or skip
	MaxLogDataChars int    // 0 means DefaultMaxLogDataChars
	LogDir          string // local JSONL audit files; empty disables local logging
	Prompter        Prompter
}

// Supervisor owns the per-run logging state: the current task ID and the
// remote-logging-enabled flag. State is written only on the main sequential
// path, never by workers.
type Supervisor struct {
	sink     LogSink
	logger   *slog.Logger
	cfg      Config
	taskID   string
	remoteOn bool
	runLog   []domain.LogEntry
}

// New creates a Supervisor. sink may be nil to disable remote logging
// entirely (local logging still works).
func New(sink LogSink, cfg Config, log *slog.Logger) *Supervisor {
	if cfg.MaxLogDataChars <= 0 {
		cfg.MaxLogDataChars = DefaultMaxLogDataChars
	}
	if cfg.OnEscalate == "" {
		cfg.OnEscalate = ActionHalt
	}
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		sink:     sink,
		logger:   log.With(slog.String("component", "supervisor")),
		cfg:      cfg,
		remoteOn: true,
	}
}

// SetTaskID binds the supervisor to a new task and re-enables remote logging
// for it.
func (s *Supervisor) SetTaskID(taskID string) {
	s.taskID = taskID
	s.remoteOn = true
}

// DisableRemoteLogging turns off remote log writes for the rest of the
// current task. Local logging continues. Used when task creation fails on the
// server or after the first remote write failure.
func (s *Supervisor) DisableRemoteLogging() {
	s.remoteOn = false
}

// RemoteLoggingEnabled reports whether remote writes are still attempted.
func (s *Supervisor) RemoteLoggingEnabled() bool { return s.remoteOn }

// RunLog returns the in-memory audit log accumulated so far.
func (s *Supervisor) RunLog() []domain.LogEntry { return s.runLog }

// OnSkillStart records that a skill began executing.
func (s *Supervisor) OnSkillStart(ctx context.Context, skillName string, params map[string]any) {
	s.log(ctx, domain.LogEventStart, skillName, params, "")
	fmt.Printf("[%s] starting...\n", skillName)
}

// OnSkillComplete records a finished invocation. Failures that were returned
// rather than raised still flow through here so the audit trail sees them;
// the result itself is never altered.
func (s *Supervisor) OnSkillComplete(ctx context.Context, skillName string, result *domain.SkillResult) {
	if result.Success {
		s.log(ctx, domain.LogEventComplete, skillName, result.Data, "")
		fmt.Printf("[%s] completed\n", skillName)
		return
	}
	s.log(ctx, domain.LogEventError, skillName, map[string]any{
		"error": result.Error,
		"data":  result.Data,
	}, "")
	fmt.Printf("[%s] failed: %s\n", skillName, result.Error)
}

// OnSkillError classifies an error raised during a skill call and returns the
// SkillResult carrying exactly the flag of the chosen action.
func (s *Supervisor) OnSkillError(ctx context.Context, skillName string, err error) *domain.SkillResult {
	s.log(ctx, domain.LogEventError, skillName, nil, err.Error())

	switch s.decideAction(err) {
	case ActionRetry:
		// Surface the underlying error so operators can see which
		// URL/status failed.
		fmt.Printf("[%s] network error: %v, will retry...\n", skillName, err)
		return &domain.SkillResult{Retry: true}
	default:
		return s.escalate(skillName, err)
	}
}

// decideAction is the pure classification table: network faults retry,
// everything else escalates.
func (s *Supervisor) decideAction(err error) Action {
	if kind, ok := domain.KindOf(err); ok && kind == domain.KindNetwork {
		return ActionRetry
	}
	return Action("escalate")
}

func (s *Supervisor) escalate(skillName string, err error) *domain.SkillResult {
	if s.cfg.NonInteractive {
		switch s.cfg.OnEscalate {
		case ActionRetry:
			return &domain.SkillResult{Retry: true}
		case ActionSkip:
			fmt.Printf("[%s] skipping step\n", skillName)
			return &domain.SkillResult{Skipped: true}
		default:
			return &domain.SkillResult{Halted: true, Error: err.Error()}
		}
	}

	prompter := s.cfg.Prompter
	if prompter == nil {
		prompter = &StdinPrompter{}
	}
	switch prompter.Decide(skillName, err) {
	case ActionRetry:
		return &domain.SkillResult{Retry: true}
	case ActionSkip:
		return &domain.SkillResult{Skipped: true}
	default:
		return &domain.SkillResult{Halted: true}
	}
}

// log builds one LogEntry and fans it out: always to the in-memory run log
// and the local JSONL file, and to the remote sink while remote logging is
// enabled for this task. The first remote failure permanently disables
// remote writes for the remainder of the task so a flaky sink cannot slow
// every subsequent step.
func (s *Supervisor) log(ctx context.Context, event domain.LogEvent, skillName string, data map[string]any, message string) {
	entry := domain.LogEntry{
		TaskID:    s.taskID,
		SkillName: skillName,
		Event:     event,
		Message:   message,
		Data:      s.serializeData(data),
		CreatedAt: time.Now(),
	}

	s.runLog = append(s.runLog, entry)
	s.appendLocalLog(entry)

	if s.sink == nil || s.taskID == "" || !s.remoteOn {
		return
	}
	if ok, err := s.sink.WriteLog(ctx, entry); err != nil {
		s.remoteOn = false
		s.logger.Warn("remote log write failed, disabling remote logging for this task",
			slog.String("task_id", s.taskID),
			slog.String("error", err.Error()))
		fmt.Printf("log write failed: %v (remote logging disabled, local logs still written to %s)\n", err, s.localLogTarget())
	} else if !ok {
		s.logger.Warn("remote log write rejected", slog.String("task_id", s.taskID))
	}
}

func (s *Supervisor) localLogTarget() string {
	if s.cfg.LogDir != "" {
		return s.cfg.LogDir
	}
	return "output"
}

// serializeData flattens a payload map to a JSON string bounded by the
// configured character cap. Values carrying nested structured state that
// won't marshal are replaced with their string form.
func (s *Supervisor) serializeData(data map[string]any) string {
	if data == nil {
		return ""
	}

	clean := make(map[string]any, len(data))
	for k, v := range data {
		if v == nil {
			clean[k] = nil
			continue
		}
		if _, err := json.Marshal(v); err != nil {
			clean[k] = fmt.Sprint(v)
		} else {
			clean[k] = v
		}
	}

	serialized, err := json.Marshal(clean)
	if err != nil {
		return fmt.Sprint(data)
	}

	out := string(serialized)
	if len(out) > s.cfg.MaxLogDataChars {
		out = out[:s.cfg.MaxLogDataChars] + truncationMarker
	}
	return out
}

// appendLocalLog writes the entry as one JSONL line to the per-task local
// file. Best-effort: failures are swallowed so local disk trouble never
// breaks the pipeline.
func (s *Supervisor) appendLocalLog(entry domain.LogEntry) {
	if s.cfg.LogDir == "" || s.taskID == "" {
		return
	}
	if err := os.MkdirAll(s.cfg.LogDir, 0o755); err != nil {
		return
	}

	path := filepath.Join(s.cfg.LogDir, s.taskID+".logs.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()

	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_, _ = f.Write(append(line, '\n'))
}
