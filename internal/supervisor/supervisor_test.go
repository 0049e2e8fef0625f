package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantlab-io/backtest/internal/domain"
)

// fakeSink records remote log writes and can be told to fail.
type fakeSink struct {
	entries []domain.LogEntry
	failAll bool
}

func (f *fakeSink) WriteLog(_ context.Context, entry domain.LogEntry) (bool, error) {
	if f.failAll {
		return false, domain.NetworkError("POST /api/backtest/log -> connection refused", nil)
	}
	f.entries = append(f.entries, entry)
	return true, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSupervisor(t *testing.T, sink LogSink, cfg Config) *Supervisor {
	t.Helper()
	if cfg.LogDir == "" {
		cfg.LogDir = t.TempDir()
	}
	s := New(sink, cfg, discardLogger())
	s.SetTaskID("task_test_123")
	return s
}

func TestOnSkillError_DecisionTable(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		onEscalate  Action
		wantRetry   bool
		wantSkipped bool
		wantHalted  bool
	}{
		{"network retries regardless of halt default", domain.NetworkError("GET -> HTTP 502", nil), ActionHalt, true, false, false},
		{"network retries regardless of skip default", domain.NetworkError("GET -> HTTP 502", nil), ActionSkip, true, false, false},
		{"validation escalates to halt", domain.DataValidationError("missing columns"), ActionHalt, false, false, true},
		{"validation escalates to skip", domain.DataValidationError("missing columns"), ActionSkip, false, true, false},
		{"validation escalates to retry", domain.DataValidationError("missing columns"), ActionRetry, true, false, false},
		{"module escalates to halt", domain.ModuleError("POST -> HTTP 400", nil), ActionHalt, false, false, true},
		{"module escalates to skip", domain.ModuleError("POST -> HTTP 400", nil), ActionSkip, false, true, false},
		{"unknown error escalates", errors.New("panic: nil map"), ActionHalt, false, false, true},
		{"configuration escalates", domain.ConfigurationError("missing URL"), ActionSkip, false, true, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestSupervisor(t, &fakeSink{}, Config{
				NonInteractive: true,
				OnEscalate:     tc.onEscalate,
			})

			result := s.OnSkillError(context.Background(), "backtest_strategy", tc.err)
			require.NotNil(t, result)
			assert.False(t, result.Success)
			assert.Equal(t, tc.wantRetry, result.Retry)
			assert.Equal(t, tc.wantSkipped, result.Skipped)
			assert.Equal(t, tc.wantHalted, result.Halted)
		})
	}
}

func TestOnSkillError_HaltCarriesErrorText(t *testing.T) {
	s := newTestSupervisor(t, &fakeSink{}, Config{NonInteractive: true, OnEscalate: ActionHalt})

	result := s.OnSkillError(context.Background(), "validate_data", domain.DataValidationError("all positions failed"))
	require.True(t, result.Halted)
	assert.Equal(t, "all positions failed", result.Error)
}

func TestRemoteLoggingDegradation(t *testing.T) {
	sink := &fakeSink{failAll: true}
	logDir := t.TempDir()
	s := New(sink, Config{NonInteractive: true, OnEscalate: ActionHalt, LogDir: logDir}, discardLogger())
	s.SetTaskID("task_degrade")

	ctx := context.Background()
	require.True(t, s.RemoteLoggingEnabled())

	// First event hits the failing sink and disables remote logging.
	s.OnSkillStart(ctx, "validate_data", nil)
	assert.False(t, s.RemoteLoggingEnabled())

	// Subsequent events keep flowing locally.
	s.OnSkillComplete(ctx, "validate_data", domain.OK(nil))
	s.OnSkillComplete(ctx, "backtest_strategy", domain.Fail("boom"))

	assert.Len(t, s.RunLog(), 3)

	// Every event, including the one that tripped the disable, is in the
	// local file.
	data, err := os.ReadFile(filepath.Join(logDir, "task_degrade.logs.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)

	var first domain.LogEntry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, domain.LogEventStart, first.Event)
	assert.Equal(t, "task_degrade", first.TaskID)
}

func TestSetTaskIDReenablesRemoteLogging(t *testing.T) {
	s := newTestSupervisor(t, &fakeSink{}, Config{NonInteractive: true})

	s.DisableRemoteLogging()
	require.False(t, s.RemoteLoggingEnabled())

	s.SetTaskID("task_next")
	assert.True(t, s.RemoteLoggingEnabled())
}

func TestLogEventShapes(t *testing.T) {
	sink := &fakeSink{}
	s := newTestSupervisor(t, sink, Config{NonInteractive: true})
	ctx := context.Background()

	s.OnSkillStart(ctx, "validate_data", map[string]any{"positions": []string{"AU"}})
	s.OnSkillComplete(ctx, "validate_data", domain.OK(map[string]any{"passed": []string{"AU"}}))
	s.OnSkillComplete(ctx, "backtest_strategy", domain.Fail("no data"))

	require.Len(t, sink.entries, 3)
	assert.Equal(t, domain.LogEventStart, sink.entries[0].Event)
	assert.Equal(t, domain.LogEventComplete, sink.entries[1].Event)
	assert.Contains(t, sink.entries[1].Data, "passed")
	assert.Equal(t, domain.LogEventError, sink.entries[2].Event)
	assert.Contains(t, sink.entries[2].Data, "no data")
}

func TestSerializeDataTruncation(t *testing.T) {
	s := newTestSupervisor(t, &fakeSink{}, Config{
		NonInteractive:  true,
		MaxLogDataChars: 50,
	})

	out := s.serializeData(map[string]any{"big": strings.Repeat("x", 200)})
	assert.Len(t, out, 50+len(truncationMarker))
	assert.True(t, strings.HasSuffix(out, truncationMarker))
}

func TestSerializeDataFlattensUnserializableValues(t *testing.T) {
	s := newTestSupervisor(t, &fakeSink{}, Config{NonInteractive: true})

	// Channels can't be marshaled; the value is replaced by its string form.
	out := s.serializeData(map[string]any{"ch": make(chan int), "n": 1})
	assert.Contains(t, out, `"n":1`)
	assert.Contains(t, out, "chan")
}

func TestStdinPrompter_RepromptsOnInvalidInput(t *testing.T) {
	var out strings.Builder
	p := &StdinPrompter{
		In:  strings.NewReader("x\nwhat\ns\n"),
		Out: bufio.NewWriter(&out),
	}

	action := p.Decide("backtest_strategy", errors.New("bad data"))
	assert.Equal(t, ActionSkip, action)
}

func TestInteractiveEscalationUsesPrompter(t *testing.T) {
	s := newTestSupervisor(t, &fakeSink{}, Config{
		NonInteractive: false,
		Prompter:       promptFunc(func(string, error) Action { return ActionRetry }),
	})

	result := s.OnSkillError(context.Background(), "validate_data", domain.ModuleError("bad call", nil))
	assert.True(t, result.Retry)
}

// promptFunc adapts a function to the Prompter interface.
type promptFunc func(skillName string, err error) Action

func (f promptFunc) Decide(skillName string, err error) Action { return f(skillName, err) }
