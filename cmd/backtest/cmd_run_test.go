package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantlab-io/backtest/internal/domain"
)

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"多AU", "空AG"}, splitList("多AU, 空AG"))
	assert.Equal(t, []string{"a"}, splitList("a,,  ,"))
	assert.Nil(t, splitList(""))
}

func TestParseComboRange(t *testing.T) {
	cr, err := parseComboRange("3-5")
	require.NoError(t, err)
	assert.Equal(t, &domain.ComboRange{Min: 3, Max: 5}, cr)

	cr, err = parseComboRange(" 2-2 ")
	require.NoError(t, err)
	assert.Equal(t, &domain.ComboRange{Min: 2, Max: 2}, cr)

	for _, raw := range []string{"", "3", "a-b", "5-3", "1-4"} {
		_, err := parseComboRange(raw)
		assert.Error(t, err, raw)
	}
}

func TestPrintOutcomeStatuses(t *testing.T) {
	completed := &domain.TaskRun{
		TaskID: "task_x",
		Steps: []domain.Step{
			{Skill: "validate_data", Result: domain.OK(nil)},
		},
	}
	require.NoError(t, printOutcome(completed))

	halted := &domain.TaskRun{
		TaskID: "task_y",
		Steps: []domain.Step{
			{Skill: "validate_data", Result: &domain.SkillResult{Halted: true, Error: "boom"}},
		},
	}
	require.NoError(t, printOutcome(halted))
}
