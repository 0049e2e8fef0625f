package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var historyLimit int

// historyCmd lists recent tasks from the task table.
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent tasks",
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of tasks to show")
}

func runHistory(cmd *cobra.Command, _ []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	rows, err := a.client.Read(cmd.Context(),
		"SELECT * FROM backtest_tasks ORDER BY created_at DESC LIMIT $1", historyLimit)
	if err != nil {
		return fmt.Errorf("read task history (is the database configured?): %w", err)
	}

	for _, row := range rows {
		fmt.Printf("%v | %v | %v | %v\n",
			row["task_id"], row["mode"], row["status"], row["created_at"])
	}
	return nil
}
