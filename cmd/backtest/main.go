// Command backtest runs backtest tasks from the command line.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/quantlab-io/backtest/internal/backend"
	"github.com/quantlab-io/backtest/internal/config"
	"github.com/quantlab-io/backtest/internal/orchestrator"
	"github.com/quantlab-io/backtest/internal/platform/logger"
	"github.com/quantlab-io/backtest/internal/skill"
	"github.com/quantlab-io/backtest/internal/skills"
	"github.com/quantlab-io/backtest/internal/supervisor"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "backtest",
	Short:         "Automated strategy backtesting",
	Long:          "Runs multi-stage backtest tasks (validate, analyze, aggregate, report) against the remote data service.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to a YAML config file (optional; BACKTEST_* environment variables also apply)")
	rootCmd.AddCommand(smartCmd, specifiedCmd, historyCmd)
}

// app bundles everything a subcommand needs.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	client *backend.Client
	orch   *orchestrator.Orchestrator
}

// buildApp loads configuration and wires the pipeline. Every registered
// analysis skill shares the main client; smart mode additionally gets a
// factory that builds a fresh client per worker.
func buildApp() (*app, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("BACKTEST_CONFIG")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log := logger.Setup(cfg.App.LogLevel)
	client := backend.New(cfg.API, cfg.Database.URL, log)

	sup := supervisor.New(client, supervisor.Config{
		NonInteractive: cfg.App.NonInteractive,
		OnEscalate:     supervisor.Action(cfg.App.OnEscalate),
		LogDir:         cfg.App.OutputDir,
	}, log)

	orch := orchestrator.New(sup, client, log)
	orch.RegisterSkill(skills.NewValidateData(client))
	orch.RegisterSkill(skills.NewBacktestStrategy(client))
	orch.RegisterSkill(skills.NewBacktestPortfolio())
	orch.RegisterSkill(skills.NewGenerateReport(client, cfg.App.OutputDir, log))
	orch.SetAnalysisFactory(func() (skill.Skill, error) {
		return skills.NewBacktestStrategy(backend.New(cfg.API, cfg.Database.URL, log)), nil
	})

	return &app{cfg: cfg, logger: log, client: client, orch: orch}, nil
}

func (a *app) close() {
	if err := a.client.Close(); err != nil {
		a.logger.Warn("closing backend client failed", slog.String("error", err.Error()))
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
