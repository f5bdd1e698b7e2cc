// Package cli wires the application together and exposes the tradeagent
// command tree.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"tradeagent/internal/models"
	"tradeagent/internal/scheduler"
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "tradeagent",
		Short: "LLM-assisted daily equity trading pipeline",
		Long: `tradeagent runs a daily analysis-and-trade cycle: it scores a stock
universe on technical and fundamental signals, gathers news and past
decision history, asks a reasoning model for recommendations, validates
them against portfolio risk limits, and executes what survives.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.json", "Configuration file path")

	rootCmd.AddCommand(newServeCmd(&configPath))
	rootCmd.AddCommand(newRunCmd(&configPath))
	rootCmd.AddCommand(newBacktestCmd(&configPath))
	rootCmd.AddCommand(newStatusCmd(&configPath))
	rootCmd.AddCommand(newSeedCmd(&configPath))
	rootCmd.AddCommand(newAssessCmd(&configPath))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// newServeCmd starts the scheduler and blocks until interrupted.
func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daily pipeline on its schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			sched, err := scheduler.New(a.cfg.Pipeline, a.runner, a.memory, a.log)
			if err != nil {
				return err
			}
			sched.Start()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			<-stop

			sched.Stop()
			return nil
		},
	}
}

// newRunCmd triggers a single pipeline run.
func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Trigger one pipeline run now",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			run, err := a.runner.Run(ctx, models.TriggerManual)
			if run != nil {
				fmt.Println(renderRun(run))
			}
			return err
		},
	}
}

// newBacktestCmd replays the pipeline over a historical range.
func newBacktestCmd(configPath *string) *cobra.Command {
	var startStr, endStr string
	var capital float64

	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Replay the pipeline over a historical date range",
		Example: `  tradeagent backtest --start 2024-01-01 --end 2024-06-30
  tradeagent backtest --start 2023-01-01 --end 2023-12-31 --capital 25000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := time.Parse("2006-01-02", startStr)
			if err != nil {
				return fmt.Errorf("invalid --start: %w", err)
			}
			end, err := time.Parse("2006-01-02", endStr)
			if err != nil {
				return fmt.Errorf("invalid --end: %w", err)
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if capital <= 0 {
				capital = a.cfg.Portfolio.InitialCapital
			}
			id, err := a.engine.Start(ctx, start, end, decimal.NewFromFloat(capital))
			if err != nil {
				return err
			}
			fmt.Printf("backtest %s started over %s .. %s\n", id, startStr, endStr)

			return watchBacktest(ctx, a, id)
		},
	}

	cmd.Flags().StringVar(&startStr, "start", "", "Start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&endStr, "end", "", "End date (YYYY-MM-DD)")
	cmd.Flags().Float64Var(&capital, "capital", 0, "Initial capital (defaults to portfolio.initial_capital)")
	cmd.MarkFlagRequired("start")
	cmd.MarkFlagRequired("end")

	return cmd
}

// watchBacktest polls progress until the run reaches a terminal state,
// cancelling it on interrupt so partial results survive.
func watchBacktest(ctx context.Context, a *app, id string) error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			fmt.Println("\ncancelling, partial results are kept")
			a.engine.Cancel()
			a.engine.Wait()
		case <-ticker.C:
		}

		run, err := a.engine.Status(ctx, id)
		if err != nil {
			return err
		}
		switch run.Status {
		case models.BacktestPending, models.BacktestRunning:
			fmt.Printf("\rday %d of %d", run.CurrentDay, run.TotalDays)
		default:
			fmt.Println()
			fmt.Println(renderBacktest(&run))
			if run.Status == models.BacktestFailed {
				return fmt.Errorf("backtest failed: %v", run.Errors)
			}
			return nil
		}
	}
}

// newStatusCmd shows the latest live run, or a backtest by ID.
func newStatusCmd(configPath *string) *cobra.Command {
	var backtestID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the latest pipeline run or a backtest",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if backtestID != "" {
				run, err := a.engine.Status(ctx, backtestID)
				if err != nil {
					return err
				}
				fmt.Println(renderBacktest(&run))
				return nil
			}

			run, err := a.db.LatestPipelineRun(ctx)
			if err != nil {
				return err
			}
			fmt.Println(renderRun(&run))

			trades, err := a.db.TradesByRun(ctx, run.ID)
			if err != nil {
				return err
			}
			if len(trades) > 0 {
				fmt.Println(renderTrades(trades))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&backtestID, "backtest", "", "Show this backtest run instead")
	return cmd
}

// newSeedCmd loads the default watchlist into the database.
func newSeedCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Seed the instrument watchlist",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.db.SeedWatchlist(ctx, defaultWatchlist())
			if err != nil {
				return err
			}
			fmt.Printf("seeded %d new instruments (%d total in watchlist)\n", n, len(defaultWatchlist()))
			return nil
		},
	}
}

// newAssessCmd runs outcome assessment on aged decisions immediately.
func newAssessCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "assess",
		Short: "Assess outcomes of past decisions against current prices",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.memory.AssessOutcomes(ctx, models.LiveScope(), time.Now())
			if err != nil {
				return err
			}
			fmt.Printf("assessed %d decisions\n", n)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("tradeagent v0.3.0")
		},
	}
}
