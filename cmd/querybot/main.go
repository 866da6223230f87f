// Querybot interprets abbreviated business commands and learns new patterns
// from how they are used.
//
// Usage:
//
//	querybot serve
//	querybot interpret --user u1 --department ACCOUNTING "t bnk p cm"
//	querybot learn
//	querybot seed seed.yaml
//	querybot stats
//	querybot archive --department ACCOUNTING
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"querybot/internal/app"
	"querybot/internal/config"
	"querybot/internal/domain"
	"querybot/internal/interpret"
	"querybot/internal/learner"
	"querybot/internal/logging"
	"querybot/internal/seed"
)

var version = "dev"

var (
	userID     string
	department string
	rejectFlag bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "querybot",
	Short: "Abbreviated business query interpreter",
	Long: `querybot validates and interprets terse department commands such as
"t bnk p cm", suggests corrections for likely typos and learns new patterns
from interaction telemetry.

Configuration is read from CONFIG_PATH (default config.yaml) and environment
variables.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	interpretCmd.Flags().StringVar(&userID, "user", "cli", "user ID recorded with the request")
	interpretCmd.Flags().StringVar(&department, "department", "", "department ID (required)")
	_ = interpretCmd.MarkFlagRequired("department")

	feedbackCmd.Flags().StringVar(&userID, "user", "cli", "user answering the suggestion")
	feedbackCmd.Flags().StringVar(&department, "department", "", "department ID (required)")
	feedbackCmd.Flags().BoolVar(&rejectFlag, "reject", false, "reject instead of accept the correction")
	_ = feedbackCmd.MarkFlagRequired("department")

	archiveCmd.Flags().StringVar(&department, "department", "", "limit to one department")

	rootCmd.AddCommand(serveCmd, interpretCmd, feedbackCmd, learnCmd, seedCmd, statsCmd, archiveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the audit drain, anomaly monitor, batch scheduler and metrics endpoint",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return withApp(ctx, func(ctx context.Context, a *app.App) error {
			if a.Config.SeedPath != "" {
				if err := importSeed(ctx, a, a.Config.SeedPath); err != nil {
					a.Logger.Warn("seed import failed", zap.String("path", a.Config.SeedPath), zap.Error(err))
				}
			}
			return a.Serve(ctx)
		})
	},
}

var interpretCmd = &cobra.Command{
	Use:   "interpret [input]",
	Short: "Run one input through the validation funnel and interpreter",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		input := strings.Join(args, " ")
		return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
			var out interpret.Output
			err := a.WithEmitter(ctx, func(ctx context.Context) error {
				out = a.Pipeline.Process(ctx, interpret.Input{UserID: userID, DepartmentID: department, RawText: input})
				return nil
			})
			if err != nil {
				return err
			}
			return printJSON(out)
		})
	},
}

var feedbackCmd = &cobra.Command{
	Use:   "feedback [correction-id]",
	Short: "Record a user's answer to a correction suggestion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
			return a.WithEmitter(ctx, func(ctx context.Context) error {
				if rejectFlag {
					return a.Corrector.Reject(ctx, userID, department, args[0])
				}
				return a.Corrector.Accept(ctx, userID, department, args[0])
			})
		})
	},
}

var learnCmd = &cobra.Command{
	Use:   "learn",
	Short: "Run one pattern-learning cycle now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
			var rep learner.Report
			err := a.WithEmitter(ctx, func(ctx context.Context) error {
				var err error
				rep, err = a.Learner.Run(ctx)
				return err
			})
			if errors.Is(err, domain.ErrRunInProgress) {
				fmt.Fprintln(os.Stderr, "a learner run is already in progress")
				return nil
			}
			if err != nil {
				return err
			}
			return printJSON(rep)
		})
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed [file]",
	Short: "Import curated patterns, corrections and corpus documents from YAML",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
			path := a.Config.SeedPath
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("no seed file given and SEED_PATH is not set")
			}
			return importSeed(ctx, a, path)
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print the interpretation accuracy dashboard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
			return a.WriteStats(ctx, os.Stdout, time.Now())
		})
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Archive patterns the learner flagged; rows are kept",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
			n, err := a.Store.ArchiveFlagged(ctx, strings.ToUpper(department))
			if err != nil {
				return err
			}
			a.Logger.Info("flagged patterns archived", zap.Int("count", n), zap.String("department", department))
			fmt.Printf("archived %d pattern(s)\n", n)
			return nil
		})
	},
}

func withApp(ctx context.Context, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("run_id", uuid.NewString()))

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
	}()
	return fn(ctx, a)
}

func importSeed(ctx context.Context, a *app.App, path string) error {
	f, err := seed.Load(path)
	if err != nil {
		return err
	}
	res, err := seed.Import(ctx, a.Store, f, a.Config.Departments, a.Logger.Named("seed"))
	if err != nil {
		return err
	}
	fmt.Printf("seeded %d pattern(s), %d correction(s), %d document(s); %d skipped\n",
		res.Patterns, res.Corrections, res.Documents, res.Skipped)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
