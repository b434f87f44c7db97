package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"rulegate/internal/app"
	"rulegate/internal/config"
	"rulegate/internal/db"
	"rulegate/internal/domain"
	"rulegate/internal/engine"
	"rulegate/internal/events"
	"rulegate/internal/export"
	rglog "rulegate/internal/log"
	"rulegate/internal/migrate"
	"rulegate/internal/scorecard"
	"rulegate/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "rgate",
	Short: "Rulegate CLI",
	Long: `Rulegate governs changes to scoring rulesets.
Core concepts:
- Ruleset: versioned thresholds (t_low, t_high) used to route results; exactly one is active.
- Task: one governance run of a batch of records under a ruleset.
- Review: a human verdict on results; it updates results and the ruleset's feedback counters.
- Change request: a proposal to move from one ruleset to another, backed by a scorecard.
- Activation: the only way to switch the active ruleset; it needs an approved change request and the admin caller.
- Canary: runs perturbed candidate rulesets against a baseline and files the best one as a change request.
- Audit ledger: every privileged action and every blocked attempt, view with 'rgate audit tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	workspace := viper.GetString("workspace")
	_ = godotenv.Load(filepath.Join(workspace, ".env"))
	viper.SetEnvPrefix("RULEGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("caller", "", "caller identity (defaults to the configured admin caller)")
	rootCmd.PersistentFlags().String("log-level", "", "log level override")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("caller", rootCmd.PersistentFlags().Lookup("caller"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(rulesetCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(changeCmd())
	rootCmd.AddCommand(activateCmd())
	rootCmd.AddCommand(canaryCmd())
	rootCmd.AddCommand(scorecardCmd())
	rootCmd.AddCommand(opsCmd())
	rootCmd.AddCommand(auditCmd())
}

// --- config ---

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage rulegate.yml",
		Long:  "rulegate.yml holds the admin caller, storage backend, default thresholds, queue sizing, ops gate limits, auth and webhooks. RULEGATE_* environment variables override selected keys.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default rulegate.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret != "" {
				cfg.Auth.JWTSecret = "***"
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

// --- storage ---

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations to the configured backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			backend, err := db.ParseBackend(cfg.Storage.Backend)
			if err != nil {
				return err
			}
			if backend == db.BackendNone {
				return errors.New("storage.backend is none; nothing to migrate")
			}
			conn, err := db.Open(db.Config{Backend: backend, DSN: cfg.Storage.DSN, Workspace: cfg.Storage.Workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			v, err := migrate.Version(conn)
			if err != nil {
				return err
			}
			fmt.Printf("%s schema at version %d\n", backend, v)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Service.Addr
			}
			if basePath == "" {
				basePath = cfg.Service.BasePath
			}
			if cfg.Auth.JWTSecret == "" && !cfg.Auth.AllowLegacyCallerHeader {
				return fmt.Errorf("RULEGATE_JWT_SECRET is required when the X-Caller header is disabled")
			}
			logger := newLogger(cfg)
			a, err := app.Bootstrap(cmd.Context(), cfg, logger, app.Options{})
			if err != nil {
				return err
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:               cfg.Auth.JWTSecret,
					AllowLegacyCallerHeader: cfg.Auth.AllowLegacyCallerHeader,
					Logger:                  logger,
				},
				Exporter: export.NewService(a.Engine, logger),
				Log:      logger,
				Backend:  a.Backend.String(),
			})
			if err != nil {
				a.Close(context.Background())
				return err
			}
			hooks := server.NewWebhookDispatcher(a.Engine, cfg.Webhooks, logger)
			go hooks.Run(cmd.Context())

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
				a.Close(ctx)
			}()
			logger.WithFields(logrus.Fields{"addr": addr, "base_path": basePath, "backend": a.Backend.String()}).
				Info("serving rulegate API (OpenAPI at /openapi.json, Swagger UI at /docs)")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

// --- rulesets ---

func rulesetCmd() *cobra.Command {
	rs := &cobra.Command{Use: "ruleset", Short: "Manage rulesets"}
	rs.AddCommand(rulesetListCmd())
	rs.AddCommand(rulesetGetCmd())
	rs.AddCommand(rulesetUpsertCmd())
	rs.AddCommand(rulesetPublishCmd())
	return rs
}

func rulesetListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List rulesets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListRulesets(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Version", "Active", "t_low", "t_high", "Reviews", "Updated")
				for _, rs := range items {
					th := rs.Config.Thresholds
					tw.AppendRow(table.Row{rs.ID, rs.Version, rs.IsActive, th.TLow, th.THigh, rs.Config.FeedbackCounters.TotalReviews, rs.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func rulesetGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <ruleset_id|active>",
		Short: "Show a ruleset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var rs domain.Ruleset
				var err error
				if args[0] == "active" {
					rs, err = a.Engine.ActiveRuleset(ctx)
				} else {
					rs, err = a.Engine.GetRuleset(ctx, args[0])
				}
				if err != nil {
					return err
				}
				return printJSON(rs)
			})
		},
	}
}

func rulesetUpsertCmd() *cobra.Command {
	var id, version, configFile, inline string
	cmd := &cobra.Command{
		Use:   "upsert",
		Short: "Create or replace a ruleset (never activates it)",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := []byte(inline)
			if configFile != "" {
				data, err := readInput(configFile)
				if err != nil {
					return err
				}
				raw = data
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rs, err := a.Engine.UpsertRuleset(ctx, callerFor(a), engine.RulesetInput{
					ID:      id,
					Version: version,
					Config:  json.RawMessage(strings.TrimSpace(string(raw))),
				})
				if err != nil {
					return err
				}
				return printJSON(rs)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "ruleset id (generated when empty)")
	cmd.Flags().StringVar(&version, "version", "", "version label")
	cmd.Flags().StringVar(&configFile, "config-file", "", "path to config JSON, or - for stdin")
	cmd.Flags().StringVar(&inline, "config", "", "config JSON")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func rulesetPublishCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "publish <ruleset_id>",
		Short: "Direct publish (always refused; use activate)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.PublishRuleset(ctx, args[0], callerFor(a), reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "publish reason")
	return cmd
}

// --- tasks ---

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Run and review governance tasks"}
	t.AddCommand(taskSubmitCmd())
	t.AddCommand(taskListCmd())
	t.AddCommand(taskGetCmd())
	t.AddCommand(taskResultsCmd())
	t.AddCommand(taskReviewCmd())
	return t
}

func taskSubmitCmd() *cobra.Command {
	var rulesetID, batch, recordsFile string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Run a batch of records under a ruleset",
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := readRecords(recordsFile)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				task, err := a.Engine.SubmitTask(ctx, rulesetID, batch, records)
				if err != nil {
					return err
				}
				return printJSON(task)
			})
		},
	}
	cmd.Flags().StringVar(&rulesetID, "ruleset", "", "ruleset id (active when empty)")
	cmd.Flags().StringVar(&batch, "batch", "", "batch name")
	cmd.Flags().StringVar(&recordsFile, "records", "-", "records JSON array file, or - for stdin")
	_ = cmd.MarkFlagRequired("batch")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f engine.TaskFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.TaskStatus(strings.ToUpper(status))
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tasks, err := a.Engine.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable("ID", "Batch", "Ruleset", "Status", "Updated")
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.BatchName, t.RulesetID, t.Status, t.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.BatchName, "batch", "", "batch filter")
	cmd.Flags().StringVar(&f.RulesetID, "ruleset", "", "ruleset filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <task_id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				task, err := a.Engine.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(task)
			})
		},
	}
}

func taskResultsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "results <task_id>",
		Short: "Show a task's results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				results, err := a.Engine.GetResults(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(results)
				}
				tw := newTable("Raw ID", "Canon", "Confidence", "Strategy", "Evidence")
				for _, r := range results {
					tw.AppendRow(table.Row{r.RawID, r.CanonText, fmt.Sprintf("%.4f", r.Confidence), r.Strategy, len(r.Evidence)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func taskReviewCmd() *cobra.Command {
	var in engine.ReviewInput
	var status string
	cmd := &cobra.Command{
		Use:   "review <task_id>",
		Short: "Apply a human review to a task's results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Status = domain.ReviewStatus(strings.ToLower(status))
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if in.Reviewer == "" {
					in.Reviewer = callerFor(a)
				}
				out, err := a.Engine.Reconcile(ctx, args[0], in)
				if err != nil {
					return err
				}
				return printJSON(out)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "approved, rejected or edited")
	cmd.Flags().StringVar(&in.RawID, "raw-id", "", "result to review (all when empty)")
	cmd.Flags().StringVar(&in.FinalCanonText, "final-text", "", "corrected canon text")
	cmd.Flags().StringVar(&in.Reviewer, "reviewer", "", "reviewer (defaults to caller)")
	cmd.Flags().StringVar(&in.Comment, "comment", "", "review comment")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

// --- change requests ---

func changeCmd() *cobra.Command {
	c := &cobra.Command{Use: "change", Short: "Manage change requests"}
	c.AddCommand(changeCreateCmd())
	c.AddCommand(changeListCmd())
	c.AddCommand(changeGetCmd())
	c.AddCommand(changeApproveCmd())
	c.AddCommand(changeRejectCmd())
	c.AddCommand(changeExportCmd())
	return c
}

func changeCreateCmd() *cobra.Command {
	var in engine.ChangeRequestInput
	var recommendation string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Propose moving to a ruleset",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Recommendation = domain.Recommendation(recommendation)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cr, err := a.Engine.CreateChangeRequest(ctx, callerFor(a), in)
				if err != nil {
					return err
				}
				return printJSON(cr)
			})
		},
	}
	cmd.Flags().StringVar(&in.FromRulesetID, "from", "", "current ruleset id")
	cmd.Flags().StringVar(&in.ToRulesetID, "to", "", "proposed ruleset id")
	cmd.Flags().StringVar(&in.BaselineTaskID, "baseline", "", "baseline task id")
	cmd.Flags().StringVar(&in.CandidateTaskID, "candidate", "", "candidate task id")
	cmd.Flags().StringVar(&recommendation, "recommendation", "", "override the scorecard recommendation")
	cmd.Flags().StringArrayVar(&in.EvidenceBullets, "evidence", nil, "evidence bullet (repeatable)")
	return cmd
}

func changeListCmd() *cobra.Command {
	var f engine.ChangeFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List change requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.ChangeStatus(strings.ToLower(status))
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListChangeRequests(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "From", "To", "Recommendation", "Status", "Activated")
				for _, cr := range items {
					tw.AppendRow(table.Row{cr.ID, cr.FromRulesetID, cr.ToRulesetID, cr.Recommendation, cr.Status, cr.ActivatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "pending, approved or rejected")
	cmd.Flags().StringVar(&f.FromRulesetID, "from", "", "from ruleset filter")
	cmd.Flags().StringVar(&f.ToRulesetID, "to", "", "to ruleset filter")
	return cmd
}

func changeGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <change_id>",
		Short: "Show a change request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cr, err := a.Engine.GetChangeRequest(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cr)
			})
		},
	}
}

func changeApproveCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "approve <change_id>",
		Short: "Approve a change request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cr, err := a.Engine.ApproveChangeRequest(ctx, args[0], callerFor(a), comment)
				if err != nil {
					return err
				}
				return printJSON(cr)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "approval comment")
	return cmd
}

func changeRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <change_id>",
		Short: "Reject a change request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cr, err := a.Engine.RejectChangeRequest(ctx, args[0], callerFor(a), reason)
				if err != nil {
					return err
				}
				return printJSON(cr)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func changeExportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export <change_id>",
		Short: "Write a change request and its audit trail to an XLSX workbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				out = fmt.Sprintf("change-%s.xlsx", args[0])
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				data, err := export.NewService(a.Engine, a.Log).ChangeRequestXLSX(ctx, args[0])
				if err != nil {
					return err
				}
				if err := os.WriteFile(out, data, 0o644); err != nil {
					return err
				}
				fmt.Printf("wrote %s (%d bytes)\n", out, len(data))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output path")
	return cmd
}

func activateCmd() *cobra.Command {
	var changeID, reason string
	cmd := &cobra.Command{
		Use:   "activate <ruleset_id>",
		Short: "Activate a ruleset through an approved change request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				out, err := a.Engine.Activate(ctx, engine.ActivateInput{
					RulesetID: args[0],
					ChangeID:  changeID,
					Caller:    callerFor(a),
					Reason:    reason,
				})
				if err != nil {
					return err
				}
				return printJSON(out)
			})
		},
	}
	cmd.Flags().StringVar(&changeID, "change", "", "approved change request id")
	cmd.Flags().StringVar(&reason, "reason", "", "activation reason")
	return cmd
}

// --- analysis ---

func canaryCmd() *cobra.Command {
	var batch, recordsFile string
	var candidates int
	cmd := &cobra.Command{
		Use:   "canary",
		Short: "Run candidate rulesets against the active one and file the best as a change request",
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := readRecords(recordsFile)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				out, err := a.Engine.Optimize(ctx, engine.OptimizeInput{
					BatchID:        batch,
					Records:        records,
					CandidateCount: candidates,
					Caller:         callerFor(a),
				})
				if err != nil {
					return err
				}
				return printJSON(out)
			})
		},
	}
	cmd.Flags().StringVar(&batch, "batch", "", "batch id")
	cmd.Flags().StringVar(&recordsFile, "records", "-", "records JSON array file, or - for stdin")
	cmd.Flags().IntVar(&candidates, "candidates", engine.MaxCandidates, "number of candidates (1-3)")
	_ = cmd.MarkFlagRequired("batch")
	return cmd
}

func scorecardCmd() *cobra.Command {
	var tLow, tHigh float64
	cmd := &cobra.Command{
		Use:   "scorecard <baseline_task_id> <candidate_task_id>",
		Short: "Compare a candidate task against a baseline",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var o scorecard.Override
			if cmd.Flags().Changed("t-low") {
				o.TLow = &tLow
			}
			if cmd.Flags().Changed("t-high") {
				o.THigh = &tHigh
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				sc, err := a.Engine.ComputeScorecard(ctx, args[0], args[1], o)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sc)
				}
				tw := newTable("Metric", "Baseline", "Candidate", "Delta")
				for _, name := range scorecard.MetricNames() {
					tw.AppendRow(table.Row{name,
						fmt.Sprintf("%.4f", scorecard.Value(sc.Baseline, name)),
						fmt.Sprintf("%.4f", scorecard.Value(sc.Candidate, name)),
						fmt.Sprintf("%+.4f", scorecard.Value(sc.Delta, name))})
				}
				tw.AppendFooter(table.Row{"recommendation", sc.Recommendation, "", ""})
				tw.Render()
				for _, r := range sc.Reasons {
					fmt.Println("-", r)
				}
				return nil
			})
		},
	}
	cmd.Flags().Float64Var(&tLow, "t-low", 0, "override t_low for both tasks")
	cmd.Flags().Float64Var(&tHigh, "t-high", 0, "override t_high for both tasks")
	return cmd
}

func opsCmd() *cobra.Command {
	var f engine.OpsFilter
	var status string
	var tLow, tHigh float64
	cmd := &cobra.Command{
		Use:   "ops",
		Short: "Summarize result quality across tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.TaskStatus(strings.ToUpper(status))
			if cmd.Flags().Changed("t-low") {
				f.TLow = &tLow
			}
			if cmd.Flags().Changed("t-high") {
				f.THigh = &tHigh
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				sum, err := a.Engine.OpsSummary(ctx, f)
				if err != nil {
					return err
				}
				return printJSON(sum)
			})
		},
	}
	cmd.Flags().StringVar(&f.TaskID, "task", "", "task filter")
	cmd.Flags().StringVar(&f.Batch, "batch", "", "batch filter")
	cmd.Flags().StringVar(&f.RulesetID, "ruleset", "", "ruleset filter")
	cmd.Flags().StringVar(&status, "status", "", "task status filter")
	cmd.Flags().IntVar(&f.RecentHours, "recent-hours", 0, "only tasks created in the last N hours")
	cmd.Flags().Float64Var(&tLow, "t-low", 0, "override t_low")
	cmd.Flags().Float64Var(&tHigh, "t-high", 0, "override t_high")
	return cmd
}

func auditCmd() *cobra.Command {
	a := &cobra.Command{Use: "audit", Short: "Inspect the audit ledger"}
	a.AddCommand(auditTailCmd())
	return a
}

func auditTailCmd() *cobra.Command {
	var f events.Filter
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items := a.Engine.ListAuditEvents(f)
				if n > 0 && len(items) > n {
					items = items[len(items)-n:]
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Seq", "Event", "Caller", "Change", "Created")
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.Seq, evt.Type, evt.Caller, evt.RelatedChangeID, evt.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.RelatedChangeID, "change", "", "change request filter")
	cmd.Flags().Int64Var(&f.AfterSeq, "after", 0, "only events after this sequence number")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg.Storage.Workspace == "" || cfg.Storage.Workspace == "." {
		cfg.Storage.Workspace = workspace
	}
	overrides := map[string]*string{
		"jwt_secret":      &cfg.Auth.JWTSecret,
		"storage_backend": &cfg.Storage.Backend,
		"storage_dsn":     &cfg.Storage.DSN,
		"admin_caller":    &cfg.Service.AdminCaller,
	}
	for key, dst := range overrides {
		if v := viper.GetString(key); v != "" {
			*dst = v
		}
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *logrus.Logger {
	return rglog.New(cfg.Log.Level, cfg.Log.Format)
}

// withApp boots the ledger for one command. Tasks run inline: the CLI
// process does not outlive a queue.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Bootstrap(ctx, cfg, newLogger(cfg), app.Options{Inline: true})
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(ctx, a)
}

func callerFor(a *app.App) string {
	if c := strings.TrimSpace(viper.GetString("caller")); c != "" {
		return c
	}
	return a.Config.Service.AdminCaller
}

func readInput(path string) ([]byte, error) {
	if path == "-" || path == "" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func readRecords(path string) ([]domain.Record, error) {
	data, err := readInput(path)
	if err != nil {
		return nil, err
	}
	var records []domain.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("records must be a JSON array: %w", err)
	}
	return records, nil
}

func newTable(headers ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(headers))
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
