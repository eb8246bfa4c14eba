package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"steward/internal/app"
	"steward/internal/config"
	"steward/internal/db"
	"steward/internal/domain"
	"steward/internal/engine"
	"steward/internal/repo"
	"steward/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "stw",
	Short: "Steward CLI",
	Long: `Steward decides which proposed actions reach the user, when, and at what cost.
Core concepts:
- Candidates: proposed reminders, suggestions, insights, alerts, questions and automations.
- Admission: every candidate passes confidence, quiet-hours, frequency, duplicate and effectiveness gates.
- Approval: low-confidence automations and anything that asks for it wait for an approve or reject.
- Budget: metered services have free tiers and daily/monthly caps; the governor throttles as spend grows.
- Event log: diary of every decision, view with 'stw events tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STEWARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(cycleCmd())
	rootCmd.AddCommand(actionsCmd())
	rootCmd.AddCommand(feedbackCmd())
	rootCmd.AddCommand(costCmd())
	rootCmd.AddCommand(usageCmd())
	rootCmd.AddCommand(proactivityCmd())
	rootCmd.AddCommand(preferenceCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "steward.yml holds pricing, budget caps, channels, the generator endpoint and the cold-start proactivity policy.",
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
		Short: "Write the default steward.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate steward.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
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

func cycleCmd() *cobra.Command {
	c := &cobra.Command{Use: "cycle", Short: "Run scheduling cycles"}
	c.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run one cycle now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				summary, err := e.RunCycle(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(summary)
			})
		},
	})
	return c
}

func actionsCmd() *cobra.Command {
	c := &cobra.Command{Use: "actions", Short: "Inspect actions"}
	c.AddCommand(actionsListCmd())
	c.AddCommand(&cobra.Command{
		Use:   "show <action-id>",
		Short: "Show an action and its feedback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.GetAction(ctx, args[0])
				if err != nil {
					return err
				}
				fb, err := e.Repo.ListFeedback(ctx, a.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"action": a, "feedback": fb})
			})
		},
	})
	return c
}

func actionsListCmd() *cobra.Command {
	var status, actionType string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListActions(ctx, repo.ActionFilter{
					Status: domain.ActionStatus(status),
					Type:   domain.ActionType(actionType),
					Limit:  limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Title", "Status", "Confidence", "Valid Until"})
				for _, a := range items {
					valid := ""
					if a.ValidUntil != nil {
						valid = a.ValidUntil.Format(time.RFC3339)
					}
					tw.AppendRow(table.Row{a.ID, a.Type, a.Title, a.Status, fmt.Sprintf("%.2f", a.Confidence), valid})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&actionType, "type", "", "action type filter")
	cmd.Flags().IntVar(&limit, "limit", 20, "max rows")
	return cmd
}

func feedbackCmd() *cobra.Command {
	var comments string
	cmd := &cobra.Command{
		Use:   "feedback <action-id> <positive|negative|neutral|approved|rejected>",
		Short: "Record feedback on an action",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RecordFeedback(ctx, args[0], domain.FeedbackType(args[1]), comments, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&comments, "comments", "", "free-text comments")
	return cmd
}

func costCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cost",
		Short: "Show budget status per service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cc := e.CostContext()
				if viper.GetBool("json") {
					return printJSON(cc)
				}
				names := make([]string, 0, len(cc.Services))
				for name := range cc.Services {
					names = append(names, name)
				}
				sort.Strings(names)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.SetTitle(fmt.Sprintf("mode: %s", cc.Mode))
				tw.AppendHeader(table.Row{"Service", "Mode", "Today", "Month", "Day %", "Month %", "Free Left (month)"})
				for _, name := range names {
					s := cc.Services[name]
					tw.AppendRow(table.Row{
						name, s.Mode,
						fmt.Sprintf("%.2f", s.DailyCost), fmt.Sprintf("%.2f", s.MonthlyCost),
						fmt.Sprintf("%.0f", s.DailyUsedPercent), fmt.Sprintf("%.0f", s.MonthlyUsedPercent),
						s.FreeUnitsLeftThisMonth,
					})
				}
				tw.Render()
				for _, r := range cc.Recommendations {
					fmt.Println("-", r)
				}
				return nil
			})
		},
	}
}

func usageCmd() *cobra.Command {
	c := &cobra.Command{Use: "usage", Short: "Record or check metered usage"}
	c.AddCommand(&cobra.Command{
		Use:   "record <service> <units>",
		Short: "Record units spent on a service",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			units, err := parseUnits(args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				charge, err := e.RecordUsage(ctx, args[0], units)
				if err != nil {
					return err
				}
				return printJSONOrTable(charge)
			})
		},
	})
	var essential bool
	check := &cobra.Command{
		Use:   "check <service> <units>",
		Short: "Ask whether units may be spent now",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			units, err := parseUnits(args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.CheckUsage(args[0], units, essential))
			})
		},
	}
	check.Flags().BoolVar(&essential, "essential", false, "essential operation")
	c.AddCommand(check)
	return c
}

func proactivityCmd() *cobra.Command {
	c := &cobra.Command{Use: "proactivity", Short: "Show or change admission thresholds"}
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.ProactivityConfig(ctx))
			})
		},
	})
	c.AddCommand(proactivitySetCmd())
	return c
}

func proactivitySetCmd() *cobra.Command {
	var p struct {
		minConfidence, autoExecute, similarity, minEffectiveness float64
		perHour, perDay, minSamples                              int
		quietStart, quietEnd                                     string
	}
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Update selected thresholds",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			var patch domain.ProactivityPatch
			if f.Changed("min-confidence") {
				patch.MinConfidence = &p.minConfidence
			}
			if f.Changed("max-per-hour") {
				patch.MaxActionsPerHour = &p.perHour
			}
			if f.Changed("max-per-day") {
				patch.MaxActionsPerDay = &p.perDay
			}
			if f.Changed("quiet-start") {
				patch.QuietHoursStart = &p.quietStart
			}
			if f.Changed("quiet-end") {
				patch.QuietHoursEnd = &p.quietEnd
			}
			if f.Changed("auto-execute") {
				patch.AutoExecuteThreshold = &p.autoExecute
			}
			if f.Changed("duplicate-similarity") {
				patch.DuplicateSimilarity = &p.similarity
			}
			if f.Changed("min-effectiveness") {
				patch.MinEffectiveness = &p.minEffectiveness
			}
			if f.Changed("min-samples") {
				patch.MinFeedbackSamples = &p.minSamples
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cfg, err := e.UpdateProactivityConfig(ctx, patch, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().Float64Var(&p.minConfidence, "min-confidence", 0, "minimum candidate confidence")
	cmd.Flags().IntVar(&p.perHour, "max-per-hour", 0, "actions per rolling hour")
	cmd.Flags().IntVar(&p.perDay, "max-per-day", 0, "actions per rolling day")
	cmd.Flags().StringVar(&p.quietStart, "quiet-start", "", "quiet hours start (HH:MM)")
	cmd.Flags().StringVar(&p.quietEnd, "quiet-end", "", "quiet hours end (HH:MM)")
	cmd.Flags().Float64Var(&p.autoExecute, "auto-execute", 0, "confidence at which automations skip approval")
	cmd.Flags().Float64Var(&p.similarity, "duplicate-similarity", 0, "title similarity treated as a duplicate")
	cmd.Flags().Float64Var(&p.minEffectiveness, "min-effectiveness", 0, "minimum positive feedback ratio")
	cmd.Flags().IntVar(&p.minSamples, "min-samples", 0, "feedback samples before effectiveness applies")
	return cmd
}

func preferenceCmd() *cobra.Command {
	var strength string
	c := &cobra.Command{Use: "pref", Short: "Manage preferences"}
	add := &cobra.Command{
		Use:   "add <text>",
		Short: "Add a preference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.AddPreference(ctx, domain.Preference{Text: args[0], Strength: domain.PreferenceStrength(strength)}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	add.Flags().StringVar(&strength, "strength", string(domain.PreferenceLike), "strong_like, like, dislike or strong_dislike")
	c.AddCommand(add)
	c.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List preferences",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListPreferences(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})
	return c
}

func eventsCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "events",
		Short: "Event log",
		Long:  "The diary of everything that happened: admissions, rejections, approvals, deliveries and budget shifts.",
	}
	var n int
	var evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.LatestEventsFrom(ctx, n, 0, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	c.AddCommand(tail)
	return c
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the scheduling loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			logger, err := app.NewLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Sync()

			svc, err := app.Bootstrap(cmd.Context(), app.Options{Workspace: workspace, Config: cfg, Logger: logger})
			if err != nil {
				return err
			}
			defer svc.Close()

			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret:        cfg.Server.JWTSecret,
				AllowActorHeader: cfg.Server.AllowActorHeader,
				Logger:           logger,
			}
			if s := viper.GetString("jwt-secret"); s != "" {
				authCfg.JWTSecret = s
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowActorHeader {
				return fmt.Errorf("STEWARD_JWT_SECRET (or server.jwt_secret) is required when actor headers are disabled")
			}
			handler, err := server.New(server.Config{Engine: svc.Engine, BasePath: basePath, Auth: authCfg, Metrics: svc.Metrics})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				logger.Info("serving steward API", zap.String("addr", addr), zap.String("base_path", basePath))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			if !noScheduler {
				g.Go(func() error {
					err := svc.Engine.Loop(ctx, cfg.Scheduler.Interval)
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve the API without running cycles")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				cfg, err := config.LoadOptional(viper.GetString("workspace"))
				if err != nil {
					return err
				}
				secret = cfg.Server.JWTSecret
			}
			if secret == "" {
				return fmt.Errorf("STEWARD_JWT_SECRET (or server.jwt_secret) is required")
			}
			if subject == "" {
				subject = viper.GetString("actor-id")
			}
			tok, err := server.SignToken(secret, subject, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (defaults to --actor-id)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	logger, err := app.NewLogger(config.LogConfig{Level: "warn", Format: "console"})
	if err != nil {
		return err
	}
	svc, err := app.Bootstrap(ctx, app.Options{Workspace: workspace, Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(ctx, svc.Engine)
}

func parseUnits(s string) (int64, error) {
	var n int64
	if _, err := fmt.Sscan(s, &n); err != nil {
		return 0, fmt.Errorf("units must be an integer: %q", s)
	}
	return n, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
