package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pledgeline/internal/app"
	"pledgeline/internal/config"
	"pledgeline/internal/domain"
	"pledgeline/internal/engine"
	"pledgeline/internal/ledger"
	"pledgeline/internal/report"
	"pledgeline/internal/server"
	"pledgeline/internal/ui"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Pledgeline CLI",
	Long: `Pledgeline runs commitment contracts: stake gold or tokens on a habit or
goal, hit the target each day or week, and earn a bonus. Miss it with no grace
days left and the stake is forfeited.
- Workspace: the .pledgeline directory holding the database, plus pledgeline.yml with the policy knobs.
- Contract: draft -> active -> (paused | awaiting_recovery) -> cancelled.
- Windows close lazily: any command that touches a contract first evaluates every window that has ended.
- Recovery: after a forfeit, reset to restake or, from the second miss on, reduce the stake once.
- Event log: every change is recorded, view with 'pl log tail'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		if kind := engine.Kind(err); kind != "" && !viper.GetBool("json") {
			fmt.Fprintln(os.Stderr, ui.Bad.Render("error:"), report.Message(err))
			fmt.Fprintln(os.Stderr, ui.Muted.Render(err.Error()))
		} else {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PLEDGELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().StringP("user", "u", "local-user", "user id")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(targetCmd())
	rootCmd.AddCommand(walletCmd())
	rootCmd.AddCommand(contractCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func currentUser() string {
	return strings.TrimSpace(viper.GetString("user"))
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a workspace with a default pledgeline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			written, err := app.Init(cmd.Context(), workspace)
			if err != nil {
				return err
			}
			if written {
				fmt.Printf("Wrote %s\n", config.Path(workspace))
			} else {
				fmt.Printf("Kept existing %s\n", config.Path(workspace))
			}
			return nil
		},
	}
}

// --- targets ---

func targetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "target",
		Short: "Habits and goals you can stake on",
	}
	cmd.AddCommand(targetAddCmd())
	cmd.AddCommand(targetListCmd())
	return cmd
}

func targetAddCmd() *cobra.Command {
	var id, typ string
	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Register a habit or goal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !domain.TargetType(typ).Valid() {
				return fmt.Errorf("--type must be habit or goal")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if id == "" {
					id = uuid.NewString()
				}
				t := domain.Target{
					ID:        id,
					UserID:    currentUser(),
					Type:      domain.TargetType(typ),
					Title:     args[0],
					CreatedAt: e.CurrentTime().UTC().Format(time.RFC3339),
				}
				if err := e.Repo.InsertTarget(ctx, t); err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "target id (generated if empty)")
	cmd.Flags().StringVar(&typ, "type", "habit", "habit or goal")
	return cmd
}

func targetListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List eligible targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListEligibleTargets(ctx, currentUser())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Type", "Title"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Type, t.Title})
				}
				tw.Render()
				return nil
			})
		},
	}
}

// --- wallet ---

func walletCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Gold and token balances",
	}
	cmd.AddCommand(walletShowCmd())
	cmd.AddCommand(walletGrantCmd())
	return cmd
}

func walletShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				balances, err := ledger.SQL{DB: e.DB}.Balances(ctx, currentUser())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(balances)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Currency", "Balance"})
				for _, b := range balances {
					tw.AppendRow(table.Row{b.Currency, b.Amount})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func walletGrantCmd() *cobra.Command {
	var currency string
	var amount int64
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Credit a wallet (dev only; stands in for the app's earning mechanisms)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !domain.Currency(currency).Valid() {
				return fmt.Errorf("--currency must be gold or tokens")
			}
			if amount <= 0 {
				return fmt.Errorf("--amount must be positive")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l := ledger.SQL{DB: e.DB}
				if err := l.Grant(ctx, currentUser(), domain.Currency(currency), amount); err != nil {
					return err
				}
				balance, err := l.CurrentBalance(ctx, currentUser(), domain.Currency(currency))
				if err != nil {
					return err
				}
				return printJSONOrTable(domain.Balance{UserID: currentUser(), Currency: domain.Currency(currency), Amount: balance})
			})
		},
	}
	cmd.Flags().StringVar(&currency, "currency", "gold", "gold or tokens")
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount to credit")
	return cmd
}

// --- contracts ---

func contractCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "contract",
		Aliases: []string{"c"},
		Short:   "Commitment contracts",
	}
	cmd.AddCommand(contractCreateCmd())
	cmd.AddCommand(contractActionCmd("activate", "Escrow the stake and start the first window",
		func(ctx context.Context, e engine.Engine, id string) (engine.Result, error) {
			return e.Activate(ctx, currentUser(), id)
		}))
	cmd.AddCommand(contractActionCmd("progress", "Count one completion in the current window",
		func(ctx context.Context, e engine.Engine, id string) (engine.Result, error) {
			return e.RecordProgress(ctx, currentUser(), id)
		}))
	cmd.AddCommand(contractActionCmd("check", "Evaluate every window that has closed",
		func(ctx context.Context, e engine.Engine, id string) (engine.Result, error) {
			return e.Check(ctx, currentUser(), id)
		}))
	cmd.AddCommand(contractActionCmd("reset", "Restake the original amount after a forfeit",
		func(ctx context.Context, e engine.Engine, id string) (engine.Result, error) {
			return e.Reset(ctx, currentUser(), id)
		}))
	cmd.AddCommand(contractActionCmd("resume", "End a pause early",
		func(ctx context.Context, e engine.Engine, id string) (engine.Result, error) {
			return e.Resume(ctx, currentUser(), id)
		}))
	cmd.AddCommand(contractActionCmd("cancel", "Cancel; refunded within the cooling-off period",
		func(ctx context.Context, e engine.Engine, id string) (engine.Result, error) {
			return e.Cancel(ctx, currentUser(), id)
		}))
	cmd.AddCommand(contractActionCmd("show", "Show a contract, caught up to now",
		func(ctx context.Context, e engine.Engine, id string) (engine.Result, error) {
			if id == "" {
				return e.Active(ctx, currentUser())
			}
			return e.Get(ctx, currentUser(), id)
		}))
	cmd.AddCommand(contractReduceStakeCmd())
	cmd.AddCommand(contractPauseCmd())
	cmd.AddCommand(contractListCmd())
	cmd.AddCommand(contractCheckAllCmd())
	return cmd
}

func contractCreateCmd() *cobra.Command {
	var (
		opts     engine.CreateOptions
		target   string
		cadence  string
		stake    string
		grace    int
		cooling  int
		activate bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft contract",
		Example: `  pl contract create --target run --count 1 --stake 10 --activate
  pl contract create --target book --cadence weekly --count 3 --stake 5 --stake-type tokens`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.TargetID = target
			opts.Cadence = domain.Cadence(cadence)
			opts.StakeType = domain.Currency(stake)
			if cmd.Flags().Changed("grace-days") {
				opts.GraceDays = &grace
			}
			if cmd.Flags().Changed("cooling-off-hours") {
				opts.CoolingOffHours = &cooling
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Create(ctx, currentUser(), opts)
				if err != nil {
					return err
				}
				res := engine.Result{Contract: c}
				if activate {
					if res, err = e.Activate(ctx, currentUser(), c.ID); err != nil {
						return err
					}
				}
				return printResult(e, res)
			})
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "target id (see pl target list)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title (defaults to the target's)")
	cmd.Flags().StringVar(&cadence, "cadence", "daily", "daily or weekly")
	cmd.Flags().IntVar(&opts.TargetCount, "count", 1, "completions required per window")
	cmd.Flags().StringVar(&stake, "stake-type", "gold", "gold or tokens")
	cmd.Flags().Int64Var(&opts.StakeAmount, "stake", 0, "stake amount")
	cmd.Flags().IntVar(&grace, "grace-days", 0, "forgiven misses (default from config)")
	cmd.Flags().IntVar(&cooling, "cooling-off-hours", 0, "refundable cancellation period (default from config)")
	cmd.Flags().BoolVar(&activate, "activate", false, "activate immediately")
	_ = cmd.MarkFlagRequired("target")
	_ = cmd.MarkFlagRequired("stake")
	return cmd
}

func contractActionCmd(use, short string, op func(context.Context, engine.Engine, string) (engine.Result, error)) *cobra.Command {
	args := cobra.ExactArgs(1)
	if use == "show" {
		args = cobra.MaximumNArgs(1)
	}
	return &cobra.Command{
		Use:   use + " <contract-id>",
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) > 0 {
				id = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := op(ctx, e, id)
				if err != nil {
					printEvaluations(res.Evaluations)
					return err
				}
				return printResult(e, res)
			})
		},
	}
}

func contractReduceStakeCmd() *cobra.Command {
	var amount int64
	cmd := &cobra.Command{
		Use:   "reduce-stake <contract-id>",
		Short: "Restart with a smaller stake (once, from the second miss)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ReduceStake(ctx, currentUser(), args[0], amount)
				if err != nil {
					printEvaluations(res.Evaluations)
					return err
				}
				return printResult(e, res)
			})
		},
	}
	cmd.Flags().Int64Var(&amount, "to", 0, "new stake amount")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func contractPauseCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "pause <contract-id>",
		Short: "Suspend evaluation for a number of days",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Pause(ctx, currentUser(), args[0], days)
				if err != nil {
					printEvaluations(res.Evaluations)
					return err
				}
				return printResult(e, res)
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "pause length (default from config)")
	return cmd
}

func contractListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List contracts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.List(ctx, currentUser(), domain.Status(status))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Cadence", "Progress", "Stake", "Misses"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Title, c.Status, c.Cadence,
						fmt.Sprintf("%d/%d", c.CurrentProgress, c.TargetCount),
						fmt.Sprintf("%d %s", c.StakeAmount, c.StakeType), c.MissCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func contractCheckAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-all",
		Short: "Evaluate closed windows for every open contract",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				results, err := e.CheckAll(ctx)
				if viper.GetBool("json") {
					if perr := printJSON(results); perr != nil {
						return perr
					}
					return err
				}
				for _, res := range results {
					fmt.Printf("%s (%s): %s\n", res.Contract.ID, res.Contract.UserID, ui.SummaryLine(report.Summarize(res.Evaluations)))
				}
				if len(results) == 0 {
					fmt.Println(ui.Muted.Render("no windows closed"))
				}
				return err
			})
		},
	}
}

// --- log ---

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Everything that happened to your contracts: creation, progress, evaluations, recoveries.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, contractID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, currentUser(), evtType, contractID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Contract", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&contractID, "contract", "", "contract id filter")
	return cmd
}

// --- config ---

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Contract policy config",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "default",
		Short: "Print the default pledgeline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.GenerateDefault())
			return nil
		},
	})
	return cmd
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			w, err := app.Open(cmd.Context(), viper.GetString("workspace"), logger)
			if err != nil {
				return err
			}
			defer w.Close()
			authCfg := server.AuthConfig{
				JWTSecret:       viper.GetString("jwt-secret"),
				AllowUserHeader: w.Config.Server.AllowUserHeader,
				Logger:          logger,
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowUserHeader {
				return fmt.Errorf("PLEDGELINE_JWT_SECRET is required for bearer auth")
			}
			if basePath == "" {
				basePath = w.Config.Server.BasePath
			}
			handler, err := server.New(server.Config{Engine: w.Engine, BasePath: basePath, Auth: authCfg, Logger: logger})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			logger.Info("serving pledgeline API", "addr", addr, "base_path", basePath)
			fmt.Printf("Serving Pledgeline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	if currentUser() == "" {
		return fmt.Errorf("user not specified; use --user or PLEDGELINE_USER")
	}
	w, err := app.Open(ctx, viper.GetString("workspace"), newLogger())
	if err != nil {
		return err
	}
	defer w.Close()
	return fn(ctx, w.Engine)
}

func printResult(e engine.Engine, res engine.Result) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	printEvaluations(res.Evaluations)
	fmt.Println(ui.StatusCard(report.Status(res.Contract, e.CurrentTime())))
	if res.Refunded > 0 {
		fmt.Println(ui.Good.Render(fmt.Sprintf("Refunded %d %s", res.Refunded, res.Contract.StakeType)))
	}
	if res.Forfeited > 0 {
		fmt.Println(ui.Bad.Render(fmt.Sprintf("Forfeited %d %s", res.Forfeited, res.Contract.StakeType)))
	}
	return nil
}

func printEvaluations(evals []domain.Evaluation) {
	if len(evals) == 0 || viper.GetBool("json") {
		return
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Window", "Actual", "Target", "Result", "Bonus", "Forfeited"})
	for _, ev := range evals {
		tw.AppendRow(table.Row{ev.WindowStart.Format("Mon Jan 2"), ev.ActualCount, ev.TargetCount,
			ui.ResultText(ev.Result, ev.GraceConsumed), ev.BonusAwarded, ev.StakeForfeited})
	}
	tw.Render()
	fmt.Println(ui.SummaryLine(report.Summarize(evals)))
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleRounded)
	return tw
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
