package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"skyplan/internal/app"
	"skyplan/internal/config"
	"skyplan/internal/db"
	"skyplan/internal/domain"
	"skyplan/internal/inbox"
	"skyplan/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sky",
	Short: "Skyplan CLI",
	Long: `Skyplan plans and commits satellite acquisition schedules against a
remote scheduling backend.
- Workspace: the directory holding skyplan.yml and the .skyplan database.
- Inbox: standing imaging orders, scored by the backend.
- Batch: a set of orders planned together (draft -> planned -> committed).
- Commit: promote a planning result into committed acquisitions; the
  local accepted-order list is the receipt, the backend is authoritative.
- Event log: diary of commits and batch transitions, view with 'sky log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SKYPLAN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(inboxCmd())
	rootCmd.AddCommand(batchCmd())
	rootCmd.AddCommand(ordersCmd())
	rootCmd.AddCommand(commitCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var workspaceID, backendURL string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default skyplan.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if workspaceID == "" {
				return fmt.Errorf("--workspace-id required")
			}
			if backendURL == "" {
				return fmt.Errorf("--backend-url required")
			}
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(workspaceID, backendURL)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&workspaceID, "workspace-id", "", "workspace id on the backend")
	cmd.Flags().StringVar(&backendURL, "backend-url", "", "scheduling backend base URL")
	_ = cmd.MarkFlagRequired("workspace-id")
	_ = cmd.MarkFlagRequired("backend-url")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func inboxCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "inbox", Short: "Standing order inbox"}
	cmd.AddCommand(inboxListCmd())
	cmd.AddCommand(inboxRejectCmd())
	cmd.AddCommand(inboxDeferCmd())
	return cmd
}

func inboxListCmd() *cobra.Command {
	var priorityMin, dueWithin int
	var policyID, target, status string
	var scoreMin float64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Fetch backend-scored orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				filters := a.DefaultInboxFilters()
				if cmd.Flags().Changed("priority-min") {
					filters.PriorityMin = priorityMin
				}
				if cmd.Flags().Changed("due-within") {
					filters.DueWithinHours = dueWithin
				}
				filters.PolicyID = policyID
				if _, err := a.Inbox.Fetch(ctx, filters); err != nil {
					return err
				}
				a.Inbox.SetLocalFilter(inbox.Filter{
					TargetContains: target,
					ScoreMin:       scoreMin,
					Status:         status,
				})
				orders := a.Inbox.Visible()
				if viper.GetBool("json") {
					return printJSON(orders)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Target", "Priority", "Due", "Status", "Score"})
				for _, so := range orders {
					tw.AppendRow(table.Row{
						so.Order.ID, so.Order.TargetID, so.Order.Priority,
						so.Order.DueTime, so.Order.Status, fmt.Sprintf("%.2f", so.Score),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&priorityMin, "priority-min", 0, "minimum priority")
	cmd.Flags().IntVar(&dueWithin, "due-within", 0, "due within hours")
	cmd.Flags().StringVar(&policyID, "policy", "", "score under this policy")
	cmd.Flags().StringVar(&target, "target", "", "local filter: target id contains")
	cmd.Flags().Float64Var(&scoreMin, "score-min", 0, "local filter: minimum score")
	cmd.Flags().StringVar(&status, "status", "", "local filter: order status")
	return cmd
}

func inboxRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <order_id>",
		Short: "Reject a standing order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Inbox.Reject(ctx, args[0], reason); err != nil {
					return err
				}
				fmt.Printf("Rejected %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func inboxDeferCmd() *cobra.Command {
	var hours int
	cmd := &cobra.Command{
		Use:   "defer <order_id>",
		Short: "Push an order's due time out",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if hours <= 0 {
				return fmt.Errorf("--hours must be positive")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Inbox.Defer(ctx, args[0], hours); err != nil {
					return err
				}
				fmt.Printf("Deferred %s by %dh\n", args[0], hours)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&hours, "hours", 24, "hours to defer by")
	return cmd
}

func batchCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "batch", Short: "Plan and commit order batches"}
	cmd.AddCommand(batchCreateCmd())
	cmd.AddCommand(batchListCmd())
	cmd.AddCommand(batchShowCmd())
	cmd.AddCommand(batchPlanCmd())
	cmd.AddCommand(batchCommitCmd())
	cmd.AddCommand(batchCancelCmd())
	return cmd
}

func batchCreateCmd() *cobra.Command {
	var orders []string
	var policyID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				b, err := a.Batches.Create(ctx, orders, policyID)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringSliceVar(&orders, "orders", nil, "order ids")
	cmd.Flags().StringVar(&policyID, "policy", "", "optimization policy id")
	_ = cmd.MarkFlagRequired("orders")
	return cmd
}

func batchListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List batches from the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				batches, err := a.Batches.Refresh(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(batches)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Policy", "Status", "Orders", "Created"})
				for _, b := range batches {
					tw.AppendRow(table.Row{b.ID, b.PolicyID, b.Status, len(b.Orders), b.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func batchShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <batch_id>",
		Short: "Show a batch with plan diagnostics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Batches.Refresh(ctx); err != nil {
					return err
				}
				b, err := a.Batches.Get(args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	return cmd
}

func batchPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan <batch_id>",
		Short: "Run the optimizer for a draft batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Batches.Refresh(ctx); err != nil {
					return err
				}
				b, err := a.Batches.Plan(ctx, args[0])
				if err != nil {
					return err
				}
				if b.Diagnostics != nil {
					fmt.Printf("Planned %s: %d satisfied, %d unsatisfied, %d acquisitions (%dms)\n",
						b.ID, b.Diagnostics.OrdersSatisfied, b.Diagnostics.OrdersUnsatisfied,
						b.Diagnostics.AcquisitionsPlanned, b.Diagnostics.ComputeTimeMS)
				}
				return printJSONOrTable(b)
			})
		},
	}
	return cmd
}

func batchCommitCmd() *cobra.Command {
	var lockLevel string
	cmd := &cobra.Command{
		Use:   "commit <batch_id>",
		Short: "Commit a planned batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Batches.Refresh(ctx); err != nil {
					return err
				}
				level := lockLevel
				if level == "" {
					level = a.Config.Commit.DefaultLockLevel
				}
				b, err := a.Batches.Commit(ctx, args[0], level)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&lockLevel, "lock-level", "", "lock level (none, soft, hard)")
	return cmd
}

func batchCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <batch_id>",
		Short: "Cancel a draft or planned batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Batches.Refresh(ctx); err != nil {
					return err
				}
				b, err := a.Batches.Cancel(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	return cmd
}

func ordersCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "orders", Short: "Locally accepted orders"}
	cmd.AddCommand(ordersListCmd())
	cmd.AddCommand(ordersShowCmd())
	cmd.AddCommand(ordersRemoveCmd())
	cmd.AddCommand(ordersClearCmd())
	cmd.AddCommand(ordersExportCmd())
	cmd.AddCommand(ordersImportCmd())
	return cmd
}

func ordersListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List accepted orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				orders := a.Cache.List()
				if viper.GetBool("json") {
					return printJSON(orders)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Order", "Name", "Algorithm", "Acquisitions", "Satellites", "Created"})
				for _, o := range orders {
					tw.AppendRow(table.Row{
						o.OrderID, o.Name, o.Algorithm, len(o.Schedule),
						strings.Join(o.SatellitesInvolved, ","), o.CreatedAt,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func ordersShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <order_id>",
		Short: "Show an accepted order with its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				o, err := a.Cache.Get(args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	return cmd
}

func ordersRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <order_id>",
		Short: "Remove an accepted order from the local cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Cache.Remove(ctx, args[0])
			})
		},
	}
	return cmd
}

func ordersClearCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear the local accepted-order cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Cache.Clear(ctx)
			})
		},
	}
	return cmd
}

func ordersExportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export accepted orders to a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				data, err := json.MarshalIndent(a.Cache.List(), "", "  ")
				if err != nil {
					return err
				}
				if filePath == "" {
					fmt.Println(string(data))
					return nil
				}
				return os.WriteFile(filePath, data, 0o644)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "output file (stdout if empty)")
	return cmd
}

func ordersImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Replace the accepted-order cache from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var orders []domain.AcceptedOrder
			if err := json.Unmarshal(data, &orders); err != nil {
				return fmt.Errorf("parse %s: %w", filePath, err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Cache.Replace(ctx, orders)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "input JSON file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func commitCmd() *cobra.Command {
	var algorithm, filePath string
	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Promote a planning result to committed acquisitions",
		Long: `Reads a planning result JSON file and commits its schedule. A result
carrying repair_plan_id uses the repair protocol; the receipt then records
only the newly created acquisition ids.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var result domain.PlanningResult
			if err := json.Unmarshal(data, &result); err != nil {
				return fmt.Errorf("parse %s: %w", filePath, err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				receipt, err := a.Commit.Promote(ctx, algorithm, result)
				if err != nil {
					return err
				}
				fmt.Printf("Committed as %s (%d acquisitions)\n", receipt.OrderID, len(receipt.Schedule))
				return printJSONOrTable(receipt)
			})
		},
	}
	cmd.Flags().StringVar(&algorithm, "algorithm", "", "planning algorithm name")
	cmd.Flags().StringVar(&filePath, "file", "", "planning result JSON file")
	_ = cmd.MarkFlagRequired("algorithm")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: commits, batch transitions, inbox intents.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Events.Latest(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the local HTTP API for UI collaborators",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				secret := os.Getenv("SKYPLAN_JWT_SECRET")
				if secret == "" {
					secret = a.Config.API.JWTSecret
				}
				handler, err := server.New(server.Config{
					Cache:    a.Cache,
					Commit:   a.Commit,
					Batches:  a.Batches,
					Inbox:    a.Inbox,
					Events:   a.Events,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				fmt.Printf("Serving Skyplan local API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
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
