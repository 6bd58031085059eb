package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"quotaline/internal/app"
	"quotaline/internal/config"
	"quotaline/internal/db"
	"quotaline/internal/domain"
	"quotaline/internal/engine"
	"quotaline/internal/logging"
	"quotaline/internal/repo"
	"quotaline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ql",
	Short: "Quotaline CLI",
	Long: `Quotaline tracks delivery quotas, per-user allocations and progress reports.
Core concepts:
- Workspace: the .quotaline directory holding the database and quotaline.yml.
- Project > stage > pool: pools carry the total quota a client ordered.
- Allocation: one user's slice of a pool with a personal target quota.
- Report: an append-only daily log of valid and excluded output; mistakes
  are corrected by reverting the log, never by editing counters.
- Quota adjustments: every pool quota change keeps an immutable audit row
  with a mandatory reason.
- Matrix: the cross-stage progress view with lagging and anomaly flags.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logging.Init(viper.GetString("log-level"), viper.GetBool("json"))
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("QUOTALINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier for audit rows")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(poolCmd())
	rootCmd.AddCommand(quotaCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(allocCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(matrixCmd())
	rootCmd.AddCommand(myCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func withEnv(ctx context.Context, fn func(context.Context, *app.Env) error) error {
	env, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env)
}

func actorID() string { return viper.GetString("actor-id") }

func parseID(arg, what string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", what, arg)
	}
	return id, nil
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func printJSONOrTable(v any) error {
	// tables are rendered where a command has a dedicated layout; the
	// fallback is indented JSON either way
	return printJSON(v)
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			env, err := app.Init(workspace)
			if err != nil {
				return err
			}
			defer env.Close()
			fmt.Printf("initialized workspace at %s (db: %s)\n", config.Path(workspace), db.Path(workspace))
			return nil
		},
	}
}

func projectCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "project", Short: "Manage projects"}
	cmd.AddCommand(projectCreateCmd())
	cmd.AddCommand(projectListCmd())
	return cmd
}

func projectCreateCmd() *cobra.Command {
	var code, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				p, err := env.Engine.CreateProject(ctx, code, name, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "unique project code")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("code")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				items, err := env.Engine.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func stageCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "stage", Short: "Manage stages"}
	cmd.AddCommand(stageCreateCmd())
	cmd.AddCommand(stageListCmd())
	return cmd
}

func stageCreateCmd() *cobra.Command {
	var projectID int64
	var name string
	var seq int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a stage in a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				s, err := env.Engine.CreateStage(ctx, projectID, name, seq, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().Int64Var(&projectID, "project", 0, "project id")
	cmd.Flags().StringVar(&name, "name", "", "stage name")
	cmd.Flags().IntVar(&seq, "seq", 0, "stage order within the project")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func stageListCmd() *cobra.Command {
	var projectID int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stages of a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				items, err := env.Engine.Repo.ListStages(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().Int64Var(&projectID, "project", 0, "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func poolCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "pool", Short: "Manage task pools"}
	cmd.AddCommand(poolCreateCmd())
	cmd.AddCommand(poolShowCmd())
	cmd.AddCommand(poolToggleCmd())
	cmd.AddCommand(poolDeleteCmd())
	return cmd
}

func poolCreateCmd() *cobra.Command {
	var stageID, quota int64
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				p, err := env.Engine.CreatePool(ctx, stageID, name, quota, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().Int64Var(&stageID, "stage", 0, "stage id")
	cmd.Flags().StringVar(&name, "name", "", "pool name")
	cmd.Flags().Int64Var(&quota, "quota", 0, "total quota ordered")
	_ = cmd.MarkFlagRequired("stage")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func poolShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <pool-id>",
		Short: "Show a pool with allocations, progress and anomaly flags",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			poolID, err := parseID(args[0], "pool id")
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				pv, err := env.Engine.GetPoolView(ctx, poolID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(pv)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.SetTitle(fmt.Sprintf("%s  quota=%d  %d%%%s", pv.Pool.Name, pv.Pool.TotalQuota, pv.Progress.Percent, poolFlags(pv)))
				tw.AppendHeader(table.Row{"Allocation", "User", "Target", "Valid", "Excluded", "%", "Flags"})
				for _, av := range pv.Allocations {
					tw.AppendRow(table.Row{
						av.Allocation.ID,
						av.UserName,
						av.Allocation.TargetQuota,
						av.Allocation.CurrentValid,
						av.Allocation.CurrentExcluded,
						av.Progress.Percent,
						rowFlags(av.Progress.Completed, av.Progress.Lagging, av.Anomaly.Anomalous, av.Anomaly.TopReason),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func poolToggleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "toggle <pool-id>",
		Short: "Enable or disable a pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			poolID, err := parseID(args[0], "pool id")
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				p, err := env.Engine.TogglePool(ctx, poolID, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func poolDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <pool-id>",
		Short: "Delete a pool without history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			poolID, err := parseID(args[0], "pool id")
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				if err := env.Engine.DeletePool(ctx, poolID, actorID()); err != nil {
					return err
				}
				fmt.Printf("pool %d deleted\n", poolID)
				return nil
			})
		},
	}
}

func quotaCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "quota", Short: "Adjust and audit pool quotas"}
	cmd.AddCommand(quotaSetCmd())
	cmd.AddCommand(quotaHistoryCmd())
	return cmd
}

func quotaSetCmd() *cobra.Command {
	var to int64
	var reason string
	cmd := &cobra.Command{
		Use:   "set <pool-id>",
		Short: "Change a pool's total quota with an audit reason",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			poolID, err := parseID(args[0], "pool id")
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				res, err := env.Engine.AdjustPoolQuota(ctx, poolID, to, reason, actorID())
				if err != nil {
					return err
				}
				if !viper.GetBool("json") {
					fmt.Printf("pool %d quota %d -> %d (now %d%% complete)\n",
						poolID, res.Adjustment.PreviousQuota, res.Adjustment.NewQuota, res.Preview.Percent)
					return nil
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().Int64Var(&to, "to", 0, "new total quota")
	cmd.Flags().StringVar(&reason, "reason", "", "why the quota changes (recorded in the audit trail)")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func quotaHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <pool-id>",
		Short: "Show a pool's quota adjustment audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			poolID, err := parseID(args[0], "pool id")
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				items, err := env.Engine.Repo.ListQuotaAdjustments(ctx, poolID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "From", "To", "Reason", "Actor", "At"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.PreviousQuota, a.NewQuota, a.Reason, a.ActorID, a.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows (0 = all)")
	return cmd
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage users"}
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				u, err := env.Engine.CreateUser(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.AddCommand(create)
	return cmd
}

func allocCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "alloc", Short: "Manage allocations"}
	cmd.AddCommand(allocCreateCmd())
	cmd.AddCommand(allocListCmd())
	cmd.AddCommand(allocToggleCmd())
	cmd.AddCommand(allocTargetCmd())
	cmd.AddCommand(allocDeleteCmd())
	return cmd
}

func allocCreateCmd() *cobra.Command {
	var poolID, userID, target int64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Allocate a user into a pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				res, err := env.Engine.CreateAllocation(ctx, poolID, userID, target, actorID())
				if err != nil {
					return err
				}
				if res.OverAllocated {
					fmt.Fprintf(os.Stderr, "warning: active targets (%d) exceed pool quota (%d)\n",
						res.ActiveTargets, res.PoolQuota)
				}
				return printJSONOrTable(res.Allocation)
			})
		},
	}
	cmd.Flags().Int64Var(&poolID, "pool", 0, "pool id")
	cmd.Flags().Int64Var(&userID, "user", 0, "user id")
	cmd.Flags().Int64Var(&target, "target", 0, "target quota for this user")
	_ = cmd.MarkFlagRequired("pool")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func allocListCmd() *cobra.Command {
	var poolID, userID int64
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List allocations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				items, err := env.Engine.Repo.ListAllocations(ctx, repo.AllocationFilters{
					PoolID: poolID,
					UserID: userID,
					Status: status,
					Limit:  limit,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().Int64Var(&poolID, "pool", 0, "filter by pool id")
	cmd.Flags().Int64Var(&userID, "user", 0, "filter by user id")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (active, disabled)")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows (0 = all)")
	return cmd
}

func allocToggleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "toggle <allocation-id>",
		Short: "Enable or disable an allocation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "allocation id")
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				a, err := env.Engine.ToggleAllocation(ctx, id, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func allocTargetCmd() *cobra.Command {
	var to int64
	cmd := &cobra.Command{
		Use:   "target <allocation-id>",
		Short: "Change an allocation's target quota",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "allocation id")
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				a, snap, err := env.Engine.UpdateAllocationTarget(ctx, id, to, actorID())
				if err != nil {
					return err
				}
				if !viper.GetBool("json") {
					fmt.Printf("allocation %d target -> %d (now %d%%)\n", a.ID, a.TargetQuota, snap.Percent)
					return nil
				}
				return printJSON(map[string]any{"allocation": a, "progress": snap})
			})
		},
	}
	cmd.Flags().Int64Var(&to, "to", 0, "new target quota")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func allocDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <allocation-id>",
		Short: "Delete an allocation without report history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "allocation id")
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				if err := env.Engine.DeleteAllocation(ctx, id, actorID()); err != nil {
					return err
				}
				fmt.Printf("allocation %d deleted\n", id)
				return nil
			})
		},
	}
}

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "report", Short: "Submit and revert progress reports"}
	cmd.AddCommand(reportSubmitCmd())
	cmd.AddCommand(reportRevertCmd())
	cmd.AddCommand(reportListCmd())
	return cmd
}

func reportSubmitCmd() *cobra.Command {
	var allocationID, valid, excluded int64
	var date, reason, comment, key string
	var backfill bool
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a progress report",
		RunE: func(cmd *cobra.Command, args []string) error {
			if date == "" {
				date = time.Now().UTC().Format("2006-01-02")
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				res, err := env.Engine.SubmitReport(ctx, engine.SubmitReportOptions{
					AllocationID:    allocationID,
					LogDate:         date,
					ValidQty:        valid,
					ExcludedQty:     excluded,
					ExclusionReason: reason,
					Comment:         comment,
					Backfill:        backfill,
					SubmissionKey:   key,
					ActorID:         actorID(),
				})
				if err != nil {
					return err
				}
				if !viper.GetBool("json") {
					fmt.Printf("log %d recorded: allocation %d at %d%%, pool %d at %d%%\n",
						res.Log.ID, res.Allocation.ID, res.Progress.Percent, res.Pool.ID, res.PoolProgress.Percent)
					return nil
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().Int64Var(&allocationID, "allocation", 0, "allocation id")
	cmd.Flags().StringVar(&date, "date", "", "log date YYYY-MM-DD (default today)")
	cmd.Flags().Int64Var(&valid, "valid", 0, "valid units delivered")
	cmd.Flags().Int64Var(&excluded, "excluded", 0, "excluded units")
	cmd.Flags().StringVar(&reason, "reason", "", "exclusion reason ("+strings.Join(domain.ExclusionReasons, ", ")+")")
	cmd.Flags().StringVar(&comment, "comment", "", "free-form note")
	cmd.Flags().BoolVar(&backfill, "backfill", false, "mark as a late report for a past date")
	cmd.Flags().StringVar(&key, "key", "", "submission key for idempotent retries")
	_ = cmd.MarkFlagRequired("allocation")
	return cmd
}

func reportRevertCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revert <log-id>",
		Short: "Revert a submitted report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "log id")
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				res, err := env.Engine.RevertReport(ctx, id, actorID())
				if err != nil {
					return err
				}
				if !viper.GetBool("json") {
					fmt.Printf("log %d reverted: allocation %d back to %d valid / %d excluded\n",
						res.Log.ID, res.Allocation.ID, res.Allocation.CurrentValid, res.Allocation.CurrentExcluded)
					return nil
				}
				return printJSON(res)
			})
		},
	}
}

func reportListCmd() *cobra.Command {
	var allocationID, poolID int64
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List report logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				items, err := env.Engine.Repo.ListReportLogs(ctx, repo.ReportFilters{
					AllocationID: allocationID,
					PoolID:       poolID,
					Status:       status,
					Limit:        limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Allocation", "Date", "Valid", "Excluded", "Reason", "Status"})
				for _, l := range items {
					reason := ""
					if l.ExclusionReason != nil {
						reason = *l.ExclusionReason
					}
					tw.AppendRow(table.Row{l.ID, l.AllocationID, l.LogDate, l.ValidQty, l.ExcludedQty, reason, l.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&allocationID, "allocation", 0, "filter by allocation id")
	cmd.Flags().Int64Var(&poolID, "pool", 0, "filter by pool id")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (active, reverted)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func matrixCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "matrix <project-id>",
		Short: "Cross-stage progress matrix for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := parseID(args[0], "project id")
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				m, err := env.Engine.GetMatrixView(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(m)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.SetTitle(fmt.Sprintf("%s (%s)", m.Project.Name, m.Project.Code))
				tw.AppendHeader(table.Row{"Stage", "Pool", "Quota", "Valid", "Excluded", "%", "Flags"})
				for _, sv := range m.Stages {
					for _, pv := range sv.Pools {
						tw.AppendRow(table.Row{
							sv.Stage.Name,
							pv.Pool.Name,
							pv.Pool.TotalQuota,
							pv.Pool.AggValid,
							pv.Pool.AggExcluded,
							pv.Progress.Percent,
							rowFlags(pv.Progress.Completed, pv.Progress.Lagging, pv.Anomaly.Anomalous, pv.Anomaly.TopReason) + poolFlags(pv),
						})
					}
				}
				tw.Render()
				return nil
			})
		},
	}
}

func myCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "my <user-id>",
		Short: "Active allocations and progress for one user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseID(args[0], "user id")
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				items, err := env.Engine.GetMyAllocations(ctx, userID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Allocation", "Pool", "Target", "Valid", "Excluded", "%", "Flags"})
				for _, row := range items {
					tw.AppendRow(table.Row{
						row.Allocation.ID,
						row.PoolName,
						row.Allocation.TargetQuota,
						row.Allocation.CurrentValid,
						row.Allocation.CurrentExcluded,
						row.Progress.Percent,
						rowFlags(row.Progress.Completed, row.Progress.Lagging, false, ""),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect workspace config"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cmd
}

func logCmd() *cobra.Command {
	var limit int
	var projectID string
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Audit event log",
	}
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				items, err := env.Engine.Events.Tail(ctx, projectID, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	tail.Flags().IntVar(&limit, "limit", 50, "max events")
	tail.Flags().StringVar(&projectID, "project", "", "filter by project id")
	cmd.AddCommand(tail)
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				log := logging.Init(viper.GetString("log-level"), true)
				authCfg := server.AuthConfig{
					JWTSecret:        os.Getenv("QUOTALINE_JWT_SECRET"),
					AllowActorHeader: allowActorHeader,
					Logger:           log,
				}
				if authCfg.JWTSecret == "" && !allowActorHeader {
					return fmt.Errorf("QUOTALINE_JWT_SECRET is required unless --allow-actor-header is set")
				}
				handler, err := server.New(server.Config{
					Engine:   env.Engine,
					BasePath: basePath,
					Auth:     authCfg,
					Logger:   log,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				log.WithFields(logrus.Fields{"addr": addr, "base_path": basePath}).
					Info("serving Quotaline API (OpenAPI at /openapi.json, Swagger UI at /docs)")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept X-Actor-Id without credentials (local use)")
	return cmd
}

func rowFlags(completed, lagging, anomalous bool, topReason string) string {
	var flags []string
	if completed {
		flags = append(flags, "done")
	}
	if lagging {
		flags = append(flags, "lagging")
	}
	if anomalous {
		if topReason != "" {
			flags = append(flags, "anomaly:"+topReason)
		} else {
			flags = append(flags, "anomaly")
		}
	}
	return strings.Join(flags, " ")
}

func poolFlags(pv engine.PoolView) string {
	if pv.OverAllocated {
		return " over-allocated"
	}
	return ""
}
