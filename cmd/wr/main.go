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

	"warroom/internal/app"
	"warroom/internal/captain"
	"warroom/internal/config"
	"warroom/internal/db"
	"warroom/internal/domain"
	"warroom/internal/migrate"
	"warroom/internal/server"
	"warroom/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "wr",
	Short: "Warroom CLI",
	Long: `Warroom coordinates autonomous worker roles through battle plans.
A request comes in, the captain picks a plan (feature, bugfix, or a custom
template), decomposes it into work items, and runs them in convoys whose
parallelism adapts to host load. Every mutation is versioned and logged;
handoffs and delegations between roles leave an audit trail.`,
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
	viper.SetEnvPrefix("WARROOM")
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
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(coordinateCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(convoyCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(handoffCmd())
	rootCmd.AddCommand(delegationCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(metricsCmd())
	rootCmd.AddCommand(routeCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a warroom workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); os.IsNotExist(err) {
				data, err := config.Default().ToYAML()
				if err != nil {
					return err
				}
				if err := os.WriteFile(path, data, 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", path)
			}
			fmt.Println("workspace ready")
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Workspace status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Store.List(ctx, store.Filters{})
				if err != nil {
					return err
				}
				counts := map[string]int{}
				for _, item := range items {
					counts[item.Status]++
				}
				execs, err := a.Store.ListExecutions(ctx, 0)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"item_counts": counts,
					"executions":  len(execs),
				})
			})
		},
	}
}

func coordinateCmd() *cobra.Command {
	var title, desc, planName string
	var labels []string
	cmd := &cobra.Command{
		Use:   "coordinate",
		Short: "Coordinate a request into a plan execution",
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" {
				return fmt.Errorf("--title required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				a.Monitor.Start(ctx)
				defer a.Monitor.Stop()
				h, err := a.Captain.Coordinate(ctx, captain.Request{
					Title:       title,
					Description: desc,
					Plan:        planName,
					Labels:      labels,
					Requester:   viper.GetString("actor-id"),
				})
				if err != nil && h.ExecutionID == "" {
					return err
				}
				if err != nil {
					fmt.Println("execution finished with error:", err)
				}
				return printJSONOrTable(h)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "request title")
	cmd.Flags().StringVar(&desc, "desc", "", "request description")
	cmd.Flags().StringVar(&planName, "plan", "", "battle plan override")
	cmd.Flags().StringSliceVar(&labels, "label", nil, "request labels")
	return cmd
}

func itemCmd() *cobra.Command {
	item := &cobra.Command{Use: "item", Short: "Work items"}
	item.AddCommand(itemListCmd())
	item.AddCommand(itemShowCmd())
	item.AddCommand(itemCreateCmd())
	item.AddCommand(itemSetStatusCmd())
	item.AddCommand(itemAddDepCmd())
	item.AddCommand(itemLogCmd())
	return item
}

func itemListCmd() *cobra.Command {
	var status, role string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Store.List(ctx, store.Filters{Status: status, Role: role, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Role", "Version"})
				for _, it := range items {
					role := ""
					if it.AssignedRole != nil {
						role = *it.AssignedRole
					}
					tw.AppendRow(table.Row{it.ID, it.Title, it.Status, role, it.Version})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&role, "role", "", "assigned role filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	return cmd
}

func itemShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <item-id>",
		Short: "Work item detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				it, err := a.Store.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
}

func itemCreateCmd() *cobra.Command {
	var id, title, role string
	var deps []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" {
				return fmt.Errorf("--title required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				it := domain.WorkItem{ID: id, Title: title, DependsOn: deps}
				if role != "" {
					it.AssignedRole = &role
				}
				created, err := a.Store.Create(ctx, it)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "item id (generated when omitted)")
	cmd.Flags().StringVar(&title, "title", "", "item title")
	cmd.Flags().StringVar(&role, "role", "", "assigned role")
	cmd.Flags().StringSliceVar(&deps, "dep", nil, "dependency item ids")
	return cmd
}

func itemSetStatusCmd() *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:   "set-status <item-id> <status>",
		Short: "Move a work item, guarded by its version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				expected := version
				if expected == 0 {
					it, err := a.Store.Get(ctx, args[0])
					if err != nil {
						return err
					}
					expected = it.Version
				}
				it, err := a.Store.Update(ctx, args[0], expected, func(w *domain.WorkItem) error {
					w.Status = args[1]
					return nil
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().Int64Var(&version, "expect-version", 0, "expected version (0 = current)")
	return cmd
}

func itemAddDepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add-dep <item-id> <depends-on-id>",
		Short: "Add a dependency edge to a work item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Store.Get(ctx, args[1]); err != nil {
					return err
				}
				if err := a.Store.AddDependency(ctx, args[0], args[1]); err != nil {
					return err
				}
				it, err := a.Store.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
}

func itemLogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "log <item-id>",
		Short: "Work item change log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				entries, err := a.Store.ChangeLog(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(entries)
			})
		},
	}
}

func convoyCmd() *cobra.Command {
	c := &cobra.Command{Use: "convoy", Short: "Convoys"}
	c.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List convoys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				convoys, err := a.Store.ListConvoys(ctx, 0)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(convoys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Members"})
				for _, cv := range convoys {
					tw.AppendRow(table.Row{cv.ID, cv.Name, cv.Status, len(cv.MemberIDs)})
				}
				tw.Render()
				return nil
			})
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "show <convoy-id>",
		Short: "Convoy detail with derived status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cv, err := a.Store.GetConvoy(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(cv)
			})
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "run <convoy-id>",
		Short: "Execute a convoy's members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				a.Monitor.Start(ctx)
				defer a.Monitor.Stop()
				outcomes, err := a.Executor.Scheduler().Execute(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(outcomes)
			})
		},
	})
	return c
}

func planCmd() *cobra.Command {
	p := &cobra.Command{Use: "plan", Short: "Battle plans and executions"}
	p.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List plan templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if viper.GetBool("json") {
					return printJSON(a.Registry.List())
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Phases"})
				for _, pl := range a.Registry.List() {
					names := make([]string, len(pl.Phases))
					for i, ph := range pl.Phases {
						names[i] = ph.Name
					}
					tw.AppendRow(table.Row{pl.Name, strings.Join(names, " -> ")})
				}
				tw.Render()
				return nil
			})
		},
	})
	p.AddCommand(&cobra.Command{
		Use:   "executions",
		Short: "List executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				execs, err := a.Store.ListExecutions(ctx, 0)
				if err != nil {
					return err
				}
				return printJSONOrTable(execs)
			})
		},
	})
	p.AddCommand(&cobra.Command{
		Use:   "show <execution-id>",
		Short: "Execution status with phases",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				h, err := a.Captain.Status(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(h)
			})
		},
	})
	p.AddCommand(&cobra.Command{
		Use:   "run <execution-id>",
		Short: "Run or resume an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				a.Monitor.Start(ctx)
				defer a.Monitor.Stop()
				h, err := a.Captain.Run(ctx, args[0])
				if err != nil && h.ExecutionID == "" {
					return err
				}
				if err != nil {
					fmt.Println("execution finished with error:", err)
				}
				return printJSONOrTable(h)
			})
		},
	})
	p.AddCommand(&cobra.Command{
		Use:   "abort <execution-id>",
		Short: "Abort an execution at the next stage boundary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Captain.Abort(ctx, args[0])
			})
		},
	})
	return p
}

func handoffCmd() *cobra.Command {
	var fromRole, toRole, note, scope string
	var delegate bool
	cmd := &cobra.Command{
		Use:   "handoff <item-id>",
		Short: "Hand a work item to another role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if toRole == "" {
				return fmt.Errorf("--to required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if delegate {
					rec, link, err := a.Ledger.HandoffWithDelegation(ctx, args[0], fromRole, toRole, note, scope)
					if err != nil {
						return err
					}
					return printJSONOrTable(map[string]any{"handoff": rec, "delegation": link})
				}
				rec, err := a.Ledger.Handoff(ctx, args[0], fromRole, toRole, note)
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&fromRole, "from", "", "current role")
	cmd.Flags().StringVar(&toRole, "to", "", "receiving role")
	cmd.Flags().StringVar(&note, "note", "", "handoff note")
	cmd.Flags().BoolVar(&delegate, "delegate", false, "create an accountable delegation with the handoff")
	cmd.Flags().StringVar(&scope, "scope", "", "delegation scope")
	return cmd
}

func delegationCmd() *cobra.Command {
	d := &cobra.Command{Use: "delegation", Short: "Delegation links"}
	d.AddCommand(&cobra.Command{
		Use:   "list <item-id>",
		Short: "Delegations for a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				links, err := a.Ledger.DelegationsFor(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(links)
			})
		},
	})
	for _, tr := range []struct {
		use   string
		apply func(a *app.App) func(context.Context, string) (domain.DelegationLink, error)
	}{
		{"accept", func(a *app.App) func(context.Context, string) (domain.DelegationLink, error) {
			return a.Ledger.AcceptDelegation
		}},
		{"complete", func(a *app.App) func(context.Context, string) (domain.DelegationLink, error) {
			return a.Ledger.CompleteDelegation
		}},
		{"revoke", func(a *app.App) func(context.Context, string) (domain.DelegationLink, error) {
			return a.Ledger.RevokeDelegation
		}},
	} {
		tr := tr
		d.AddCommand(&cobra.Command{
			Use:   tr.use + " <delegation-id>",
			Short: strings.ToUpper(tr.use[:1]) + tr.use[1:] + " a delegation",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
					link, err := tr.apply(a)(ctx, args[0])
					if err != nil {
						return err
					}
					return printJSONOrTable(link)
				})
			},
		})
	}
	return d
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Event log"}
	var n int
	var evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Store.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	l.AddCommand(tail)
	return l
}

func metricsCmd() *cobra.Command {
	var samples int
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Convoy outcome and resource metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				summary, err := a.Metrics.Summarize(ctx)
				if err != nil {
					return err
				}
				res, err := a.Metrics.LatestResourceSamples(ctx, samples)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"summary": summary, "resources": res})
			})
		},
	}
	cmd.Flags().IntVar(&samples, "samples", 10, "resource samples to show")
	return cmd
}

func routeCmd() *cobra.Command {
	r := &cobra.Command{Use: "route", Short: "Routing health"}
	r.AddCommand(&cobra.Command{
		Use:   "health <destination>",
		Short: "Health and circuit state for a destination",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				health, state, rate, err := a.Router.HealthOf(args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"destination":   args[0],
					"health":        health,
					"circuit_state": state.String(),
					"block_rate":    rate,
				})
			})
		},
	})
	r.AddCommand(&cobra.Command{
		Use:   "events <destination>",
		Short: "Recent routing decisions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Metrics.RoutingEvents(ctx, args[0], 50)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	})
	return r
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	var file string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import config into the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return config.SaveDB(ctx, a.DB, cfg)
			})
		},
	}
	importCmd.Flags().StringVar(&file, "file", "", "config yaml path")
	c.AddCommand(importCmd)
	c.AddCommand(&cobra.Command{
		Use:   "export",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				data, err := a.Config.ToYAML()
				if err != nil {
					return err
				}
				fmt.Print(string(data))
				return nil
			})
		},
	})
	return c
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				a.Monitor.Start(ctx)
				defer a.Monitor.Stop()
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				secret := os.Getenv("WARROOM_JWT_SECRET")
				if secret == "" {
					secret = a.Config.Server.JWTSecret
				}
				handler, err := server.New(server.Config{
					Store:    a.Store,
					Captain:  a.Captain,
					Ledger:   a.Ledger,
					Router:   a.Router,
					Metrics:  a.Metrics,
					Registry: a.Registry,
					Monitor:  a.Monitor,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret},
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
				fmt.Printf("Serving Warroom API on http://%s%s (OpenAPI at /openapi.json)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	workspace := viper.GetString("workspace")
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return err
	}
	a, err := app.New(ctx, workspace, nil)
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
