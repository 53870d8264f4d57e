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
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"orion/internal/app"
	"orion/internal/backlog"
	"orion/internal/config"
	"orion/internal/domain"
	"orion/internal/engine"
	"orion/internal/mcpserver"
	"orion/internal/progress"
	"orion/internal/server"
	orionsdk "orion/sdk/go"
)

const version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "orion",
	Short: "Orion phase execution engine",
	Long: `Orion runs a project's task backlog through ordered phases, one agent task at a time.
- Workspace: the directory holding orion.yml and the .orion state directory (SQLite store, run locks).
- Project: a backlog of tasks, each with a phase, a position and an assigned agent.
- Phase: a stage (Discovery, Design, ...); tasks run phase by phase in position order.
- Run: one pass over a phase range; completed tasks are skipped, so re-running resumes.
- Approval gate: a run that stops before the final phase leaves the project awaiting approval.
- Live progress: every run publishes events on /live-progress; 'orion watch' follows them.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ORION")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("addr", "", "HTTP listen address (overrides server.addr)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("addr", rootCmd.PersistentFlags().Lookup("addr"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(executeCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(mcpCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), os.Stderr)
			if err != nil {
				return err
			}
			addr := listenAddr(a.Config)
			handler, err := server.New(server.Config{
				Engine:    a.Engine,
				Providers: a.Providers.Members,
				Auth:      server.AuthConfig{JWTSecret: a.JWTSecret()},
				Logger:    a.Logger,
			})
			if err != nil {
				return err
			}
			stopHooks := server.StartWebhooks(a.Engine.Progress, a.Config.Webhooks, a.Logger)
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				// Stop runs first so SSE clients see their execution_error frames.
				if err := a.Close(ctx); err != nil {
					a.Logger.Warn("shutdown", "error", err)
				}
				srv.Shutdown(ctx)
			}()
			defer stopHooks()
			auth := "off"
			if a.JWTSecret() != "" {
				auth = "bearer"
			}
			a.Logger.Info("serving Orion API", "addr", addr, "auth", auth, "openapi", "/openapi.json", "docs", "/docs")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				a.Close(ctx)
				return err
			}
			return nil
		},
	}
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectImportCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectStatusCmd())
	prj.AddCommand(projectTasksCmd())
	prj.AddCommand(projectLogsCmd())
	return prj
}

func projectImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <backlog.json>",
		Short: "Create a project and its tasks from a JSON backlog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			doc, err := backlog.Parse(data)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := backlog.Importer{Repo: a.Repo, Config: a.Config}.Import(ctx, doc)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"project": res.Project, "tasks": res.Tasks, "phases": res.Phases})
				}
				fmt.Printf("Imported %q (%s): %d tasks across %d phases\n", res.Project.Name, res.Project.ID, res.Tasks, res.Phases)
				return nil
			})
		},
	}
	return cmd
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Priority", "Updated"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, p.Priority, p.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <project-id>",
		Short: "Show per-phase task counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.ProjectStatus(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("Project: %s (%s) - %s\n", st.Project.Name, st.Project.ID, st.Project.Status)
				fmt.Printf("Done: %d/%d\n", st.Done, st.Total)
				tw := newTable()
				tw.AppendHeader(table.Row{"Phase", "Name", "Todo", "In progress", "Review", "Done", "Total"})
				for _, ph := range st.Phases {
					tw.AppendRow(table.Row{
						ph.Phase, ph.Name,
						ph.Counts[string(domain.TaskTodo)],
						ph.Counts[string(domain.TaskInProgress)],
						ph.Counts[string(domain.TaskReview)],
						ph.Counts[string(domain.TaskDone)],
						ph.Total,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks <project-id>",
		Short: "List tasks in execution order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Repo.GetProject(ctx, args[0]); err != nil {
					return err
				}
				tasks, err := a.Repo.ListProjectTasks(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Phase", "#", "Title", "Agent", "Status"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.Phase, t.Position, t.Title, t.AgentName, t.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectLogsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "logs <project-id>",
		Short: "Show the agent audit log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				logs, err := a.Repo.ListAgentLogs(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(logs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Time", "Agent", "Action", "Details"})
				for _, l := range logs {
					tw.AppendRow(table.Row{l.CreatedAt, l.AgentType, l.Action, oneLine(l.Details, 80)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func agentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Show the agent roster",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				agents, err := a.Repo.ListAgents(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(agents)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Type", "Status", "Current task"})
				for _, ag := range agents {
					current := ""
					if ag.CurrentTaskTitle != nil {
						current = *ag.CurrentTaskTitle
					}
					tw.AppendRow(table.Row{ag.ID, ag.Name, ag.Type, ag.Status, current})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func executeCmd() *cobra.Command {
	var minPhase, maxPhase int
	cmd := &cobra.Command{
		Use:   "execute <project-id>",
		Short: "Run a project's phases in the foreground",
		Long:  "Runs the phase range in this process and prints progress as it happens. Use the HTTP API (or MCP) to start runs on a server instead.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				sub := a.Engine.Progress.Subscribe(a.Config.Server.ProgressBuffer)
				printed := make(chan struct{})
				go func() {
					defer close(printed)
					for evt := range sub.C() {
						if viper.GetBool("json") {
							_ = json.NewEncoder(os.Stdout).Encode(evt)
							continue
						}
						if line := formatEvent(toSDKEvent(evt)); line != "" {
							fmt.Println(line)
						}
					}
				}()
				ack, err := a.Engine.RunSync(ctx, engine.TriggerRequest{ProjectID: args[0], MinPhase: minPhase, MaxPhase: maxPhase})
				a.Engine.Progress.Unsubscribe(sub)
				<-printed
				if ack.Message != "" && !viper.GetBool("json") {
					fmt.Println(ack.Message)
				}
				return err
			})
		},
	}
	cmd.Flags().IntVar(&minPhase, "min-phase", 0, "first phase (default 1)")
	cmd.Flags().IntVar(&maxPhase, "max-phase", 0, "last phase (default 99)")
	return cmd
}

func watchCmd() *cobra.Command {
	var baseURL, projectID string
	var untilDone bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow live progress from a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if baseURL == "" {
				cfg, err := config.LoadOptional(viper.GetString("workspace"))
				if err != nil {
					return err
				}
				baseURL = "http://" + listenAddr(cfg)
			}
			client := orionsdk.New(baseURL)
			return client.Stream(cmd.Context(), func(evt orionsdk.Event) error {
				if projectID != "" && evt.ProjectID != "" && evt.ProjectID != projectID {
					return nil
				}
				if viper.GetBool("json") {
					if err := printJSON(evt); err != nil {
						return err
					}
				} else if line := formatEvent(evt); line != "" {
					fmt.Println(line)
				}
				if untilDone && evt.Terminal() {
					return orionsdk.ErrStopStream
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "", "server base URL (default from server.addr)")
	cmd.Flags().StringVar(&projectID, "project", "", "only show run events for this project")
	cmd.Flags().BoolVar(&untilDone, "until-done", false, "exit after the next execution_done or execution_error")
	return cmd
}

func mcpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve MCP tools over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			// stdout carries the protocol; logs go to stderr.
			a, err := openApp(cmd.Context(), os.Stderr)
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				a.Close(ctx)
			}()
			return mcpserver.New(a.Engine, version, a.Logger).Serve(cmd.Context(), os.Stdin, os.Stdout)
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "orion.yml in the workspace sets providers, phases, personas, the agent roster, webhooks and logging. Missing sections fall back to built-in defaults.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default orion.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
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

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate orion.yml",
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
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "DEV ONLY: mint a bearer token for mutating routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			secret := strings.TrimSpace(os.Getenv(cfg.Server.JWTSecretEnv))
			if secret == "" {
				return fmt.Errorf("%s is not set", cfg.Server.JWTSecretEnv)
			}
			token, err := server.SignDevToken(secret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "local-user", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for none)")
	return cmd
}

func openApp(ctx context.Context, logOut io.Writer) (*app.App, error) {
	return app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		LogLevel:  viper.GetString("log-level"),
		LogOut:    logOut,
	})
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := openApp(ctx, os.Stderr)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.Close(closeCtx)
	}()
	return fn(ctx, a)
}

func listenAddr(cfg *config.Config) string {
	if addr := viper.GetString("addr"); addr != "" {
		return addr
	}
	return cfg.Server.Addr
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// toSDKEvent reuses the wire encoding so local and remote progress print
// the same way.
func toSDKEvent(evt progress.Event) orionsdk.Event {
	var out orionsdk.Event
	b, err := json.Marshal(evt)
	if err != nil {
		return orionsdk.Event{Type: string(evt.Type)}
	}
	_ = json.Unmarshal(b, &out)
	return out
}

func formatEvent(e orionsdk.Event) string {
	switch e.Type {
	case "execution_start":
		return fmt.Sprintf("▶ %s: %d phases", e.ProjectName, e.TotalPhases)
	case "phase_start":
		return fmt.Sprintf("── Phase %d %s (%d tasks)", e.Phase, e.PhaseName, e.TaskCount)
	case "phase_skip":
		return fmt.Sprintf("── Phase %d %s skipped: %s", e.Phase, e.PhaseName, e.Reason)
	case "phase_done":
		return fmt.Sprintf("── Phase %d %s done", e.Phase, e.PhaseName)
	case "task_start":
		return fmt.Sprintf("  • %s → %s", e.Title, e.Agent)
	case "rate_limit":
		return fmt.Sprintf("    rate limited, retry %d in %s", e.Retry, time.Duration(e.WaitMS)*time.Millisecond)
	case "task_done":
		mark := "✓"
		if e.Failed {
			mark = "✗"
		}
		return fmt.Sprintf("  %s %s: %s", mark, e.Title, oneLine(e.OutputPreview, 100))
	case "execution_done":
		if e.AwaitingApproval {
			return fmt.Sprintf("■ %s: awaiting approval", e.ProjectName)
		}
		return fmt.Sprintf("■ %s: completed", e.ProjectName)
	case "execution_error":
		return fmt.Sprintf("✗ %s: %s", e.ProjectID, e.Error)
	case "agent_update":
		var busy []string
		for _, a := range e.Agents {
			if a.Status == string(domain.AgentWorking) {
				busy = append(busy, a.Name)
			}
		}
		if len(busy) == 0 {
			return ""
		}
		sort.Strings(busy)
		return "    working: " + strings.Join(busy, ", ")
	default:
		return ""
	}
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) > max {
		return string(r[:max]) + "..."
	}
	return s
}
