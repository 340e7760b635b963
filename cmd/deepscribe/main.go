package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"deepscribe/internal/config"
	"deepscribe/internal/db"
	"deepscribe/internal/domain"
	"deepscribe/internal/engine"
	"deepscribe/internal/events"
	"deepscribe/internal/export"
	"deepscribe/internal/llm"
	"deepscribe/internal/migrate"
	"deepscribe/internal/pipeline"
	"deepscribe/internal/repo"
	"deepscribe/internal/runner"
	"deepscribe/internal/search"
	"deepscribe/internal/server"
	"deepscribe/internal/stages"
	"deepscribe/internal/step"
	"deepscribe/internal/track"
)

var rootCmd = &cobra.Command{
	Use:   "deepscribe",
	Short: "DeepScribe CLI",
	Long: `DeepScribe generates long-form content through a staged workflow:
- Project: a content brief (topic, audience, goal, tone, word count).
- Titles: generate 5-7 candidates, pick one.
- Plan: a section outline you can edit, then approve.
- Run: research and write every section in parallel, validate quality,
  then polish the full draft in a final editing pass.
- Drafts: every run produces a new version; approve one to publish.
Use 'deepscribe serve' for the HTTP API with live websocket updates.`,
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
	viper.SetEnvPrefix("DEEPSCRIBE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	// Provider keys may live in a workspace .env file.
	_ = godotenv.Load(filepath.Join(viper.GetString("workspace"), ".env"))
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(titlesCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logsCmd())
	rootCmd.AddCommand(resultCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage content projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectDeleteCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var in engine.CreateProjectInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProject(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&in.Topic, "topic", "", "content topic")
	cmd.Flags().StringVar(&in.TargetAudience, "audience", "", "target audience")
	cmd.Flags().StringVar(&in.Goal, "goal", "", "goal (seo, thought_leadership, technical, marketing)")
	cmd.Flags().StringVar(&in.Tone, "tone", "", "tone (authoritative, conversational, academic, persuasive)")
	cmd.Flags().StringVar(&in.ExpertiseLevel, "expertise", "", "expertise level (beginner, intermediate, expert)")
	cmd.Flags().IntVar(&in.WordCountMin, "min-words", 0, "minimum word count")
	cmd.Flags().IntVar(&in.WordCountMax, "max-words", 0, "maximum word count")
	cmd.Flags().StringVar(&in.Constraints, "constraints", "", "free-form constraints")
	_ = cmd.MarkFlagRequired("topic")
	_ = cmd.MarkFlagRequired("audience")
	return cmd
}

func projectListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Topic", "Status", "Audience", "Updated"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Topic, p.Status, p.TargetAudience, p.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <project-id>",
		Short: "Delete a project and all its artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine) error {
				return e.DeleteProject(ctx, args[0])
			})
		},
	}
	return cmd
}

func titlesCmd() *cobra.Command {
	titles := &cobra.Command{Use: "titles", Short: "Generate and select titles"}
	titles.AddCommand(titlesGenerateCmd())
	titles.AddCommand(titlesListCmd())
	titles.AddCommand(titlesSelectCmd())
	return titles
}

func titlesGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate <project-id>",
		Short: "Generate title candidates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), true, func(ctx context.Context, e engine.Engine) error {
				titles, err := e.GenerateTitles(ctx, args[0])
				if err != nil {
					return err
				}
				return printTitles(titles)
			})
		},
	}
	return cmd
}

func titlesListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <project-id>",
		Short: "List title candidates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				titles, err := r.ListTitles(ctx, args[0])
				if err != nil {
					return err
				}
				return printTitles(titles)
			})
		},
	}
	return cmd
}

func titlesSelectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "select <project-id> <title-id>",
		Short: "Select a title",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine) error {
				title, err := e.SelectTitle(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(title)
			})
		},
	}
	return cmd
}

func planCmd() *cobra.Command {
	plan := &cobra.Command{Use: "plan", Short: "Generate and approve the content plan"}
	plan.AddCommand(planGenerateCmd())
	plan.AddCommand(planShowCmd())
	plan.AddCommand(planApproveCmd())
	return plan
}

func planGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate <project-id>",
		Short: "Generate the section outline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), true, func(ctx context.Context, e engine.Engine) error {
				plan, err := e.GeneratePlan(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(plan)
			})
		},
	}
	return cmd
}

func planShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show the content plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				plan, err := r.GetPlan(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(plan)
			})
		},
	}
	return cmd
}

func planApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <project-id>",
		Short: "Approve the content plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine) error {
				plan, err := e.ApprovePlan(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(plan)
			})
		},
	}
	return cmd
}

// runCmd drives the pipeline to completion in the foreground, printing stage
// transitions as they happen.
func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <project-id>",
		Short: "Run the content pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := args[0]
			return withEngine(cmd.Context(), true, func(ctx context.Context, e engine.Engine) error {
				e.Supervisor.Notify = func(id string, state track.State) {
					if id == projectID && !viper.GetBool("json") {
						fmt.Printf("[%3d%%] %s: %s\n", state.Progress, state.Stage, state.Message)
					}
				}
				if err := e.StartRun(ctx, projectID); err != nil {
					return err
				}
				for e.Supervisor.Running(projectID) {
					select {
					case <-ctx.Done():
						e.CancelRun(projectID)
						return ctx.Err()
					case <-time.After(200 * time.Millisecond):
					}
				}
				res, err := e.Result(ctx, projectID)
				if err != nil {
					if errors.Is(err, repo.ErrNotFound) {
						state, _ := e.Status(ctx, projectID)
						return fmt.Errorf("run did not produce a draft (status %s: %s)", state.Status, state.Message)
					}
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Draft v%d ready (%d words)\n", res.Draft.Version, res.Draft.WordCount)
				if res.Score != nil {
					fmt.Printf("Quality score: %.1f/100\n", res.Score.OverallScore)
				}
				return nil
			})
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <project-id>",
		Short: "Show live execution status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine) error {
				state, err := e.Status(ctx, args[0])
				if err != nil {
					return err
				}
				state.Logs = nil
				return printJSONOrTable(state)
			})
		},
	}
	return cmd
}

func logsCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "logs <project-id>",
		Short: "Show execution logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine) error {
				logs, err := e.Logs(ctx, args[0], n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(logs)
				}
				for _, l := range logs {
					fmt.Printf("%s [%s] %s: %s\n", l.TS, l.Level, l.Stage, l.Message)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 50, "number of log entries")
	return cmd
}

func resultCmd() *cobra.Command {
	result := &cobra.Command{Use: "result", Short: "Inspect and approve drafts"}
	result.AddCommand(resultShowCmd())
	result.AddCommand(resultDraftsCmd())
	result.AddCommand(resultApproveCmd())
	return result
}

func resultShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show the current draft and its quality score",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine) error {
				res, err := e.Result(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func resultDraftsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drafts <project-id>",
		Short: "List draft versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				drafts, err := r.ListDrafts(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(drafts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Version", "Words", "Current", "Approved", "Created"})
				for _, d := range drafts {
					tw.AppendRow(table.Row{d.Version, d.WordCount, d.IsCurrent, d.IsApproved, d.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func resultApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <project-id>",
		Short: "Approve the current draft and publish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine) error {
				draft, err := e.ApproveDraft(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(draft)
			})
		},
	}
	return cmd
}

func exportCmd() *cobra.Command {
	var format, out string
	cmd := &cobra.Command{
		Use:   "export <project-id>",
		Short: "Export the current draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine) error {
				res, err := e.Result(ctx, args[0])
				if err != nil {
					return err
				}
				content := res.Draft.ContentMarkdown
				if format == "html" {
					if res.Draft.ContentHTML != nil {
						content = *res.Draft.ContentHTML
					} else if content, err = export.ToHTML(content); err != nil {
						return err
					}
				}
				if out == "" {
					fmt.Println(content)
					return nil
				}
				return os.WriteFile(out, []byte(content), 0o644)
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "markdown", "export format (markdown, html)")
	cmd.Flags().StringVar(&out, "out", "", "write to file instead of stdout")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Audit event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var projectID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				evts, err := r.LatestEvents(ctx, n, projectID, "")
				if err != nil {
					return err
				}
				return printJSONOrTable(evts)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&projectID, "project", "", "project id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), true, func(ctx context.Context, e engine.Engine) error {
				workspace := viper.GetString("workspace")
				cfg, err := config.Load(workspace)
				if err != nil {
					return err
				}
				if !cmd.Flags().Changed("addr") && cfg.Server.Addr != "" {
					addr = cfg.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") && cfg.Server.BasePath != "" {
					basePath = cfg.Server.BasePath
				}
				hub := server.NewHub(nil)
				e.Supervisor.Notify = hub.Broadcast
				handler, err := server.New(server.Config{
					Engine:   e,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: cfg.Server.JWTSecret},
					Hub:      hub,
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
				fmt.Printf("Serving DeepScribe API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
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

// withEngine wires the full stack. needsLLM guards commands that call the
// model so read-only commands work without provider keys.
func withEngine(ctx context.Context, needsLLM bool, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := openDB(workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	keys := config.KeysFromEnv()
	var client llm.Client
	if needsLLM {
		client, err = llm.New(cfg.LLM.Provider, cfg.LLM.Model, keys.OpenAI, keys.Anthropic)
		if err != nil {
			return err
		}
	}
	retry := step.RetryPolicy{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  time.Duration(cfg.Retry.BaseDelay) * time.Second,
		MaxDelay:   time.Duration(cfg.Retry.MaxDelay) * time.Second,
	}
	st := stages.Stages{
		Client:           client,
		Retry:            retry,
		Search:           search.New(keys.Serper),
		MaxSearchQueries: cfg.Pipeline.MaxSearchQueries,
	}
	r := repo.Repo{DB: conn}
	tr := track.NewTracker()
	ev := events.Writer{DB: conn}
	p := pipeline.Pipeline{
		Stages:            st,
		ResearchCharLimit: cfg.Pipeline.ResearchCharLimit,
		EditorCharLimit:   cfg.Pipeline.EditorCharLimit,
	}
	sup := runner.New(r, ev, tr, p, cfg.Pipeline.ProgressDelay)
	e := engine.Engine{
		DB: conn, Repo: r, Events: ev, Stages: st, Tracker: tr, Supervisor: sup,
		DefaultWordCountMin: cfg.Defaults.WordCountMin,
		DefaultWordCountMax: cfg.Defaults.WordCountMax,
	}
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := openDB(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn})
}

func openDB(workspace string) (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func printTitles(titles []domain.Title) error {
	if viper.GetBool("json") {
		return printJSON(titles)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Title", "Intent", "Difficulty", "Selected"})
	for _, t := range titles {
		tw.AppendRow(table.Row{t.ID, t.Title, t.SearchIntent, t.Difficulty, t.IsSelected})
	}
	tw.Render()
	return nil
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
