package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/spf13/cobra"

	"github.com/matijazezelj/stackmend/internal/alert"
	"github.com/matijazezelj/stackmend/internal/analyze"
	"github.com/matijazezelj/stackmend/internal/capabilities"
	"github.com/matijazezelj/stackmend/internal/config"
	"github.com/matijazezelj/stackmend/internal/depgraph"
	"github.com/matijazezelj/stackmend/internal/deploy"
	"github.com/matijazezelj/stackmend/internal/deploy/awscfn"
	"github.com/matijazezelj/stackmend/internal/fix"
	"github.com/matijazezelj/stackmend/internal/history"
	"github.com/matijazezelj/stackmend/internal/pipeline"
	"github.com/matijazezelj/stackmend/internal/schema"
	"github.com/matijazezelj/stackmend/internal/server"
	"github.com/matijazezelj/stackmend/internal/template"
	"github.com/matijazezelj/stackmend/pkg/models"
)

var (
	version   = "dev"
	cfgFile   string
	dbPath    string
	logFormat string
	logLevel  string
	logger    *slog.Logger
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "stackmend",
		Short: "Stackmend — CloudFormation template analysis and self-healing deployment",
		Long:  "Template analysis, automated fix generation, and an autonomous deploy-observe-fix loop for CloudFormation stacks.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := parseLogLevel(logLevel)
			if err != nil {
				return err
			}
			opts := &slog.HandlerOptions{Level: level}
			switch logFormat {
			case "json":
				logger = slog.New(slog.NewJSONHandler(os.Stderr, opts))
			case "text":
				logger = slog.New(slog.NewTextHandler(os.Stderr, opts))
			default:
				return fmt.Errorf("invalid --log-format %q (use: text, json)", logFormat)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./stackmend.yaml)")
	root.PersistentFlags().StringVar(&dbPath, "db", "", "history database path (overrides config)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log output format (text, json)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(
		analyzeCmd(),
		fixCmd(),
		capabilitiesCmd(),
		graphCmd(),
		deployCmd(),
		historyCmd(),
		serveCmd(),
		versionCmd(),
		completionCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func openStore() (*history.Store, *config.Config) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		logger.Error("loading config", "error", err)
		os.Exit(1)
	}

	path := cfg.Storage.Path
	if dbPath != "" {
		path = dbPath
	}

	store, err := history.NewStore(path)
	if err != nil {
		logger.Error("opening database", "error", err)
		os.Exit(1)
	}

	if err := store.Init(context.Background()); err != nil {
		logger.Error("initializing database", "error", err)
		os.Exit(1)
	}

	return store, cfg
}

func newPipeline(store *history.Store, cfg *config.Config, threshold float64) *pipeline.Pipeline {
	if threshold <= 0 {
		threshold = cfg.Fixes.ConfidenceThreshold
	}
	return pipeline.New(
		analyze.New(schema.MustStatic(), logger),
		fix.NewGenerator(threshold, logger),
		store,
		logger,
	)
}

func readTemplate(path string) (pipeline.Request, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from user CLI arg
	if err != nil {
		return pipeline.Request{}, fmt.Errorf("reading template: %w", err)
	}
	format := template.FormatAuto
	if filepath.Ext(path) == ".json" {
		format = template.FormatJSON
	}
	stack := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return pipeline.Request{Source: data, Format: format, Stack: stack}, nil
}

func buildAlerter(cfg *config.Config) alert.Alerter {
	var alerters []alert.Alerter
	if cfg.Alerts.Stdout.Enabled {
		alerters = append(alerters, alert.NewStdoutAlerter())
	}
	if cfg.Alerts.Webhook.Enabled && cfg.Alerts.Webhook.URL != "" {
		alerters = append(alerters, alert.NewWebhookAlerter(cfg.Alerts.Webhook.URL, cfg.Alerts.Webhook.Headers))
	}
	return alert.NewMulti(alerters...)
}

// --- analyze ---

func analyzeCmd() *cobra.Command {
	var stack string

	cmd := &cobra.Command{
		Use:   "analyze <template-file>",
		Short: "Analyze a template and report findings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cfg := openStore()
			defer store.Close() //nolint:errcheck // best-effort cleanup

			req, err := readTemplate(args[0])
			if err != nil {
				return err
			}
			if stack != "" {
				req.Stack = stack
			}

			p := newPipeline(store, cfg, 0)
			res, err := p.Analyze(cmd.Context(), req)
			if err != nil {
				return err
			}

			printFindings(res.Findings)

			if len(res.Fixes) > 0 {
				fmt.Printf("\nProposed fixes:\n")
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "LOCATION\tOPERATION\tCONFIDENCE\tRATIONALE")
				for _, f := range res.Fixes {
					_, _ = fmt.Fprintf(w, "%s\t%s\t%.2f\t%s\n", f.Location.String(), f.Op, f.Confidence, f.Rationale)
				}
				if err := w.Flush(); err != nil {
					return err
				}
			}

			if len(res.Capabilities) > 0 {
				fmt.Printf("\nRequired capabilities: %s\n", joinCapabilities(res.Capabilities))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&stack, "stack", "", "stack name recorded in history (default: template file name)")
	return cmd
}

func printFindings(findings []models.Finding) {
	if len(findings) == 0 {
		fmt.Println("No findings. Template looks clean.")
		return
	}

	fmt.Printf("Found %d issue(s):\n\n", len(findings))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SEVERITY\tRULE\tLOCATION\tMESSAGE")
	for _, f := range findings {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", strings.ToUpper(string(f.Severity)), f.Rule, f.Location.String(), f.Message)
	}
	_ = w.Flush()
}

func joinCapabilities(caps []models.Capability) string {
	parts := make([]string, len(caps))
	for i, c := range caps {
		parts[i] = string(c)
	}
	return strings.Join(parts, ", ")
}

// --- fix ---

func fixCmd() *cobra.Command {
	var stack, output, format string
	var threshold float64

	cmd := &cobra.Command{
		Use:   "fix <template-file>",
		Short: "Apply confident fixes and emit the repaired template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cfg := openStore()
			defer store.Close() //nolint:errcheck // best-effort cleanup

			req, err := readTemplate(args[0])
			if err != nil {
				return err
			}
			if stack != "" {
				req.Stack = stack
			}

			p := newPipeline(store, cfg, threshold)
			res, err := p.Fix(cmd.Context(), req)
			if err != nil {
				return err
			}

			applied := 0
			for _, rec := range res.Applied {
				if rec.Superseded {
					continue
				}
				applied++
				fmt.Fprintf(os.Stderr, "applied %s at %s (confidence %.2f): %s\n",
					rec.Op, rec.Location.String(), rec.Confidence, rec.Rationale)
			}
			fmt.Fprintf(os.Stderr, "%d finding(s), %d fix(es) applied\n", len(res.Findings), applied)

			body := res.Output
			switch format {
			case "", "auto":
			case "yaml", "json":
				body, err = template.Encode(res.Document, template.Format(format))
				if err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown output format %q (yaml, json)", format)
			}

			if output == "" || output == "-" {
				fmt.Print(string(body))
				return nil
			}
			return os.WriteFile(output, body, 0o600)
		},
	}

	cmd.Flags().StringVar(&stack, "stack", "", "stack name recorded in history (default: template file name)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write repaired template to file (default: stdout)")
	cmd.Flags().StringVar(&format, "format", "", "output serialization (yaml, json; default: match input)")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "confidence threshold (default from config)")
	return cmd
}

// --- capabilities ---

func capabilitiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "capabilities <template-file>",
		Short: "Detect IAM and macro capabilities a deployment requires",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := readTemplate(args[0])
			if err != nil {
				return err
			}
			doc, err := template.Parse(req.Source, req.Format)
			if err != nil {
				return err
			}

			caps := capabilities.Detect(doc)
			if len(caps) == 0 {
				fmt.Println("No capabilities required.")
				return nil
			}
			for _, c := range caps {
				fmt.Println(c)
			}
			return nil
		},
	}
}

// --- graph ---

func graphCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Inspect the resource dependency graph",
	}
	cmd.AddCommand(graphShowCmd(), graphExportCmd(), graphSyncCmd())
	return cmd
}

func graphShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <template-file>",
		Short: "Print dependency summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := readTemplate(args[0])
			if err != nil {
				return err
			}
			doc, err := template.Parse(req.Source, req.Format)
			if err != nil {
				return err
			}
			g := depgraph.Build(doc)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "FROM\tKIND\tTO")
			for _, e := range g.Edges {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", e.From, e.Kind, e.To)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if cycles := g.Cycles(); len(cycles) > 0 {
				fmt.Printf("\nDependency cycles:\n")
				for _, c := range cycles {
					fmt.Printf("  %s -> %s\n", strings.Join(c, " -> "), c[0])
				}
			}
			if dangling := g.DanglingReferences(); len(dangling) > 0 {
				fmt.Printf("\nDangling references:\n")
				for _, e := range dangling {
					fmt.Printf("  %s -> %s at %s\n", e.From, e.Target, e.Path)
				}
			}
			return nil
		},
	}
}

func graphExportCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "export <template-file>",
		Short: "Export the dependency graph in various formats",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := readTemplate(args[0])
			if err != nil {
				return err
			}
			doc, err := template.Parse(req.Source, req.Format)
			if err != nil {
				return err
			}
			g := depgraph.Build(doc)

			var output string
			switch format {
			case "json":
				output, err = depgraph.ExportJSON(g)
			case "dot":
				output, err = depgraph.ExportDOT(g)
			case "mermaid":
				output, err = depgraph.ExportMermaid(g)
			default:
				return fmt.Errorf("unsupported format %q (use: json, dot, mermaid)", format)
			}
			if err != nil {
				return err
			}

			fmt.Print(output)
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "json", "export format: json, dot, mermaid")
	return cmd
}

func graphSyncCmd() *cobra.Command {
	var stack string

	cmd := &cobra.Command{
		Use:   "sync <template-file>",
		Short: "Push the dependency graph to Memgraph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if !cfg.Storage.Memgraph.Enabled {
				return fmt.Errorf("memgraph is not enabled in configuration (set storage.memgraph.enabled: true)")
			}

			req, err := readTemplate(args[0])
			if err != nil {
				return err
			}
			if stack != "" {
				req.Stack = stack
			}
			doc, err := template.Parse(req.Source, req.Format)
			if err != nil {
				return err
			}

			auth := neo4j.NoAuth()
			if cfg.Storage.Memgraph.Username != "" {
				auth = neo4j.BasicAuth(cfg.Storage.Memgraph.Username, cfg.Storage.Memgraph.Password, "")
			}

			driver, err := neo4j.NewDriverWithContext(cfg.Storage.Memgraph.URI, auth)
			if err != nil {
				return fmt.Errorf("connecting to memgraph: %w", err)
			}
			defer driver.Close(context.Background()) //nolint:errcheck // best-effort cleanup

			return depgraph.SyncToMemgraph(cmd.Context(), depgraph.Build(doc), driver, req.Stack, logger)
		},
	}

	cmd.Flags().StringVar(&stack, "stack", "", "stack label for the synced graph (default: template file name)")
	return cmd
}

// --- deploy ---

func deployCmd() *cobra.Command {
	var stack, region string
	var maxIterations int
	var threshold float64

	cmd := &cobra.Command{
		Use:   "deploy <template-file>",
		Short: "Deploy a stack with the autonomous fix loop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cfg := openStore()
			defer store.Close() //nolint:errcheck // best-effort cleanup

			req, err := readTemplate(args[0])
			if err != nil {
				return err
			}
			if stack != "" {
				req.Stack = stack
			}
			if region == "" {
				region = cfg.Deploy.Region
			}

			client, err := awscfn.New(cmd.Context(), region, logger)
			if err != nil {
				return fmt.Errorf("creating cloudformation client: %w", err)
			}

			p := newPipeline(store, cfg, threshold)
			opts := deploy.Options{
				MaxIterations:  cfg.Deploy.MaxIterations,
				PollInterval:   cfg.Deploy.PollInterval,
				AttemptTimeout: cfg.Deploy.AttemptTimeout,
			}
			if maxIterations > 0 {
				opts.MaxIterations = maxIterations
			}
			ctrl := deploy.NewController(client, client, p.Analyzer(), p.Fixer(), opts, logger)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()

			res, err := p.Deploy(ctx, req, ctrl, buildAlerter(cfg))
			if res != nil {
				printDeployResult(res)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&stack, "stack", "", "stack name (default: template file name)")
	cmd.Flags().StringVar(&region, "region", "", "AWS region (default from config or AWS environment)")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "deploy attempt budget (default from config)")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "fix confidence threshold (default from config)")
	return cmd
}

func printDeployResult(res *deploy.Result) {
	fmt.Printf("Outcome: %s after %d attempt(s)\n", res.Outcome, len(res.Attempts))
	for _, a := range res.Attempts {
		fixes := 0
		for _, rec := range a.FixesApplied {
			if !rec.Superseded {
				fixes++
			}
		}
		fmt.Printf("  attempt %d: %s, %d failure(s), %d fix(es)\n",
			a.Number, a.Outcome, len(a.Failures), fixes)
		for _, f := range a.Failures {
			fmt.Printf("    %s: %s (%s)\n", f.LogicalID, f.Status, f.Reason)
		}
	}
}

// --- history ---

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded runs",
	}
	cmd.AddCommand(historyListCmd(), historyShowCmd())
	return cmd
}

func historyListCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, _ := openStore()
			defer store.Close() //nolint:errcheck // best-effort cleanup

			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("No runs recorded yet.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tSTACK\tCOMMAND\tOUTCOME\tFINDINGS\tFIXES\tSTARTED")
			for _, r := range runs {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
					r.ID, r.Stack, r.Command, r.Outcome, r.Findings, r.FixesApplied,
					r.StartedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	return cmd
}

func historyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run with its deploy attempts and applied fixes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _ := openStore()
			defer store.Close() //nolint:errcheck // best-effort cleanup
			ctx := cmd.Context()

			run, err := store.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			if run == nil {
				return fmt.Errorf("run %q not found", args[0])
			}

			fmt.Printf("Run %s\n", run.ID)
			fmt.Printf("  Stack:    %s\n", run.Stack)
			fmt.Printf("  Command:  %s\n", run.Command)
			fmt.Printf("  Outcome:  %s\n", run.Outcome)
			fmt.Printf("  Findings: %d\n", run.Findings)
			fmt.Printf("  Fixes:    %d\n", run.FixesApplied)
			fmt.Printf("  Started:  %s\n", run.StartedAt.Format(time.RFC3339))
			if run.FinishedAt != nil {
				fmt.Printf("  Finished: %s\n", run.FinishedAt.Format(time.RFC3339))
			}

			attempts, err := store.ListAttempts(ctx, run.ID)
			if err != nil {
				return err
			}
			for _, a := range attempts {
				fmt.Printf("\nAttempt %d: %s\n", a.Number, a.Outcome)
				for _, f := range a.Failures {
					fmt.Printf("  failed %s: %s (%s)\n", f.LogicalID, f.Status, f.Reason)
				}
				for _, rec := range a.FixesApplied {
					state := "applied"
					if rec.Superseded {
						state = "superseded"
					}
					fmt.Printf("  %s %s at %s (confidence %.2f)\n",
						state, rec.Op, rec.Location.String(), rec.Confidence)
				}
			}
			return nil
		},
	}
}

// --- serve ---

func serveCmd() *cobra.Command {
	var listen string
	var readOnly bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the REST API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, cfg := openStore()

			if listen == "" {
				listen = cfg.Server.Listen
			}

			p := newPipeline(store, cfg, 0)

			// Deployments through the API need AWS credentials; leave the
			// route unconfigured when the client cannot be built.
			var deployFn server.DeployFunc
			client, err := awscfn.New(cmd.Context(), cfg.Deploy.Region, logger)
			if err != nil {
				logger.Warn("cloudformation client unavailable, deploy route disabled", "error", err)
			} else {
				alerter := buildAlerter(cfg)
				deployFn = func(ctx context.Context, req pipeline.Request) (*deploy.Result, error) {
					ctrl := deploy.NewController(client, client, p.Analyzer(), p.Fixer(), deploy.Options{
						MaxIterations:  cfg.Deploy.MaxIterations,
						PollInterval:   cfg.Deploy.PollInterval,
						AttemptTimeout: cfg.Deploy.AttemptTimeout,
					}, logger)
					return p.Deploy(ctx, req, ctrl, alerter)
				}
			}

			srv := server.New(p, store, deployFn, logger, listen,
				readOnly || cfg.Server.ReadOnly, cfg.Server.APIToken, cfg.Server.CORSOrigin)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
				_ = store.Close()
			}()

			return srv.Start()
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config or :8080)")
	cmd.Flags().BoolVar(&readOnly, "read-only", false, "disable fix and deploy routes")
	return cmd
}

// --- version ---

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("stackmend %s\n", version)
		},
	}
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid --log-level %q (use: debug, info, warn, error)", s)
	}
}

func completionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Long: `Generate shell completion scripts for stackmend.

To load completions:

Bash:
  $ source <(stackmend completion bash)
  # To load completions for each session, execute once:
  # Linux:
  $ stackmend completion bash > /etc/bash_completion.d/stackmend
  # macOS:
  $ stackmend completion bash > $(brew --prefix)/etc/bash_completion.d/stackmend

Zsh:
  # If shell completion is not already enabled in your environment,
  # you will need to enable it. Execute once:
  $ echo "autoload -U compinit; compinit" >> ~/.zshrc
  # To load completions for each session, execute once:
  $ stackmend completion zsh > "${fpath[1]}/_stackmend"
  # You will need to start a new shell for this setup to take effect.

Fish:
  $ stackmend completion fish | source
  # To load completions for each session, execute once:
  $ stackmend completion fish > ~/.config/fish/completions/stackmend.fish

PowerShell:
  PS> stackmend completion powershell | Out-String | Invoke-Expression
  # To load completions for every new session, add the output to your profile:
  PS> stackmend completion powershell >> $PROFILE
`,
		DisableFlagsInUseLine: true,
		ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(os.Stdout)
			case "zsh":
				return cmd.Root().GenZshCompletion(os.Stdout)
			case "fish":
				return cmd.Root().GenFishCompletion(os.Stdout, true)
			case "powershell":
				return cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
			default:
				return fmt.Errorf("unsupported shell: %s", args[0])
			}
		},
	}
}
