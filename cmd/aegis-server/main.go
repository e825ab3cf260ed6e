// Command aegis-server is the platform server and its operations CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aegis-health/aegis/internal/audit"
	"github.com/aegis-health/aegis/internal/config"
	"github.com/aegis-health/aegis/internal/connector"
	"github.com/aegis-health/aegis/internal/consent"
	"github.com/aegis-health/aegis/internal/cowork"
	"github.com/aegis-health/aegis/internal/dataservice"
	"github.com/aegis-health/aegis/internal/graph"
	"github.com/aegis-health/aegis/internal/ingest"
	"github.com/aegis-health/aegis/internal/killswitch"
	"github.com/aegis-health/aegis/internal/llm"
	"github.com/aegis-health/aegis/internal/normalize"
	"github.com/aegis-health/aegis/internal/platform/db"
	"github.com/aegis-health/aegis/internal/platform/errs"
	"github.com/aegis-health/aegis/internal/platform/redact"
	"github.com/aegis-health/aegis/internal/platform/stream"
	"github.com/aegis-health/aegis/internal/platform/telemetry"
	"github.com/aegis-health/aegis/internal/policy"
	"github.com/aegis-health/aegis/internal/quality"
	"github.com/aegis-health/aegis/internal/retention"
	"github.com/aegis-health/aegis/internal/server"
	"github.com/aegis-health/aegis/internal/terminology"
	"github.com/aegis-health/aegis/internal/workflow"
)

// Exit codes follow sysexits.h so supervisors and cron wrappers can tell a
// bad invocation from a flaky dependency.
const (
	exitOK          = 0
	exitUsage       = 64
	exitUnavailable = 69
	exitInternal    = 70
	exitTempFail    = 75
)

// exitCode maps an error onto the process exit status.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	switch errs.KindOf(err) {
	case errs.Validation, errs.NotFound:
		return exitUsage
	case errs.Upstream:
		return exitUnavailable
	case errs.RateLimit, errs.Timeout:
		return exitTempFail
	default:
		return exitInternal
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "aegis-server",
		Short:         "Healthcare data platform server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(listSourcesCmd())
	rootCmd.AddCommand(verifyAuditCmd())
	rootCmd.AddCommand(replayCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// loadBase loads configuration and builds the logger and redactor every
// command shares.
func loadBase() (*config.Config, zerolog.Logger, *redact.Redactor, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), nil, errs.Wrap(errs.Validation, err, "config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), nil, errs.Wrap(errs.Validation, err, "config")
	}
	redactor := redact.New()
	log := telemetry.NewLogger(cfg.LogLevel, cfg.Env, redactor)
	return cfg, log, redactor, nil
}

func connectPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, errs.Wrap(errs.Upstream, err, "postgres")
	}
	return pool, nil
}

// buildGateway assembles the LLM provider chain from configuration. Mock
// mode replaces every provider with the in-process mock.
func buildGateway(cfg *config.Config, redactor *redact.Redactor, log zerolog.Logger) *llm.Gateway {
	var providers []llm.Provider
	if cfg.MockLLM {
		providers = append(providers, llm.NewMockProvider("mock"))
	} else {
		if cfg.LLMPrimaryURL != "" {
			providers = append(providers,
				llm.NewHTTPProvider(cfg.LLMPrimaryName, cfg.LLMPrimaryURL, cfg.LLMPrimaryKey, cfg.LLMTimeout()))
		}
		if cfg.LLMFallbackURL != "" {
			providers = append(providers,
				llm.NewHTTPProvider(cfg.LLMFallbackName, cfg.LLMFallbackURL, cfg.LLMFallbackKey, cfg.LLMTimeout()))
		}
	}
	guard := llm.NewGuardrails(redactor, cfg.LLMBlockPII)
	return llm.NewGateway(providers, guard, llm.DefaultPrices(), llm.NewUsage(), log)
}

// builtinWorkflows returns the graphs the runtime serves by name. The
// summarizer agent is gated by the "summarizer" kill-switch scope.
func builtinWorkflows(gateway *llm.Gateway, model string) map[string]*workflow.Graph {
	summary := workflow.NewGraph("patient-summary")
	nodes := []workflow.Node{
		{Name: "start", Kind: workflow.NodeStart},
		{Name: "summarize", Kind: workflow.NodeAgent, AgentType: "summarizer",
			Fn: func(ctx context.Context, state workflow.State) error {
				prompt, _ := state["prompt"].(string)
				if prompt == "" {
					return errs.New(errs.Validation, "patient-summary: state.prompt is required")
				}
				tenantID, _ := state["tenant_id"].(string)
				resp, err := gateway.Complete(ctx, llm.Request{
					Model:    model,
					TenantID: tenantID,
					Messages: []llm.Message{
						{Role: "system", Content: "Summarize the clinical data for a handoff note. Be concise and factual."},
						{Role: "user", Content: prompt},
					},
				})
				if err != nil {
					return err
				}
				state["summary"] = resp.Text
				return nil
			}},
		{Name: "end", Kind: workflow.NodeEnd},
	}
	for _, n := range nodes {
		if err := summary.AddNode(n); err != nil {
			panic(err)
		}
	}
	summary.AddEdge("start", "summarize")
	summary.AddEdge("summarize", "end")

	return map[string]*workflow.Graph{"patient-summary": summary}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the platform API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg, log, redactor, err := loadBase()
	if err != nil {
		return err
	}
	ctx := context.Background()

	pool, err := connectPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return errs.Wrap(errs.Validation, err, "redis url")
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
	}

	auditSvc, err := audit.NewService(ctx, audit.NewPGStore(pool), log)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "audit service")
	}

	consentStore := consent.NewPGStore(pool)
	registry := connector.DefaultRegistry()
	gmem := graph.NewMemory()

	var publisher stream.Publisher = stream.NewMemoryPublisher()
	if rdb != nil {
		publisher = stream.NewRedisPublisher(rdb, cfg.StreamMaxLen)
	}

	dataStore := dataservice.NewPGStore(pool)
	gateway := buildGateway(cfg, redactor, log)

	kb := terminology.NewPGMappingRepository(pool)
	term := terminology.NewService(map[string]terminology.CodeRepository{
		"http://loinc.org":                            terminology.NewPGCodeRepository(pool, "loinc_codes"),
		"http://snomed.info/sct":                      terminology.NewPGCodeRepository(pool, "snomed_codes"),
		"http://www.nlm.nih.gov/research/umls/rxnorm": terminology.NewPGCodeRepository(pool, "rxnorm_codes"),
	})
	if rdb != nil {
		term.SetCache(rdb)
	}

	kill := killswitch.New(log)
	cpStore := workflow.NewPGCheckpointStore(pool)
	retentionSvc := retention.NewService(
		retention.NewPGStore(pool, retention.DefaultTables()),
		retention.DefaultPolicies(), cpStore, cfg.CheckpointKeepLatest, log)

	srv := server.New(server.Services{
		Config:       cfg,
		Logger:       log,
		Redactor:     redactor,
		Audit:        auditSvc,
		Policy:       policy.NewEngine(auditSvc, log, policy.DefaultPolicies()...),
		Consent:      consent.NewEngine(consentStore, auditSvc, log),
		ConsentStore: consentStore,
		Registry:     registry,
		Ingest:       ingest.NewPipeline(registry, quality.NewValidator(), gmem, publisher, nil, nil, ingest.Options{}, log),
		Data:         dataservice.NewService(dataStore, dataStore, dataStore, dataStore, dataStore, gmem, log),
		Normalizer:   normalize.NewEngine(kb, term, llm.NewMappingSuggester(gateway, cfg.LLMDefaultModel), auditSvc, log),
		Gateway:      gateway,
		Kill:         kill,
		Retention:    retentionSvc,
		Runtime:      workflow.NewRuntime(cpStore, kill, log).WithMaxSteps(cfg.WorkflowMaxSteps),
		Workflows:    builtinWorkflows(gateway, cfg.LLMDefaultModel),
		Hub:          cowork.NewHub(log),
		Pool:         pool,
		Redis:        rdb,
	})

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go runSweeps(sweepCtx, retentionSvc, time.Duration(cfg.RetentionSweepHours)*time.Hour, log)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return errs.Wrap(errs.Internal, err, "server")
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errs.Wrap(errs.Internal, err, "shutdown")
	}
	return nil
}

// runSweeps runs the retention sweep on the configured interval until the
// context is cancelled.
func runSweeps(ctx context.Context, svc *retention.Service, interval time.Duration, log zerolog.Logger) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := svc.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("retention sweep failed")
			}
		}
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			cfg, _, _, err := loadBase()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := connectPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return errs.Wrap(errs.Internal, err, "migrate")
			}
			fmt.Printf("Applied %d migration(s).\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			cfg, _, _, err := loadBase()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := connectPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx)
			if err != nil {
				return errs.Wrap(errs.Internal, err, "migrate status")
			}
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func ingestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest <source_type> <path>",
		Short: "Run a payload file through the ingestion pipeline in-process",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			sourceSystem, _ := cmd.Flags().GetString("source-system")

			payload, err := os.ReadFile(args[1])
			if err != nil {
				return errs.Wrap(errs.Validation, err, "read payload")
			}

			log := telemetry.NewLogger("info", "development", redact.New())
			pipeline := ingest.NewPipeline(connector.DefaultRegistry(), quality.NewValidator(),
				graph.NewMemory(), stream.NewMemoryPublisher(), nil, nil, ingest.Options{}, log)

			res, err := pipeline.Ingest(context.Background(), ingest.Request{
				SourceType:   connector.SourceType(args[0]),
				Payload:      payload,
				TenantID:     tenant,
				SourceSystem: sourceSystem,
			})
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().String("tenant", "default", "Tenant the payload belongs to")
	cmd.Flags().String("source-system", "", "Source system identifier stamped on every record")
	return cmd
}

func listSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-sources",
		Short: "List the registered ingestion source types",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, t := range connector.DefaultRegistry().Types() {
				fmt.Println(t)
			}
			return nil
		},
	}
}

func verifyAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-audit",
		Short: "Recompute the audit hash chain and report the first break",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, _, err := loadBase()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := connectPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			svc, err := audit.NewService(ctx, audit.NewPGStore(pool), log)
			if err != nil {
				return errs.Wrap(errs.Internal, err, "audit service")
			}
			res, err := svc.VerifyIntegrity(ctx)
			if err != nil {
				return err
			}
			if err := printJSON(res); err != nil {
				return err
			}
			if !res.Valid {
				return errs.New(errs.Integrity, "audit chain invalid at entry %s", res.FirstBadID)
			}
			return nil
		},
	}
}

func replayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <execution_id>",
		Short: "Resume a workflow execution from its checkpoints",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workflowID, _ := cmd.Flags().GetString("workflow")
			fromStep, _ := cmd.Flags().GetInt("from-step")

			cfg, log, redactor, err := loadBase()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := connectPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			gateway := buildGateway(cfg, redactor, log)
			graphs := builtinWorkflows(gateway, cfg.LLMDefaultModel)
			g, ok := graphs[workflowID]
			if !ok {
				return errs.New(errs.NotFound, "workflow %s is not registered", workflowID)
			}

			runtime := workflow.NewRuntime(workflow.NewPGCheckpointStore(pool), killswitch.New(log), log).
				WithMaxSteps(cfg.WorkflowMaxSteps)

			var result *workflow.Result
			if fromStep >= 0 {
				result, err = runtime.ReplayFrom(ctx, g, args[0], fromStep)
			} else {
				result, err = runtime.Replay(ctx, g, args[0])
			}
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().String("workflow", "patient-summary", "Workflow graph the execution belongs to")
	cmd.Flags().Int("from-step", -1, "Checkpoint step to resume from (latest when negative)")
	return cmd
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errs.Wrap(errs.Internal, err, "encode output")
	}
	fmt.Println(string(out))
	return nil
}
