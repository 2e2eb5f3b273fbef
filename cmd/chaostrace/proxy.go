package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	_ "github.com/lib/pq" // Postgres driver registered under "postgres"

	"github.com/chaostrace/sandbox/pkg/analyzer"
	"github.com/chaostrace/sandbox/pkg/chaos"
	"github.com/chaostrace/sandbox/pkg/config"
	"github.com/chaostrace/sandbox/pkg/events"
	"github.com/chaostrace/sandbox/pkg/policy"
	"github.com/chaostrace/sandbox/pkg/proxy"
	"github.com/chaostrace/sandbox/pkg/reporting"
)

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Args:  cobra.NoArgs,
	Short: "Run the per-sandbox wire-protocol proxy",
	Long: `proxy is the entrypoint baked into the sandbox proxy container image.
It listens on PROXY_LISTEN_PORT, relays every accepted connection to the
real sandbox database at DB_HOST:DB_PORT through the analyzer/risk/policy
pipeline, and records every observed event into the shared event store.
It is never invoked directly; the orchestrator starts it as the proxy
container's command.`,
	RunE: runProxy,
}

// requireEnv reads a required environment variable, erroring with its name
// so a misconfigured container fails fast instead of panicking deep inside
// the pipeline.
func requireEnv(name string) (string, error) {
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("proxy: required environment variable %s is not set", name)
	}
	return v, nil
}

func runProxy(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	runIDStr, err := requireEnv("RUN_ID")
	if err != nil {
		return err
	}
	runID, err := uuid.Parse(runIDStr)
	if err != nil {
		return fmt.Errorf("proxy: invalid RUN_ID %q: %w", runIDStr, err)
	}

	dbHost, err := requireEnv("DB_HOST")
	if err != nil {
		return err
	}
	dbPort, err := requireEnv("DB_PORT")
	if err != nil {
		return err
	}
	dbUser, err := requireEnv("DB_USER")
	if err != nil {
		return err
	}
	dbPassword := os.Getenv("DB_PASSWORD")
	dbName, err := requireEnv("DB_NAME")
	if err != nil {
		return err
	}

	listenPortStr, err := requireEnv("PROXY_LISTEN_PORT")
	if err != nil {
		return err
	}
	listenPort, err := strconv.Atoi(listenPortStr)
	if err != nil {
		return fmt.Errorf("proxy: invalid PROXY_LISTEN_PORT %q: %w", listenPortStr, err)
	}

	eventsDSN := os.Getenv("EVENTS_DATABASE_URL")
	if eventsDSN == "" {
		eventsDSN = cfg.Database.DSN
	}

	eventsDB, err := events.Open(eventsDSN)
	if err != nil {
		return fmt.Errorf("proxy: connect to event store: %w", err)
	}
	defer eventsDB.Close()

	rlog := reporting.NewLogger(reporting.LoggerConfig{Format: reporting.LogFormatText})
	store := events.NewStore(eventsDB, events.Config{}, rlog)
	defer store.Close()

	policyName := os.Getenv("POLICY_PROFILE")
	if policyName == "" {
		policyName = "strict"
	}
	policyPath := filepath.Join(cfg.Sandbox.PolicyDir, policyName+".yaml")
	policyDef, err := policy.LoadFile(policyPath)
	if err != nil {
		return fmt.Errorf("proxy: load policy profile %q: %w", policyName, err)
	}
	engine := policy.NewEngine(policyDef, logger)
	scorer := analyzer.NewScorer(nil, nil)

	targetDSN := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		dbHost, dbPort, dbUser, dbPassword, dbName)
	hooksDB, err := sql.Open("postgres", targetDSN)
	if err != nil {
		return fmt.Errorf("proxy: open chaos-hooks connection: %w", err)
	}
	defer hooksDB.Close()
	hooks := chaos.NewHooks(hooksDB, logger)

	scheduler := newChaosScheduler(cfg, runID, hooks, store, logger)
	if scheduler != nil {
		scheduler.Start(runID.String())
		defer scheduler.Stop()
	}

	pipeline := &proxy.Pipeline{Scorer: scorer, Policy: engine, Log: logger}
	sink := &storeSchedulerSink{store: store, scheduler: scheduler}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", listenPort))
	if err != nil {
		return fmt.Errorf("proxy: listen on port %d: %w", listenPort, err)
	}
	defer listener.Close()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	logger.Info().
		Str("run_id", runID.String()).
		Int("listen_port", listenPort).
		Str("db_host", dbHost).
		Str("policy", policyName).
		Msg("proxy: listening")

	targetAddr := net.JoinHostPort(dbHost, dbPort)
	for {
		client, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				logger.Error().Err(err).Msg("proxy: accept failed")
				continue
			}
		}
		go acceptConnection(ctx, client, targetAddr, runID, pipeline, hooks, sink, logger)
	}
}

func acceptConnection(ctx context.Context, client net.Conn, targetAddr string, runID uuid.UUID,
	pipeline *proxy.Pipeline, hooks *chaos.Hooks, sink proxy.EventSink, logger zerolog.Logger) {

	server, err := net.Dial("tcp", targetAddr)
	if err != nil {
		logger.Error().Err(err).Str("target", targetAddr).Msg("proxy: dial database failed")
		client.Close()
		return
	}

	conn := &proxy.Connection{
		RunID:    runID,
		Client:   client,
		Server:   server,
		Pipeline: &proxy.Pipeline{Scorer: pipeline.Scorer, Policy: pipeline.Policy, Log: pipeline.Log},
		Hooks:    hooks,
		Sink:     sink,
		Log:      logger,
	}
	if err := conn.Run(ctx); err != nil {
		logger.Debug().Err(err).Msg("proxy: connection closed")
	}
}

// newChaosScheduler loads the scenario named by CHAOS_PROFILE and wires its
// onEvent callback to record a ChaosEvent per trigger fired. It returns nil
// if no chaos profile was requested for this run; Start is left to the
// caller so construction and activation stay separate, mirroring how the
// scheduler itself separates NewScheduler from Start.
func newChaosScheduler(cfg *config.Config, runID uuid.UUID, hooks *chaos.Hooks, store *events.Store, logger zerolog.Logger) *chaos.Scheduler {
	chaosName := os.Getenv("CHAOS_PROFILE")
	if chaosName == "" {
		return nil
	}

	path := filepath.Join(cfg.Sandbox.ScenarioDir, chaosName+".yaml")
	scenario, err := chaos.LoadScenarioFile(path)
	if err != nil {
		logger.Error().Err(err).Str("chaos_profile", chaosName).Msg("proxy: failed to load chaos profile, running without chaos")
		return nil
	}
	if !scenario.Enabled {
		logger.Info().Str("chaos_profile", chaosName).Msg("proxy: chaos profile disabled, skipping")
		return nil
	}

	onEvent := func(trigger chaos.Trigger, action chaos.Action) {
		ev := events.NewChaosEvent(runID, events.TypeChaosTriggered)
		ev.ChaosType = string(action.Type)
		ev.TriggerType = string(trigger.TriggerType)
		ev.TriggerCondition = trigger.Name
		if action.Table != "" {
			table := action.Table
			ev.Target = &table
		}
		ev.DurationSeconds = action.DurationSeconds
		store.AddEvent(ev)
	}

	return chaos.NewScheduler(scenario, hooks, onEvent, logger)
}

// storeSchedulerSink fans every observed event out to the durable event
// store and, for SQL events, into the chaos scheduler's trigger evaluation.
type storeSchedulerSink struct {
	store     *events.Store
	scheduler *chaos.Scheduler
}

func (s *storeSchedulerSink) AddEvent(e events.Event) {
	s.store.AddEvent(e)
	if s.scheduler == nil {
		return
	}
	sqlEvent, ok := e.(*events.SQLEvent)
	if !ok {
		return
	}
	s.scheduler.OnEvent(chaos.ObservedEvent{
		EventType:  string(sqlEvent.EventType),
		SQLType:    string(sqlEvent.SQLType),
		Tables:     sqlEvent.Tables,
		RowsAffect: sqlEvent.RowsAffected,
	})
}
