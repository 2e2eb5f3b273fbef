package main

import (
	"context"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/chaostrace/sandbox/pkg/emergency"
	"github.com/chaostrace/sandbox/pkg/events"
	"github.com/chaostrace/sandbox/pkg/orchestrator"
	"github.com/chaostrace/sandbox/pkg/reporting"
	"github.com/chaostrace/sandbox/pkg/run"
	"github.com/chaostrace/sandbox/pkg/sandbox"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Args:  cobra.NoArgs,
	Short: "Run the control-plane HTTP API",
	Long: `Stands up a thin gin HTTP surface over the run orchestrator:
POST /runs, GET /runs/:id, GET /runs, POST /runs/:id/terminate, GET /metrics.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	db, err := events.Open(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	rlog := reporting.NewLogger(reporting.LoggerConfig{Format: reporting.LogFormatText})
	store := events.NewStore(db, events.Config{}, rlog)
	defer store.Close()

	docker, err := sandbox.NewDockerClient()
	if err != nil {
		return err
	}
	defer docker.Close()

	orch := orchestrator.New(cfg, docker, store, logger)

	emergencyCtl := emergency.New(emergency.Config{
		StopFile:             cfg.Emergency.StopFile,
		PollInterval:         cfg.Emergency.PollInterval,
		EnableSignalHandlers: true,
	}, logger)
	emergencyCtl.OnStop(orch.TerminateAll)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	emergencyCtl.Start(ctx)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/runs", func(c *gin.Context) {
		var req run.Request
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		resp, err := orch.CreateRun(req)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, resp)
	})

	router.GET("/runs/:id", func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}
		state, ok := orch.GetRunStatus(id)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		c.JSON(http.StatusOK, state)
	})

	router.GET("/runs", func(c *gin.Context) {
		page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
		pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
		c.JSON(http.StatusOK, orch.ListRuns(page, pageSize))
	})

	router.POST("/runs/:id/terminate", func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}
		if !orch.TerminateRun(id) {
			c.JSON(http.StatusConflict, gin.H{"error": "run is not active"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "terminating"})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	logger.Info().Str("addr", cfg.Server.Addr).Msg("chaostrace: control plane listening")

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Sandbox.TeardownGrace)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
