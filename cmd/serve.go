package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/markmysler/dvc-sub001/internal/catalog"
	"github.com/markmysler/dvc-sub001/internal/engine"
	"github.com/markmysler/dvc-sub001/internal/flag"
	"github.com/markmysler/dvc-sub001/internal/secprofile"
	server "github.com/markmysler/dvc-sub001/pkg"
	"github.com/markmysler/dvc-sub001/pkg/api"
	"github.com/markmysler/dvc-sub001/pkg/audit"
	"github.com/markmysler/dvc-sub001/pkg/config"
	"github.com/markmysler/dvc-sub001/pkg/health"
	"github.com/markmysler/dvc-sub001/pkg/metrics"
	"github.com/markmysler/dvc-sub001/pkg/orchestrator"
	"github.com/markmysler/dvc-sub001/pkg/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve [port]",
	Short: "Start the DVC orchestration server",
	Long:  "Starts the DVC server on localhost to spawn, monitor, and tear down vulnerable challenge containers.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		portStr := args[0]
		if !validatePort(portStr) {
			zap.S().Fatalf("Invalid port: %s", portStr)
		}
		cfg := config.Get()

		// Flag secret strictly from env when present; refuse to run without one.
		flagSecret := os.Getenv("FLAG_SECRET")
		if flagSecret == "" {
			flagSecret = cfg.Flag.Secret
		}
		if flagSecret == "" {
			zap.S().Fatal("FLAG_SECRET (or flag.secret in the config file) is required")
		}

		challIdx, err := catalog.NewIndex(cfg.Orchestrator.ChallengeDir)
		if err != nil {
			zap.S().Fatalf("Failed to build challenge catalog: %v", err)
		}
		profiles, err := secprofile.Load(cfg.Orchestrator.SecurityProfilesPath)
		if err != nil {
			zap.S().Fatalf("Failed to load security profiles: %v", err)
		}
		db, err := audit.InitDB(cfg.Orchestrator.AuditDBPath)
		if err != nil {
			zap.S().Fatalf("Failed to open audit database: %v", err)
		}

		startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
		eng, err := engine.NewDockerEngine(startCtx, cfg.Docker.Host, cfg.Docker.BindAddress, zap.S())
		startCancel()
		if err != nil {
			zap.S().Fatalf("Failed to connect to the container engine: %v", err)
		}

		reg := session.NewRegistry()
		orch := orchestrator.New(orchestrator.Opts{
			Registry:       reg,
			Catalog:        challIdx,
			Engine:         eng,
			Flags:          flag.NewSystem(flagSecret),
			Profiles:       profiles,
			AuditLog:       audit.NewLog(db),
			ConfigProvider: config.GlobalProvider{},
		})
		sched := orchestrator.NewExpiryScheduler(orch, zap.S())
		monitor := health.NewMonitor(reg, eng, config.GlobalProvider{}, orch.HandleTerminal)

		prometheus.MustRegister(metrics.NewSessionCollector(reg))
		prometheus.MustRegister(metrics.NewCatalogCollector(challIdx))

		e := echo.New()
		e.HideBanner = true
		e.HidePort = true

		skipper := func(c echo.Context) bool {
			// Skip health check endpoint
			return c.Request().URL.Path == "/health"
		}
		e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
			LogStatus:   true,
			LogMethod:   true,
			LogRemoteIP: true,
			LogURI:      true,
			Skipper:     skipper,
			LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
				zap.S().Infof("| %v | %v | %v | %v", v.RemoteIP, v.Method, v.URI, v.Status)
				return nil
			},
		}))
		e.Use(middleware.CORS())

		e.Use(echoprometheus.NewMiddleware("dvc"))
		e.GET("/metrics", echoprometheus.NewHandler())

		srv := server.NewServerWithOpts(server.ServerOpts{
			Orchestrator:    orch,
			Monitor:         monitor,
			Catalog:         challIdx,
			AuditLog:        audit.NewLog(db),
			ConfigProvider:  config.GlobalProvider{},
			ExpiryScheduler: sched,
		})
		api.RegisterHandlers(e, srv)

		sweepCtx, sweepCancel := context.WithTimeout(context.Background(), time.Minute)
		if err := orch.SweepOrphans(sweepCtx); err != nil {
			zap.S().Errorf("Orphan sweep failed: %v", err)
		}
		sweepCancel()

		bgCtx, bgCancel := context.WithCancel(context.Background())
		go sched.Start(bgCtx)
		go monitor.Start(bgCtx)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		go func() {
			zap.S().Infof("Starting server on 127.0.0.1:%s", portStr)
			if err := e.Start("127.0.0.1:" + portStr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zap.S().Fatalf("shutting down the server: %v", err)
			}
		}()
		// Wait for interrupt signal to gracefully shut down the server
		<-ctx.Done()
		zap.S().Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			zap.S().Fatalf("Failed to shutdown server: %v", err)
		}
		bgCancel()
		if err := orch.Wait(shutdownCtx); err != nil {
			zap.S().Fatalf("Failed to wait for server shutdown: %v", err)
		}
	},
}

func validatePort(port string) bool {
	if port == "" {
		return false
	}
	portInt, err := strconv.Atoi(port)
	if err != nil {
		return false
	}
	if portInt < 1 || portInt > 65535 {
		return false
	}
	return true
}
