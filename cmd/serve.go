package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kuzerno1/multi-codex-proxy/internal/account"
	"github.com/kuzerno1/multi-codex-proxy/internal/api"
	"github.com/kuzerno1/multi-codex-proxy/internal/codex"
	"github.com/kuzerno1/multi-codex-proxy/internal/config"
	"github.com/kuzerno1/multi-codex-proxy/internal/refresh"
	"github.com/kuzerno1/multi-codex-proxy/internal/telemetry"
	"github.com/kuzerno1/multi-codex-proxy/internal/utils"
)

var (
	port int
)

// snapshotSaveInterval controls how often quota snapshots are flushed to disk.
const snapshotSaveInterval = time.Minute

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy server",
	Long: `Start the multi-codex-proxy server that exposes an OpenAI-compatible API.

The server forwards /v1/responses and /v1/chat/completions requests to the
Codex backend, rotating across the configured account pool when rate limits
are hit.

Example:
  multi-codex-proxy serve
  multi-codex-proxy serve --port 8080 --debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVarP(&port, "port", "p", config.DefaultPort, "Port to listen on")
}

func runServe(cmd *cobra.Command, args []string) error {
	// Enable debug mode if flag is set or env var
	debug, _ := cmd.Flags().GetBool("debug")
	if !debug {
		debug = config.GetDebugEnabled()
	}
	if debug {
		utils.SetDebug(true)
	}

	// Check if port flag was explicitly set, otherwise use env var
	if !cmd.Flags().Changed("port") {
		port = config.GetPort()
	}

	settings := config.LoadSettings(config.GetConfigFilePath())

	utils.Info("Starting multi-codex-proxy server...")
	utils.Info("Port: %d", port)
	utils.Info("Debug: %v", debug)
	utils.Info("Strategy: %s, scheduling: %s", settings.AccountSelectionStrategy, settings.SchedulingMode)
	if config.GetProxyAPIKey() == "" {
		utils.Warn("[Server] PROXY_API_KEY not set, endpoints are unauthenticated")
	}

	// Initialize account manager
	storage := account.NewStorage(config.GetAccountStorePath())
	manager := account.NewManager(storage, settings, nil)
	if err := manager.Initialize(); err != nil {
		utils.Warn("[Server] Account manager initialization: %v", err)
	}

	if n := manager.TotalAccounts(); n > 0 {
		utils.Success("[Server] Loaded %d account(s)", n)
	} else {
		utils.Warn("[Server] No accounts configured. Run 'multi-codex-proxy accounts add' first")
	}

	// Quota snapshots survive restarts so scheduling decisions start warm.
	quota := telemetry.NewStore(config.GetQuotaSnapshotPath())
	if err := quota.Load(); err != nil {
		utils.Warn("[Server] Quota snapshot load: %v", err)
	}

	queue := refresh.NewQueue(manager)
	queue.Start()

	orchestrator := codex.NewOrchestrator(manager, settings, quota, queue, nil)

	// Create API server
	apiServer := api.NewServer(orchestrator, manager, quota)

	// Get configurable timeouts and bind address
	timeouts := config.GetServerTimeouts()
	bindAddr := config.GetBindAddress()

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", bindAddr, port),
		Handler:      apiServer.Handler(),
		ReadTimeout:  timeouts.ReadTimeout,
		WriteTimeout: timeouts.WriteTimeout,
		IdleTimeout:  timeouts.IdleTimeout,
	}

	// Periodic snapshot flush
	flushStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(snapshotSaveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-flushStop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := quota.Save(ctx); err != nil {
					utils.Debug("[Server] Quota snapshot save: %v", err)
				}
				cancel()
			}
		}
	}()

	// Graceful shutdown
	done := make(chan bool)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		utils.Info("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			utils.Error("Server forced to shutdown: %v", err)
		}

		close(flushStop)
		queue.Stop()

		if err := quota.Save(ctx); err != nil {
			utils.Warn("[Server] Final quota snapshot save: %v", err)
		}

		close(done)
	}()

	utils.Success("Server listening on http://localhost:%d", port)
	utils.Info("Press Ctrl+C to stop")

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	<-done
	utils.Success("Server stopped gracefully")
	return nil
}
