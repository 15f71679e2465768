// ztp-dashboard is the fleet half of icxfleet. It accepts agent
// WebSockets, aggregates their inventories and events in memory, and
// serves the JSON API and view pages.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/icxfleet/icxfleet/pkg/dashboard"
	"github.com/icxfleet/icxfleet/pkg/util"
	"github.com/icxfleet/icxfleet/pkg/version"
)

var (
	listenAddr    string
	agentToken    string
	eventCapacity int
	logLevel      string
)

func main() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	switch {
	case errors.Is(err, util.ErrConfig):
		os.Exit(2)
	case errors.Is(err, util.ErrTransient):
		os.Exit(3)
	default:
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "ztp-dashboard",
	Short:         "Fleet dashboard for icxfleet edge agents",
	SilenceUsage:  true,
	SilenceErrors: true,
	Long: `ztp-dashboard aggregates the edge agents of a fleet: it terminates
their WebSockets, keeps a shadow of each site's device inventory, logs
lifecycle events in a bounded ring, and exposes the JSON API and the
per-agent view pages.

All state is in memory; a restart is recovered by agents re-registering
and re-pushing their inventories.`,
	RunE: runDashboard,
}

func init() {
	rootCmd.Flags().StringVar(&listenAddr, "listen", ":8080", "HTTP listen address")
	rootCmd.Flags().StringVar(&agentToken, "token", "", "Bearer token agents must present (empty disables the check)")
	rootCmd.Flags().IntVar(&eventCapacity, "event-capacity", 1000, "Events kept in the in-memory log")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ztp-dashboard %s\n", version.Info())
		},
	})
}

func runDashboard(cmd *cobra.Command, args []string) error {
	if err := util.SetLogLevel(logLevel); err != nil {
		return fmt.Errorf("%w: %v", util.ErrConfig, err)
	}
	if eventCapacity <= 0 {
		return fmt.Errorf("%w: event capacity must be positive", util.ErrConfig)
	}
	if agentToken == "" {
		util.Warn("running without an agent token; any agent may register")
	}

	events := dashboard.NewEventLog(eventCapacity)
	registry := dashboard.NewRegistry(agentToken, events)
	server := dashboard.NewServer(registry, events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go registry.Run(ctx)

	httpSrv := &http.Server{
		Addr:              listenAddr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		util.Infof("received %s, shutting down", sig)
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		httpSrv.Shutdown(shutdownCtx)
	}()

	util.Infof("ztp-dashboard %s listening on %s", version.Version, listenAddr)
	err := httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("%w: http server: %v", util.ErrTransient, err)
}
