// ztp-agent is the edge half of icxfleet. It runs on a small host
// inside a site network, provisions the local ICX switches and AP
// ports over SSH, and maintains a WebSocket uplink to the dashboard.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/icxfleet/icxfleet/pkg/agent"
	"github.com/icxfleet/icxfleet/pkg/config"
	"github.com/icxfleet/icxfleet/pkg/util"
	"github.com/icxfleet/icxfleet/pkg/version"
)

var (
	configPath string
	logLevel   string
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
	case errors.Is(err, util.ErrAuth), errors.Is(err, util.ErrTransient):
		os.Exit(3)
	default:
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "ztp-agent",
	Short:         "Zero-touch provisioning agent for RUCKUS ICX sites",
	SilenceUsage:  true,
	SilenceErrors: true,
	Long: `ztp-agent provisions the ICX switches and AP ports of one site and
reports to the icxfleet dashboard over a persistent WebSocket.

The agent holds no state of its own: seeds, credentials, and the VLAN
plan are pushed from the dashboard, and the device inventory is rebuilt
from the network on every poll.`,
	RunE: runAgent,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Agent configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")

	rootCmd.AddCommand(newSecretCmd(), versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ztp-agent %s\n", version.Info())
	},
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := agent.New(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SIGHUP re-reads the config for log-level changes; SIGINT and
	// SIGTERM stop cleanly.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				if fresh, err := loadConfig(); err == nil {
					util.SetLogLevel(fresh.LogLevel)
					util.Info("reloaded configuration")
				} else {
					util.Errorf("config reload failed: %v", err)
				}
				continue
			}
			util.Infof("received %s, shutting down", sig)
			cancel()
			return
		}
	}()

	util.WithAgent(cfg.AgentID).Infof("ztp-agent %s starting", version.Version)
	err = a.Run(ctx)
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func loadConfig() (*config.Agent, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := util.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("%w: %v", util.ErrConfig, err)
	}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("%w: open log file: %v", util.ErrConfig, err)
		}
		util.SetLogOutput(f)
	}
	return cfg, nil
}
