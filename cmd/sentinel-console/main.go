package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sentinelops/console/internal/config"
	"github.com/sentinelops/console/internal/console"
	"github.com/sentinelops/console/internal/logging"
	"github.com/sentinelops/console/internal/protocol"
	"github.com/sentinelops/console/pkg/api"
)

var (
	version   = "0.1.0"
	cfgFile   string
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:   "sentinel-console",
	Short: "SentinelOps operator console",
	Long:  `Sentinel Console - headless telemetry and control core for the SentinelOps agent platform`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the control plane and stream telemetry",
	Run: func(cmd *cobra.Command, args []string) {
		runConsole()
	},
}

var agentCmd = &cobra.Command{
	Use:   "agent [agent-id] [pause|resume|terminate]",
	Short: "Issue a lifecycle command to an agent",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		controlAgent(args[0], args[1])
	},
}

var execCmd = &cobra.Command{
	Use:   "exec [tool-name]",
	Short: "Run a one-shot analysis tool",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		execTool(args[0], toolArgs)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Sentinel Console v%s\n", version)
	},
}

var toolArgs []string

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/sentinelops/console.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "control plane URL")

	execCmd.Flags().StringArrayVar(&toolArgs, "arg", nil, "tool argument as key=value (repeatable)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}
	for _, err := range cfg.Validate() {
		fmt.Fprintf(os.Stderr, "Config: %v\n", err)
	}
	if cfg.ServerURL == "" {
		os.Exit(1)
	}
	return cfg
}

func runConsole() {
	cfg := loadConfig()
	logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stderr)
	log := logging.L("main")

	core, err := console.New(cfg)
	if err != nil {
		log.Error("failed to build console", logging.KeyError, err)
		os.Exit(1)
	}

	view := newStreamView(core)
	view.start()
	core.Start()

	log.Info("console started", "server", cfg.ServerURL, "version", version)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	view.stop()
	core.Close()
}

func controlAgent(agentID, actionArg string) {
	cfg := loadConfig()
	action := protocol.AgentAction(strings.ToUpper(actionArg))

	client := api.NewClient(cfg.ServerURL, cfg.AuthToken)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := client.Control(ctx, agentID, action); err != nil {
		fmt.Fprintf(os.Stderr, "Command failed: %v\n", err)
		os.Exit(1)
	}
	// Accepted for processing only; the stream confirms the transition.
	fmt.Printf("Command %s accepted for agent %s\n", action, agentID)
}

func execTool(name string, kvArgs []string) {
	cfg := loadConfig()

	args := make(map[string]any, len(kvArgs))
	for _, kv := range kvArgs {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			fmt.Fprintf(os.Stderr, "Invalid --arg %q, want key=value\n", kv)
			os.Exit(1)
		}
		args[key] = value
	}

	client := api.NewClient(cfg.ServerURL, cfg.AuthToken)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	result, err := client.ExecuteTool(ctx, name, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Tool failed: %v\n", err)
		os.Exit(1)
	}
	for _, line := range result.Logs {
		fmt.Println(line)
	}
	if len(result.Result) > 0 {
		fmt.Println(string(result.Result))
	}
}
