// Command letta-agent is the local execution agent: it holds open a
// WebSocket connection to the controller, evaluates every proposed tool
// call against the permission engine, and executes whatever gets
// approved. See cmd/letta-agent/stub.go for the conversation-service
// and tool-executor boundary this binary does not implement.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/letta-ai/exec-agent/internal/config"
	"github.com/letta-ai/exec-agent/internal/listener"
	"github.com/letta-ai/exec-agent/internal/metrics"
	"github.com/letta-ai/exec-agent/internal/permission"
)

// Version is set at build time.
var Version = "dev"

func main() {
	var configPath string
	var allowedTools []string
	var disallowedTools []string
	var permissionMode string
	var planFilePath string
	var apiKey string
	var gatewayURL string
	var workingDir string
	var metricsAddr string

	rootCmd := &cobra.Command{
		Use:   "letta-agent",
		Short: "Letta execution agent - local tool execution for a remote conversation",
		Long: `letta-agent connects to a Letta controller over a WebSocket control
channel, evaluates every proposed tool call against a layered permission
engine, and executes whatever the engine or the operator approves.`,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the agent's yaml config file")
	rootCmd.PersistentFlags().StringSliceVar(&allowedTools, "allowed-tools", nil, "CLI-level allow rules, e.g. Bash(git:*)")
	rootCmd.PersistentFlags().StringSliceVar(&disallowedTools, "disallowed-tools", nil, "CLI-level deny rules")
	rootCmd.PersistentFlags().StringVar(&permissionMode, "permission-mode", "", "starting permission mode (default, acceptEdits, plan, bypassPermissions)")
	rootCmd.PersistentFlags().StringVar(&planFilePath, "plan-file-path", "", "plan file path associated with plan mode")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "bearer credential presented to the controller")
	rootCmd.PersistentFlags().StringVar(&gatewayURL, "gateway-url", "", "controller WebSocket URL")
	rootCmd.PersistentFlags().StringVar(&workingDir, "working-dir", "", "working directory the permission engine confines file tools to")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve /metrics on, e.g. :9090 (disabled if empty)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the controller and serve tool calls until stopped",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			flags := config.LoadFlags()

			if cmd.Flags().Changed("permission-mode") {
				cfg.Permission.DefaultMode = permissionMode
			}
			if cmd.Flags().Changed("plan-file-path") {
				cfg.Permission.PlanFilePath = planFilePath
			}
			if cmd.Flags().Changed("api-key") {
				cfg.Auth.APIKey = apiKey
			}
			if cmd.Flags().Changed("gateway-url") {
				cfg.Gateway.URL = gatewayURL
			}
			if cmd.Flags().Changed("working-dir") {
				cfg.Permission.WorkingDir = workingDir
			}
			if cmd.Flags().Changed("allowed-tools") {
				cfg.Permission.AllowedTools = allowedTools
			}
			if cmd.Flags().Changed("disallowed-tools") {
				cfg.Permission.DisallowedTools = disallowedTools
			}

			level := parseLevel(cfg.Logging.Level)
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			if strings.EqualFold(cfg.Logging.Format, "json") {
				logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			}

			store := permission.NewStore(logger)
			store.SetCLIOverrides(cfg.Permission.AllowedTools, cfg.Permission.DisallowedTools)
			if cfg.Permission.RulesFile != "" {
				if err := store.LoadPersisted(cfg.Permission.RulesFile, ""); err != nil {
					return fmt.Errorf("loading persisted rules: %w", err)
				}
				if stop, err := store.Watch(cfg.Permission.RulesFile, ""); err != nil {
					logger.Warn("permission: could not watch rules file", "error", err)
				} else {
					defer stop()
				}
			}

			mode := permission.NewModeController()
			mode.SetMode(permission.Mode(cfg.Permission.DefaultMode))
			if cfg.Permission.DefaultMode == string(permission.ModePlan) && cfg.Permission.PlanFilePath != "" {
				mode.EnterPlan(cfg.Permission.PlanFilePath)
			}

			engineOpts := permission.EngineOptions{
				WorkingDir: cfg.Permission.WorkingDir,
				AgentID:    flags.ParentAgentID,
				Trace:      flags.PermissionTrace,
				TraceAll:   flags.PermissionTraceAll,
				Logger:     logger,
			}

			// LETTA_PERMISSIONS_V2 defaults to true; set it false to run
			// the pre-canonicalization v1 engine as the primary decision
			// path instead (migration rollback path).
			v2Engine := permission.NewEngine(store, mode, engineOpts)
			legacyEngine := permission.NewLegacyEngine(store, mode, engineOpts)

			engine := v2Engine
			var dualEvalEngine *permission.Engine
			if !flags.PermissionsV2 {
				engine = legacyEngine
				logger.Info("permission: LETTA_PERMISSIONS_V2=false, running legacy v1 engine as primary")
			} else if flags.PermissionsDualEval {
				dualEvalEngine = legacyEngine
				logger.Info("permission: dual-eval enabled, running legacy v1 engine alongside v2")
			}

			header := map[string][]string{}
			if cfg.Auth.APIKey != "" {
				header["Authorization"] = []string{"Bearer " + cfg.Auth.APIKey}
			}

			reg := prometheus.NewRegistry()
			agentMetrics := metrics.New(reg)

			rt := listener.New(listener.Options{
				URL:          cfg.Gateway.URL,
				Header:       header,
				Engine:       engine,
				LegacyEngine: dualEvalEngine,
				Mode:         mode,
				Convo:        &unimplementedConvo{},
				Executor:     &unimplementedExecutor{},
				Logger:       logger,
				Metrics:      agentMetrics,
				OnEnvironmentNotFound: func() {
					logger.Error("controller reports the agent's environment no longer exists, exiting")
				},
			})

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
				server := &http.Server{Addr: metricsAddr, Handler: mux}
				go func() {
					if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Warn("metrics server stopped", "error", err)
					}
				}()
				go func() {
					<-ctx.Done()
					_ = server.Close()
				}()
			}

			logger.Info("starting letta-agent",
				"version", Version,
				"gateway_url", cfg.Gateway.URL,
				"permission_mode", cfg.Permission.DefaultMode,
				"session_id", rt.SessionID(),
			)

			return rt.Run(ctx)
		},
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("letta-agent %s\n", Version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
