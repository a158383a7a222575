package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/approval"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/rollback"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/service"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/slashcmd"
	domaintool "github.com/ngoclaw/ngoclaw/gateway/internal/domain/tool"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/transcript"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/config"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/deviceid"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/llm/kimi"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/logger"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/metrics"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/sandbox"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/session"
	infratool "github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/tool"
	"github.com/ngoclaw/ngoclaw/gateway/internal/interfaces/cli"
	"github.com/ngoclaw/ngoclaw/gateway/pkg/safego"
)

const (
	cliVersion = "0.1.0"
	cliName    = "kimi"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   cliName + " [prompt]",
		Short: "Kimi CLI — interactive AI coding agent",
		Long:  "Kimi CLI — an interactive coding assistant that runs tools on your machine under a human approval gate",
		Args:  cobra.ArbitraryArgs,
		RunE:  runInteractive,
	}

	rootCmd.Flags().StringP("model", "m", "", "model override")
	rootCmd.Flags().BoolP("yolo", "y", false, "skip tool approval")
	rootCmd.Flags().StringP("workspace", "w", "", "workspace directory")
	rootCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9180)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", cliName, cliVersion)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "doctor",
		Short: "environment diagnostics",
		RunE:  runDoctor,
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ─── Interactive Mode (default) ───

func runInteractive(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if m, _ := cmd.Flags().GetString("model"); m != "" {
		cfg.Provider.Model = m
	}
	if y, _ := cmd.Flags().GetBool("yolo"); y {
		cfg.Agent.Yolo = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	workspace, _ := os.Getwd()
	if w, _ := cmd.Flags().GetString("workspace"); w != "" {
		workspace = w
	}

	// Quiet logger for the interactive surface; structured logs go to a
	// session-adjacent file so the terminal stays clean.
	logPath := filepath.Join(workspace, ".kimi", "cli.log")
	_ = os.MkdirAll(filepath.Dir(logPath), 0o700)
	log, err := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     "json",
		OutputPath: logPath,
	})
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	// Session store.
	sessionRoot := cfg.Session.Root
	if sessionRoot == "" {
		sessionRoot = session.DefaultRoot(workspace)
	}
	store, err := session.New(sessionRoot, workspace, log)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}

	// Transcript, restored if this session directory already has context.
	tx := transcript.New(log)
	if err := store.LoadContext(tx); err != nil {
		log.Warn("could not restore context", zap.Error(err))
	}

	// Toolset with the built-in capabilities.
	toolset := domaintool.NewToolset()
	sbConfig := sandbox.DefaultConfig()
	sbConfig.WorkDir = workspace
	sb, err := sandbox.NewProcessSandbox(sbConfig, log)
	if err != nil {
		return fmt.Errorf("sandbox: %w", err)
	}
	if err := infratool.RegisterBuiltins(toolset, sb, workspace, log); err != nil {
		return fmt.Errorf("tools: %w", err)
	}

	// LLM provider. The device id is materialized eagerly so the first
	// turn doesn't pay for the file creation.
	_ = deviceid.Get()
	mc := cfg.ModelConfig()
	temp := mc.Temperature()
	topP := mc.TopP()
	provider := kimi.New(kimi.Config{
		APIKey:      cfg.Provider.APIKey,
		BaseURL:     cfg.Provider.BaseURL,
		Model:       mc.Model(),
		Temperature: &temp,
		TopP:        &topP,
		MaxTokens:   mc.MaxTokens(),
	}, log)

	gate := approval.New(cfg.Agent.Yolo)
	mailbox := rollback.New()

	var policy service.CompactionPolicy
	switch cfg.Agent.Compaction.Policy {
	case "keep_last_n":
		policy = &service.KeepLastNPolicy{N: cfg.Agent.Compaction.KeepRecent, Logger: log}
	default:
		policy = &service.CheckpointTruncatePolicy{MaxTokens: cfg.Agent.Compaction.TokenThreshold, Logger: log}
	}

	loopCfg := service.DefaultAgentLoopConfig()
	loopCfg.Model = mc.Model()
	loopCfg.SystemPrompt = fmt.Sprintf(
		"You are Kimi, an AI coding assistant running in a terminal. "+
			"The user's workspace is %s. Use the available tools to read, "+
			"modify, and execute code; prefer small, verifiable steps.", workspace)
	loopCfg.MaxIterations = cfg.Agent.MaxIterations
	loopCfg.TurnTimeout = cfg.Agent.TurnTimeout
	loopCfg.ToolTimeout = cfg.Agent.ToolTimeout
	loopCfg.MaxRetries = cfg.Agent.MaxRetries
	loopCfg.RetryBaseWait = cfg.Agent.RetryBaseWait
	loopCfg.ContextMaxTokens = cfg.Agent.Guardrails.ContextMaxTokens
	loopCfg.ContextWarnRatio = cfg.Agent.Guardrails.ContextWarnRatio
	loopCfg.ContextHardRatio = cfg.Agent.Guardrails.ContextHardRatio
	loopCfg.LoopWindowSize = cfg.Agent.Guardrails.LoopDetectWindow
	loopCfg.LoopDetectThreshold = cfg.Agent.Guardrails.LoopDetectThreshold
	loopCfg.LoopNameThreshold = cfg.Agent.Guardrails.LoopNameThreshold

	collector := metrics.NewCollector()
	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		safego.Go(log, "metrics-server", func() {
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Warn("metrics server stopped", zap.Error(err))
			}
		})
	}

	var app *cli.App
	registry := slashcmd.NewDefault(slashcmd.Deps{
		StatusFn: func() slashcmd.Status {
			return slashcmd.Status{
				Model:      mc.FullModelName(),
				ToolCount:  len(toolset.Schemas()),
				TokenCount: tx.TokenCount(),
			}
		},
		CompactFn: func(_ context.Context) error {
			return policy.Apply(tx)
		},
		ResetFn: func(_ context.Context) {
			tx.ClearMessages()
		},
		QuitFn: func() {
			if app != nil {
				app.RequestQuit()
			}
		},
	}, cliVersion)

	loop := service.NewAgentLoop(provider, toolset, tx, gate, mailbox, policy, registry, loopCfg, log)
	loop.SetHooks(service.NewHookChain(service.NewLoggingHook(log), metrics.NewHook(collector)))

	var initPrompt string
	if len(args) > 0 {
		initPrompt = args[0]
	}
	app = cli.NewApp(loop, gate, tx, store, cli.REPLConfig{
		Version:    cliVersion,
		Model:      mc.FullModelName(),
		Workspace:  workspace,
		ToolCount:  len(toolset.Schemas()),
		Yolo:       cfg.Agent.Yolo,
		InitPrompt: initPrompt,
	}, log)

	return app.Run()
}

// ─── Doctor ───

func runDoctor(cmd *cobra.Command, args []string) error {
	fmt.Printf("◇ Kimi Doctor v%s\n\n", cliVersion)

	workspace, _ := os.Getwd()

	var results []session.DiagnosticResult
	cfgDetail, cfgOK := checkConfig()
	results = append(results, session.DiagnosticResult{Name: "config", Detail: cfgDetail, OK: cfgOK})
	keyDetail, keyOK := checkAPIKey()
	results = append(results, session.DiagnosticResult{Name: "api key", Detail: keyDetail, OK: keyOK})
	results = append(results, session.Diagnose(session.DefaultRoot(workspace), deviceid.Get())...)

	allOK := true
	for _, r := range results {
		icon := "\033[92m✓\033[0m"
		if !r.OK {
			icon = "\033[91m✗\033[0m"
			allOK = false
		}
		fmt.Printf("  %s %s: %s\n", icon, r.Name, r.Detail)
	}

	fmt.Println()
	if allOK {
		fmt.Println("all checks passed ✓")
	} else {
		fmt.Println("problems found, see markers above")
	}
	return nil
}

func checkConfig() (string, bool) {
	home, _ := os.UserHomeDir()
	path := filepath.Join(home, ".kimi", "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return path, true
	}
	return "no ~/.kimi/config.yaml (defaults + env apply)", true
}

func checkAPIKey() (string, bool) {
	cfg, err := config.Load()
	if err != nil {
		return err.Error(), false
	}
	if cfg.Provider.APIKey == "" {
		return "not set (KIMI_PROVIDER_API_KEY)", false
	}
	return "set", true
}

