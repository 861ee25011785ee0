package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fluxchat/flux/chat"
	"github.com/fluxchat/flux/internal/profile"
	"github.com/fluxchat/flux/internal/version"
	"github.com/fluxchat/flux/llm"
	"github.com/fluxchat/flux/metrics"
	"github.com/fluxchat/flux/search"
	"github.com/fluxchat/flux/server"
	"github.com/fluxchat/flux/store"
	"github.com/fluxchat/flux/store/db"
	"github.com/fluxchat/flux/toolrt"
)

var rootCmd = &cobra.Command{
	Use:   "flux",
	Short: "A multi-provider AI chat server with tool use, web search and permission gating.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Systemd services carry their environment from the unit file.
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		return nil
	},
	RunE: func(_ *cobra.Command, _ []string) error {
		instanceProfile := &profile.Profile{
			Mode:    viper.GetString("mode"),
			Addr:    viper.GetString("addr"),
			Port:    viper.GetInt("port"),
			Data:    viper.GetString("data"),
			Driver:  viper.GetString("driver"),
			DSN:     viper.GetString("dsn"),
			Version: version.Version,
		}
		instanceProfile.FromEnv()
		if err := instanceProfile.Validate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), terminationSignals...)
		defer stop()

		dbDriver, err := db.NewDBDriver(instanceProfile)
		if err != nil {
			slog.Error("failed to create db driver", "error", err)
			return err
		}
		st := store.New(dbDriver)
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			slog.Error("failed to migrate", "error", err)
			return err
		}

		bus := chat.NewEventBus()
		manager := chat.NewManager(st, bus, chat.NewTokenCounter())

		var registry *toolrt.Registry
		if instanceProfile.ToolConfig != "" {
			toolCfg, err := toolrt.LoadConfig(instanceProfile.ToolConfig)
			if err != nil {
				slog.Error("failed to load tool config", "error", err)
				return err
			}
			registry, err = toolrt.NewRegistry(ctx, toolCfg, instanceProfile.GrantsPath())
			if err != nil {
				slog.Error("failed to start tool servers", "error", err)
				return err
			}
			defer registry.Close()
		}

		if !instanceProfile.IsLLMEnabled() {
			slog.Error("no LLM configured, set FLUX_LLM_API_KEY or use the ollama provider")
			return fmt.Errorf("llm provider %q requires an API key", instanceProfile.LLMProvider)
		}
		providerCfg := &llm.Config{
			Provider:      instanceProfile.LLMProvider,
			Model:         instanceProfile.LLMModel,
			ThinkingModel: instanceProfile.LLMThinkingModel,
			APIKey:        instanceProfile.LLMAPIKey,
			BaseURL:       instanceProfile.LLMBaseURL,
			MaxTokens:     instanceProfile.LLMMaxTokens,
			Timeout:       instanceProfile.LLMTimeout,
		}
		var provider *llm.Provider
		if registry != nil {
			provider, err = llm.NewProvider(providerCfg, registry, registry)
		} else {
			provider, err = llm.NewProvider(providerCfg, nil, nil)
		}
		if err != nil {
			slog.Error("failed to create llm provider", "error", err)
			return err
		}

		exporter := metrics.NewExporter(metrics.DefaultConfig())

		opts := []chat.OrchestratorOption{chat.WithMetrics(exporter)}
		if registry != nil {
			opts = append(opts, chat.WithTools(registry))
		}
		if instanceProfile.SearchEndpoint != "" {
			searcher, err := search.NewService(&search.Config{
				Endpoint:    instanceProfile.SearchEndpoint,
				EnrichLimit: instanceProfile.SearchEnrichLimit,
			})
			if err != nil {
				slog.Error("failed to create search service", "error", err)
				return err
			}
			opts = append(opts, chat.WithSearch(searcher))
		}
		orch := chat.NewOrchestrator(manager, provider, opts...)

		if _, err := manager.RecoverUnfinishedMessages(ctx); err != nil {
			slog.Error("startup recovery failed", "error", err)
			return err
		}

		s := server.NewServer(instanceProfile, st, manager, orch, exporter)
		printGreetings(instanceProfile)
		return s.Start(ctx)
	},
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("driver", "sqlite")
	viper.SetDefault("port", 28080)

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod" or "dev"`)
	rootCmd.PersistentFlags().String("addr", "", "address of server")
	rootCmd.PersistentFlags().Int("port", 28080, "port of server")
	rootCmd.PersistentFlags().String("data", "", "data directory")
	rootCmd.PersistentFlags().String("driver", "sqlite", "database driver (sqlite, postgres)")
	rootCmd.PersistentFlags().String("dsn", "", "database source name (aka DSN)")

	for _, flag := range []string{"mode", "addr", "port", "data", "driver", "dsn"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("flux")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

func printGreetings(profile *profile.Profile) {
	fmt.Printf("Flux %s started\n", version.String())
	if profile.IsDev() {
		fmt.Fprintln(os.Stderr, "Development mode is enabled")
		if profile.DSN != "" {
			fmt.Fprintf(os.Stderr, "Database: %s\n", profile.DSN)
		}
	}
	fmt.Printf("Data directory: %s\n", profile.Data)
	fmt.Printf("Database driver: %s\n", profile.Driver)
	if profile.Addr == "" {
		fmt.Printf("Listening on port %d\n", profile.Port)
	} else {
		fmt.Printf("Listening on %s:%d\n", profile.Addr, profile.Port)
	}
}

// isRunningAsSystemdService detects if the process is running under systemd.
func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
