package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Profile is configuration to start main server.
type Profile struct {
	Mode    string // dev, prod
	Addr    string
	Port    int
	Data    string
	Driver  string // sqlite, postgres
	DSN     string
	Version string

	// Unified LLM configuration (OpenAI-compatible protocol).
	LLMProvider      string // deepseek, openai, siliconflow, openrouter, ollama
	LLMAPIKey        string
	LLMBaseURL       string // optional, has default per provider
	LLMModel         string
	LLMThinkingModel string // optional model for the thinking toggle
	LLMMaxTokens     int
	LLMTimeout       int // request timeout in seconds (default: 300)

	// Web search configuration.
	SearchEndpoint    string // SearXNG-style endpoint, empty disables search
	SearchEnrichLimit int

	// Tool runtime configuration. ToolConfig is a path to the MCP server
	// file; empty disables tools.
	ToolConfig string
}

// Provider default configurations for the LLM.
// Used when FLUX_LLM_BASE_URL is not explicitly set.
var llmProviderDefaults = map[string]struct {
	BaseURL string
	Model   string
}{
	"deepseek": {
		BaseURL: "https://api.deepseek.com",
		Model:   "deepseek-chat",
	},
	"openai": {
		BaseURL: "https://api.openai.com/v1",
		Model:   "gpt-4o",
	},
	"siliconflow": {
		BaseURL: "https://api.siliconflow.cn/v1",
		Model:   "Qwen/Qwen2.5-72B-Instruct",
	},
	"openrouter": {
		BaseURL: "https://openrouter.ai/api/v1",
		Model:   "deepseek/deepseek-chat",
	},
	"ollama": {
		BaseURL: "http://localhost:11434/v1",
		Model:   "llama3.1",
	},
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsLLMEnabled returns true if an upstream API key is configured. Ollama
// needs no key.
func (p *Profile) IsLLMEnabled() bool {
	return p.LLMAPIKey != "" || p.LLMProvider == "ollama"
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	p.LLMProvider = getEnvOrDefault("FLUX_LLM_PROVIDER", "openai")
	p.LLMAPIKey = getEnvOrDefault("FLUX_LLM_API_KEY", "")
	p.LLMBaseURL = getEnvOrDefault("FLUX_LLM_BASE_URL", "")
	p.LLMModel = getEnvOrDefault("FLUX_LLM_MODEL", "")
	p.LLMThinkingModel = getEnvOrDefault("FLUX_LLM_THINKING_MODEL", "")
	p.LLMMaxTokens = getEnvOrDefaultInt("FLUX_LLM_MAX_TOKENS", 2048)
	p.LLMTimeout = getEnvOrDefaultInt("FLUX_LLM_TIMEOUT_SECONDS", 300)

	if p.LLMProvider != "" {
		if _, ok := llmProviderDefaults[p.LLMProvider]; !ok {
			slog.Warn("unknown LLM provider, using default: openai", "provider", p.LLMProvider)
			p.LLMProvider = "openai"
		}
	}
	if p.LLMBaseURL == "" || p.LLMModel == "" {
		if defaults, ok := llmProviderDefaults[p.LLMProvider]; ok {
			if p.LLMBaseURL == "" {
				p.LLMBaseURL = defaults.BaseURL
			}
			if p.LLMModel == "" {
				p.LLMModel = defaults.Model
			}
		}
	}

	p.SearchEndpoint = getEnvOrDefault("FLUX_SEARCH_ENDPOINT", "")
	p.SearchEnrichLimit = getEnvOrDefaultInt("FLUX_SEARCH_ENRICH_LIMIT", 3)
	p.ToolConfig = getEnvOrDefault("FLUX_TOOL_CONFIG", "")
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "dev"
	}

	if p.Mode == "prod" && p.Data == "" {
		if runtime.GOOS == "windows" {
			p.Data = filepath.Join(os.Getenv("ProgramData"), "flux")
			if _, err := os.Stat(p.Data); os.IsNotExist(err) {
				if err := os.MkdirAll(p.Data, 0770); err != nil {
					slog.Error("failed to create data directory", slog.String("data", p.Data), slog.String("error", err.Error()))
					return err
				}
			}
		} else {
			p.Data = "/var/opt/flux"
		}
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		slog.Error("failed to check data dir", slog.String("data", dataDir), slog.String("error", err.Error()))
		return err
	}
	p.Data = dataDir

	if p.Driver == "sqlite" && p.DSN == "" {
		dbFile := fmt.Sprintf("flux_%s.db", p.Mode)
		p.DSN = filepath.Join(dataDir, dbFile)
	}

	if p.ToolConfig == "" {
		// A tool config dropped into the data directory is picked up
		// automatically.
		candidate := filepath.Join(dataDir, "mcp.json")
		if _, err := os.Stat(candidate); err == nil {
			p.ToolConfig = candidate
		}
	}

	return nil
}

// GrantsPath is where remembered tool permission grants live.
func (p *Profile) GrantsPath() string {
	return filepath.Join(p.Data, "tool_grants.json")
}
