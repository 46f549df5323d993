package config

import (
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Config holds all configuration for the knowledge base server and the
// completion service. Both binaries load the same struct; each uses the
// sections it needs.
type Config struct {
	Port            int
	CompletionsPort int
	Version         string
	APIKey          string
	BaseURL         string

	Database   DatabaseConfig
	Embeddings EmbeddingsConfig
	Ingestion  IngestionConfig
	Providers  ProvidersConfig
	KB         KBClientConfig
	Directory  DirectoryConfig
	Telemetry  TelemetryConfig
}

type DatabaseConfig struct {
	// Path is the SQLite database file holding the metadata catalog.
	Path string
	// VectorPath is the root directory of the persistent vector store.
	VectorPath string
}

// EmbeddingsConfig supplies the process-wide defaults substituted for
// "default" fields in collection create requests.
type EmbeddingsConfig struct {
	Vendor   string
	Model    string
	Endpoint string
	APIKey   string
}

type IngestionConfig struct {
	// StaticRoot is the directory uploads are stored under and served from.
	StaticRoot string
	// Workers bounds concurrent ingestion jobs.
	Workers int
	// MaxUploadBytes caps request bodies and multipart uploads.
	MaxUploadBytes int64
	// DisabledPlugins lists plugin names excluded from the registry.
	DisabledPlugins []string
}

// ProvidersConfig holds the system-organization LLM provider fallbacks.
type ProvidersConfig struct {
	OpenAI ProviderEnv
	Ollama ProviderEnv
}

type ProviderEnv struct {
	Endpoint     string
	APIKey       string
	Models       []string
	DefaultModel string
}

// KBClientConfig points the completion service at the KB server.
type KBClientConfig struct {
	URL   string
	Token string
}

type DirectoryConfig struct {
	// Path is the JSON file backing the assistant/organization directory.
	Path string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:            envInt("LAMB_KB_PORT", 9090),
		CompletionsPort: envInt("LAMB_COMPLETIONS_PORT", 9099),
		Version:         envStr("LAMB_VERSION", "0.1.0"),
		APIKey:          envStr("LAMB_API_KEY", "0p3n-w3bu!"),
		BaseURL:         envStr("LAMB_BASE_URL", "http://localhost:9090"),
		Database: DatabaseConfig{
			Path:       envStr("LAMB_DB_PATH", "data/lamb-kb.db"),
			VectorPath: envStr("LAMB_VECTOR_PATH", "data/chromem"),
		},
		Embeddings: EmbeddingsConfig{
			Vendor:   envStr("EMBEDDINGS_VENDOR", "openai"),
			Model:    envStr("EMBEDDINGS_MODEL", "text-embedding-3-small"),
			Endpoint: envStr("EMBEDDINGS_ENDPOINT", "https://api.openai.com/v1"),
			APIKey:   envStr("EMBEDDINGS_APIKEY", os.Getenv("OPENAI_API_KEY")),
		},
		Ingestion: IngestionConfig{
			StaticRoot:      envStr("LAMB_STATIC_ROOT", "static"),
			Workers:         envInt("LAMB_INGESTION_WORKERS", runtime.NumCPU()),
			MaxUploadBytes:  envInt64("LAMB_MAX_UPLOAD_BYTES", 100<<20),
			DisabledPlugins: envList("LAMB_DISABLED_PLUGINS"),
		},
		Providers: ProvidersConfig{
			OpenAI: ProviderEnv{
				Endpoint:     envStr("OPENAI_BASE_URL", "https://api.openai.com/v1"),
				APIKey:       envStr("OPENAI_API_KEY", ""),
				Models:       envList("OPENAI_MODELS"),
				DefaultModel: envStr("OPENAI_DEFAULT_MODEL", "gpt-4o-mini"),
			},
			Ollama: ProviderEnv{
				Endpoint:     envStr("OLLAMA_BASE_URL", "http://localhost:11434"),
				Models:       envList("OLLAMA_MODELS"),
				DefaultModel: envStr("OLLAMA_DEFAULT_MODEL", ""),
			},
		},
		KB: KBClientConfig{
			URL:   envStr("LAMB_KB_SERVER_URL", "http://localhost:9090"),
			Token: envStr("LAMB_KB_SERVER_TOKEN", envStr("LAMB_API_KEY", "0p3n-w3bu!")),
		},
		Directory: DirectoryConfig{
			Path: envStr("LAMB_DIRECTORY_PATH", "data/directory.json"),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "lamb-kb-server"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
