package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Engine    EngineConfig
	OpenAI    OpenAIConfig
	Ollama    OllamaConfig
	Storage   StorageConfig
	RateLimit RateLimitConfig
	Retrieval RetrievalConfig
	Admin     AdminConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port int
}

type EngineConfig struct {
	Provider      string // "openai" or "ollama"
	VisionModel   string
	CritiqueModel string
	EmbedModel    string
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
}

type OllamaConfig struct {
	BaseURL string
}

type StorageConfig struct {
	DataDir string
}

type RateLimitConfig struct {
	MaxRequests   int
	WindowSeconds int
	// FailOpen admits requests when the counter store errors. Off by default:
	// skipping the limiter must be an explicit deployment decision.
	FailOpen bool
}

type RetrievalConfig struct {
	Enabled bool
	TopK    int
}

type AdminConfig struct {
	Token string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 8080,
		},
		Engine: EngineConfig{
			Provider:      "openai",
			VisionModel:   "gpt-4o",
			CritiqueModel: "gpt-4o",
			EmbedModel:    "text-embedding-3-small",
		},
		OpenAI: OpenAIConfig{},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		RateLimit: RateLimitConfig{
			MaxRequests:   3,
			WindowSeconds: 3600,
		},
		Retrieval: RetrievalConfig{
			Enabled: true,
			TopK:    5,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pmv"
	}
	return filepath.Join(home, ".pmv")
}

// Load reads configuration from the config file, a .env file in the working
// directory if present, and PMV_* environment variables, in increasing order
// of precedence. The OpenAI key additionally falls back to the conventional
// OPENAI_API_KEY variable.
func Load() (Config, error) {
	// Best effort; absence of .env is the common case in production.
	_ = godotenv.Load()
	return loadWith(newFileBackend(""))
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.OpenAI.APIKey == "" {
		cfg.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	switch cfg.Engine.Provider {
	case "openai":
		if cfg.OpenAI.APIKey == "" {
			return Config{}, fmt.Errorf("missing required config: OpenAI API key. " +
				"Set it via environment variable PMV_OPENAI_API_KEY or OPENAI_API_KEY")
		}
	case "ollama":
	default:
		return Config{}, fmt.Errorf("unknown engine provider %q (want openai or ollama)", cfg.Engine.Provider)
	}

	if cfg.RateLimit.MaxRequests <= 0 || cfg.RateLimit.WindowSeconds <= 0 {
		return Config{}, fmt.Errorf("rate limit max_requests and window_seconds must be positive")
	}

	return cfg, nil
}

// Backend abstracts persistent (non-env) config storage. The default backend
// is a flat JSON file under the user config directory; tests substitute an
// in-memory map.
type Backend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
}

// fileBackend stores config as a flat JSON object.
type fileBackend struct {
	path string
}

func newFileBackend(path string) *fileBackend {
	if path == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			dir = defaultDataDir()
		}
		path = filepath.Join(dir, "pmv", "config.json")
	}
	return &fileBackend{path: path}
}

func (f *fileBackend) load() (map[string]any, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	m := map[string]any{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", f.path, err)
	}
	return m, nil
}

func (f *fileBackend) save(m map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, data, 0o600)
}

func (f *fileBackend) GetString(key string) (string, bool, error) {
	m, err := f.load()
	if err != nil {
		return "", false, err
	}
	v, ok := m[key]
	if !ok {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", false, fmt.Errorf("config key %s is not a string", key)
	}
	return s, true, nil
}

func (f *fileBackend) GetInt(key string) (int, bool, error) {
	m, err := f.load()
	if err != nil {
		return 0, false, err
	}
	v, ok := m[key]
	if !ok {
		return 0, false, nil
	}
	// JSON numbers decode as float64.
	n, ok := v.(float64)
	if !ok {
		return 0, false, fmt.Errorf("config key %s is not a number", key)
	}
	return int(n), true, nil
}

func (f *fileBackend) SetString(key, val string) error {
	m, err := f.load()
	if err != nil {
		return err
	}
	m[key] = val
	return f.save(m)
}

func (f *fileBackend) SetInt(key string, val int) error {
	m, err := f.load()
	if err != nil {
		return err
	}
	m[key] = val
	return f.save(m)
}
