package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the namespace prefix for all DisasterDesk environment variables.
const EnvPrefix = "DISASTERDESK_"

const (
	defaultExtractionTimeout = 15 * time.Second
	defaultDebounceInterval  = 2 * time.Second
	defaultGeocodeTimeout    = 3 * time.Second
	defaultPersistTimeout    = 5 * time.Second
	defaultContextWindow     = 10
	defaultPersistQueueSize  = 16
)

// Config holds all application configuration. Secrets (API keys) are loaded
// exclusively from environment variables and never appear in the config file.
type Config struct {
	ListenAddr            string   `yaml:"listen_addr"`
	DBPath                string   `yaml:"db_path"`
	TranscriptDir         string   `yaml:"transcript_dir"`
	ExtractionModel       string   `yaml:"extraction_model"`
	ExtractionTimeout     string   `yaml:"extraction_timeout"`
	DebounceInterval      string   `yaml:"debounce_interval"`
	ContextWindow         int      `yaml:"context_window"`
	GeocoderURL           string   `yaml:"geocoder_url"`
	GeocodeTimeout        string   `yaml:"geocode_timeout"`
	PersistTimeout        string   `yaml:"persist_timeout"`
	PersistQueueSize      int      `yaml:"persist_queue_size"`
	TTSModel              string   `yaml:"tts_model"`
	STTModel              string   `yaml:"stt_model"`
	KafkaBrokers          []string `yaml:"kafka_brokers"`
	KafkaTopic            string   `yaml:"kafka_topic"`
	GDriveFolderID        string   `yaml:"gdrive_folder_id"`
	GoogleCredentialsFile string   `yaml:"google_credentials_file"`
	LogLevel              string   `yaml:"log_level"`
	LogFormat             string   `yaml:"log_format"`

	// Secrets: env vars only, never serialized to YAML.
	OpenAIAPIKey    string `yaml:"-"`
	AnthropicAPIKey string `yaml:"-"`
	GeminiAPIKey    string `yaml:"-"`
	DeepgramAPIKey  string `yaml:"-"`
}

func defaults() Config {
	return Config{
		ListenAddr:            ":8080",
		DBPath:                "data/disasterdesk.db",
		TranscriptDir:         "data/transcripts",
		ExtractionModel:       "openai/gpt-4o-mini",
		ExtractionTimeout:     "15s",
		DebounceInterval:      "2s",
		ContextWindow:         defaultContextWindow,
		GeocoderURL:           "https://nominatim.openstreetmap.org",
		GeocodeTimeout:        "3s",
		PersistTimeout:        "5s",
		PersistQueueSize:      defaultPersistQueueSize,
		TTSModel:              "aura-2-thalia-en",
		STTModel:              "nova-2",
		KafkaTopic:            "emergency.calls",
		GoogleCredentialsFile: "./service-account.json",
		LogLevel:              "info",
		LogFormat:             "json",
	}
}

// LoadDotEnv populates the process environment from dotenv files. Missing
// files are ignored and variables already set in the environment win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load env file %s: %w", p, err)
		}
	}
	return nil
}

// Load reads configuration from a YAML file (if it exists), applies
// environment variable overrides, loads secrets, and validates the result.
// It returns the config, any validation warnings, and an error if the file
// exists but cannot be read or parsed.
func Load(path string) (Config, []string, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, nil, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	loadSecrets(&cfg)

	warnings := validate(&cfg)
	return cfg, warnings, nil
}

func (c *Config) ParsedExtractionTimeout() time.Duration {
	return parseDuration(c.ExtractionTimeout, defaultExtractionTimeout)
}

func (c *Config) ParsedDebounceInterval() time.Duration {
	return parseDuration(c.DebounceInterval, defaultDebounceInterval)
}

func (c *Config) ParsedGeocodeTimeout() time.Duration {
	return parseDuration(c.GeocodeTimeout, defaultGeocodeTimeout)
}

func (c *Config) ParsedPersistTimeout() time.Duration {
	return parseDuration(c.PersistTimeout, defaultPersistTimeout)
}

// ExtractionProvider returns the provider half of ExtractionModel, or "" if
// the model string is malformed.
func (c *Config) ExtractionProvider() string {
	provider, _, ok := strings.Cut(c.ExtractionModel, "/")
	if !ok {
		return ""
	}
	return provider
}

// ExtractionAPIKey returns the secret matching the configured provider.
func (c *Config) ExtractionAPIKey() string {
	switch c.ExtractionProvider() {
	case "openai":
		return c.OpenAIAPIKey
	case "anthropic":
		return c.AnthropicAPIKey
	case "gemini":
		return c.GeminiAPIKey
	default:
		return ""
	}
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func applyEnvOverrides(cfg *Config) {
	strs := map[string]*string{
		"LISTEN_ADDR":             &cfg.ListenAddr,
		"DB_PATH":                 &cfg.DBPath,
		"TRANSCRIPT_DIR":          &cfg.TranscriptDir,
		"EXTRACTION_MODEL":        &cfg.ExtractionModel,
		"EXTRACTION_TIMEOUT":      &cfg.ExtractionTimeout,
		"DEBOUNCE_INTERVAL":       &cfg.DebounceInterval,
		"GEOCODER_URL":            &cfg.GeocoderURL,
		"GEOCODE_TIMEOUT":         &cfg.GeocodeTimeout,
		"PERSIST_TIMEOUT":         &cfg.PersistTimeout,
		"TTS_MODEL":               &cfg.TTSModel,
		"STT_MODEL":               &cfg.STTModel,
		"KAFKA_TOPIC":             &cfg.KafkaTopic,
		"GDRIVE_FOLDER_ID":        &cfg.GDriveFolderID,
		"GOOGLE_CREDENTIALS_FILE": &cfg.GoogleCredentialsFile,
		"LOG_LEVEL":               &cfg.LogLevel,
		"LOG_FORMAT":              &cfg.LogFormat,
	}
	for key, dst := range strs {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv(EnvPrefix + "CONTEXT_WINDOW"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			cfg.ContextWindow = n
		}
	}
	if v := os.Getenv(EnvPrefix + "PERSIST_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			cfg.PersistQueueSize = n
		}
	}
	if v := os.Getenv(EnvPrefix + "KAFKA_BROKERS"); v != "" {
		cfg.KafkaBrokers = parseList(v)
	}
}

func loadSecrets(cfg *Config) {
	cfg.OpenAIAPIKey = os.Getenv(EnvPrefix + "OPENAI_API_KEY")
	cfg.AnthropicAPIKey = os.Getenv(EnvPrefix + "ANTHROPIC_API_KEY")
	cfg.GeminiAPIKey = os.Getenv(EnvPrefix + "GEMINI_API_KEY")
	cfg.DeepgramAPIKey = os.Getenv(EnvPrefix + "DEEPGRAM_API_KEY")
}

func validate(cfg *Config) []string {
	var warnings []string

	switch provider := cfg.ExtractionProvider(); provider {
	case "openai", "anthropic", "gemini":
		if cfg.ExtractionAPIKey() == "" {
			warnings = append(warnings, fmt.Sprintf("No API key for extraction provider %q: calls will only receive the fallback reply. Set %s%s_API_KEY.", provider, EnvPrefix, strings.ToUpper(provider)))
		}
	default:
		warnings = append(warnings, fmt.Sprintf("Invalid extraction_model %q: expected provider/model with provider openai, anthropic or gemini.", cfg.ExtractionModel))
	}
	if cfg.DeepgramAPIKey == "" {
		warnings = append(warnings, "Deepgram API key not configured: dispatcher replies are sent as text only and server-side recognition is disabled. Set "+EnvPrefix+"DEEPGRAM_API_KEY.")
	}

	durations := []struct {
		key, value string
		fallback   time.Duration
	}{
		{"extraction_timeout", cfg.ExtractionTimeout, defaultExtractionTimeout},
		{"debounce_interval", cfg.DebounceInterval, defaultDebounceInterval},
		{"geocode_timeout", cfg.GeocodeTimeout, defaultGeocodeTimeout},
		{"persist_timeout", cfg.PersistTimeout, defaultPersistTimeout},
	}
	for _, d := range durations {
		if v, err := time.ParseDuration(strings.TrimSpace(d.value)); err != nil || v <= 0 {
			warnings = append(warnings, fmt.Sprintf("Invalid %s %q: using default %s.", d.key, d.value, d.fallback))
		}
	}

	if cfg.ContextWindow <= 0 {
		warnings = append(warnings, fmt.Sprintf("Invalid context_window %d: using default %d.", cfg.ContextWindow, defaultContextWindow))
		cfg.ContextWindow = defaultContextWindow
	}
	if cfg.PersistQueueSize <= 0 {
		cfg.PersistQueueSize = defaultPersistQueueSize
	}

	return warnings
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	seen := make(map[string]struct{}, len(parts))
	result := make([]string, 0, len(parts))

	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}

	return result
}
