package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the namespace prefix for all SiteVoice environment variables.
const EnvPrefix = "SITEVOICE_"

// Config holds all application configuration. Secrets (API keys) are loaded
// exclusively from environment variables and never appear in the config file.
type Config struct {
	ListenAddr            string          `yaml:"listen_addr"`
	DBPath                string          `yaml:"db_path"`
	AudioDir              string          `yaml:"audio_dir"`
	JournalDir            string          `yaml:"journal_dir"`
	CompressAudio         bool            `yaml:"compress_audio"`
	MicSampleRate         int             `yaml:"mic_sample_rate"`
	MicSampleRates        []int           `yaml:"mic_sample_rates"`
	Capture               Capture         `yaml:"capture"`
	Transcription         Transcription   `yaml:"transcription"`
	Recommendations       Recommendations `yaml:"recommendations"`
	GDriveFolderID        string          `yaml:"gdrive_folder_id"`
	GoogleCredentialsFile string          `yaml:"google_credentials_file"`

	// Secrets, env vars only, never serialized to YAML.
	OpenAIAPIKey    string `yaml:"-"`
	AnthropicAPIKey string `yaml:"-"`
	GeminiAPIKey    string `yaml:"-"`
	DeepgramAPIKey  string `yaml:"-"`
}

type Capture struct {
	MaxDuration      string  `yaml:"max_duration"`
	FragmentInterval string  `yaml:"fragment_interval"`
	TickInterval     string  `yaml:"tick_interval"`
	Bands            int     `yaml:"bands"`
	Gain             float64 `yaml:"gain"`
	Container        string  `yaml:"container"`
}

type Transcription struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// Recommendations configures the streaming advice endpoint. Model is
// "provider/model_name"; a preset may override it.
type Recommendations struct {
	Model   string            `yaml:"model"`
	Presets map[string]Preset `yaml:"presets"`
}

type Preset struct {
	Description  string `yaml:"description"`
	SystemPrompt string `yaml:"system_prompt"`
	UserTemplate string `yaml:"user_template"`
	Model        string `yaml:"model"`
}

const defaultSystemPrompt = `You are a project advisor for a residential construction and renovation company.
Given a homeowner's description of their project, recommend the services they likely need,
the order in which the work should happen, and the questions an estimator should ask on site.
Be practical and concise. Use short markdown sections. Never quote prices.`

func defaults() Config {
	return Config{
		ListenAddr:     ":8080",
		DBPath:         "data/sitevoice.db",
		AudioDir:       "data/audio",
		JournalDir:     "data/journal",
		MicSampleRate:  16000,
		MicSampleRates: []int{48000, 44100, 32000, 24000},
		Capture: Capture{
			MaxDuration:      "60s",
			FragmentInterval: "100ms",
			TickInterval:     "16ms",
			Bands:            12,
			Gain:             1.5,
			Container:        "wav",
		},
		Transcription: Transcription{Provider: "openai", Model: "whisper-1"},
		Recommendations: Recommendations{
			Model: "openai/gpt-4o-mini",
			Presets: map[string]Preset{
				"default": {
					Description:  "general renovation and repair requests",
					SystemPrompt: defaultSystemPrompt,
					UserTemplate: "Date: {{date}}\n\nProject description:\n{{transcript}}",
				},
			},
		},
		GoogleCredentialsFile: "./service-account.json",
	}
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
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	loadSecrets(&cfg)

	warnings := validate(&cfg)
	return cfg, warnings, nil
}

func (c *Capture) ParsedMaxDuration() time.Duration {
	return parseDuration(c.MaxDuration, 60*time.Second)
}

func (c *Capture) ParsedFragmentInterval() time.Duration {
	return parseDuration(c.FragmentInterval, 100*time.Millisecond)
}

func (c *Capture) ParsedTickInterval() time.Duration {
	return parseDuration(c.TickInterval, 16*time.Millisecond)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// APIKey returns the secret for a provider name, or "" when unknown.
func (c *Config) APIKey(provider string) string {
	switch provider {
	case "openai":
		return c.OpenAIAPIKey
	case "anthropic":
		return c.AnthropicAPIKey
	case "gemini":
		return c.GeminiAPIKey
	case "deepgram":
		return c.DeepgramAPIKey
	default:
		return ""
	}
}

// SampleRateCandidates returns a deduplicated ordered list of sample rates
// to try: preferred rate first, then configured alternatives, then defaults.
func (c *Config) SampleRateCandidates() []int {
	hardcoded := []int{16000, 48000, 44100, 32000, 24000}

	combined := make([]int, 0, 1+len(c.MicSampleRates)+len(hardcoded))
	combined = append(combined, c.MicSampleRate)
	combined = append(combined, c.MicSampleRates...)
	combined = append(combined, hardcoded...)

	seen := make(map[int]struct{}, len(combined))
	result := make([]int, 0, len(combined))
	for _, rate := range combined {
		if rate <= 0 {
			continue
		}
		if _, ok := seen[rate]; ok {
			continue
		}
		seen[rate] = struct{}{}
		result = append(result, rate)
	}
	return result
}

func applyEnvOverrides(cfg *Config) {
	strOverrides := map[string]*string{
		"LISTEN_ADDR":             &cfg.ListenAddr,
		"DB_PATH":                 &cfg.DBPath,
		"AUDIO_DIR":               &cfg.AudioDir,
		"JOURNAL_DIR":             &cfg.JournalDir,
		"MAX_DURATION":            &cfg.Capture.MaxDuration,
		"FRAGMENT_INTERVAL":       &cfg.Capture.FragmentInterval,
		"CONTAINER":               &cfg.Capture.Container,
		"TRANSCRIPTION_PROVIDER":  &cfg.Transcription.Provider,
		"TRANSCRIPTION_MODEL":     &cfg.Transcription.Model,
		"RECOMMENDATION_MODEL":    &cfg.Recommendations.Model,
		"GDRIVE_FOLDER_ID":        &cfg.GDriveFolderID,
		"GOOGLE_CREDENTIALS_FILE": &cfg.GoogleCredentialsFile,
	}
	for key, dst := range strOverrides {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv(EnvPrefix + "COMPRESS_AUDIO"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.CompressAudio = b
		}
	}
	if v := os.Getenv(EnvPrefix + "MIC_SAMPLE_RATE"); v != "" {
		if rate, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && rate > 0 {
			cfg.MicSampleRate = rate
		}
	}
	if v := os.Getenv(EnvPrefix + "MIC_SAMPLE_RATES"); v != "" {
		cfg.MicSampleRates = parseSampleRates(v)
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

	if provider := cfg.Transcription.Provider; cfg.APIKey(provider) == "" {
		warnings = append(warnings, fmt.Sprintf("No API key for transcription provider %q, transcription is disabled. Set %s%s_API_KEY.",
			provider, EnvPrefix, strings.ToUpper(provider)))
	}

	for _, provider := range recommendationProviders(cfg.Recommendations) {
		if cfg.APIKey(provider) == "" {
			warnings = append(warnings, fmt.Sprintf("No API key for recommendation provider %q, recommendations using it will fail. Set %s%s_API_KEY.",
				provider, EnvPrefix, strings.ToUpper(provider)))
		}
	}

	if len(cfg.Recommendations.Presets) == 0 {
		warnings = append(warnings, "No recommendation presets configured, using the built-in default.")
		cfg.Recommendations.Presets = defaults().Recommendations.Presets
	}

	durations := []struct {
		name  string
		value string
	}{
		{"max_duration", cfg.Capture.MaxDuration},
		{"fragment_interval", cfg.Capture.FragmentInterval},
		{"tick_interval", cfg.Capture.TickInterval},
	}
	for _, d := range durations {
		if parsed, err := time.ParseDuration(d.value); err != nil || parsed <= 0 {
			warnings = append(warnings, fmt.Sprintf("Invalid capture.%s %q, using the default.", d.name, d.value))
		}
	}

	if cfg.Capture.Bands <= 0 {
		warnings = append(warnings, fmt.Sprintf("Invalid capture.bands %d, using 12.", cfg.Capture.Bands))
		cfg.Capture.Bands = 12
	}
	if cfg.Capture.Gain <= 0 {
		warnings = append(warnings, fmt.Sprintf("Invalid capture.gain %v, using 1.5.", cfg.Capture.Gain))
		cfg.Capture.Gain = 1.5
	}
	switch strings.ToLower(cfg.Capture.Container) {
	case "wav", "flac":
	default:
		warnings = append(warnings, fmt.Sprintf("Unknown capture.container %q, using wav.", cfg.Capture.Container))
		cfg.Capture.Container = "wav"
	}

	return warnings
}

func recommendationProviders(r Recommendations) []string {
	seen := map[string]struct{}{}
	var providers []string
	add := func(model string) {
		provider, _, ok := strings.Cut(model, "/")
		if !ok || provider == "" {
			return
		}
		if _, dup := seen[provider]; dup {
			return
		}
		seen[provider] = struct{}{}
		providers = append(providers, provider)
	}

	add(r.Model)
	for _, p := range r.Presets {
		add(p.Model)
	}
	return providers
}

func parseSampleRates(raw string) []int {
	parts := strings.Split(raw, ",")
	seen := make(map[int]struct{}, len(parts))
	result := make([]int, 0, len(parts))

	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		rate, err := strconv.Atoi(trimmed)
		if err != nil || rate <= 0 {
			continue
		}
		if _, ok := seen[rate]; ok {
			continue
		}
		seen[rate] = struct{}{}
		result = append(result, rate)
	}

	return result
}
