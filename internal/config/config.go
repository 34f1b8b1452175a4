package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// ModelAuto asks the selector to pick a model at runtime.
	ModelAuto = "auto"

	EnvPrefix = "TUTORCHAT"
)

// Config holds application configuration
type Config struct {
	Listen         string        `mapstructure:"listen"`
	Model          string        `mapstructure:"model"`
	Candidates     []string      `mapstructure:"candidates"`
	FallbackModel  string        `mapstructure:"fallback_model"`
	Prefer         string        `mapstructure:"prefer"`
	Temperature    float64       `mapstructure:"temperature"`
	HistoryTurns   int           `mapstructure:"history_turns"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	Debug          bool          `mapstructure:"debug"`

	// Storage and logs
	DBPath string `mapstructure:"db_path"` // empty keeps sessions in memory
	LogDir string `mapstructure:"log_dir"`

	// Secret lookup
	APIKeyName  string `mapstructure:"api_key_name"`
	EnvFile     string `mapstructure:"env_file"`
	SecretsFile string `mapstructure:"secrets_file"`

	CurriculumFile string     `mapstructure:"curriculum_file"` // empty uses the embedded course
	Plot           PlotConfig `mapstructure:"plot"`
}

// PlotConfig controls execution of code blocks returned by the model
type PlotConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Marker  string        `mapstructure:"marker"`
	Timeout time.Duration `mapstructure:"timeout"`
	Samples int           `mapstructure:"samples"`
}

// Defaults registers every key with its default value on v.
func Defaults(v *viper.Viper) {
	v.SetDefault("listen", ":8501")
	v.SetDefault("model", ModelAuto)
	v.SetDefault("candidates", []string{"gemini-1.5-flash", "gemini-1.5-pro", "gemini-pro"})
	v.SetDefault("fallback_model", "gemini-1.5-flash")
	v.SetDefault("prefer", "flash")
	v.SetDefault("temperature", 0.3)
	v.SetDefault("history_turns", 10)
	v.SetDefault("request_timeout", 60*time.Second)
	v.SetDefault("cache_ttl", 30*time.Minute)
	v.SetDefault("debug", false)
	v.SetDefault("db_path", "")
	v.SetDefault("log_dir", "logs")
	v.SetDefault("api_key_name", "GOOGLE_API_KEY")
	v.SetDefault("env_file", ".env")
	v.SetDefault("secrets_file", ".streamlit/secrets.toml")
	v.SetDefault("curriculum_file", "")
	v.SetDefault("plot.enabled", true)
	v.SetDefault("plot.marker", "```go")
	v.SetDefault("plot.timeout", 2*time.Second)
	v.SetDefault("plot.samples", 400)
}

// Load reads the config file (when one is set or found) and decodes v into a
// validated Config.
func Load(v *viper.Viper) (Config, error) {
	Defaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if v.ConfigFileUsed() == "" {
		v.SetConfigName("tutorchat")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.Temperature < 0 || c.Temperature > 2:
		return fmt.Errorf("invalid temperature %.2f: must be within [0, 2]", c.Temperature)
	case c.RequestTimeout <= 0:
		return fmt.Errorf("invalid request_timeout %s: must be positive", c.RequestTimeout)
	case c.HistoryTurns < 0:
		return fmt.Errorf("invalid history_turns %d: must not be negative", c.HistoryTurns)
	case c.FallbackModel == "":
		return errors.New("fallback_model must not be empty")
	case c.Plot.Enabled && c.Plot.Marker == "":
		return errors.New("plot.marker must not be empty when plots are enabled")
	case c.Plot.Enabled && c.Plot.Timeout <= 0:
		return fmt.Errorf("invalid plot.timeout %s: must be positive", c.Plot.Timeout)
	}
	return nil
}

// AutoModel reports whether the model must be chosen by the selector.
func (c Config) AutoModel() bool {
	return c.Model == "" || c.Model == ModelAuto
}
