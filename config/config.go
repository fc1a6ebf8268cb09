package config

import (
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/viper"
)

// Config carries everything the relay needs at runtime. Values come from
// viper, so any key can be set by flag, environment variable, or config file.
type Config struct {
	// Transcription provider.
	AssemblyAIKey   string
	StreamingURL    string
	MinTurnSilence  int // ms of silence before a confident end of turn
	MaxTurnSilence  int // ms of silence before a turn is forced to end
	MinAudioChunk   int // bytes; smaller inbound chunks are dropped as noise
	TextBufferDelay time.Duration

	// Paragraph refinement.
	RefinerProvider     string
	RefinerModel        string
	RefinerHTTPURL      string
	RefinerHTTPAuth     string
	RefinerCooldown     time.Duration
	RefinerRetryBackoff time.Duration

	// Translation.
	GoogleAPIKey         string
	TranslationEnabled   bool
	TranslationProvider  string
	TranslationModel     string
	TranslationTarget    string
	TranslationHTTPURL   string
	TranslationHTTPAuth  string
	TranslationRateLimit int
}

func SetDefaults() {
	viper.SetDefault("streaming_url", "wss://streaming.assemblyai.com/v3/ws")
	viper.SetDefault("min_turn_silence_ms", 100)
	viper.SetDefault("max_turn_silence_ms", 800)
	viper.SetDefault("min_audio_chunk_bytes", 100)
	viper.SetDefault("text_buffer_seconds", 10)

	viper.SetDefault("refiner_provider", "gemini")
	viper.SetDefault("refiner_model", "gemini-2.5-flash-lite")
	viper.SetDefault("refiner_cooldown_seconds", 5)
	viper.SetDefault("refiner_retry_backoff_seconds", 10)

	viper.SetDefault("translation_enabled", false)
	viper.SetDefault("translation_provider", "gemini")
	viper.SetDefault("translation_model", "gemini-2.5-flash-lite")
	viper.SetDefault("translation_default_target", "es")
	viper.SetDefault("translation_rate_limit", 100)
}

func Load() *Config {
	return &Config{
		AssemblyAIKey:   viper.GetString("assemblyai_api_key"),
		StreamingURL:    viper.GetString("streaming_url"),
		MinTurnSilence:  viper.GetInt("min_turn_silence_ms"),
		MaxTurnSilence:  viper.GetInt("max_turn_silence_ms"),
		MinAudioChunk:   viper.GetInt("min_audio_chunk_bytes"),
		TextBufferDelay: time.Duration(viper.GetInt("text_buffer_seconds")) * time.Second,

		RefinerProvider:     strings.ToLower(viper.GetString("refiner_provider")),
		RefinerModel:        viper.GetString("refiner_model"),
		RefinerHTTPURL:      viper.GetString("refiner_http_url"),
		RefinerHTTPAuth:     viper.GetString("refiner_http_auth_header"),
		RefinerCooldown:     time.Duration(viper.GetInt("refiner_cooldown_seconds")) * time.Second,
		RefinerRetryBackoff: time.Duration(viper.GetInt("refiner_retry_backoff_seconds")) * time.Second,

		GoogleAPIKey:         viper.GetString("google_api_key"),
		TranslationEnabled:   viper.GetBool("translation_enabled"),
		TranslationProvider:  strings.ToLower(viper.GetString("translation_provider")),
		TranslationModel:     viper.GetString("translation_model"),
		TranslationTarget:    viper.GetString("translation_default_target"),
		TranslationHTTPURL:   viper.GetString("translation_http_url"),
		TranslationHTTPAuth:  viper.GetString("translation_http_auth_header"),
		TranslationRateLimit: viper.GetInt("translation_rate_limit"),
	}
}

// Warn logs configuration problems. Missing credentials are never fatal here;
// the operation that needs them reports its own error when attempted.
func (c *Config) Warn(logger *log.Logger) {
	if c.AssemblyAIKey == "" {
		logger.Warn("assemblyai_api_key not set; transcription sessions will fail to open")
	}
	if c.RefinerProvider == "gemini" && c.GoogleAPIKey == "" {
		logger.Warn("refiner_provider is gemini but google_api_key not set")
	}
	if c.RefinerProvider == "http" && c.RefinerHTTPURL == "" {
		logger.Warn("refiner_provider is http but refiner_http_url not set")
	}
	if c.TranslationEnabled {
		switch c.TranslationProvider {
		case "gemini":
			if c.GoogleAPIKey == "" {
				logger.Warn("translation_provider is gemini but google_api_key not set")
			}
		case "http":
			if c.TranslationHTTPURL == "" {
				logger.Warn("translation_provider is http but translation_http_url not set")
			}
		}
	}
}

// SplitAuthHeader parses a configured auth header of the form
// "Header-Name: value". The second return is false when the string is
// malformed.
func SplitAuthHeader(raw string) (name, value string, ok bool) {
	name, value, found := strings.Cut(raw, ":")
	if !found {
		return "", "", false
	}
	name = strings.TrimSpace(name)
	value = strings.TrimSpace(value)
	if name == "" || value == "" {
		return "", "", false
	}
	return name, value, true
}
