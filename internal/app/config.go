package app

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	SentryDSN   string `env:"SENTRY_DSN"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// JWT Authentication
	JWTSecret string `env:"JWT_SECRET"` // Required - no fallback for security

	// Recognizer selection and credentials
	STTProvider    string `env:"STT_PROVIDER" envDefault:"google"`
	DeepgramAPIKey string `env:"DEEPGRAM_API_KEY"`
	DeepgramModel  string `env:"DEEPGRAM_MODEL" envDefault:"nova-3"`

	GoogleProjectID       string `env:"GOOGLE_CLOUD_PROJECT_ID"`
	GoogleCredentialsJSON string `env:"GOOGLE_CLOUD_CREDENTIALS_JSON"`
	GoogleSpeechLocation  string `env:"GOOGLE_CLOUD_SPEECH_LOCATION" envDefault:"global"`
	GoogleSpeechModel     string `env:"GOOGLE_CLOUD_SPEECH_MODEL" envDefault:"latest_long"`
	GoogleRecognizer      string `env:"GOOGLE_CLOUD_SPEECH_RECOGNIZER" envDefault:"_"`

	// Stream defaults
	DefaultLanguageCode string `env:"DEFAULT_LANGUAGE_CODE" envDefault:"ja-JP"`
	DefaultSampleRate   int    `env:"DEFAULT_SAMPLE_RATE_HZ" envDefault:"16000"`

	// Raw audio backup, disabled when empty
	AudioBackupBucket string `env:"AUDIO_BACKUP_BUCKET"`
}

func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("environment variables are invalid: %w", err)
	}
	return cfg, nil
}
