package app

import (
	"os"
	"testing"
)

func TestLoadConfigFromEnvDefaults(t *testing.T) {
	// Clear any existing env vars that might interfere
	keysToClean := []string{
		"HTTP_ADDR", "DATABASE_URL", "LOG_LEVEL",
		"STT_PROVIDER", "DEEPGRAM_MODEL",
		"GOOGLE_CLOUD_SPEECH_LOCATION", "GOOGLE_CLOUD_SPEECH_MODEL", "GOOGLE_CLOUD_SPEECH_RECOGNIZER",
		"DEFAULT_LANGUAGE_CODE", "DEFAULT_SAMPLE_RATE_HZ",
	}
	for _, key := range keysToClean {
		os.Unsetenv(key)
	}

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv() error: %v", err)
	}

	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":8080")
	}

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}

	if cfg.STTProvider != "google" {
		t.Errorf("STTProvider = %q, want %q", cfg.STTProvider, "google")
	}

	if cfg.DeepgramModel != "nova-3" {
		t.Errorf("DeepgramModel = %q, want %q", cfg.DeepgramModel, "nova-3")
	}

	if cfg.GoogleSpeechLocation != "global" {
		t.Errorf("GoogleSpeechLocation = %q, want %q", cfg.GoogleSpeechLocation, "global")
	}

	if cfg.GoogleSpeechModel != "latest_long" {
		t.Errorf("GoogleSpeechModel = %q, want %q", cfg.GoogleSpeechModel, "latest_long")
	}

	if cfg.GoogleRecognizer != "_" {
		t.Errorf("GoogleRecognizer = %q, want %q", cfg.GoogleRecognizer, "_")
	}

	if cfg.DefaultLanguageCode != "ja-JP" {
		t.Errorf("DefaultLanguageCode = %q, want %q", cfg.DefaultLanguageCode, "ja-JP")
	}

	if cfg.DefaultSampleRate != 16000 {
		t.Errorf("DefaultSampleRate = %d, want %d", cfg.DefaultSampleRate, 16000)
	}
}

func TestLoadConfigFromEnvCustomValues(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("STT_PROVIDER", "deepgram")
	t.Setenv("DEEPGRAM_API_KEY", "dg-key")
	t.Setenv("DEEPGRAM_MODEL", "nova-2")
	t.Setenv("GOOGLE_CLOUD_PROJECT_ID", "my-project")
	t.Setenv("GOOGLE_CLOUD_SPEECH_LOCATION", "asia-northeast1")
	t.Setenv("DEFAULT_LANGUAGE_CODE", "en-US")
	t.Setenv("DEFAULT_SAMPLE_RATE_HZ", "48000")
	t.Setenv("AUDIO_BACKUP_BUCKET", "my-backups")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv() error: %v", err)
	}

	if cfg.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":9090")
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}

	if cfg.STTProvider != "deepgram" {
		t.Errorf("STTProvider = %q, want %q", cfg.STTProvider, "deepgram")
	}

	if cfg.DeepgramAPIKey != "dg-key" {
		t.Errorf("DeepgramAPIKey = %q, want %q", cfg.DeepgramAPIKey, "dg-key")
	}

	if cfg.DeepgramModel != "nova-2" {
		t.Errorf("DeepgramModel = %q, want %q", cfg.DeepgramModel, "nova-2")
	}

	if cfg.GoogleProjectID != "my-project" {
		t.Errorf("GoogleProjectID = %q, want %q", cfg.GoogleProjectID, "my-project")
	}

	if cfg.GoogleSpeechLocation != "asia-northeast1" {
		t.Errorf("GoogleSpeechLocation = %q, want %q", cfg.GoogleSpeechLocation, "asia-northeast1")
	}

	if cfg.DefaultLanguageCode != "en-US" {
		t.Errorf("DefaultLanguageCode = %q, want %q", cfg.DefaultLanguageCode, "en-US")
	}

	if cfg.DefaultSampleRate != 48000 {
		t.Errorf("DefaultSampleRate = %d, want %d", cfg.DefaultSampleRate, 48000)
	}

	if cfg.AudioBackupBucket != "my-backups" {
		t.Errorf("AudioBackupBucket = %q, want %q", cfg.AudioBackupBucket, "my-backups")
	}
}

func TestLoadConfigFromEnvInvalidInt(t *testing.T) {
	t.Setenv("DEFAULT_SAMPLE_RATE_HZ", "not_a_number")

	if _, err := LoadConfigFromEnv(); err == nil {
		t.Error("LoadConfigFromEnv() expected error for invalid DEFAULT_SAMPLE_RATE_HZ")
	}
}
