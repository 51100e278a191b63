package bootstrap

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ServerAddr string

	// Session protocol auth.
	SignatureKeyID  string
	SignatureSecret []byte
	APIKeys         []string
	OrganizationID  string

	// "deepgram", "analytics", or "whisper".
	Engine string

	DeepgramAPIKey string
	DeepgramModel  string

	OpenAIAPIKey string
	WhisperModel string

	AnalyticsURL    string
	AnalyticsAPIKey string
	ArtifactURI     string

	Language             string
	VADThreshold         float64
	VADSilenceWindows    int
	MaxUtteranceInterval time.Duration

	DatabaseDSN string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	S3Bucket         string
	S3Region         string
	S3Endpoint       string
	S3AccessKey      string
	S3SecretKey      string
	S3Prefix         string
	RecordingBaseURL string

	LiveStreamBaseURL string
	LiveStreamAPIKey  string
	StallTimeout      time.Duration

	DrainTimeout    time.Duration
	ReconnectWindow time.Duration
}

func LoadConfig() *Config {
	return &Config{
		ServerAddr: getEnv("SERVER_ADDR", ":8080"),

		SignatureKeyID:  getEnv("SIGNATURE_KEY_ID", "default"),
		SignatureSecret: []byte(getEnv("SIGNATURE_SECRET", "change-me-in-production")),
		APIKeys:         splitList(getEnv("API_KEYS", "")),
		OrganizationID:  getEnv("ORGANIZATION_ID", ""),

		Engine: getEnv("TRANSCRIPTION_ENGINE", "deepgram"),

		DeepgramAPIKey: getEnv("DEEPGRAM_API_KEY", ""),
		DeepgramModel:  getEnv("DEEPGRAM_MODEL", "nova-2"),

		OpenAIAPIKey: getEnv("OPENAI_API_KEY", ""),
		WhisperModel: getEnv("WHISPER_MODEL", "whisper-1"),

		AnalyticsURL:    getEnv("ANALYTICS_WS_URL", ""),
		AnalyticsAPIKey: getEnv("ANALYTICS_API_KEY", ""),
		ArtifactURI:     getEnv("ANALYTICS_ARTIFACT_URI", ""),

		Language:          getEnv("TRANSCRIPTION_LANGUAGE", "en"),
		VADThreshold:      getEnvFloat("VAD_THRESHOLD", 0),
		VADSilenceWindows: getEnvInt("VAD_SILENCE_WINDOWS", 25),
		MaxUtteranceInterval: getEnvDuration("MAX_UTTERANCE_INTERVAL", 8*time.Second),

		DatabaseDSN: getEnv("DATABASE_DSN", ""),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		S3Bucket:         getEnv("S3_BUCKET", "call-recordings"),
		S3Region:         getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:       getEnv("S3_ENDPOINT", ""),
		S3AccessKey:      getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:      getEnv("S3_SECRET_KEY", ""),
		S3Prefix:         getEnv("S3_PREFIX", "recordings"),
		RecordingBaseURL: getEnv("RECORDING_BASE_URL", ""),

		LiveStreamBaseURL: getEnv("LIVESTREAM_BASE_URL", ""),
		LiveStreamAPIKey:  getEnv("LIVESTREAM_API_KEY", ""),
		StallTimeout:      getEnvDuration("STALL_TIMEOUT", 5*time.Minute),

		DrainTimeout:    getEnvDuration("DRAIN_TIMEOUT", 15*time.Second),
		ReconnectWindow: getEnvDuration("RECONNECT_WINDOW", 2*time.Minute),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
