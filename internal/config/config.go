package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Auth      AuthConfig
	ICE       ICEConfig
	Recording RecordingConfig
	Pipeline  PipelineConfig
	Postgres  PostgresConfig
	MinIO     MinIOConfig
	Redis     RedisConfig
}

type ServerConfig struct {
	Addr           string
	Environment    string
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

type AuthConfig struct {
	JWTSecret string
}

type ICEConfig struct {
	STUNServers []string
}

// RecordingConfig controls the recording session controller.
type RecordingConfig struct {
	// ChunkInterval is how often buffered audio is sealed into a chunk.
	ChunkInterval time.Duration
	// FlushInterval is how often an out-of-band flush is requested to
	// bound memory growth between chunk boundaries.
	FlushInterval time.Duration
	SampleRate    int
	ChannelCount  int
	OpusBitrate   int
}

// PipelineConfig points the transcript/note pipeline at its REST collaborators.
type PipelineConfig struct {
	BaseURL        string
	TranscribeURL  string
	SummaryURL     string
	RequestTimeout time.Duration
	MaxRetries     uint64
}

type PostgresConfig struct {
	Host            string
	Port            int
	Database        string
	Username        string
	Password        string
	SSLMode         string
	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// Load reads configuration from the environment with sane defaults.
func Load() *Config {
	origins := strings.Split(getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173"), ",")

	return &Config{
		Server: ServerConfig{
			Addr:           getEnv("SERVER_ADDR", ":8085"),
			Environment:    getEnv("ENVIRONMENT", "development"),
			AllowedOrigins: origins,
			ReadTimeout:    getDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", "change-me-in-production"),
		},
		ICE: ICEConfig{
			STUNServers: strings.Split(getEnv("STUN_SERVERS",
				"stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302"), ","),
		},
		Recording: RecordingConfig{
			ChunkInterval: getDuration("RECORDING_CHUNK_INTERVAL", time.Second),
			FlushInterval: getDuration("RECORDING_FLUSH_INTERVAL", 5*time.Second),
			SampleRate:    getInt("RECORDING_SAMPLE_RATE", 48000),
			ChannelCount:  getInt("RECORDING_CHANNELS", 1),
			OpusBitrate:   getInt("RECORDING_OPUS_BITRATE", 32_000),
		},
		Pipeline: PipelineConfig{
			BaseURL:        getEnv("PIPELINE_BASE_URL", "http://localhost:8085"),
			TranscribeURL:  getEnv("TRANSCRIBE_URL", ""),
			SummaryURL:     getEnv("SUMMARY_URL", ""),
			RequestTimeout: getDuration("PIPELINE_REQUEST_TIMEOUT", 2*time.Minute),
			MaxRetries:     uint64(getInt("PIPELINE_MAX_RETRIES", 2)),
		},
		Postgres: PostgresConfig{
			Host:            getEnv("POSTGRES_HOST", "localhost"),
			Port:            getInt("POSTGRES_PORT", 5432),
			Database:        getEnv("POSTGRES_DB", "telemed"),
			Username:        getEnv("POSTGRES_USER", "telemed"),
			Password:        getEnv("POSTGRES_PASSWORD", ""),
			SSLMode:         getEnv("POSTGRES_SSLMODE", "disable"),
			MaxConnections:  getInt("POSTGRES_MAX_CONNS", 25),
			MaxIdleConns:    getInt("POSTGRES_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getDuration("POSTGRES_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		MinIO: MinIOConfig{
			Endpoint:        getEnv("MINIO_ENDPOINT", "localhost:9000"),
			AccessKeyID:     getEnv("MINIO_ACCESS_KEY", "minioadmin"),
			SecretAccessKey: getEnv("MINIO_SECRET_KEY", "minioadmin"),
			UseSSL:          getBool("MINIO_USE_SSL", false),
			Bucket:          getEnv("MINIO_BUCKET", "telemed-recordings"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
