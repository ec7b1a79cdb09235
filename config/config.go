package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shirou/gopsutil/v4/cpu"

	"packager/models"
)

type Config struct {
	HTTPAddr             string
	UploadDir            string
	OutputDir            string
	MaxUploadBytes       int64
	FFmpegPath           string
	FFmpegPreset         string
	RenditionsFile       string
	Renditions           []models.RenditionSpec
	RenditionConcurrency int
	UploadConcurrency    int
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	RedisPrefix          string
	PendingQueue         string
	ProcessingQueue      string
	FailedQueue          string
	WorkerCount          int
	JobStaleAfter        time.Duration
	JobLockTTL           time.Duration
	S3Bucket             string
	S3Region             string
	AWSS3AccessKey       string
	AWSS3SecretKey       string
	S3Endpoint           string
	S3UsePathStyle       bool
	S3PublicBaseURL      string
	S3PublicRead         bool
	CacheControl         string
	DatabaseURL          string
	KafkaBrokers         []string
	KafkaTopic           string
	LogLevel             string
	LogFormat            string
}

// Load reads the process configuration from the environment, after merging
// an optional .env file. The rendition table comes from RENDITIONS_FILE when
// set and from models.DefaultRenditions otherwise.
func Load() (*Config, error) {
	_ = godotenv.Load()

	// An explicitly empty REDIS_PREFIX disables prefixing.
	redisPrefix, ok := os.LookupEnv("REDIS_PREFIX")
	if !ok {
		redisPrefix = "hls:"
	}

	cfg := &Config{
		HTTPAddr:             getEnv("HTTP_ADDR", ":3001"),
		UploadDir:            getEnv("UPLOAD_DIR", "uploads"),
		OutputDir:            getEnv("OUTPUT_DIR", "outputs"),
		MaxUploadBytes:       int64(getEnvInt("MAX_UPLOAD_MB", 2048)) << 20,
		FFmpegPath:           getEnv("FFMPEG_PATH", "ffmpeg"),
		FFmpegPreset:         getEnv("FFMPEG_PRESET", "veryfast"),
		RenditionsFile:       getEnv("RENDITIONS_FILE", ""),
		RenditionConcurrency: clampToCPUs(getEnvInt("RENDITION_CONCURRENCY", 1)),
		UploadConcurrency:    max(1, getEnvInt("UPLOAD_CONCURRENCY", 4)),
		RedisAddr:            getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword:        getEnv("REDIS_PASSWORD", ""),
		RedisDB:              getEnvInt("REDIS_DB", 0),
		RedisPrefix:          redisPrefix,
		PendingQueue:         applyPrefix(getEnv("HLS_PENDING_QUEUE", "jobs:pending"), redisPrefix),
		ProcessingQueue:      applyPrefix(getEnv("HLS_PROCESSING_QUEUE", "jobs:processing"), redisPrefix),
		FailedQueue:          applyPrefix(getEnv("HLS_FAILED_QUEUE", "jobs:failed"), redisPrefix),
		WorkerCount:          getEnvInt("CONVERSION_WORKER_COUNT", defaultWorkerCount()),
		JobStaleAfter:        time.Duration(getEnvInt("JOB_STALE_AFTER_MINUTES", 180)) * time.Minute,
		JobLockTTL:           time.Duration(getEnvInt("JOB_LOCK_TTL_MINUTES", 720)) * time.Minute,
		S3Bucket:             getEnv("AWS_BUCKET", "videos"),
		// Prefer unified S3_* vars, fall back to AWS_* vars
		S3Region:        getEnvWithFallback("S3_REGION", "AWS_DEFAULT_REGION", "us-east-1"),
		AWSS3AccessKey:  getEnvWithFallback("S3_KEY", "AWS_ACCESS_KEY_ID", ""),
		AWSS3SecretKey:  getEnvWithFallback("S3_SECRET", "AWS_SECRET_ACCESS_KEY", ""),
		S3Endpoint:      getEnv("S3_ENDPOINT", ""),
		S3UsePathStyle:  getEnvBool("S3_USE_PATH_STYLE_ENDPOINT", false),
		S3PublicBaseURL: strings.TrimRight(getEnv("S3_PUBLIC_BASE_URL", ""), "/"),
		S3PublicRead:    getEnvBool("S3_PUBLIC_READ", true),
		CacheControl:    getEnv("CACHE_CONTROL", "public, max-age=31536000"),
		DatabaseURL:     databaseURL(),
		KafkaBrokers:    getEnvList("KAFKA_BROKERS"),
		KafkaTopic:      getEnv("KAFKA_TOPIC", "video.lifecycle"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "json"),
	}

	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}

	cfg.Renditions = models.DefaultRenditions()
	if cfg.RenditionsFile != "" {
		specs, err := LoadRenditions(cfg.RenditionsFile)
		if err != nil {
			return nil, err
		}
		cfg.Renditions = specs
	}

	return cfg, nil
}

// databaseURL builds a lib/pq key=value DSN. An empty DB_HOST disables the
// job ledger.
func databaseURL() string {
	dbHost := getEnv("DB_HOST", "")
	if dbHost == "" {
		return ""
	}
	dbPort := getEnv("DB_PORT", "5432")
	dbName := getEnv("DB_DATABASE", "packager")
	dbUser := getEnv("DB_USERNAME", "packager")
	dbPassword := getEnv("DB_PASSWORD", "")
	dbSSLMode := getEnv("DB_SSLMODE", "disable")

	// key=value avoids URI escaping issues for special characters in passwords.
	dbURL := fmt.Sprintf(
		"host=%s port=%s dbname=%s user=%s sslmode=%s",
		dbHost, dbPort, dbName, dbUser, dbSSLMode,
	)
	if dbPassword != "" {
		dbURL += fmt.Sprintf(" password=%s", dbPassword)
	}
	if v := getEnv("DB_SSLROOTCERT", ""); v != "" {
		dbURL += fmt.Sprintf(" sslrootcert=%s", v)
	}
	return dbURL
}

// CPUCount reports logical cores, preferring gopsutil over the runtime view.
func CPUCount() int {
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		return n
	}
	return runtime.NumCPU()
}

func defaultWorkerCount() int {
	physical, err := cpu.Counts(false)
	if err != nil || physical <= 0 {
		physical = runtime.NumCPU()
	}
	return max(1, physical/2)
}

// clampToCPUs bounds per-job rendition fan-out by the host's core count.
func clampToCPUs(n int) int {
	if n <= 0 {
		return 1
	}
	return min(n, CPUCount())
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvWithFallback(primaryKey, secondaryKey, fallback string) string {
	if value := os.Getenv(primaryKey); value != "" {
		return value
	}
	if value := os.Getenv(secondaryKey); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func applyPrefix(key string, prefix string) string {
	if prefix == "" {
		return key
	}
	return prefix + key
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}
