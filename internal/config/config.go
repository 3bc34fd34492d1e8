// Пакет config — загрузка и валидация конфигурации Flow Server
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Драйверы хранилища.
const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

// Config содержит все параметры конфигурации Flow Server.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration

	// --- Хранилище ---

	// Драйвер хранилища: postgres или memory
	StorageDriver string
	DBHost        string
	DBPort        int
	DBName        string
	DBUser        string
	DBPassword    string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- Планировщик ---

	// Сколько проигранных гонок допускается в одном ClaimNext;
	// столько же файлов читается из каждой библиотеки
	ClaimRetryBudget int
	// Таймаут одной попытки захвата файла
	ClaimTimeout time.Duration
	// Максимум файлов, читаемых за один вызов: файлы с ручным порядком
	// при выдаче и выборка при фильтре по вычисляемому статусу
	CandidateLimit int
	// Размер единицы ограничения размера файла на узле (байт в "МБ")
	FileSizeUnitBytes int64
	// Интервал фоновой проверки узлов и отложенных файлов
	SweepInterval time.Duration
	// Через сколько без heartbeat узел считается упавшим
	NodeTimeout time.Duration
	// Размер LRU-кэша снапшотов конфигурации
	ConfigCacheSize int
	// TTL снапшота конфигурации в кэше
	ConfigCacheTTL time.Duration

	// --- Сигнализация узлам (Redis pub/sub, опционально) ---

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// --- Трассировка (OTLP, опционально) ---

	OTLPEndpoint string

	// --- topologymetrics ---

	// Группа в метриках зависимостей
	DephealthGroup string
	// Интервал проверки зависимостей
	DephealthCheckInterval time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	cfg.Port, err = getEnvInt("FF_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("FF_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("FF_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("FF_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("FF_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("FF_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("FF_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	cfg.ShutdownTimeout, err = getEnvDuration("FF_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FF_SHUTDOWN_TIMEOUT: %w", err)
	}

	// --- Хранилище ---

	cfg.StorageDriver = getEnvDefault("FF_STORAGE_DRIVER", StorageDriverPostgres)
	switch cfg.StorageDriver {
	case StorageDriverPostgres:
		if err := loadPostgres(cfg); err != nil {
			return nil, err
		}
	case StorageDriverMemory:
	default:
		return nil, fmt.Errorf("FF_STORAGE_DRIVER: недопустимое значение %q, допустимые: postgres, memory", cfg.StorageDriver)
	}

	// --- Планировщик ---

	cfg.ClaimRetryBudget, err = getEnvInt("FF_CLAIM_RETRY_BUDGET", 5)
	if err != nil {
		return nil, fmt.Errorf("FF_CLAIM_RETRY_BUDGET: %w", err)
	}
	if cfg.ClaimRetryBudget < 1 || cfg.ClaimRetryBudget > 100 {
		return nil, fmt.Errorf("FF_CLAIM_RETRY_BUDGET: значение %d вне допустимого диапазона 1-100", cfg.ClaimRetryBudget)
	}

	cfg.ClaimTimeout, err = getEnvDuration("FF_CLAIM_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FF_CLAIM_TIMEOUT: %w", err)
	}

	cfg.CandidateLimit, err = getEnvInt("FF_CANDIDATE_LIMIT", 1000)
	if err != nil {
		return nil, fmt.Errorf("FF_CANDIDATE_LIMIT: %w", err)
	}
	if cfg.CandidateLimit < 1 {
		return nil, fmt.Errorf("FF_CANDIDATE_LIMIT: значение %d должно быть положительным", cfg.CandidateLimit)
	}

	unit, err := getEnvInt("FF_FILE_SIZE_UNIT_BYTES", 1024*1024)
	if err != nil {
		return nil, fmt.Errorf("FF_FILE_SIZE_UNIT_BYTES: %w", err)
	}
	if unit < 1 {
		return nil, fmt.Errorf("FF_FILE_SIZE_UNIT_BYTES: значение %d должно быть положительным", unit)
	}
	cfg.FileSizeUnitBytes = int64(unit)

	cfg.SweepInterval, err = getEnvDuration("FF_SWEEP_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FF_SWEEP_INTERVAL: %w", err)
	}

	cfg.NodeTimeout, err = getEnvDuration("FF_NODE_TIMEOUT", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("FF_NODE_TIMEOUT: %w", err)
	}

	cfg.ConfigCacheSize, err = getEnvInt("FF_CONFIG_CACHE_SIZE", 16)
	if err != nil {
		return nil, fmt.Errorf("FF_CONFIG_CACHE_SIZE: %w", err)
	}

	cfg.ConfigCacheTTL, err = getEnvDuration("FF_CONFIG_CACHE_TTL", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("FF_CONFIG_CACHE_TTL: %w", err)
	}

	// --- Redis ---

	cfg.RedisAddr = getEnvDefault("FF_REDIS_ADDR", "")
	cfg.RedisPassword = getEnvDefault("FF_REDIS_PASSWORD", "")
	cfg.RedisDB, err = getEnvInt("FF_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("FF_REDIS_DB: %w", err)
	}

	// --- OTLP ---

	cfg.OTLPEndpoint = getEnvDefault("FF_OTLP_ENDPOINT", "")

	// --- topologymetrics ---

	cfg.DephealthGroup = getEnvDefault("FF_DEPHEALTH_GROUP", "fileflows")
	cfg.DephealthCheckInterval, err = getEnvDuration("FF_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FF_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	return cfg, nil
}

// loadPostgres читает параметры подключения к PostgreSQL.
func loadPostgres(cfg *Config) error {
	var err error

	cfg.DBHost, err = getEnvRequired("FF_DB_HOST")
	if err != nil {
		return err
	}

	cfg.DBPort, err = getEnvInt("FF_DB_PORT", 5432)
	if err != nil {
		return fmt.Errorf("FF_DB_PORT: %w", err)
	}

	cfg.DBName, err = getEnvRequired("FF_DB_NAME")
	if err != nil {
		return err
	}

	cfg.DBUser, err = getEnvRequired("FF_DB_USER")
	if err != nil {
		return err
	}

	cfg.DBPassword, err = getEnvRequired("FF_DB_PASSWORD")
	if err != nil {
		return err
	}

	cfg.DBSSLMode = getEnvDefault("FF_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return fmt.Errorf("FF_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}
	return nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL PostgreSQL без пароля (для лейблов метрик).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%d/%s", c.DBHost, c.DBPort, c.DBName)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
