// Пакет config — загрузка и валидация конфигурации Attachment Service
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// defaultAllowedTypes — типы, разрешённые к загрузке по умолчанию:
// изображения, архивы, PDF, офисные документы, плоский текст.
var defaultAllowedTypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/webp",
	"application/pdf",
	"application/zip",
	"application/x-7z-compressed",
	"application/gzip",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"text/plain",
	"text/csv",
}

// Config содержит все параметры конфигурации Attachment Service.
type Config struct {
	// Порт HTTP-сервера
	Port int
	// Путь к корневой директории хранения байт вложений
	DataDir string

	// Максимальный размер файла в байтах
	MaxFileSize int64
	// Порог выбора стратегии: размер <= порога — прямая загрузка,
	// больше — возобновляемая сессия
	DirectThreshold int64
	// Разрешённые MIME-типы (определяются по содержимому)
	AllowedTypes []string

	// Срок жизни upload-сессии
	SessionTTL time.Duration
	// Интервал очистки истёкших сессий
	SessionSweepInterval time.Duration
	// Интервал сверки блоб-хранилища с метаданными
	OrphanSweepInterval time.Duration

	// Размер пула воркеров для валидации и миниатюр
	WorkerPoolSize int
	// Сторона квадрата миниатюры в пикселях
	ThumbnailSize int
	// Качество JPEG миниатюры (1-100)
	ThumbnailQuality int
	// Количество повторов storage-операций при финализации
	StorageRetries int

	// PostgreSQL
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string

	// URL JWKS endpoint (опционально: пусто — запуск без аутентификации)
	JWKSUrl string

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// AS_PORT — порт HTTP-сервера (по умолчанию 8020)
	cfg.Port, err = getEnvInt("AS_PORT", 8020)
	if err != nil {
		return nil, fmt.Errorf("AS_PORT: %w", err)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("AS_PORT: значение %d вне допустимого диапазона", cfg.Port)
	}

	// AS_DATA_DIR — обязательный
	cfg.DataDir, err = getEnvRequired("AS_DATA_DIR")
	if err != nil {
		return nil, err
	}

	// AS_MAX_FILE_SIZE — максимальный размер файла (по умолчанию 25 MiB)
	cfg.MaxFileSize, err = getEnvInt64("AS_MAX_FILE_SIZE", 25*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("AS_MAX_FILE_SIZE: %w", err)
	}
	if cfg.MaxFileSize <= 0 {
		return nil, fmt.Errorf("AS_MAX_FILE_SIZE: значение должно быть положительным")
	}

	// AS_DIRECT_THRESHOLD — порог прямой загрузки (по умолчанию 5 MiB)
	cfg.DirectThreshold, err = getEnvInt64("AS_DIRECT_THRESHOLD", 5*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("AS_DIRECT_THRESHOLD: %w", err)
	}
	if cfg.DirectThreshold <= 0 || cfg.DirectThreshold > cfg.MaxFileSize {
		return nil, fmt.Errorf("AS_DIRECT_THRESHOLD: значение %d должно быть в диапазоне 1..AS_MAX_FILE_SIZE (%d)",
			cfg.DirectThreshold, cfg.MaxFileSize)
	}

	// AS_ALLOWED_TYPES — список разрешённых MIME-типов через запятую
	cfg.AllowedTypes = getEnvList("AS_ALLOWED_TYPES", defaultAllowedTypes)

	// AS_SESSION_TTL — срок жизни upload-сессии (по умолчанию 24h)
	cfg.SessionTTL, err = getEnvDuration("AS_SESSION_TTL", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("AS_SESSION_TTL: %w", err)
	}

	// AS_SESSION_SWEEP_INTERVAL — интервал очистки сессий (по умолчанию 5m)
	cfg.SessionSweepInterval, err = getEnvDuration("AS_SESSION_SWEEP_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("AS_SESSION_SWEEP_INTERVAL: %w", err)
	}

	// AS_ORPHAN_SWEEP_INTERVAL — интервал сверки хранилища (по умолчанию 6h)
	cfg.OrphanSweepInterval, err = getEnvDuration("AS_ORPHAN_SWEEP_INTERVAL", 6*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("AS_ORPHAN_SWEEP_INTERVAL: %w", err)
	}

	// AS_WORKER_POOL_SIZE — пул воркеров валидации/миниатюр (по умолчанию 4)
	cfg.WorkerPoolSize, err = getEnvInt("AS_WORKER_POOL_SIZE", 4)
	if err != nil {
		return nil, fmt.Errorf("AS_WORKER_POOL_SIZE: %w", err)
	}
	if cfg.WorkerPoolSize <= 0 {
		return nil, fmt.Errorf("AS_WORKER_POOL_SIZE: значение должно быть положительным")
	}

	// AS_THUMBNAIL_SIZE — сторона миниатюры в пикселях (по умолчанию 256)
	cfg.ThumbnailSize, err = getEnvInt("AS_THUMBNAIL_SIZE", 256)
	if err != nil {
		return nil, fmt.Errorf("AS_THUMBNAIL_SIZE: %w", err)
	}
	if cfg.ThumbnailSize <= 0 {
		return nil, fmt.Errorf("AS_THUMBNAIL_SIZE: значение должно быть положительным")
	}

	// AS_THUMBNAIL_QUALITY — качество JPEG (по умолчанию 80)
	cfg.ThumbnailQuality, err = getEnvInt("AS_THUMBNAIL_QUALITY", 80)
	if err != nil {
		return nil, fmt.Errorf("AS_THUMBNAIL_QUALITY: %w", err)
	}
	if cfg.ThumbnailQuality < 1 || cfg.ThumbnailQuality > 100 {
		return nil, fmt.Errorf("AS_THUMBNAIL_QUALITY: значение %d вне диапазона 1-100", cfg.ThumbnailQuality)
	}

	// AS_STORAGE_RETRIES — повторы storage-операций (по умолчанию 3)
	cfg.StorageRetries, err = getEnvInt("AS_STORAGE_RETRIES", 3)
	if err != nil {
		return nil, fmt.Errorf("AS_STORAGE_RETRIES: %w", err)
	}
	if cfg.StorageRetries < 1 {
		return nil, fmt.Errorf("AS_STORAGE_RETRIES: значение должно быть не меньше 1")
	}

	// PostgreSQL: host и name обязательные
	cfg.DBHost, err = getEnvRequired("AS_DB_HOST")
	if err != nil {
		return nil, err
	}
	cfg.DBPort, err = getEnvInt("AS_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("AS_DB_PORT: %w", err)
	}
	cfg.DBName, err = getEnvRequired("AS_DB_NAME")
	if err != nil {
		return nil, err
	}
	cfg.DBUser, err = getEnvRequired("AS_DB_USER")
	if err != nil {
		return nil, err
	}
	cfg.DBPassword = getEnvDefault("AS_DB_PASSWORD", "")

	// AS_JWKS_URL — опциональный (пусто — dev-режим без аутентификации)
	cfg.JWKSUrl = getEnvDefault("AS_JWKS_URL", "")

	// AS_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("AS_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("AS_LOG_LEVEL: %w", err)
	}

	// AS_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("AS_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("AS_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// AS_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 5s)
	cfg.ShutdownTimeout, err = getEnvDuration("AS_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AS_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает DSN для pgxpool.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		url.QueryEscape(c.DBUser), url.QueryEscape(c.DBPassword),
		c.DBHost, c.DBPort, c.DBName)
}

// DatabaseURL возвращает адрес БД без схемы (для golang-migrate: pgx5://...).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("%s:%s@%s:%d/%s?sslmode=disable",
		url.QueryEscape(c.DBUser), url.QueryEscape(c.DBPassword),
		c.DBHost, c.DBPort, c.DBName)
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

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvList возвращает список значений через запятую или значение по умолчанию.
func getEnvList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	parts := strings.Split(val, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
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

// getEnvInt64 возвращает int64 значение переменной окружения или значение по умолчанию.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 5m, 6h)", val)
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
