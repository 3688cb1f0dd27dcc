package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"weatheretl/pkg/pipeline/util/exception"
	"weatheretl/pkg/pipeline/util/logger"
)

// BytesConfigLoader はバイトスライスから設定をロードする ConfigLoader の実装です。
type BytesConfigLoader struct {
	data []byte
}

// NewBytesConfigLoader は新しい BytesConfigLoader のインスタンスを作成します。
func NewBytesConfigLoader(data []byte) *BytesConfigLoader {
	return &BytesConfigLoader{data: data}
}

// Load は埋め込まれたバイトスライスから設定をロードします。
// YAML のパース後、環境変数で個別の設定値を上書きします。
func (l *BytesConfigLoader) Load() (*Config, error) {
	cfg := NewConfig()

	if err := yaml.Unmarshal(l.data, cfg); err != nil {
		return nil, exception.NewConfigError("YAML設定のパースに失敗しました", err)
	}

	loadEnvVars(cfg)

	return cfg, nil
}

// 環境変数で個別の設定値を上書きする関数
func loadEnvVars(cfg *Config) {
	// Database 設定
	if dbType := os.Getenv("DATABASE_TYPE"); dbType != "" {
		cfg.Database.Type = dbType
	}
	if dbHost := os.Getenv("DATABASE_HOST"); dbHost != "" {
		cfg.Database.Host = dbHost
	}
	if dbPortStr := os.Getenv("DATABASE_PORT"); dbPortStr != "" {
		if dbPort, err := strconv.Atoi(dbPortStr); err == nil {
			cfg.Database.Port = dbPort
		}
	}
	if dbName := os.Getenv("DATABASE_DATABASE"); dbName != "" {
		cfg.Database.Database = dbName
	}
	if dbUser := os.Getenv("DATABASE_USER"); dbUser != "" {
		cfg.Database.User = dbUser
	}
	if dbPassword := os.Getenv("DATABASE_PASSWORD"); dbPassword != "" {
		cfg.Database.Password = dbPassword
	}
	if dbSSLMode := os.Getenv("DATABASE_SSLMODE"); dbSSLMode != "" {
		cfg.Database.Sslmode = dbSSLMode
	}
	if migrationPath := os.Getenv("DATABASE_MIGRATION_PATH"); migrationPath != "" {
		cfg.Database.MigrationPath = migrationPath
	}
	// コネクションプール設定
	if maxOpenConnsStr := os.Getenv("DATABASE_MAX_OPEN_CONNS"); maxOpenConnsStr != "" {
		if maxOpenConns, err := strconv.Atoi(maxOpenConnsStr); err == nil {
			cfg.Database.ConnectionPool.MaxOpenConns = maxOpenConns
		} else {
			logger.Warnf("DATABASE_MAX_OPEN_CONNS の値 '%s' が無効です。設定ファイルの値を使用します。", maxOpenConnsStr)
		}
	}
	if maxIdleConnsStr := os.Getenv("DATABASE_MAX_IDLE_CONNS"); maxIdleConnsStr != "" {
		if maxIdleConns, err := strconv.Atoi(maxIdleConnsStr); err == nil {
			cfg.Database.ConnectionPool.MaxIdleConns = maxIdleConns
		} else {
			logger.Warnf("DATABASE_MAX_IDLE_CONNS の値 '%s' が無効です。設定ファイルの値を使用します。", maxIdleConnsStr)
		}
	}
	if connMaxLifetimeStr := os.Getenv("DATABASE_CONN_MAX_LIFETIME_SECONDS"); connMaxLifetimeStr != "" {
		if connMaxLifetime, err := strconv.Atoi(connMaxLifetimeStr); err == nil {
			cfg.Database.ConnectionPool.ConnMaxLifetimeSeconds = connMaxLifetime
		} else {
			logger.Warnf("DATABASE_CONN_MAX_LIFETIME_SECONDS の値 '%s' が無効です。設定ファイルの値を使用します。", connMaxLifetimeStr)
		}
	}

	// Fetch 設定
	if attemptTimeoutStr := os.Getenv("FETCH_ATTEMPT_TIMEOUT_SECONDS"); attemptTimeoutStr != "" {
		if attemptTimeout, err := strconv.Atoi(attemptTimeoutStr); err == nil {
			cfg.Fetch.AttemptTimeoutSeconds = attemptTimeout
		}
	}
	if cacheTTLStr := os.Getenv("FETCH_CACHE_TTL_SECONDS"); cacheTTLStr != "" {
		if cacheTTL, err := strconv.Atoi(cacheTTLStr); err == nil {
			cfg.Fetch.CacheTTLSeconds = cacheTTL
		}
	}
	if maxRetriesStr := os.Getenv("FETCH_MAX_RETRIES"); maxRetriesStr != "" {
		if maxRetries, err := strconv.Atoi(maxRetriesStr); err == nil {
			cfg.Fetch.Retry.MaxRetries = maxRetries
		} else {
			logger.Warnf("FETCH_MAX_RETRIES の値 '%s' が無効です。設定ファイルの値を使用します。", maxRetriesStr)
		}
	}

	// System 設定
	if logLevel := os.Getenv("SYSTEM_LOGGING_LEVEL"); logLevel != "" {
		cfg.System.Logging.Level = logLevel
	}
}
