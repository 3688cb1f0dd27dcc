package config

import (
	"fmt"
	"strings"
)

// ConnectionPoolConfig はデータベースコネクションプールの設定を保持します。
type ConnectionPoolConfig struct {
	MaxOpenConns           int `yaml:"max_open_conns"`
	MaxIdleConns           int `yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int `yaml:"conn_max_lifetime_seconds"`
}

// DatabaseConfig は格納先データベースの設定を保持します。
type DatabaseConfig struct {
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Sslmode  string `yaml:"sslmode"`
	// Snowflake 用の追加項目
	Account   string `yaml:"account"`
	Warehouse string `yaml:"warehouse"`
	Schema    string `yaml:"schema"`
	// マイグレーションファイルのパス
	MigrationPath string `yaml:"migration_path"`
	// トランザクションのタイムアウト (秒)。超過した場合はアボートしてロールバックします。
	TxTimeoutSeconds int `yaml:"tx_timeout_seconds"`
	// コネクションプール設定
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
}

// ConnectionString はデータベースタイプに応じた接続文字列を返します。
func (c DatabaseConfig) ConnectionString() string {
	switch strings.ToLower(c.Type) {
	case "postgres", "redshift":
		// golang-migrate/migrate が期待する形式に合わせる
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			c.User, c.Password, c.Host, c.Port, c.Database, c.Sslmode)
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			c.User, c.Password, c.Host, c.Port, c.Database)
	case "snowflake":
		return fmt.Sprintf("%s:%s@%s/%s/%s?warehouse=%s",
			c.User, c.Password, c.Account, c.Database, c.Schema, c.Warehouse)
	default:
		return ""
	}
}

// RetryConfig は Fetcher のリトライポリシーの設定です。
// MaxRetries は初回試行を除くリトライ回数の上限で、
// ネットワーク呼び出しの総数は MaxRetries + 1 回になります。
type RetryConfig struct {
	MaxRetries            int     `yaml:"max_retries"`
	InitialIntervalMillis int     `yaml:"initial_interval_millis"`
	MaxIntervalMillis     int     `yaml:"max_interval_millis"`
	Factor                float64 `yaml:"factor"`
}

// FetchConfig はリモート取得レイヤーの設定です。
type FetchConfig struct {
	// 一回の HTTP リクエストに対するタイムアウト (秒)。リトライループに供給されます。
	AttemptTimeoutSeconds int `yaml:"attempt_timeout_seconds"`
	// 成功レスポンスのキャッシュ TTL (秒)。TTL 満了によってのみ無効化されます。
	CacheTTLSeconds int         `yaml:"cache_ttl_seconds"`
	Retry           RetryConfig `yaml:"retry"`
}

// LoggingConfig はログ出力の設定です。
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// SystemConfig はシステム全体の設定です。
type SystemConfig struct {
	Timezone string        `yaml:"timezone"`
	Logging  LoggingConfig `yaml:"logging"`
}

// Config はアプリケーション全体の設定を保持します。
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Fetch    FetchConfig    `yaml:"fetch"`
	System   SystemConfig   `yaml:"system"`
}

// NewConfig は既定値を設定した Config の新しいインスタンスを返します。
func NewConfig() *Config {
	return &Config{
		System: SystemConfig{
			Timezone: "UTC",
			Logging:  LoggingConfig{Level: "INFO"},
		},
		Fetch: FetchConfig{
			AttemptTimeoutSeconds: 10,
			CacheTTLSeconds:       3600,
			Retry: RetryConfig{
				MaxRetries:            3,
				InitialIntervalMillis: 200,
				MaxIntervalMillis:     30000,
				Factor:                2.0,
			},
		},
		Database: DatabaseConfig{
			Sslmode:          "disable",
			TxTimeoutSeconds: 30,
			ConnectionPool: ConnectionPoolConfig{
				MaxOpenConns:           0, // デフォルトは無制限 (Goのデフォルト)
				MaxIdleConns:           0, // デフォルトは2 (Goのデフォルト)
				ConnMaxLifetimeSeconds: 0, // デフォルトは無制限 (Goのデフォルト)
			},
		},
	}
}
