package connector

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"    // MySQL ドライバを登録
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // PostgreSQL および Redshift ドライバを登録
	_ "github.com/golang-migrate/migrate/v4/source/file"       // ファイルソースドライバを登録

	"weatheretl/pkg/pipeline/config"
	"weatheretl/pkg/pipeline/database"
	"weatheretl/pkg/pipeline/util/exception"
	"weatheretl/pkg/pipeline/util/logger"
)

// DBConnector は特定のデータベースタイプへの接続を確立するためのインターフェースです。
type DBConnector interface {
	Connect(cfg config.DatabaseConfig) (*sql.DB, error)
}

// connectors は登録されたDBConnectorの実装を保持するマップです。
var connectors = make(map[string]DBConnector)

// RegisterConnector は指定されたタイプ名でDBConnectorを登録します。
func RegisterConnector(dbType string, connector DBConnector) {
	connectors[dbType] = connector
}

// GetSQLDB は設定に基づいて適切なデータベース接続を確立します。
// 登録されたコネクタの中から適切なものを選択して接続します。
func GetSQLDB(cfg config.DatabaseConfig) (*sql.DB, error) {
	connector, ok := connectors[cfg.Type]
	if !ok {
		return nil, exception.NewPipelineError(exception.ModuleDatabase, fmt.Sprintf("未対応のデータベースタイプ: %s", cfg.Type), nil, false, false)
	}
	return connector.Connect(cfg)
}

// NewDBConnectionFromConfig は設定に基づいて適切なデータベース接続を確立し、
// DBConnection インターフェースに適合させて返します。
func NewDBConnectionFromConfig(ctx context.Context, cfg config.DatabaseConfig) (database.DBConnection, error) {
	rawDB, err := GetSQLDB(cfg)
	if err != nil {
		return nil, err
	}
	// PingContext を呼び出して接続を確認
	if err := rawDB.PingContext(ctx); err != nil {
		rawDB.Close()
		return nil, exception.NewPipelineError(exception.ModuleDatabase, "データベースへのPingに失敗しました", err, true, false)
	}
	return database.NewSQLDBAdapter(rawDB), nil
}

// applyPool は設定に従ってコネクションプールを構成します。
func applyPool(db *sql.DB, pool config.ConnectionPoolConfig) {
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	if pool.ConnMaxLifetimeSeconds > 0 {
		db.SetConnMaxLifetime(time.Duration(pool.ConnMaxLifetimeSeconds) * time.Second)
	}
}

// RunMigrations は指定されたデータベースにマイグレーションを実行します。
//
// dbType: データベースの種類 (例: "postgres", "mysql", "redshift")
// dbDSN: データベース接続文字列 (config.DatabaseConfig.ConnectionString() の形式)
// migrationPath: SQLマイグレーションファイルが配置されているパス
// migrationsTable: マイグレーション履歴テーブル名 (空の場合はデフォルトを使用)
func RunMigrations(dbType, dbDSN, migrationPath, migrationsTable string) error {
	if migrationPath == "" {
		logger.Infof("マイグレーションパスが指定されていません。スキップします。")
		return nil
	}

	databaseURL := dbDSN
	switch strings.ToLower(dbType) {
	case "postgres", "redshift":
		// 既に postgres://... 形式
	case "mysql":
		databaseURL = "mysql://" + dbDSN
	default:
		return exception.NewPipelineErrorf(exception.ModuleMigration, "サポートされていないデータベースタイプ: %s", dbType)
	}

	// カスタムマイグレーションテーブル名が指定されている場合、DSNに追加
	if migrationsTable != "" {
		if strings.Contains(databaseURL, "?") {
			databaseURL += "&x-migrations-table=" + migrationsTable
		} else {
			databaseURL += "?x-migrations-table=" + migrationsTable
		}
	}

	logger.Infof("データベースマイグレーションを開始します。DBタイプ: %s, マイグレーションパス: %s", dbType, migrationPath)
	m, err := migrate.New(
		fmt.Sprintf("file://%s", migrationPath),
		databaseURL,
	)
	if err != nil {
		return exception.NewPipelineError(exception.ModuleMigration, fmt.Sprintf("マイグレーションインスタンスの作成に失敗しました: %s", migrationPath), err, false, false)
	}

	if err = m.Up(); err != nil {
		if err == migrate.ErrNoChange {
			logger.Infof("マイグレーションは不要です。データベースは最新の状態です。")
			return nil
		}
		return exception.NewPipelineError(exception.ModuleMigration, fmt.Sprintf("マイグレーションの適用に失敗しました: %s", migrationPath), err, false, false)
	}

	logger.Infof("マイグレーションが正常に完了しました。")
	return nil
}
