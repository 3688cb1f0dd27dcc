package connector

import (
	"database/sql"

	_ "github.com/lib/pq" // PostgreSQL ドライバ

	"weatheretl/pkg/pipeline/config"
	"weatheretl/pkg/pipeline/util/exception"
	"weatheretl/pkg/pipeline/util/logger"
)

// postgresConnector はPostgreSQLデータベースへの接続を確立するDBConnectorの実装です。
type postgresConnector struct{}

// Connect はPostgreSQLデータベースへの接続を確立し、*sql.DBを返します。
func (c *postgresConnector) Connect(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.ConnectionString())
	if err != nil {
		return nil, exception.NewPipelineError(exception.ModuleDatabase, "PostgreSQL への接続に失敗しました", err, false, false)
	}

	// 接続プール設定を適用
	applyPool(db, cfg.ConnectionPool)

	if err := db.Ping(); err != nil {
		db.Close() // エラー時は接続を閉じる
		return nil, exception.NewPipelineError(exception.ModuleDatabase, "PostgreSQL への Ping に失敗しました", err, true, false)
	}

	logger.Debugf("PostgreSQL に正常に接続しました。")
	return db, nil
}

// redshiftConnector はRedshiftデータベースへの接続を確立するDBConnectorの実装です。
// Redshift は PostgreSQL と互換性があるため、pq ドライバを使用します。
type redshiftConnector struct{}

// Connect はRedshiftデータベースへの接続を確立し、*sql.DBを返します。
func (c *redshiftConnector) Connect(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.ConnectionString())
	if err != nil {
		return nil, exception.NewPipelineError(exception.ModuleDatabase, "Redshift への接続に失敗しました", err, false, false)
	}

	applyPool(db, cfg.ConnectionPool)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, exception.NewPipelineError(exception.ModuleDatabase, "Redshift への Ping に失敗しました", err, true, false)
	}

	logger.Debugf("Redshift に正常に接続しました。")
	return db, nil
}

// init 関数で postgres および redshift のコネクタを登録します。
func init() {
	RegisterConnector("postgres", &postgresConnector{})
	RegisterConnector("redshift", &redshiftConnector{})
}
