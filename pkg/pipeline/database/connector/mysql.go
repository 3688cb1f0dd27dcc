package connector

import (
	"database/sql"

	_ "github.com/go-sql-driver/mysql" // MySQL ドライバ

	"weatheretl/pkg/pipeline/config"
	"weatheretl/pkg/pipeline/util/exception"
	"weatheretl/pkg/pipeline/util/logger"
)

// mysqlConnector はMySQLデータベースへの接続を確立するDBConnectorの実装です。
type mysqlConnector struct{}

// Connect はMySQLデータベースへの接続を確立し、*sql.DBを返します。
func (c *mysqlConnector) Connect(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("mysql", cfg.ConnectionString())
	if err != nil {
		return nil, exception.NewPipelineError(exception.ModuleDatabase, "MySQL への接続に失敗しました", err, false, false)
	}

	applyPool(db, cfg.ConnectionPool)

	if err := db.Ping(); err != nil {
		db.Close() // エラー時は接続を閉じる
		return nil, exception.NewPipelineError(exception.ModuleDatabase, "MySQL への Ping に失敗しました", err, true, false)
	}

	logger.Debugf("MySQL に正常に接続しました。")
	return db, nil
}

// init 関数でmysqlConnectorを登録します。
func init() {
	RegisterConnector("mysql", &mysqlConnector{})
}
