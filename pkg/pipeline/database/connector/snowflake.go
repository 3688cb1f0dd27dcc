package connector

import (
	"database/sql"

	_ "github.com/snowflakedb/gosnowflake" // Snowflake ドライバ

	"weatheretl/pkg/pipeline/config"
	"weatheretl/pkg/pipeline/util/exception"
	"weatheretl/pkg/pipeline/util/logger"
)

// snowflakeConnector はSnowflakeデータベースへの接続を確立するDBConnectorの実装です。
type snowflakeConnector struct{}

// Connect はSnowflakeデータベースへの接続を確立し、*sql.DBを返します。
func (c *snowflakeConnector) Connect(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("snowflake", cfg.ConnectionString())
	if err != nil {
		return nil, exception.NewPipelineError(exception.ModuleDatabase, "Snowflake への接続に失敗しました", err, false, false)
	}

	applyPool(db, cfg.ConnectionPool)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, exception.NewPipelineError(exception.ModuleDatabase, "Snowflake への Ping に失敗しました", err, true, false)
	}

	logger.Debugf("Snowflake に正常に接続しました。")
	return db, nil
}

// init 関数でsnowflakeConnectorを登録します。
func init() {
	RegisterConnector("snowflake", &snowflakeConnector{})
}
