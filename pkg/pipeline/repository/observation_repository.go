package repository

import (
	"context"
	"database/sql"
	"fmt"

	"weatheretl/pkg/pipeline/core"
	"weatheretl/pkg/pipeline/database"
	"weatheretl/pkg/pipeline/util/exception"
	"weatheretl/pkg/pipeline/util/logger"
)

// TableName は観測レコードの格納先テーブル名です。
const TableName = "weather_observations"

// metricColumns は格納先テーブルのメトリクス列です。正準フィールド名と一致します。
var metricColumns = []string{"temperature_2m", "relative_humidity_2m", "wind_speed_10m"}

// ObservationRepository は正規化済み観測レコードの永続化操作を提供します。
// Loader がトランザクション境界を管理し、個々の操作にはトランザクションを渡します。
type ObservationRepository interface {
	// EnsureSchema は格納先テーブルが存在することを保証します (create-if-absent)。
	// 既存データを破棄することはありません。
	EnsureSchema(ctx context.Context, conn database.DBConnection) error
	// DeleteWindow は指定ソースの、指定窓に重なる既存行を削除し、削除件数を返します。
	DeleteWindow(ctx context.Context, tx database.Tx, sourceID string, window core.Window) (int64, error)
	// BulkInsert はバッチの全レコードを挿入し、挿入件数を返します。
	BulkInsert(ctx context.Context, tx database.Tx, records []core.ObservationRecord) (int64, error)
}

// NewObservationRepository はデータベースタイプに応じた ObservationRepository を生成します。
func NewObservationRepository(dbType string) (ObservationRepository, error) {
	logger.Debugf("ObservationRepository の生成を開始します (Type: %s).", dbType)

	switch dbType {
	case "postgres", "redshift":
		return &postgresObservationRepository{}, nil
	case "mysql", "snowflake":
		return &questionMarkObservationRepository{}, nil
	default:
		return nil, exception.NewPipelineErrorf(exception.ModuleDatabase, "サポートされていないデータベースタイプです: %s", dbType)
	}
}

// metricValue は指定メトリクスの値を sql.NullFloat64 として返します。
// 欠損メトリクスは NULL として格納されます (NaN は決して格納されません)。
func metricValue(rec core.ObservationRecord, name string) sql.NullFloat64 {
	if v, ok := rec.Metrics[name]; ok {
		return sql.NullFloat64{Float64: v, Valid: true}
	}
	return sql.NullFloat64{}
}

// postgresObservationRepository は PostgreSQL / Redshift 向けの実装です。
type postgresObservationRepository struct{}

func (r *postgresObservationRepository) EnsureSchema(ctx context.Context, conn database.DBConnection) error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			timestamp            TIMESTAMPTZ      NOT NULL,
			temperature_2m       DOUBLE PRECISION,
			relative_humidity_2m DOUBLE PRECISION,
			wind_speed_10m       DOUBLE PRECISION,
			latitude             DOUBLE PRECISION NOT NULL,
			longitude            DOUBLE PRECISION NOT NULL,
			source_id            TEXT             NOT NULL,
			collected_at         TIMESTAMPTZ      NOT NULL,
			PRIMARY KEY (source_id, timestamp)
		);
	`, TableName)

	if _, err := conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("テーブル %s の作成確認に失敗しました: %w", TableName, err)
	}
	return nil
}

func (r *postgresObservationRepository) DeleteWindow(ctx context.Context, tx database.Tx, sourceID string, window core.Window) (int64, error) {
	result, err := tx.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE source_id = $1 AND timestamp >= $2 AND timestamp <= $3;
	`, TableName), sourceID, window.Start, window.End)
	if err != nil {
		return 0, fmt.Errorf("窓 %s の既存行の削除に失敗しました: %w", window, err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return deleted, nil
}

func (r *postgresObservationRepository) BulkInsert(ctx context.Context, tx database.Tx, records []core.ObservationRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	insertStmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (timestamp, temperature_2m, relative_humidity_2m, wind_speed_10m, latitude, longitude, source_id, collected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now());
	`, TableName))
	if err != nil {
		return 0, fmt.Errorf("%s への挿入ステートメントの準備に失敗しました: %w", TableName, err)
	}
	defer insertStmt.Close()

	var inserted int64
	for _, rec := range records {
		// ループ内でも Context の完了を定期的にチェック
		select {
		case <-ctx.Done():
			return inserted, ctx.Err()
		default:
		}

		_, err = insertStmt.ExecContext(
			ctx,
			rec.Timestamp,
			metricValue(rec, metricColumns[0]),
			metricValue(rec, metricColumns[1]),
			metricValue(rec, metricColumns[2]),
			rec.Latitude,
			rec.Longitude,
			rec.SourceID,
		)
		if err != nil {
			return inserted, fmt.Errorf("時刻 %s の観測レコードの挿入に失敗しました: %w", rec.Timestamp, err)
		}
		inserted++
	}
	logger.Debugf("%s に観測レコード %d 件を挿入しました。", TableName, inserted)
	return inserted, nil
}

// questionMarkObservationRepository は '?' プレースホルダを使用するデータベース
// (MySQL / Snowflake) 向けの実装です。
type questionMarkObservationRepository struct{}

func (r *questionMarkObservationRepository) EnsureSchema(ctx context.Context, conn database.DBConnection) error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			timestamp            TIMESTAMP    NOT NULL,
			temperature_2m       DOUBLE,
			relative_humidity_2m DOUBLE,
			wind_speed_10m       DOUBLE,
			latitude             DOUBLE       NOT NULL,
			longitude            DOUBLE       NOT NULL,
			source_id            VARCHAR(128) NOT NULL,
			collected_at         TIMESTAMP    NOT NULL,
			PRIMARY KEY (source_id, timestamp)
		);
	`, TableName)

	if _, err := conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("テーブル %s の作成確認に失敗しました: %w", TableName, err)
	}
	return nil
}

func (r *questionMarkObservationRepository) DeleteWindow(ctx context.Context, tx database.Tx, sourceID string, window core.Window) (int64, error) {
	result, err := tx.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE source_id = ? AND timestamp >= ? AND timestamp <= ?;
	`, TableName), sourceID, window.Start, window.End)
	if err != nil {
		return 0, fmt.Errorf("窓 %s の既存行の削除に失敗しました: %w", window, err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return deleted, nil
}

func (r *questionMarkObservationRepository) BulkInsert(ctx context.Context, tx database.Tx, records []core.ObservationRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	insertStmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (timestamp, temperature_2m, relative_humidity_2m, wind_speed_10m, latitude, longitude, source_id, collected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, TableName))
	if err != nil {
		return 0, fmt.Errorf("%s への挿入ステートメントの準備に失敗しました: %w", TableName, err)
	}
	defer insertStmt.Close()

	var inserted int64
	for _, rec := range records {
		select {
		case <-ctx.Done():
			return inserted, ctx.Err()
		default:
		}

		_, err = insertStmt.ExecContext(
			ctx,
			rec.Timestamp,
			metricValue(rec, metricColumns[0]),
			metricValue(rec, metricColumns[1]),
			metricValue(rec, metricColumns[2]),
			rec.Latitude,
			rec.Longitude,
			rec.SourceID,
		)
		if err != nil {
			return inserted, fmt.Errorf("時刻 %s の観測レコードの挿入に失敗しました: %w", rec.Timestamp, err)
		}
		inserted++
	}
	logger.Debugf("%s に観測レコード %d 件を挿入しました。", TableName, inserted)
	return inserted, nil
}
