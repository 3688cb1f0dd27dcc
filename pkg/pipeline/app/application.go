package app

import (
	"context"
	"time"

	godotenv "github.com/joho/godotenv"

	"weatheretl/pkg/pipeline/config"
	"weatheretl/pkg/pipeline/coordinator"
	"weatheretl/pkg/pipeline/core"
	"weatheretl/pkg/pipeline/database/connector"
	"weatheretl/pkg/pipeline/fetch"
	"weatheretl/pkg/pipeline/load"
	"weatheretl/pkg/pipeline/normalize"
	"weatheretl/pkg/pipeline/repository"
	"weatheretl/pkg/pipeline/source"
	"weatheretl/pkg/pipeline/util/logger"
)

// migrationsTable はこのアプリケーションのマイグレーション履歴テーブル名です。
const migrationsTable = "etl_schema_migrations"

// RunApplication はアプリケーションのメインロジックを実行し、終了コードを返します。
// 起動順序: .env → 設定 → ソースレジストリ → DB接続 → マイグレーション → パイプライン実行。
// 設定エラー (ConfigError) はフェッチが始まる前に実行全体を中止します。
func RunApplication(ctx context.Context, envFilePath string, embeddedConfig, embeddedSources []byte) int {
	// .env ファイルのロード
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			logger.Warnf(".env ファイル '%s' のロードに失敗しました (本番環境では環境変数を使用): %v", envFilePath, err)
		} else {
			logger.Infof(".env ファイル '%s' をロードしました。", envFilePath)
		}
	}

	cfg, err := config.NewBytesConfigLoader(embeddedConfig).Load()
	if err != nil {
		logger.Errorf("設定のロードに失敗しました: %v", err)
		return 1
	}
	logger.SetLogLevel(cfg.System.Logging.Level)

	registry, err := source.Load(embeddedSources)
	if err != nil {
		// 一つでも不正なソースがあればレジストリ全体のロードを中止する (fail-fast)
		logger.Errorf("ソースレジストリのロードに失敗しました: %v", err)
		return 1
	}

	conn, err := connector.NewDBConnectionFromConfig(ctx, cfg.Database)
	if err != nil {
		logger.Errorf("データベース接続の確立に失敗しました: %v", err)
		return 1
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Errorf("データベース接続のクローズに失敗しました: %v", err)
		}
	}()

	if err := connector.RunMigrations(cfg.Database.Type, cfg.Database.ConnectionString(), cfg.Database.MigrationPath, migrationsTable); err != nil {
		logger.Errorf("マイグレーションの実行に失敗しました: %v", err)
		return 1
	}

	repo, err := repository.NewObservationRepository(cfg.Database.Type)
	if err != nil {
		logger.Errorf("リポジトリの生成に失敗しました: %v", err)
		return 1
	}

	loader := load.NewLoader(conn, repo, time.Duration(cfg.Database.TxTimeoutSeconds)*time.Second)
	coord := coordinator.NewCoordinator(registry, fetch.NewFetcher(cfg.Fetch), normalize.NewNormalizer(), loader)

	summary := coord.Run(ctx, runWindow(registry, time.Now()))

	for _, r := range summary.Results {
		if r.Status == core.StatusFailed {
			logger.Errorf("ソース '%s': 失敗しました: %v", r.SourceID, r.Err)
		} else {
			logger.Infof("ソース '%s': %d 行書き込み, %d 行置換, %d 行破棄。", r.SourceID, r.RowsWritten, r.RowsReplaced, r.RowsDropped)
		}
	}

	switch summary.Status {
	case core.StatusSuccess:
		return 0
	case core.StatusPartial:
		// 部分失敗。アラートや再実行の判断は外部トリガーの責務。
		return 2
	default:
		return 1
	}
}

// runWindow は今回の実行が対象とする時間窓を計算します。
// 当日の 00:00 UTC から、有効ソースの最大 forecast_days 分の最終時刻までです。
func runWindow(registry *source.Registry, now time.Time) core.Window {
	days := 1
	for _, src := range registry.Enabled() {
		if src.ForecastDays > days {
			days = src.ForecastDays
		}
	}
	start := now.UTC().Truncate(24 * time.Hour)
	end := start.Add(time.Duration(days)*24*time.Hour - time.Hour)
	return core.NewWindow(start, end)
}
