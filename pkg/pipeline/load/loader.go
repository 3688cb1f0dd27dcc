package load

import (
	"context"
	"time"

	"weatheretl/pkg/pipeline/core"
	"weatheretl/pkg/pipeline/database"
	"weatheretl/pkg/pipeline/repository"
	"weatheretl/pkg/pipeline/util/exception"
	"weatheretl/pkg/pipeline/util/logger"
)

// Loader は正規化済みレコード列を格納先へ永続化します。
//
// 同一ソース・同一窓に重なる既存行を削除してから挿入する (delete-then-insert) ため、
// 同じ窓に対する再実行は行を複製せず置き換えます。行単位の upsert ではなく
// 窓単位の置き換えを採用しているのは、プロバイダが公開済みの過去値を
// 改訂することがあるためです (予報が再解析値へ更新されるなど)。
type Loader struct {
	conn      database.DBConnection
	repo      repository.ObservationRepository
	txTimeout time.Duration
}

// NewLoader は新しい Loader のインスタンスを作成します。
func NewLoader(conn database.DBConnection, repo repository.ObservationRepository, txTimeout time.Duration) *Loader {
	return &Loader{
		conn:      conn,
		repo:      repo,
		txTimeout: txTimeout,
	}
}

// Load はレコード列を一つのアトミックなトランザクションで格納先へ書き込みます。
//
//  1. records が空なら即座に no-op の成功結果を返す。
//  2. 格納先スキーマの存在を保証する (create-if-absent。既存データは破棄しない)。
//  3. バッチが覆う窓 [min(timestamp), max(timestamp)] と、含まれる source_id を求める。
//  4. 窓に重なる既存行を削除してから全レコードを挿入する。
//  5. トランザクション中のいかなる失敗も全体をロールバックする (部分書き込みは残らない)。
//
// トランザクションには設定されたタイムアウトが適用され、超過時はアボートして
// ロールバックされます。
func (l *Loader) Load(ctx context.Context, records []core.ObservationRecord) core.LoadResult {
	if len(records) == 0 {
		// 空のソース実行は正当な結果 (rows_written = 0)
		return core.LoadResult{Status: core.StatusSuccess}
	}

	sourceID := records[0].SourceID
	result := core.LoadResult{SourceID: sourceID}

	if err := l.repo.EnsureSchema(ctx, l.conn); err != nil {
		result.Status = core.StatusFailed
		result.Err = exception.NewLoadError(sourceID, "格納先スキーマの確認に失敗しました", err)
		return result
	}

	window, sources := batchCoverage(records)

	txCtx, cancel := context.WithTimeout(ctx, l.txTimeout)
	defer cancel()

	tx, err := l.conn.BeginTx(txCtx, nil)
	if err != nil {
		result.Status = core.StatusFailed
		result.Err = exception.NewLoadError(sourceID, "トランザクションの開始に失敗しました", err)
		return result
	}

	var deleted, inserted int64
	for _, sid := range sources {
		n, err := l.repo.DeleteWindow(txCtx, tx, sid, window)
		if err != nil {
			rollback(tx, sourceID)
			result.Status = core.StatusFailed
			result.Err = exception.NewLoadError(sourceID, "既存行の削除に失敗しました", err)
			return result
		}
		deleted += n
	}

	inserted, err = l.repo.BulkInsert(txCtx, tx, records)
	if err != nil {
		rollback(tx, sourceID)
		result.Status = core.StatusFailed
		result.Err = exception.NewLoadError(sourceID, "レコードの挿入に失敗しました", err)
		return result
	}

	if err := tx.Commit(); err != nil {
		rollback(tx, sourceID)
		result.Status = core.StatusFailed
		result.Err = exception.NewLoadError(sourceID, "トランザクションのコミットに失敗しました", err)
		return result
	}

	logger.Infof("ソース '%s': 窓 %s の既存 %d 行を置き換え、%d 行を書き込みました。", sourceID, window, deleted, inserted)

	result.Status = core.StatusSuccess
	result.RowsWritten = int(inserted)
	result.RowsReplaced = int(deleted)
	return result
}

// batchCoverage はバッチが覆う時間窓と、含まれる source_id の一覧を計算します。
// 窓は現在のバッチに実際に含まれるタイムスタンプの和集合であり、
// 固定のカレンダー境界ではありません。
func batchCoverage(records []core.ObservationRecord) (core.Window, []string) {
	window := core.Window{Start: records[0].Timestamp, End: records[0].Timestamp}
	seen := map[string]struct{}{}
	sources := make([]string, 0, 1)

	for _, rec := range records {
		if rec.Timestamp.Before(window.Start) {
			window.Start = rec.Timestamp
		}
		if rec.Timestamp.After(window.End) {
			window.End = rec.Timestamp
		}
		if _, ok := seen[rec.SourceID]; !ok {
			seen[rec.SourceID] = struct{}{}
			sources = append(sources, rec.SourceID)
		}
	}
	return window, sources
}

// rollback はロールバックを試み、失敗してもログに留めます。
func rollback(tx database.Tx, sourceID string) {
	if err := tx.Rollback(); err != nil {
		logger.Errorf("ソース '%s': トランザクションのロールバックに失敗しました: %v", sourceID, err)
	}
}
