package coordinator

import (
	"context"
	"sync"

	"weatheretl/pkg/pipeline/core"
	"weatheretl/pkg/pipeline/normalize"
	"weatheretl/pkg/pipeline/source"
	"weatheretl/pkg/pipeline/util/logger"
)

// Fetcher は単一ソースの生観測データを取得するステージです。
type Fetcher interface {
	Fetch(ctx context.Context, src source.SourceDefinition, window core.Window) (*core.RawBatch, error)
}

// Normalizer は生ペイロードを正準レコード列へ変換するステージです。
type Normalizer interface {
	Normalize(raw *core.RawBatch, src source.SourceDefinition, window core.Window) ([]core.ObservationRecord, normalize.Stats)
}

// Loader は正規化済みレコード列を永続化するステージです。
type Loader interface {
	Load(ctx context.Context, records []core.ObservationRecord) core.LoadResult
}

// Coordinator は有効な各ソースについて fetch → normalize → load を実行し、
// 部分的な失敗を集約して実行サマリを返します。
//
// ソースは論理的に独立しており、ソースごとに並行して処理されます。
// 一つのソースのどのステージの失敗も、そのソースの LoadResult として記録され、
// 残りのソースの処理を止めることはありません (部分失敗の分離)。
// fetch → load の連鎖全体をリトライすることはありません。リトライは
// Fetcher のみの責務です。Loader の失敗は通常、非一時的な状態
// (スキーマ不一致、制約違反) を示すため、報告のみ行います。
type Coordinator struct {
	registry   *source.Registry
	fetcher    Fetcher
	normalizer Normalizer
	loader     Loader
}

// NewCoordinator は新しい Coordinator のインスタンスを作成します。
func NewCoordinator(registry *source.Registry, fetcher Fetcher, normalizer Normalizer, loader Loader) *Coordinator {
	return &Coordinator{
		registry:   registry,
		fetcher:    fetcher,
		normalizer: normalizer,
		loader:     loader,
	}
}

// Run は外部のワークフローエンジンから消費される単一のエントリポイントです。
// 有効な全ソースを処理し、ソースごとの LoadResult を設定順に並べた
// RunSummary を返します。全体状態は全件成功で success、一部失敗で partial、
// 全件失敗で failed です。
func (c *Coordinator) Run(ctx context.Context, window core.Window) *core.RunSummary {
	summary := core.NewRunSummary(window)
	sources := c.registry.Enabled()

	logger.Infof("パイプライン実行 %s を開始します。対象ソース: %d 件, 窓: %s", summary.RunID, len(sources), window)

	// 結果はソースごとのスロットに書き込むため、ソース間で共有される
	// 可変状態はありません。サマリ内の順序は設定順のまま保たれます。
	results := make([]core.LoadResult, len(sources))
	var wg sync.WaitGroup

	for i, src := range sources {
		wg.Add(1)
		go func(i int, src source.SourceDefinition) {
			defer wg.Done()
			results[i] = c.runSource(ctx, src, window)
		}(i, src)
	}
	wg.Wait()

	summary.Results = results
	summary.Finalize()

	logger.Infof("パイプライン実行 %s が完了しました。最終状態: %s", summary.RunID, summary.Status)
	return summary
}

// runSource は単一ソースのパイプラインを実行します。
// ソース内の各ステージは厳密に逐次です (fetch 完了前に normalize は始まらない)。
func (c *Coordinator) runSource(ctx context.Context, src source.SourceDefinition, window core.Window) core.LoadResult {
	raw, err := c.fetcher.Fetch(ctx, src, window)
	if err != nil {
		logger.Errorf("ソース '%s' のフェッチに失敗しました: %v", src.ID, err)
		return core.LoadResult{SourceID: src.ID, Status: core.StatusFailed, Err: err}
	}

	records, stats := c.normalizer.Normalize(raw, src, window)

	result := c.loader.Load(ctx, records)
	result.SourceID = src.ID
	result.RowsDropped = stats.RowsDropped
	if result.Status == core.StatusFailed {
		logger.Errorf("ソース '%s' のロードに失敗しました: %v", src.ID, result.Err)
	}
	return result
}
