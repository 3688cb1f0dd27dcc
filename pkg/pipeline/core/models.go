package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status はソース単位のロード結果、および実行全体の最終状態を表します。
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// Window は一回のフェッチ/ロード操作が対象とする連続したタイムスタンプ範囲です。
// 境界は両端を含み、UTC の時間 (hour) 粒度で扱います。
type Window struct {
	Start time.Time
	End   time.Time
}

// NewWindow は両端を UTC の時間粒度に切り詰めた Window を作成します。
func NewWindow(start, end time.Time) Window {
	return Window{
		Start: start.UTC().Truncate(time.Hour),
		End:   end.UTC().Truncate(time.Hour),
	}
}

// Contains は t がこの Window の範囲内 (両端を含む) かどうかを判定します。
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// Key はキャッシュキーの一部として使用できる安定した文字列表現を返します。
func (w Window) Key() string {
	return fmt.Sprintf("%s/%s", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}

// String は Window の文字列表現を返します。
func (w Window) String() string {
	return fmt.Sprintf("[%s, %s]", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}

// RawBatch は単一フェッチの未加工レスポンスです。
// 生成した Fetch 呼び出しだけが所有し、直後に Normalizer へ渡されます。
// Values はプロバイダ固有のフィールド名をキーとし、Times と同じ長さの値配列を持ちます。
type RawBatch struct {
	SourceID  string
	FetchedAt time.Time
	Times     []string
	Values    map[string][]any
}

// ObservationRecord は正規化後の正準的な観測レコードです。
// Metrics には有限の float のみを格納し、欠損したメトリクスはキー自体を持ちません。
type ObservationRecord struct {
	Timestamp time.Time
	Metrics   map[string]float64
	Latitude  float64
	Longitude float64
	SourceID  string
}

// LoadResult はソース単位の処理結果です。Loader が生成し、
// PipelineCoordinator が RunSummary に集約します。永続化はされません。
type LoadResult struct {
	SourceID     string
	RowsWritten  int
	RowsReplaced int
	RowsDropped  int // Normalizer が検証で破棄した行数 (診断用)
	Status       Status
	Err          error
}

// RunSummary は一回のパイプライン起動における全有効ソースの LoadResult の集約です。
// 外部トリガーに返される終端オブジェクトです。
type RunSummary struct {
	RunID      string
	Window     Window
	StartedAt  time.Time
	FinishedAt time.Time
	Status     Status
	Results    []LoadResult
}

// NewRunSummary は新しい実行 ID を採番した RunSummary を作成します。
func NewRunSummary(window Window) *RunSummary {
	return &RunSummary{
		RunID:     uuid.New().String(),
		Window:    window,
		StartedAt: time.Now().UTC(),
	}
}

// Finalize は全ソースの結果から実行全体の最終状態を確定します。
// 全件成功なら success、一部失敗なら partial、全件失敗なら failed です。
func (s *RunSummary) Finalize() {
	s.FinishedAt = time.Now().UTC()

	if len(s.Results) == 0 {
		s.Status = StatusSuccess
		return
	}

	failed := 0
	for _, r := range s.Results {
		if r.Status == StatusFailed {
			failed++
		}
	}
	switch failed {
	case 0:
		s.Status = StatusSuccess
	case len(s.Results):
		s.Status = StatusFailed
	default:
		s.Status = StatusPartial
	}
}
