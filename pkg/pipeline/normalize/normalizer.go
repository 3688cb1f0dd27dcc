package normalize

import (
	"math"
	"strconv"
	"time"

	"weatheretl/pkg/pipeline/core"
	"weatheretl/pkg/pipeline/source"
	"weatheretl/pkg/pipeline/util/logger"
)

// Stats は正規化の結果統計です。検証で破棄された行数は
// 診断のためにソース単位の LoadResult へ引き継がれます。
type Stats struct {
	RowsIn      int // 生ペイロードの行数
	RowsOut     int // 正規化後に残った行数
	RowsDropped int // 検証で破棄された行数 (タイムスタンプ不正、窓外、全メトリクス欠損)
	RowsDeduped int // (source_id, timestamp) の重複により置き換えられた行数
}

// Normalizer は異種の生ペイロードを一様な ObservationRecord 列へ変換します。
// フィールド名の変換、型強制、値域検証、バッチ内の重複排除を適用します。
type Normalizer struct{}

// NewNormalizer は新しい Normalizer のインスタンスを作成します。
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Normalize は RawBatch をソース定義のスキーマ写像に従って正規化します。
//
//  1. プロバイダ固有のフィールド名を正準フィールド名へ変換する。
//  2. 各値を float へ強制する。強制できない値はそのフィールドの欠損として扱う。
//  3. 設定された値域検証を適用する。範囲外の値は欠損になる。
//  4. source_id / 緯度 / 経度 はペイロードではなくソース定義から付与する
//     (信頼できるのは設定値であり、プロバイダ出力ではない)。
//  5. (source_id, timestamp) で重複排除し、後に出現した行を残す
//     (ペイロードは時系列順であり、後の行が最新の予報改訂を反映する)。
//
// タイムスタンプが解釈できない行、要求窓の外にある行、全メトリクスが
// 欠損になった行は破棄されます。使用可能な行が残らない場合も空列を返し、
// エラーとはしません (空のソース実行は正当な結果です)。
func (n *Normalizer) Normalize(raw *core.RawBatch, src source.SourceDefinition, window core.Window) ([]core.ObservationRecord, Stats) {
	stats := Stats{RowsIn: len(raw.Times)}

	records := make([]core.ObservationRecord, 0, len(raw.Times))
	index := make(map[int64]int, len(raw.Times)) // timestamp(unix) -> records 内の位置

	for i, rawTime := range raw.Times {
		ts, ok := parseHourlyTimestamp(rawTime)
		if !ok {
			logger.Debugf("ソース '%s': タイムスタンプ '%s' を解釈できないため行を破棄します。", src.ID, rawTime)
			stats.RowsDropped++
			continue
		}
		if !window.Contains(ts) {
			logger.Debugf("ソース '%s': タイムスタンプ %s が要求窓 %s の外にあるため行を破棄します。", src.ID, ts.Format(time.RFC3339), window)
			stats.RowsDropped++
			continue
		}

		metrics := make(map[string]float64)
		for providerField, values := range raw.Values {
			if i >= len(values) {
				continue
			}
			canonical := canonicalName(providerField, src.Schema)

			v, ok := coerceFloat(values[i])
			if !ok {
				// 強制できない値は行を中断せず、このフィールドの欠損とする
				continue
			}
			if rule, has := src.Schema.Ranges[canonical]; has && (v < rule.Min || v > rule.Max) {
				logger.Debugf("ソース '%s': フィールド '%s' の値 %v が値域 [%v, %v] の外にあるため欠損として扱います。", src.ID, canonical, v, rule.Min, rule.Max)
				continue
			}
			metrics[canonical] = v
		}

		if len(metrics) == 0 {
			// 全メトリクスが範囲外または欠損の行は破棄する
			stats.RowsDropped++
			continue
		}

		record := core.ObservationRecord{
			Timestamp: ts,
			Metrics:   metrics,
			Latitude:  src.Latitude,
			Longitude: src.Longitude,
			SourceID:  src.ID,
		}

		if pos, dup := index[ts.Unix()]; dup {
			// 同一時刻の行は後の出現で置き換える
			records[pos] = record
			stats.RowsDeduped++
		} else {
			index[ts.Unix()] = len(records)
			records = append(records, record)
		}
	}

	stats.RowsOut = len(records)
	if stats.RowsDropped > 0 {
		logger.Warnf("ソース '%s': 検証により %d / %d 行を破棄しました。", src.ID, stats.RowsDropped, stats.RowsIn)
	}
	return records, stats
}

// parseHourlyTimestamp はプロバイダの時刻文字列を UTC の時間粒度へ解釈します。
// Open-Meteo の "2006-01-02T15:04" 形式と RFC3339 の両方を受け付けます。
func parseHourlyTimestamp(value string) (time.Time, bool) {
	ts, err := time.Parse("2006-01-02T15:04", value)
	if err != nil {
		ts, err = time.Parse(time.RFC3339, value)
		if err != nil {
			return time.Time{}, false
		}
	}
	return ts.UTC().Truncate(time.Hour), true
}

// canonicalName は変換マップに従ってプロバイダのフィールド名を正準名へ写像します。
// マップに存在しない名前はそのまま使用します。
func canonicalName(providerField string, schema source.SchemaMapping) string {
	if canonical, ok := schema.Rename[providerField]; ok {
		return canonical
	}
	return providerField
}

// coerceFloat は JSON 由来の値を有限の float64 へ強制します。
// NaN / Inf は格納しない不変条件のため、強制失敗として扱います。
func coerceFloat(value any) (float64, bool) {
	var f float64
	switch v := value.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	case nil:
		return 0, false
	default:
		return 0, false
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
