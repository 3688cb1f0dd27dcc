package fetch

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"weatheretl/pkg/pipeline/core"
)

// openMeteoResponse は Open-Meteo forecast API のレスポンス構造です。
// hourly は時刻配列 "time" と、要求したフィールドごとの値配列を持ちます。
type openMeteoResponse struct {
	Latitude  float64        `json:"latitude"`
	Longitude float64        `json:"longitude"`
	Hourly    map[string]any `json:"hourly"`
}

// decodeOpenMeteo は Open-Meteo のレスポンスボディをプロバイダ非依存の
// RawBatch へ変換するアダプターです。プロバイダを追加する場合は、
// Normalizer を変更するのではなく、このようなアダプターを一つ追加します。
func decodeOpenMeteo(sourceID string, body io.Reader, params []string, fetchedAt time.Time) (*core.RawBatch, error) {
	var resp openMeteoResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("APIレスポンスのデコードに失敗しました: %w", err)
	}

	if resp.Hourly == nil {
		return nil, fmt.Errorf("レスポンスに hourly データが含まれていません")
	}

	rawTimes, ok := resp.Hourly["time"].([]any)
	if !ok {
		return nil, fmt.Errorf("レスポンスに時刻配列 'hourly.time' が含まれていません")
	}
	times := make([]string, 0, len(rawTimes))
	for _, t := range rawTimes {
		s, ok := t.(string)
		if !ok {
			return nil, fmt.Errorf("時刻配列に文字列以外の値が含まれています: %v", t)
		}
		times = append(times, s)
	}

	values := make(map[string][]any, len(params))
	for _, param := range params {
		raw, ok := resp.Hourly[param].([]any)
		if !ok {
			return nil, fmt.Errorf("レスポンスに要求フィールド '%s' の値配列が含まれていません", param)
		}
		if len(raw) != len(times) {
			return nil, fmt.Errorf("フィールド '%s' の値配列長 %d が時刻配列長 %d と一致しません", param, len(raw), len(times))
		}
		values[param] = raw
	}

	return &core.RawBatch{
		SourceID:  sourceID,
		FetchedAt: fetchedAt,
		Times:     times,
		Values:    values,
	}, nil
}
