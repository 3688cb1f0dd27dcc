package source

import (
	"fmt"
	"math"
	"net/url"

	"gopkg.in/yaml.v3"

	"weatheretl/pkg/pipeline/util/exception"
	"weatheretl/pkg/pipeline/util/logger"
)

// RangeRule は正準フィールドに対する値域検証のルールです。
// 範囲外の値は欠損として扱われます (行の破棄ではありません)。
type RangeRule struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// SchemaMapping はプロバイダ固有のペイロードを正準スキーマへ写像する設定です。
type SchemaMapping struct {
	// プロバイダのフィールド名 -> 正準フィールド名の変換マップ。
	// マップに存在しないフィールドは同名のまま扱われます。
	Rename map[string]string `yaml:"rename"`
	// 正準フィールド名 -> 値域ルール。設定されたフィールドのみ検証されます。
	Ranges map[string]RangeRule `yaml:"ranges"`
}

// SourceDefinition は設定された一つのリモートデータソースを表す不変のレコードです。
// プロセス起動時に設定からロードされ、以後変更されません。
type SourceDefinition struct {
	ID           string        `yaml:"id"`
	Name         string        `yaml:"name"`
	Enabled      bool          `yaml:"enabled"`
	Endpoint     string        `yaml:"endpoint"`
	Latitude     float64       `yaml:"latitude"`
	Longitude    float64       `yaml:"longitude"`
	Parameters   []string      `yaml:"parameters"`
	ForecastDays int           `yaml:"forecast_days"`
	Schedule     string        `yaml:"schedule"` // cron 形式。コアに対しては参考情報のみ。
	Schema       SchemaMapping `yaml:"schema"`
}

// Registry は設定されたソース定義の一覧を保持します。
type Registry struct {
	sources []SourceDefinition
}

// sourcesFile は sources.yaml のトップレベル構造です。
type sourcesFile struct {
	Sources []SourceDefinition `yaml:"sources"`
}

// Load はソース定義の YAML をパースし、全ソースを検証した Registry を返します。
// 一つでも構造的に不正なソースがあればレジストリ全体のロードを中止します
// (fail-fast: 設定エラーがソースを静かに落とすことを防ぎます)。
func Load(data []byte) (*Registry, error) {
	var file sourcesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, exception.NewConfigError("ソース定義のパースに失敗しました", err)
	}

	if len(file.Sources) == 0 {
		return nil, exception.NewConfigError("ソースが一件も定義されていません", nil)
	}

	seen := make(map[string]struct{}, len(file.Sources))
	for i, src := range file.Sources {
		if err := validate(src); err != nil {
			return nil, err
		}
		if _, dup := seen[src.ID]; dup {
			return nil, exception.NewConfigError(fmt.Sprintf("ソース ID '%s' が重複しています", src.ID), nil)
		}
		seen[src.ID] = struct{}{}

		// 予報日数は最低 1 日を保証する
		if file.Sources[i].ForecastDays <= 0 {
			file.Sources[i].ForecastDays = 1
		}
	}

	logger.Debugf("ソース定義を %d 件ロードしました。", len(file.Sources))
	return &Registry{sources: file.Sources}, nil
}

// validate は単一のソース定義の必須項目を検証します。
func validate(src SourceDefinition) error {
	if src.ID == "" {
		return exception.NewConfigError(fmt.Sprintf("ソース '%s' に ID が設定されていません", src.Name), nil)
	}
	u, err := url.Parse(src.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return exception.NewConfigError(fmt.Sprintf("ソース '%s' のエンドポイント '%s' が不正です", src.ID, src.Endpoint), err)
	}
	if len(src.Parameters) == 0 {
		return exception.NewConfigError(fmt.Sprintf("ソース '%s' に要求パラメータが一つも設定されていません", src.ID), nil)
	}
	// NaN は範囲比較をすべてすり抜けるため、有限性を明示的に検証する
	if !isFinite(src.Latitude) || src.Latitude < -90 || src.Latitude > 90 {
		return exception.NewConfigError(fmt.Sprintf("ソース '%s' の緯度 %f が不正です", src.ID, src.Latitude), nil)
	}
	if !isFinite(src.Longitude) || src.Longitude < -180 || src.Longitude > 180 {
		return exception.NewConfigError(fmt.Sprintf("ソース '%s' の経度 %f が不正です", src.ID, src.Longitude), nil)
	}
	for field, r := range src.Schema.Ranges {
		if r.Min > r.Max {
			return exception.NewConfigError(fmt.Sprintf("ソース '%s' のフィールド '%s' の値域 [%f, %f] が不正です", src.ID, field, r.Min, r.Max), nil)
		}
	}
	return nil
}

// isFinite は値が有限の浮動小数点数かどうかを判定します。
func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// All は設定順のまま全ソース定義を返します。
func (r *Registry) All() []SourceDefinition {
	return r.sources
}

// Enabled は enabled = true のソースのみを設定順を保ったまま返します。
func (r *Registry) Enabled() []SourceDefinition {
	enabled := make([]SourceDefinition, 0, len(r.sources))
	for _, src := range r.sources {
		if src.Enabled {
			enabled = append(enabled, src)
		}
	}
	return enabled
}

// Get は指定された ID のソース定義を返します。
func (r *Registry) Get(id string) (SourceDefinition, bool) {
	for _, src := range r.sources {
		if src.ID == id {
			return src, true
		}
	}
	return SourceDefinition{}, false
}
