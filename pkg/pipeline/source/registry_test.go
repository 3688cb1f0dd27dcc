package source_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weatheretl/pkg/pipeline/source"
	"weatheretl/pkg/pipeline/util/exception"
)

const validSourcesYAML = `
sources:
  - id: berlin
    name: "Berlin, Germany"
    enabled: true
    endpoint: "https://api.open-meteo.com/v1/forecast"
    latitude: 52.52
    longitude: 13.405
    parameters: [temperature_2m]
    forecast_days: 1
  - id: tokyo
    name: "Tokyo, Japan"
    enabled: false
    endpoint: "https://api.open-meteo.com/v1/forecast"
    latitude: 35.6895
    longitude: 139.6917
    parameters: [temperature_2m, wind_speed_10m]
  - id: reykjavik
    name: "Reykjavik, Iceland"
    enabled: true
    endpoint: "https://api.open-meteo.com/v1/forecast"
    latitude: 64.1466
    longitude: -21.9426
    parameters: [temperature_2m]
`

func TestLoad_ValidRegistry(t *testing.T) {
	registry, err := source.Load([]byte(validSourcesYAML))
	require.NoError(t, err)

	all := registry.All()
	assert.Len(t, all, 3)
	// forecast_days 未指定のソースは最低 1 日が保証される
	assert.Equal(t, 1, all[1].ForecastDays)

	src, ok := registry.Get("berlin")
	assert.True(t, ok)
	assert.Equal(t, 52.52, src.Latitude)
	assert.Equal(t, 13.405, src.Longitude)
}

func TestLoad_EnabledPreservesConfigurationOrder(t *testing.T) {
	registry, err := source.Load([]byte(validSourcesYAML))
	require.NoError(t, err)

	enabled := registry.Enabled()
	require.Len(t, enabled, 2)
	// 設定順を保ったまま enabled = true のみが返る
	assert.Equal(t, "berlin", enabled[0].ID)
	assert.Equal(t, "reykjavik", enabled[1].ID)
}

func TestLoad_InvalidSourceScenarios(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "Missing ID",
			yaml: `
sources:
  - name: "No ID"
    enabled: true
    endpoint: "https://api.open-meteo.com/v1/forecast"
    latitude: 0
    longitude: 0
    parameters: [temperature_2m]
`,
		},
		{
			name: "Duplicate ID",
			yaml: `
sources:
  - id: berlin
    enabled: true
    endpoint: "https://api.open-meteo.com/v1/forecast"
    latitude: 52.52
    longitude: 13.405
    parameters: [temperature_2m]
  - id: berlin
    enabled: true
    endpoint: "https://api.open-meteo.com/v1/forecast"
    latitude: 52.52
    longitude: 13.405
    parameters: [temperature_2m]
`,
		},
		{
			name: "Malformed Endpoint",
			yaml: `
sources:
  - id: broken
    enabled: true
    endpoint: "not-a-url"
    latitude: 0
    longitude: 0
    parameters: [temperature_2m]
`,
		},
		{
			name: "No Parameters",
			yaml: `
sources:
  - id: empty-params
    enabled: true
    endpoint: "https://api.open-meteo.com/v1/forecast"
    latitude: 0
    longitude: 0
    parameters: []
`,
		},
		{
			name: "Latitude Out Of Range",
			yaml: `
sources:
  - id: bad-lat
    enabled: true
    endpoint: "https://api.open-meteo.com/v1/forecast"
    latitude: 123.0
    longitude: 0
    parameters: [temperature_2m]
`,
		},
		{
			name: "NaN Latitude",
			yaml: `
sources:
  - id: nan-lat
    enabled: true
    endpoint: "https://api.open-meteo.com/v1/forecast"
    latitude: .nan
    longitude: 0
    parameters: [temperature_2m]
`,
		},
		{
			name: "Infinite Longitude",
			yaml: `
sources:
  - id: inf-lon
    enabled: true
    endpoint: "https://api.open-meteo.com/v1/forecast"
    latitude: 0
    longitude: .inf
    parameters: [temperature_2m]
`,
		},
		{
			name: "Inverted Range Rule",
			yaml: `
sources:
  - id: bad-range
    enabled: true
    endpoint: "https://api.open-meteo.com/v1/forecast"
    latitude: 0
    longitude: 0
    parameters: [temperature_2m]
    schema:
      ranges:
        temperature_2m: { min: 60, max: -60 }
`,
		},
		{
			name: "No Sources At All",
			yaml: `sources: []`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry, err := source.Load([]byte(tt.yaml))

			// 一つでも不正なソースがあればレジストリ全体のロードが中止される (fail-fast)
			require.Error(t, err)
			assert.Nil(t, registry)

			var pe *exception.PipelineError
			require.True(t, errors.As(err, &pe), "エラーは PipelineError であること")
			assert.Equal(t, exception.ModuleConfig, pe.Module)
		})
	}
}

func TestLoad_OneBadSourceAbortsWholeRegistry(t *testing.T) {
	yaml := `
sources:
  - id: good
    enabled: true
    endpoint: "https://api.open-meteo.com/v1/forecast"
    latitude: 52.52
    longitude: 13.405
    parameters: [temperature_2m]
  - id: ""
    enabled: true
    endpoint: "https://api.open-meteo.com/v1/forecast"
    latitude: 0
    longitude: 0
    parameters: [temperature_2m]
`
	// 正常なソースが含まれていても、部分的なレジストリは返さない
	registry, err := source.Load([]byte(yaml))
	require.Error(t, err)
	assert.Nil(t, registry)
}
