package core_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"weatheretl/pkg/pipeline/core"
)

func TestNewWindow_TruncatesToUTCHour(t *testing.T) {
	jst := time.FixedZone("JST", 9*60*60)
	start := time.Date(2025, time.January, 1, 9, 30, 45, 0, jst)
	end := time.Date(2025, time.January, 2, 8, 59, 59, 0, jst)

	w := core.NewWindow(start, end)

	assert.Equal(t, time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC), w.Start)
	assert.Equal(t, time.Date(2025, time.January, 1, 23, 0, 0, 0, time.UTC), w.End)
}

func TestWindow_ContainsIsInclusive(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	w := core.NewWindow(start, start.Add(23*time.Hour))

	assert.True(t, w.Contains(w.Start))
	assert.True(t, w.Contains(w.End))
	assert.False(t, w.Contains(w.Start.Add(-time.Hour)))
	assert.False(t, w.Contains(w.End.Add(time.Hour)))
}

func TestFinalize_StatusScenarios(t *testing.T) {
	tests := []struct {
		name     string
		results  []core.LoadResult
		expected core.Status
	}{
		{
			name: "All Succeed",
			results: []core.LoadResult{
				{Status: core.StatusSuccess},
				{Status: core.StatusSuccess},
			},
			expected: core.StatusSuccess,
		},
		{
			name: "Some Fail",
			results: []core.LoadResult{
				{Status: core.StatusSuccess},
				{Status: core.StatusFailed},
			},
			expected: core.StatusPartial,
		},
		{
			name: "All Fail",
			results: []core.LoadResult{
				{Status: core.StatusFailed},
				{Status: core.StatusFailed},
			},
			expected: core.StatusFailed,
		},
		{
			// 有効なソースが一つもない実行は成功として扱う
			name:     "No Sources",
			results:  nil,
			expected: core.StatusSuccess,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := core.NewWindow(time.Now(), time.Now())
			summary := core.NewRunSummary(w)
			summary.Results = tt.results
			summary.Finalize()

			assert.Equal(t, tt.expected, summary.Status)
			assert.NotEmpty(t, summary.RunID)
			assert.False(t, summary.FinishedAt.IsZero())
		})
	}
}
