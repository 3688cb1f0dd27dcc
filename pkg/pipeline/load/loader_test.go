package load_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weatheretl/pkg/pipeline/core"
	"weatheretl/pkg/pipeline/database"
	"weatheretl/pkg/pipeline/load"
	"weatheretl/pkg/pipeline/util/exception"
)

// fakeTx は Commit / Rollback の呼び出しを記録するテスト用トランザクションです。
type fakeTx struct {
	committed  bool
	rolledBack bool
	commitErr  error
}

func (t *fakeTx) Commit() error {
	t.committed = true
	return t.commitErr
}

func (t *fakeTx) Rollback() error {
	t.rolledBack = true
	return nil
}

func (t *fakeTx) PrepareContext(ctx context.Context, query string) (*sql.Stmt, error) {
	return nil, errors.New("not implemented")
}

func (t *fakeTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return nil, errors.New("not implemented")
}

func (t *fakeTx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return nil
}

// fakeConn はトランザクションの払い出しのみを行うテスト用接続です。
type fakeConn struct {
	tx       *fakeTx
	beginErr error
}

func (c *fakeConn) BeginTx(ctx context.Context, opts *sql.TxOptions) (database.Tx, error) {
	if c.beginErr != nil {
		return nil, c.beginErr
	}
	return c.tx, nil
}

func (c *fakeConn) Close() error                          { return nil }
func (c *fakeConn) PingContext(ctx context.Context) error { return nil }

func (c *fakeConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return nil, nil
}

func (c *fakeConn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return nil
}

// fakeRepo は操作の呼び出し順を記録するテスト用リポジトリです。
type fakeRepo struct {
	ops []string

	deleteSources []string
	deleteWindows []core.Window
	deleted       int64
	deleteErr     error

	insertedRecords []core.ObservationRecord
	insertErr       error

	ensureErr error
}

func (r *fakeRepo) EnsureSchema(ctx context.Context, conn database.DBConnection) error {
	r.ops = append(r.ops, "ensure")
	return r.ensureErr
}

func (r *fakeRepo) DeleteWindow(ctx context.Context, tx database.Tx, sourceID string, window core.Window) (int64, error) {
	r.ops = append(r.ops, "delete")
	r.deleteSources = append(r.deleteSources, sourceID)
	r.deleteWindows = append(r.deleteWindows, window)
	return r.deleted, r.deleteErr
}

func (r *fakeRepo) BulkInsert(ctx context.Context, tx database.Tx, records []core.ObservationRecord) (int64, error) {
	r.ops = append(r.ops, "insert")
	if r.insertErr != nil {
		return 0, r.insertErr
	}
	r.insertedRecords = records
	return int64(len(records)), nil
}

// statefulRepo は (source_id, timestamp) をキーに行を実際に保持するインメモリ実装です。
// delete-then-insert が行を複製せず置き換えることを観測するために使用します。
type statefulRepo struct {
	rows map[string]core.ObservationRecord
}

func newStatefulRepo() *statefulRepo {
	return &statefulRepo{rows: map[string]core.ObservationRecord{}}
}

func rowKey(sourceID string, ts time.Time) string {
	return sourceID + "|" + ts.Format(time.RFC3339)
}

func (r *statefulRepo) EnsureSchema(ctx context.Context, conn database.DBConnection) error {
	return nil
}

func (r *statefulRepo) DeleteWindow(ctx context.Context, tx database.Tx, sourceID string, window core.Window) (int64, error) {
	var deleted int64
	for key, row := range r.rows {
		if row.SourceID == sourceID && window.Contains(row.Timestamp) {
			delete(r.rows, key)
			deleted++
		}
	}
	return deleted, nil
}

func (r *statefulRepo) BulkInsert(ctx context.Context, tx database.Tx, records []core.ObservationRecord) (int64, error) {
	for _, rec := range records {
		r.rows[rowKey(rec.SourceID, rec.Timestamp)] = rec
	}
	return int64(len(records)), nil
}

func record(sourceID string, hour int, temp float64) core.ObservationRecord {
	return core.ObservationRecord{
		Timestamp: time.Date(2025, time.January, 1, hour, 0, 0, 0, time.UTC),
		Metrics:   map[string]float64{"temperature_2m": temp},
		Latitude:  52.52,
		Longitude: 13.405,
		SourceID:  sourceID,
	}
}

func TestLoad_EmptyBatchIsNoOpSuccess(t *testing.T) {
	repo := &fakeRepo{}
	conn := &fakeConn{tx: &fakeTx{}}
	loader := load.NewLoader(conn, repo, 30*time.Second)

	result := loader.Load(t.Context(), nil)

	assert.Equal(t, core.StatusSuccess, result.Status)
	assert.Equal(t, 0, result.RowsWritten)
	// スキーマ確認もトランザクションも行わない
	assert.Empty(t, repo.ops)
	assert.False(t, conn.tx.committed)
}

func TestLoad_DeleteThenInsertWithinOneTransaction(t *testing.T) {
	repo := &fakeRepo{deleted: 5}
	tx := &fakeTx{}
	loader := load.NewLoader(&fakeConn{tx: tx}, repo, 30*time.Second)

	records := []core.ObservationRecord{
		record("berlin", 0, 10.0),
		record("berlin", 3, 11.0),
		record("berlin", 1, 12.0),
	}
	result := loader.Load(t.Context(), records)

	require.Equal(t, core.StatusSuccess, result.Status)
	assert.Equal(t, "berlin", result.SourceID)
	assert.Equal(t, 3, result.RowsWritten)
	assert.Equal(t, 5, result.RowsReplaced)

	// 削除が挿入より先に、同一トランザクション内で実行される
	assert.Equal(t, []string{"ensure", "delete", "insert"}, repo.ops)
	assert.True(t, tx.committed)
	assert.False(t, tx.rolledBack)

	// 削除窓はバッチに実際に含まれるタイムスタンプの最小値と最大値
	require.Len(t, repo.deleteWindows, 1)
	assert.Equal(t, time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC), repo.deleteWindows[0].Start)
	assert.Equal(t, time.Date(2025, time.January, 1, 3, 0, 0, 0, time.UTC), repo.deleteWindows[0].End)
}

func TestLoad_DeleteIsScopedPerSource(t *testing.T) {
	repo := &fakeRepo{}
	loader := load.NewLoader(&fakeConn{tx: &fakeTx{}}, repo, 30*time.Second)

	records := []core.ObservationRecord{
		record("berlin", 0, 10.0),
		record("tokyo", 0, 5.0),
	}
	result := loader.Load(t.Context(), records)

	require.Equal(t, core.StatusSuccess, result.Status)
	// ソースごとに削除が発行され、他ソースの行には触れない
	assert.Equal(t, []string{"berlin", "tokyo"}, repo.deleteSources)
}

func TestLoad_RerunReplacesInsteadOfDuplicating(t *testing.T) {
	repo := newStatefulRepo()
	loader := load.NewLoader(&fakeConn{tx: &fakeTx{}}, repo, 30*time.Second)

	// 1日分 (24時間) の観測レコード
	records := make([]core.ObservationRecord, 0, 24)
	for hour := 0; hour < 24; hour++ {
		records = append(records, record("berlin", hour, 10.0+float64(hour)))
	}

	first := loader.Load(t.Context(), records)
	require.Equal(t, core.StatusSuccess, first.Status)
	assert.Equal(t, 24, first.RowsWritten)
	assert.Equal(t, 0, first.RowsReplaced)
	assert.Len(t, repo.rows, 24)

	// 同じ窓の再実行は既存行を置き換え、48行にはならない
	second := loader.Load(t.Context(), records)
	require.Equal(t, core.StatusSuccess, second.Status)
	assert.Equal(t, 24, second.RowsWritten)
	assert.Equal(t, 24, second.RowsReplaced)
	assert.Len(t, repo.rows, 24)
}

func TestLoad_RerunLeavesOtherSourcesUntouched(t *testing.T) {
	repo := newStatefulRepo()
	loader := load.NewLoader(&fakeConn{tx: &fakeTx{}}, repo, 30*time.Second)

	// 別ソースの行が同じ窓の中に既に存在する
	tokyoRow := record("tokyo", 3, 5.0)
	repo.rows[rowKey(tokyoRow.SourceID, tokyoRow.Timestamp)] = tokyoRow

	records := []core.ObservationRecord{
		record("berlin", 0, 10.0),
		record("berlin", 3, 11.0),
	}
	result := loader.Load(t.Context(), records)
	require.Equal(t, core.StatusSuccess, result.Status)
	assert.Equal(t, 0, result.RowsReplaced)

	// berlin の窓の置き換えは tokyo の行に触れない
	assert.Len(t, repo.rows, 3)
	_, ok := repo.rows[rowKey(tokyoRow.SourceID, tokyoRow.Timestamp)]
	assert.True(t, ok)
}

func TestLoad_InsertFailureRollsBackWholeTransaction(t *testing.T) {
	repo := &fakeRepo{insertErr: errors.New("insert boom")}
	tx := &fakeTx{}
	loader := load.NewLoader(&fakeConn{tx: tx}, repo, 30*time.Second)

	result := loader.Load(t.Context(), []core.ObservationRecord{record("berlin", 0, 10.0)})

	require.Equal(t, core.StatusFailed, result.Status)
	// 部分書き込みを残さない
	assert.True(t, tx.rolledBack)
	assert.False(t, tx.committed)

	var pe *exception.PipelineError
	require.True(t, errors.As(result.Err, &pe))
	assert.Equal(t, exception.ModuleLoad, pe.Module)
}

func TestLoad_DeleteFailureRollsBack(t *testing.T) {
	repo := &fakeRepo{deleteErr: errors.New("delete boom")}
	tx := &fakeTx{}
	loader := load.NewLoader(&fakeConn{tx: tx}, repo, 30*time.Second)

	result := loader.Load(t.Context(), []core.ObservationRecord{record("berlin", 0, 10.0)})

	require.Equal(t, core.StatusFailed, result.Status)
	assert.True(t, tx.rolledBack)
	// 削除で失敗した場合、挿入には進まない
	assert.NotContains(t, repo.ops, "insert")
}

func TestLoad_BeginTxFailureFailsResult(t *testing.T) {
	repo := &fakeRepo{}
	loader := load.NewLoader(&fakeConn{beginErr: errors.New("no connection")}, repo, 30*time.Second)

	result := loader.Load(t.Context(), []core.ObservationRecord{record("berlin", 0, 10.0)})

	assert.Equal(t, core.StatusFailed, result.Status)
	require.Error(t, result.Err)
}

func TestLoad_CommitFailureRollsBack(t *testing.T) {
	repo := &fakeRepo{}
	tx := &fakeTx{commitErr: errors.New("commit boom")}
	loader := load.NewLoader(&fakeConn{tx: tx}, repo, 30*time.Second)

	result := loader.Load(t.Context(), []core.ObservationRecord{record("berlin", 0, 10.0)})

	assert.Equal(t, core.StatusFailed, result.Status)
	assert.True(t, tx.rolledBack)
}
