package fetch

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"weatheretl/pkg/pipeline/config"
	"weatheretl/pkg/pipeline/core"
	"weatheretl/pkg/pipeline/source"
	"weatheretl/pkg/pipeline/util/exception"
	"weatheretl/pkg/pipeline/util/logger"
)

// Fetcher は単一のソース定義に対してリモートの観測データを取得します。
// 一時的な失敗 (ネットワークエラー、5xx、429) に対するリトライと、
// 成功レスポンスの短命キャッシュを備えます。
// スリープとクロックは注入可能で、リトライポリシーを実時間なしで検証できます。
type Fetcher struct {
	cfg    config.FetchConfig
	client *http.Client
	cache  *ResponseCache
	sleep  func(time.Duration)
	now    func() time.Time
}

// NewFetcher は実クロック・実スリープを使用する Fetcher を作成します。
func NewFetcher(cfg config.FetchConfig) *Fetcher {
	client := &http.Client{
		Timeout: time.Duration(cfg.AttemptTimeoutSeconds) * time.Second,
	}
	cache := NewResponseCache(time.Duration(cfg.CacheTTLSeconds)*time.Second, time.Now)
	return NewFetcherWithDeps(cfg, client, cache, time.Sleep, time.Now)
}

// NewFetcherWithDeps は依存を明示的に注入して Fetcher を作成します。
// テストから決定的なクロック・スリープ・キャッシュを差し替えるために使用します。
func NewFetcherWithDeps(cfg config.FetchConfig, client *http.Client, cache *ResponseCache, sleep func(time.Duration), now func() time.Time) *Fetcher {
	if sleep == nil {
		sleep = time.Sleep
	}
	if now == nil {
		now = time.Now
	}
	return &Fetcher{
		cfg:    cfg,
		client: client,
		cache:  cache,
		sleep:  sleep,
		now:    now,
	}
}

// Fetch は指定された時間窓とパラメータでリモートリクエストを発行し、RawBatch を返します。
// キャッシュヒット時はネットワーク呼び出しを短絡し、キャッシュされた RawBatch を
// そのまま返します。リトライ上限を使い切るか、非一時的な失敗が発生した場合は
// fetch モジュールの PipelineError を返します。
func (f *Fetcher) Fetch(ctx context.Context, src source.SourceDefinition, window core.Window) (*core.RawBatch, error) {
	key := CacheKey(src, window)
	if cached, hit := f.cache.Get(key); hit {
		logger.Debugf("ソース '%s' のレスポンスキャッシュがヒットしました。ネットワーク呼び出しをスキップします。", src.ID)
		return cached, nil
	}

	apiURL, err := buildRequestURL(src, window)
	if err != nil {
		// URL の構築失敗は非一時的エラー。リトライしない。
		return nil, exception.NewFetchError(src.ID, "リクエストURLの構築に失敗しました", err, false)
	}

	maxRetries := f.cfg.Retry.MaxRetries
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, exception.NewFetchError(src.ID, "フェッチがキャンセルされました", err, false)
		}

		if attempt > 0 {
			logger.Warnf("ソース '%s' のフェッチをリトライします (試行 %d/%d): %v", src.ID, attempt+1, maxRetries+1, lastErr)
		}

		batch, retryable, delayHint, err := f.attempt(ctx, src, apiURL)
		if err == nil {
			f.cache.Put(key, batch)
			logger.Debugf("ソース '%s' から %d 件の時間別レコードを取得しました。", src.ID, len(batch.Times))
			return batch, nil
		}

		lastErr = err
		if !retryable {
			return nil, exception.NewFetchError(src.ID, "非一時的なフェッチ失敗", err, false)
		}
		if attempt < maxRetries {
			f.sleep(f.backoff(attempt, delayHint))
		}
	}

	return nil, exception.NewFetchError(src.ID,
		fmt.Sprintf("リトライ上限 (%d 回の試行) に達しました", maxRetries+1), lastErr, true)
}

// attempt は一回のネットワーク呼び出しを実行し、結果を分類します。
// 戻り値の retryable は失敗が一時的かどうか、delayHint は 429 の
// Retry-After ヒント (なければ 0) を示します。
func (f *Fetcher) attempt(ctx context.Context, src source.SourceDefinition, apiURL string) (batch *core.RawBatch, retryable bool, delayHint time.Duration, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, false, 0, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		// ネットワークエラーは一時的として扱う
		return nil, true, 0, fmt.Errorf("API呼び出しエラー: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		batch, err := decodeOpenMeteo(src.ID, resp.Body, src.Parameters, f.now().UTC())
		if err != nil {
			// ペイロード不正はリトライで回復しない
			return nil, false, 0, err
		}
		return batch, false, 0, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, true, parseRetryAfter(resp.Header.Get("Retry-After"), f.now()),
			fmt.Errorf("APIがレート制限を返しました: ステータスコード %d", resp.StatusCode)

	case resp.StatusCode >= 500:
		return nil, true, 0, fmt.Errorf("APIがサーバエラーを返しました: ステータスコード %d", resp.StatusCode)

	default:
		return nil, false, 0, fmt.Errorf("APIがエラーレスポンスを返しました: ステータスコード %d", resp.StatusCode)
	}
}

// backoff は指数バックオフとジッターから次の待機時間を計算します。
// 429 の Retry-After ヒントがバックオフより大きい場合はそちらを優先します。
func (f *Fetcher) backoff(attempt int, hint time.Duration) time.Duration {
	initial := time.Duration(f.cfg.Retry.InitialIntervalMillis) * time.Millisecond
	max := time.Duration(f.cfg.Retry.MaxIntervalMillis) * time.Millisecond

	delay := time.Duration(float64(initial) * math.Pow(f.cfg.Retry.Factor, float64(attempt)))
	if delay > max {
		delay = max
	}
	// 0〜50% のジッターを加算する。Fetcher はソースごとのゴルーチンから
	// 共有されるため、ロックを持つパッケージレベルの乱数源を使用する。
	if delay > 0 {
		delay += time.Duration(rand.Int63n(int64(delay)/2 + 1))
	}
	if hint > delay {
		delay = hint
	}
	return delay
}

// parseRetryAfter は Retry-After ヘッダを待機時間へ変換します。
// 秒数と HTTP-date の両形式に対応し、解釈できない場合は 0 を返します。
func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// buildRequestURL はソース定義と時間窓からプロバイダへのリクエストURLを構築します。
func buildRequestURL(src source.SourceDefinition, window core.Window) (string, error) {
	u, err := url.Parse(src.Endpoint)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("latitude", strconv.FormatFloat(src.Latitude, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(src.Longitude, 'f', -1, 64))
	q.Set("hourly", strings.Join(src.Parameters, ","))
	q.Set("timezone", "UTC")
	q.Set("start_date", window.Start.Format("2006-01-02"))
	q.Set("end_date", window.End.Format("2006-01-02"))
	u.RawQuery = q.Encode()

	return u.String(), nil
}
