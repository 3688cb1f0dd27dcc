package fetch

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"weatheretl/pkg/pipeline/core"
	"weatheretl/pkg/pipeline/source"
)

// ResponseCache は成功したフェッチレスポンスを TTL 付きで保持するキャッシュです。
// エントリは (source_id, window, parameters) をキーとし、TTL 満了によってのみ
// 無効化されます (ソース数で上限が決まるため、明示的な追い出しは行いません)。
// クロックはテストから決定的なものを注入できるようコンストラクタで受け取ります。
type ResponseCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]cacheEntry
}

type cacheEntry struct {
	batch    *core.RawBatch
	storedAt time.Time
}

// NewResponseCache は新しい ResponseCache のインスタンスを作成します。
// now が nil の場合は time.Now を使用します。
func NewResponseCache(ttl time.Duration, now func() time.Time) *ResponseCache {
	if now == nil {
		now = time.Now
	}
	return &ResponseCache{
		ttl:     ttl,
		now:     now,
		entries: make(map[string]cacheEntry),
	}
}

// CacheKey は (source_id, window, parameters) からキャッシュキーを構築します。
func CacheKey(src source.SourceDefinition, window core.Window) string {
	return fmt.Sprintf("%s|%s|%s", src.ID, window.Key(), strings.Join(src.Parameters, ","))
}

// Get はキーに対応する未失効の RawBatch を返します。
// TTL を超過したエントリは削除し、ミスとして扱います。
func (c *ResponseCache) Get(key string) (*core.RawBatch, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.storedAt) >= c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return entry.batch, true
}

// Put は成功レスポンスをキャッシュに格納します。
func (c *ResponseCache) Put(key string, batch *core.RawBatch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{batch: batch, storedAt: c.now()}
}
