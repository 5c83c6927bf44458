// ============================================================================
// Beaver-Query Query Cache - 內容定址結果快取
// ============================================================================
//
// Package: internal/cache
// 文件: cache.go
// 功能: (queryHash, tenant) → 最近一次的查詢結果，短 TTL，吸收重複的並發請求
//
// 結構:
//   - front: 行程內的 LRU（容量有上限），存放最近讀寫過的項目
//   - store: repository.CacheStore，寫入時同步落地（write-through）
//
// front 只保存項目內容；hit count 與有效性以 store 為準，front 命中時
// 仍經 store.CacheHit 遞增並確認項目未失效。
// 每次命中 hit count 恰好加一；過期或已失效的項目永遠不回傳。
//
// ============================================================================

package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ChuLiYu/beaver-query/internal/repository"
	"github.com/ChuLiYu/beaver-query/pkg/types"
)

var log = slog.Default()

const (
	// DefaultTTL 預設存活時間
	DefaultTTL = 30 * time.Second
	// DefaultMaxEntries front 預設容量
	DefaultMaxEntries = 1024
)

// ErrEmptyHash 沒有 query hash 無法快取
var ErrEmptyHash = errors.New("cache: empty query hash")

// Cache 查詢結果快取
type Cache struct {
	mu    sync.Mutex // 保護 front 與 gen
	front *lru.Cache[string, *types.CacheEntry]
	gen   uint64 // 每次 Store / Invalidate 遞增
	store repository.CacheStore
	clock quartz.Clock
	ttl   time.Duration
}

// Option 設定 Cache
type Option func(*Cache)

// WithClock 注入時鐘
func WithClock(c quartz.Clock) Option { return func(q *Cache) { q.clock = c } }

// WithTTL 設定預設 TTL
func WithTTL(d time.Duration) Option {
	return func(q *Cache) {
		if d > 0 {
			q.ttl = d
		}
	}
}

// New 建立快取；maxEntries ≤ 0 時使用 DefaultMaxEntries
func New(store repository.CacheStore, maxEntries int, opts ...Option) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	front, err := lru.New[string, *types.CacheEntry](maxEntries)
	if err != nil {
		return nil, err
	}
	c := &Cache{
		front: front,
		store: store,
		clock: quartz.NewReal(),
		ttl:   DefaultTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// TTL 預設存活時間
func (c *Cache) TTL() time.Duration { return c.ttl }

func key(queryHash, tenantID string) string { return tenantID + "/" + queryHash }

// Lookup 回傳 (hash, tenant) 最新的有效項目，並遞增 hit count。
// 沒有命中時回傳 (nil, false, nil)。
func (c *Cache) Lookup(ctx context.Context, queryHash, tenantID string) (*types.CacheEntry, bool, error) {
	now := c.clock.Now()
	k := key(queryHash, tenantID)

	c.mu.Lock()
	e, inFront := c.front.Get(k)
	if inFront && !e.Live(now) {
		c.front.Remove(k)
		inFront = false
	}
	gen := c.gen
	c.mu.Unlock()

	if inFront {
		// hit count 與有效性以 store 為準
		hits, err := c.store.CacheHit(ctx, queryHash, tenantID, e.ID, now)
		if err == nil {
			out := *e
			out.HitCount = hits
			return &out, true, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, false, err
		}
		c.mu.Lock()
		if cur, ok := c.front.Peek(k); ok && cur.ID == e.ID {
			c.front.Remove(k)
		}
		gen = c.gen
		c.mu.Unlock()
	}

	hit, err := c.store.CacheLookup(ctx, queryHash, tenantID, now)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	// 讀取 store 期間有 Store 或 Invalidate 時不回填，避免舊副本蓋掉新狀態
	if c.gen == gen {
		stored := *hit
		c.front.Add(k, &stored)
	}
	c.mu.Unlock()
	return hit, true, nil
}

// Store 寫入一筆新項目；ttl ≤ 0 時使用預設 TTL
func (c *Cache) Store(ctx context.Context, queryHash, tenantID, executionID string, plan *types.QueryPlan, result *types.QueryResult, ttl time.Duration) (*types.CacheEntry, error) {
	if queryHash == "" {
		return nil, ErrEmptyHash
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.clock.Now()
	e := &types.CacheEntry{
		ID:          uuid.NewString(),
		QueryHash:   queryHash,
		TenantID:    tenantID,
		ExecutionID: executionID,
		Plan:        plan,
		Result:      result,
		CachedAt:    now,
		TTL:         ttl,
		ExpiresAt:   now.Add(ttl),
	}
	if err := c.store.CacheStore(ctx, e); err != nil {
		return nil, err
	}

	c.mu.Lock()
	stored := *e
	c.front.Add(key(queryHash, tenantID), &stored)
	c.gen++
	c.mu.Unlock()

	log.Debug("Cache entry stored", "tenant", tenantID, "hash", queryHash, "ttl", ttl)
	return e, nil
}

// Invalidate 使 (hash, tenant) 的所有項目失效，回傳失效筆數
func (c *Cache) Invalidate(ctx context.Context, queryHash, tenantID, reason string) (int, error) {
	if queryHash == "" {
		return 0, ErrEmptyHash
	}
	n, err := c.store.CacheInvalidate(ctx, queryHash, tenantID, reason, c.clock.Now())
	if err != nil {
		return 0, err
	}
	// store 先失效，之後才清 front 並推進 generation
	c.mu.Lock()
	c.front.Remove(key(queryHash, tenantID))
	c.gen++
	c.mu.Unlock()
	log.Info("Cache invalidated", "tenant", tenantID, "hash", queryHash, "reason", reason, "entries", n)
	return n, nil
}

// InvalidateTenant 使租戶的全部項目失效
func (c *Cache) InvalidateTenant(ctx context.Context, tenantID, reason string) (int, error) {
	n, err := c.store.CacheInvalidate(ctx, "", tenantID, reason, c.clock.Now())
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	for _, k := range c.front.Keys() {
		if e, ok := c.front.Peek(k); ok && e.TenantID == tenantID {
			c.front.Remove(k)
		}
	}
	c.gen++
	c.mu.Unlock()
	log.Info("Tenant cache invalidated", "tenant", tenantID, "reason", reason, "entries", n)
	return n, nil
}

// Purge 刪除過期或失效的項目（front 與 store）
func (c *Cache) Purge(ctx context.Context) (int, error) {
	now := c.clock.Now()
	c.mu.Lock()
	for _, k := range c.front.Keys() {
		if e, ok := c.front.Peek(k); ok && !e.Live(now) {
			c.front.Remove(k)
		}
	}
	c.mu.Unlock()
	return c.store.CachePurge(ctx, now)
}

// Len front 目前的項目數
func (c *Cache) Len() int { return c.front.Len() }
