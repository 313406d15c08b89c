package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/tally/pkg/observability"
	"github.com/platinummonkey/tally/pkg/tenant"
)

const (
	memoryCacheSize = 2048

	transactionTTL = 15 * time.Minute
	recordPageTTL  = 5 * time.Minute
	recentTTL      = 30 * time.Second
)

// CachedLedger layers an in-process LRU and Redis in front of a
// DBLedger's hot read paths. Transactions are immutable once appended,
// so GetByID entries only ever expire; the per-record first page is
// invalidated on Append. FindRecent results may be up to recentTTL
// stale, which is acceptable for a dashboard feed.
//
// Writes pass straight through: Append must keep its transactional
// coupling with the business mutation, so nothing about it is cached.
type CachedLedger struct {
	ledger  *DBLedger
	memory  *expirable.LRU[string, []byte]
	redis   *redis.Client
	metrics *observability.Metrics
}

// NewCachedLedger wraps a ledger with the two cache tiers. The Redis
// client may be nil, leaving only the in-process tier.
func NewCachedLedger(ledger *DBLedger, redisClient *redis.Client, metrics *observability.Metrics) *CachedLedger {
	return &CachedLedger{
		ledger:  ledger,
		memory:  expirable.NewLRU[string, []byte](memoryCacheSize, nil, transactionTTL),
		redis:   redisClient,
		metrics: metrics,
	}
}

// Append passes through to the underlying ledger and invalidates the
// cached first page for the record that changed. When q is an open
// transaction the append is not visible until the caller commits, and
// invalidating now would let a concurrent read re-cache the pre-commit
// page; the caller invalidates via InvalidateRecord after commit.
func (c *CachedLedger) Append(ctx context.Context, q Querier, rec *TransactionRecord) error {
	if err := c.ledger.Append(ctx, q, rec); err != nil {
		return err
	}
	if _, inTx := q.(*sql.Tx); inTx {
		return nil
	}
	c.invalidate(ctx, recordPageKey(rec.TenantID, rec.RecordID))
	return nil
}

// InvalidateRecord drops the cached first page for one record. Callers
// that append inside their own transaction call this once the
// transaction has committed.
func (c *CachedLedger) InvalidateRecord(ctx context.Context, tenantID, recordID string) {
	c.invalidate(ctx, recordPageKey(tenantID, recordID))
}

// GetByID retrieves one transaction, serving repeated lookups from
// cache.
func (c *CachedLedger) GetByID(ctx context.Context, transactionID string) (*TransactionRecord, error) {
	scope, err := tenant.Current(ctx)
	if err != nil {
		return nil, err
	}
	if scope.System {
		// Cross-tenant reads bypass the tenant-keyed cache.
		return c.ledger.GetByID(ctx, transactionID)
	}

	key := fmt.Sprintf("txn:%s:%s", scope.TenantID, transactionID)
	var rec TransactionRecord
	if c.lookup(ctx, key, "transaction", &rec) {
		return &rec, nil
	}

	fresh, err := c.ledger.GetByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, fresh, transactionTTL)
	return fresh, nil
}

// FindByRecordID returns a record's transactions, caching the default
// first page since that is what history views request.
func (c *CachedLedger) FindByRecordID(ctx context.Context, recordID string, page PageRequest) (*Page, error) {
	scope, err := tenant.Current(ctx)
	if err != nil {
		return nil, err
	}
	if scope.System || !c.cacheableFirstPage(page) {
		return c.ledger.FindByRecordID(ctx, recordID, page)
	}

	key := recordPageKey(scope.TenantID, recordID)
	var cached Page
	if c.lookup(ctx, key, "record_page", &cached) {
		return &cached, nil
	}

	fresh, err := c.ledger.FindByRecordID(ctx, recordID, page)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, fresh, recordPageTTL)
	return fresh, nil
}

// FindRecent returns the newest transactions for the active tenant.
// Results may lag writes by up to recentTTL.
func (c *CachedLedger) FindRecent(ctx context.Context, limit int) (*Page, error) {
	scope, err := tenant.Current(ctx)
	if err != nil {
		return nil, err
	}
	if scope.System {
		return c.ledger.FindRecent(ctx, limit)
	}

	key := fmt.Sprintf("recent:%s:%d", scope.TenantID, limit)
	var cached Page
	if c.lookup(ctx, key, "recent", &cached) {
		return &cached, nil
	}

	fresh, err := c.ledger.FindRecent(ctx, limit)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, fresh, recentTTL)
	return fresh, nil
}

// FindByActor passes through; actor timelines are too varied to cache.
func (c *CachedLedger) FindByActor(ctx context.Context, actorUserID string, dateFrom, dateTo *time.Time, page PageRequest) (*Page, error) {
	return c.ledger.FindByActor(ctx, actorUserID, dateFrom, dateTo, page)
}

// FindByType passes through.
func (c *CachedLedger) FindByType(ctx context.Context, txType TransactionType, dateFrom, dateTo *time.Time, page PageRequest) (*Page, error) {
	return c.ledger.FindByType(ctx, txType, dateFrom, dateTo, page)
}

// FindBySession passes through.
func (c *CachedLedger) FindBySession(ctx context.Context, sessionID string) (*Page, error) {
	return c.ledger.FindBySession(ctx, sessionID)
}

// Search passes through.
func (c *CachedLedger) Search(ctx context.Context, criteria SearchCriteria, page PageRequest) (*Page, error) {
	return c.ledger.Search(ctx, criteria, page)
}

// Stats passes through.
func (c *CachedLedger) Stats(ctx context.Context, timeRange *TimeRange) (*Stats, error) {
	return c.ledger.Stats(ctx, timeRange)
}

// Export passes through.
func (c *CachedLedger) Export(ctx context.Context, criteria SearchCriteria, format ExportFormat) ([]byte, error) {
	return c.ledger.Export(ctx, criteria, format)
}

func (c *CachedLedger) cacheableFirstPage(page PageRequest) bool {
	return page.Page == 0 && (page.PageSize == 0 || page.PageSize == c.ledger.cfg.DefaultPageSize)
}

func recordPageKey(tenantID, recordID string) string {
	return fmt.Sprintf("recordpage:%s:%s", tenantID, recordID)
}

// lookup tries the memory tier then Redis, promoting Redis hits into
// memory. Returns true when dest was populated.
func (c *CachedLedger) lookup(ctx context.Context, key, keyType string, dest interface{}) bool {
	if data, ok := c.memory.Get(key); ok {
		if err := json.Unmarshal(data, dest); err == nil {
			c.observeCache("memory", keyType, true)
			return true
		}
	}
	c.observeCache("memory", keyType, false)

	if c.redis == nil {
		return false
	}

	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		c.observeCache("redis", keyType, false)
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		c.observeCache("redis", keyType, false)
		return false
	}
	c.memory.Add(key, data)
	c.observeCache("redis", keyType, true)
	return true
}

func (c *CachedLedger) store(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	c.memory.Add(key, data)
	if c.redis != nil {
		c.redis.Set(ctx, key, data, ttl)
	}
}

func (c *CachedLedger) invalidate(ctx context.Context, keys ...string) {
	for _, key := range keys {
		c.memory.Remove(key)
	}
	if c.redis != nil {
		c.redis.Del(ctx, keys...)
	}
	if c.metrics != nil {
		c.metrics.CacheEvictionsTotal.WithLabelValues("ledger", "append").Inc()
	}
}

func (c *CachedLedger) observeCache(tier, keyType string, hit bool) {
	if c.metrics == nil {
		return
	}
	if hit {
		c.metrics.CacheHitsTotal.WithLabelValues(tier, keyType).Inc()
	} else {
		c.metrics.CacheMissesTotal.WithLabelValues(tier, keyType).Inc()
	}
}
