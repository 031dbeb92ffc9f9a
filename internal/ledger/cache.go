package ledger

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"carpark/internal/model"
	"carpark/internal/store"
)

// Cached memoizes ledger totals. Appends made through WrapLog flush the
// cache, so totals never lag behind writes from this process.
type Cached struct {
	ledger *Ledger
	store  *cache.Cache
	ttl    time.Duration

	mu         sync.Mutex
	generation uint64 // bumped by every Invalidate
}

// NewCached wraps l with a cache whose entries expire after ttl.
func NewCached(l *Ledger, ttl time.Duration) *Cached {
	return &Cached{
		ledger: l,
		store:  cache.New(ttl, 2*ttl),
		ttl:    ttl,
	}
}

// TotalFeeForVehicle is Ledger.TotalFeeForVehicle with caching.
func (c *Cached) TotalFeeForVehicle(ctx context.Context, plate string) (Summary, error) {
	key := "vehicle:" + strings.ToLower(strings.TrimSpace(plate))
	return c.lookup(key, func() (Summary, error) {
		return c.ledger.TotalFeeForVehicle(ctx, plate)
	})
}

// TotalFeeForMachineOnDay is Ledger.TotalFeeForMachineOnDay with caching.
func (c *Cached) TotalFeeForMachineOnDay(ctx context.Context, machineID string, day time.Time) (Summary, error) {
	key := "machine:" + strings.ToLower(strings.TrimSpace(machineID)) + ":" + day.Format("2006-01-02")
	return c.lookup(key, func() (Summary, error) {
		return c.ledger.TotalFeeForMachineOnDay(ctx, machineID, day)
	})
}

// lookup computes a missing total and caches it, unless an Invalidate ran
// while it was being computed.
func (c *Cached) lookup(key string, compute func() (Summary, error)) (Summary, error) {
	if v, found := c.store.Get(key); found {
		return v.(Summary), nil
	}
	c.mu.Lock()
	started := c.generation
	c.mu.Unlock()

	sum, err := compute()
	if err != nil {
		return Summary{}, err
	}

	c.mu.Lock()
	if c.generation == started {
		c.store.Set(key, sum, c.ttl)
	}
	c.mu.Unlock()
	return sum, nil
}

// Invalidate drops every cached total.
func (c *Cached) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.store.Flush()
}

// WrapLog returns an EventLog that flushes the cache after each append.
func (c *Cached) WrapLog(log store.EventLog) store.EventLog {
	return &invalidatingLog{EventLog: log, cache: c}
}

type invalidatingLog struct {
	store.EventLog
	cache *Cached
}

func (l *invalidatingLog) Append(ctx context.Context, e model.LogEntry) error {
	defer l.cache.Invalidate()
	return l.EventLog.Append(ctx, e)
}
