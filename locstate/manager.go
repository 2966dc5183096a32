// Package locstate keeps a Redis copy of the rack inventory and the latest
// shuttle snapshot. SQL stays authoritative; Redis failures are logged and
// reads fall back to SQL.
package locstate

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"shuttlecore/shuttle"
	"shuttlecore/store"
	"shuttlecore/topology"
)

const redisTimeout = 2 * time.Second

// Manager provides write-through location management: SQL first, then Redis.
type Manager struct {
	db    *store.DB
	redis *RedisStore

	// stale is set when a Redis write fails and cleared by a full sync.
	stale atomic.Bool
}

// NewManager wraps db. redis may be nil.
func NewManager(db *store.DB, redis *RedisStore) *Manager {
	m := &Manager{db: db, redis: redis}
	if redis == nil {
		m.stale.Store(true)
	}
	return m
}

func (m *Manager) DB() *store.DB { return m.db }

func redisCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), redisTimeout)
}

func (m *Manager) SetPallet(c topology.Coord, palletID, actor string) (*store.Location, error) {
	prev := m.palletAt(c)
	l, err := m.db.SetPalletByCoord(c, palletID, actor)
	if err != nil {
		return nil, err
	}
	m.refresh([]string{prev}, c)
	return l, nil
}

func (m *Manager) SetStatus(c topology.Coord, status topology.Status, actor string) (*store.Location, error) {
	prev := m.palletAt(c)
	l, err := m.db.SetStatusByCoord(c, status, actor)
	if err != nil {
		return nil, err
	}
	m.refresh([]string{prev}, c)
	return l, nil
}

func (m *Manager) MovePallet(from, to topology.Coord, actor string) (string, error) {
	pallet, err := m.db.MovePallet(from, to, actor)
	if err != nil {
		return "", err
	}
	m.refresh([]string{pallet}, from, to)
	return pallet, nil
}

func (m *Manager) BulkSync(items []store.SyncItem, actor string) error {
	if err := m.db.BulkSync(items, actor); err != nil {
		return err
	}
	// A batch can move pallets anywhere; rebuild rather than patch.
	m.SyncRedisFromSQL()
	return nil
}

func (m *Manager) Reset(g *topology.Graph, actor string) error {
	if err := m.db.ResetLocations(g, actor); err != nil {
		return err
	}
	m.SyncRedisFromSQL()
	return nil
}

// GetLocation reads a cell from Redis, falls back to SQL.
func (m *Manager) GetLocation(c topology.Coord) (*store.Location, error) {
	if m.cacheUsable() {
		ctx, cancel := redisCtx()
		l, err := m.redis.GetLocation(ctx, c)
		cancel()
		if err == nil && l != nil {
			return l, nil
		}
	}
	return m.db.GetLocationByCoord(c)
}

func (m *Manager) GetLocationByPallet(palletID string) (*store.Location, error) {
	if m.cacheUsable() {
		ctx, cancel := redisCtx()
		c, ok, err := m.redis.PalletCoord(ctx, palletID)
		cancel()
		if err == nil && ok {
			if l, err := m.GetLocation(c); err == nil && l.PalletID == palletID {
				return l, nil
			}
		}
	}
	return m.db.GetLocationByPallet(palletID)
}

// StatusMap reads every cell's status from Redis, falls back to SQL.
func (m *Manager) StatusMap() (topology.StatusMap, error) {
	if m.cacheUsable() {
		ctx, cancel := redisCtx()
		sm, err := m.redis.GetStatusMap(ctx)
		cancel()
		if err == nil && len(sm) > 0 {
			return sm, nil
		}
		if err != nil {
			log.Printf("locstate: redis status map: %v, using sql", err)
		}
	}
	return m.db.StatusMap()
}

// SyncRedisFromSQL rebuilds the Redis copy from SQL.
func (m *Manager) SyncRedisFromSQL() error {
	if m.redis == nil {
		return nil
	}
	locs, err := m.db.ListLocations(0, 0)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 4*redisTimeout)
	defer cancel()
	if err := m.redis.FlushAll(ctx); err != nil {
		m.markStale(err)
		return err
	}
	if err := m.redis.SetLocations(ctx, locs, nil); err != nil {
		m.markStale(err)
		return err
	}
	m.stale.Store(false)
	log.Printf("locstate: synced %d locations to redis", len(locs))
	return nil
}

func (m *Manager) SetShuttleStatus(st shuttle.Status) {
	if m.redis == nil {
		return
	}
	ctx, cancel := redisCtx()
	defer cancel()
	if err := m.redis.SetShuttleStatus(ctx, st); err != nil {
		log.Printf("locstate: redis shuttle status: %v", err)
	}
}

// GetShuttleStatus returns the last snapshot written to Redis, if any.
func (m *Manager) GetShuttleStatus() (*shuttle.Status, bool) {
	if m.redis == nil {
		return nil, false
	}
	ctx, cancel := redisCtx()
	defer cancel()
	st, err := m.redis.GetShuttleStatus(ctx)
	if err != nil || st == nil {
		return nil, false
	}
	return st, true
}

func (m *Manager) cacheUsable() bool {
	return m.redis != nil && !m.stale.Load()
}

func (m *Manager) markStale(err error) {
	if !m.stale.Swap(true) {
		log.Printf("locstate: redis write failed, reads fall back to sql: %v", err)
	}
}

func (m *Manager) palletAt(c topology.Coord) string {
	if m.redis == nil {
		return ""
	}
	l, err := m.db.GetLocationByCoord(c)
	if err != nil {
		return ""
	}
	return l.PalletID
}

func (m *Manager) refresh(prev []string, cells ...topology.Coord) {
	if m.redis == nil {
		return
	}
	locs := make([]*store.Location, 0, len(cells))
	for _, c := range cells {
		l, err := m.db.GetLocationByCoord(c)
		if err != nil {
			log.Printf("locstate: refresh %s: %v", c, err)
			m.stale.Store(true)
			return
		}
		locs = append(locs, l)
	}
	ctx, cancel := redisCtx()
	defer cancel()
	if err := m.redis.SetLocations(ctx, locs, prev); err != nil {
		m.markStale(err)
	}
}
