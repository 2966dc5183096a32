package locstate

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"shuttlecore/shuttle"
	"shuttlecore/store"
	"shuttlecore/topology"
)

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// locationsKey is a hash of coord -> location JSON.
const (
	locationsKey     = "shuttlecore:locations"
	shuttleStatusKey = "shuttlecore:shuttle:status"
	palletIndexKey   = "shuttlecore:pallets"
)

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// SetLocations writes the given rows and keeps the pallet index in step.
// prev holds the pallet ids the rows carried before the write.
func (r *RedisStore) SetLocations(ctx context.Context, locs []*store.Location, prev []string) error {
	pipe := r.client.TxPipeline()
	for _, p := range prev {
		if p != "" {
			pipe.HDel(ctx, palletIndexKey, p)
		}
	}
	for _, l := range locs {
		data, err := json.Marshal(l)
		if err != nil {
			return err
		}
		pipe.HSet(ctx, locationsKey, l.Coord.String(), data)
		if l.PalletID != "" {
			pipe.HSet(ctx, palletIndexKey, l.PalletID, l.Coord.String())
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisStore) GetLocation(ctx context.Context, c topology.Coord) (*store.Location, error) {
	data, err := r.client.HGet(ctx, locationsKey, c.String()).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var l store.Location
	return &l, json.Unmarshal(data, &l)
}

// PalletCoord returns where the cache last saw palletID.
func (r *RedisStore) PalletCoord(ctx context.Context, palletID string) (topology.Coord, bool, error) {
	s, err := r.client.HGet(ctx, palletIndexKey, palletID).Result()
	if err == redis.Nil {
		return topology.Coord{}, false, nil
	}
	if err != nil {
		return topology.Coord{}, false, err
	}
	c, err := topology.ParseCoord(s)
	if err != nil {
		return topology.Coord{}, false, err
	}
	return c, true, nil
}

func (r *RedisStore) GetStatusMap(ctx context.Context) (topology.StatusMap, error) {
	all, err := r.client.HGetAll(ctx, locationsKey).Result()
	if err != nil {
		return nil, err
	}
	m := make(topology.StatusMap, len(all))
	for _, data := range all {
		var l store.Location
		if err := json.Unmarshal([]byte(data), &l); err != nil {
			return nil, err
		}
		m[l.Coord] = l.Status
	}
	return m, nil
}

func (r *RedisStore) SetShuttleStatus(ctx context.Context, st shuttle.Status) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, shuttleStatusKey, data, 0).Err()
}

func (r *RedisStore) GetShuttleStatus(ctx context.Context) (*shuttle.Status, error) {
	data, err := r.client.Get(ctx, shuttleStatusKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st shuttle.Status
	return &st, json.Unmarshal(data, &st)
}

func (r *RedisStore) FlushAll(ctx context.Context) error {
	return r.client.Del(ctx, locationsKey, palletIndexKey).Err()
}
