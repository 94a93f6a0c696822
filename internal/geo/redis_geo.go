package geo

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-lifecycle/internal/models"
)

// RedisGeo projects ride state into Redis: live driver positions in a GEO
// set keyed by ride id and a status hash per ride.
type RedisGeo struct {
	client redis.Cmdable
	key    string
}

func NewRedisGeo(client redis.Cmdable, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) SetDriverPosition(ctx context.Context, rideID string, c models.Coord) error {
	return r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: c.Lng, Latitude: c.Lat, Name: rideID}).Err()
}

// RemoveDriverPosition drops the position once a ride is terminal.
func (r *RedisGeo) RemoveDriverPosition(ctx context.Context, rideID string) error {
	return r.client.ZRem(ctx, r.key, rideID).Err()
}

// setIfNewer writes the hash only when ARGV[1] (updated_at in microseconds)
// is not older than the stored version.
var setIfNewer = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], unpack(ARGV, 2))
return 1
`)

// SetRideStatus stores the ride's status hash and reports whether it was
// applied. Snapshots older than the stored one are skipped.
func (r *RedisGeo) SetRideStatus(ctx context.Context, ride models.Ride) (bool, error) {
	args := []interface{}{
		ride.UpdatedAt.UnixMicro(),
		"status", string(ride.Status),
		"class", string(ride.Class),
		"updated", ride.UpdatedAt.Format(time.RFC3339Nano),
	}
	if ride.DriverID != nil {
		args = append(args, "driver_id", *ride.DriverID)
	}
	n, err := setIfNewer.Run(ctx, r.client, []string{StatusKey(ride.ID)}, args...).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func StatusKey(rideID string) string { return "ride:status:" + rideID }
