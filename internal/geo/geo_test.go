package geo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/fleet-sync/internal/clock"
	"github.com/example/fleet-sync/internal/models"
	"github.com/example/fleet-sync/internal/store"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func driverAt(id string, lat, lng float64, seen time.Time) *models.Driver {
	return &models.Driver{ID: id, FullName: "Driver " + id, Position: &models.Position{Lat: lat, Lng: lng}, LastSeen: &seen}
}

func TestHaversineZero(t *testing.T) {
	assert.Zero(t, Haversine(0, 0, 0, 0))
}

func TestHaversineKnownDistance(t *testing.T) {
	// One degree of latitude is roughly 111.2 km.
	assert.InDelta(t, 111195, Haversine(0, 0, 1, 0), 50)
}

func TestNearbyOrdersByDistanceAndSkipsOffline(t *testing.T) {
	clk := clock.Fake(epoch)
	idx := NewIndex(clk)
	idx.Upsert(driverAt("far", 1.40, 103.90, epoch))
	idx.Upsert(driverAt("near", 1.301, 103.801, epoch))
	idx.Upsert(driverAt("stale", 1.300, 103.800, epoch.Add(-10*time.Minute)))
	idx.Upsert(&models.Driver{ID: "nopos"})

	got := idx.Nearby(1.30, 103.80, 10)
	require.Len(t, got, 2)
	assert.Equal(t, "near", got[0].DriverID)
	assert.Equal(t, "far", got[1].DriverID)
	assert.Less(t, got[0].DistanceM, got[1].DistanceM)
	assert.Equal(t, 3, idx.Len())

	assert.Len(t, idx.Nearby(1.30, 103.80, 1), 1)

	clk.Advance(6 * time.Minute)
	assert.Empty(t, idx.Nearby(1.30, 103.80, 10))
}

func TestProjectorFollowsStore(t *testing.T) {
	clk := clock.Fake(epoch)
	s := store.New()
	_, err := s.Upsert(driverAt("d1", 1.3, 103.8, epoch))
	require.NoError(t, err)

	idx := NewIndex(clk)
	p := NewProjector(idx, nil, nil)
	cancel := p.Attach(s)
	defer cancel()
	assert.Equal(t, 1, idx.Len())

	_, err = s.Upsert(driverAt("d2", 1.31, 103.81, epoch))
	require.NoError(t, err)
	assert.Equal(t, 2, idx.Len())

	s.Remove(models.Drivers, "d1")
	assert.Equal(t, 1, idx.Len())
	assert.Equal(t, "d2", idx.Nearby(1.3, 103.8, 5)[0].DriverID)
}

type recordingMirror struct {
	writes  chan string
	deletes chan string
}

func (m *recordingMirror) Write(_ context.Context, d *models.Driver) error {
	m.writes <- d.ID
	return nil
}

func (m *recordingMirror) Delete(_ context.Context, id string) error {
	m.deletes <- id
	return nil
}

func TestProjectorForwardsToMirror(t *testing.T) {
	s := store.New()
	m := &recordingMirror{writes: make(chan string, 4), deletes: make(chan string, 4)}
	p := NewProjector(NewIndex(clock.Fake(epoch)), m, nil)
	defer p.Attach(s)()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	_, err := s.Upsert(driverAt("d1", 1.3, 103.8, epoch))
	require.NoError(t, err)
	assert.Equal(t, "d1", <-m.writes)
	s.Remove(models.Drivers, "d1")
	assert.Equal(t, "d1", <-m.deletes)

	cancel()
	require.NoError(t, <-done)
}

// fakeUpdater fails the first calls of each kind.
type fakeUpdater struct {
	failGeo  int
	failH    int
	geoCalls int
	hCalls   int
}

func (f *fakeUpdater) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	f.geoCalls++
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	return nil
}

func (f *fakeUpdater) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.hCalls++
	if f.hCalls <= f.failH {
		return errors.New("hset fail")
	}
	return nil
}

func (f *fakeUpdater) Forget(context.Context, string, string) error { return nil }

func TestUpdateWithRetrySucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{failGeo: 1, failH: 1}
	start := time.Now()
	require.NoError(t, updateWithRetry(context.Background(), f, "k", driverAt("d1", 1, 2, epoch), 3, 10*time.Millisecond))
	assert.Equal(t, 3, f.geoCalls)
	assert.Equal(t, 2, f.hCalls)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestUpdateWithRetryFailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{failGeo: 5}
	err := updateWithRetry(context.Background(), f, "k", driverAt("d1", 1, 2, epoch), 3, time.Millisecond)
	assert.EqualError(t, err, "geo fail")
	assert.Equal(t, 3, f.geoCalls)
}

func TestRedisGeoRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	rg := NewRedisGeo(client, "drivers_geo", nil)
	ctx := context.Background()
	require.NoError(t, rg.Ping(ctx))

	require.NoError(t, rg.Write(ctx, driverAt("d1", 1.3000, 103.8000, epoch)))
	require.NoError(t, rg.Write(ctx, driverAt("d2", 1.3100, 103.8100, epoch)))
	assert.Equal(t, "Driver d1", mr.HGet("driver:meta:d1", "full_name"))

	got, err := rg.Nearby(ctx, 1.3, 103.8, 5000, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "d1", got[0].DriverID)
	assert.Equal(t, "Driver d1", got[0].FullName)
	assert.True(t, got[0].LastSeen.Equal(epoch))

	require.NoError(t, rg.Write(ctx, &models.Driver{ID: "d2"}))
	got, err = rg.Nearby(ctx, 1.3, 103.8, 5000, 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.False(t, mr.Exists("driver:meta:d2"))
}
