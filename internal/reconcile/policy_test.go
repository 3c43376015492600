package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/fleet-sync/internal/activity"
	"github.com/example/fleet-sync/internal/clock"
	"github.com/example/fleet-sync/internal/models"
	"github.com/example/fleet-sync/internal/store"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

const pollInterval = time.Minute

type fixture struct {
	store  *store.Store
	clock  *clock.FakeClock
	feed   *activity.Feed
	policy *Policy
	seq    uint64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.Fake(epoch)
	s := store.New()
	feed := activity.NewFeed(50, clk, nil)
	return &fixture{
		store: s,
		clock: clk,
		feed:  feed,
		policy: NewPolicy(s, Options{
			EditTimeout: 2 * pollInterval,
			Clock:       clk,
			Activity:    feed,
		}),
	}
}

// snapshot applies a feed snapshot with the next sequence number, started now.
func (f *fixture) snapshot(t *testing.T, feed Feed, entities ...models.Entity) Result {
	t.Helper()
	f.seq++
	res, err := f.policy.Apply(Snapshot{Feed: feed, Entities: entities, Seq: f.seq, StartedAt: f.clock.Now()})
	require.NoError(t, err)
	return res
}

func (f *fixture) order(t *testing.T, id string) *models.Order {
	t.Helper()
	o, ok := store.GetAs[*models.Order](f.store, models.Orders, id)
	require.True(t, ok, "order %s missing", id)
	return o
}

func (f *fixture) driver(t *testing.T, id string) *models.Driver {
	t.Helper()
	d, ok := store.GetAs[*models.Driver](f.store, models.Drivers, id)
	require.True(t, ok, "driver %s missing", id)
	return d
}

func pendingOrder(id string) *models.Order {
	return &models.Order{ID: id, DeliveryAddress: "1 Main St", Status: models.StatusPending}
}

func orderRef(id string) models.Ref { return models.Ref{Collection: models.Orders, ID: id} }

func TestSnapshotSequenceLeavesLatestContents(t *testing.T) {
	f := newFixture(t)
	f.snapshot(t, FeedPendingOrders, pendingOrder("o1"), pendingOrder("o2"))
	second := pendingOrder("o2")
	second.DeliveryAddress = "9 Side Rd"
	f.snapshot(t, FeedPendingOrders, second, pendingOrder("o3"))

	ids := f.store.IDs(models.Orders)
	assert.Equal(t, []string{"o2", "o3"}, ids)
	assert.Equal(t, "9 Side Rd", f.order(t, "o2").DeliveryAddress)
}

func TestStaleSnapshotIsNoop(t *testing.T) {
	f := newFixture(t)
	_, err := f.policy.Apply(Snapshot{Feed: FeedPendingOrders, Entities: []models.Entity{pendingOrder("o1")}, Seq: 5, StartedAt: epoch})
	require.NoError(t, err)

	var changes []store.Change
	f.store.Subscribe(func(c store.Change) { changes = append(changes, c) })

	for _, seq := range []uint64{5, 3} {
		res, err := f.policy.Apply(Snapshot{Feed: FeedPendingOrders, Entities: []models.Entity{pendingOrder("o9")}, Seq: seq, StartedAt: epoch})
		require.NoError(t, err)
		assert.True(t, res.Stale)
	}
	assert.Empty(t, changes)
	assert.Equal(t, []string{"o1"}, f.store.IDs(models.Orders))
	assert.Equal(t, uint64(5), f.policy.LastSeq(FeedPendingOrders))
}

func TestSequencesAreTrackedPerFeed(t *testing.T) {
	f := newFixture(t)
	_, err := f.policy.Apply(Snapshot{Feed: FeedPendingOrders, Entities: []models.Entity{pendingOrder("o1")}, Seq: 7, StartedAt: epoch})
	require.NoError(t, err)
	res, err := f.policy.Apply(Snapshot{Feed: FeedFleet, Entities: []models.Entity{&models.Vehicle{ID: "v1"}}, Seq: 2, StartedAt: epoch})
	require.NoError(t, err)
	assert.False(t, res.Stale)
	assert.Equal(t, 1, f.store.Len(models.Vehicles))
}

func TestIdenticalSnapshotEmitsNothing(t *testing.T) {
	f := newFixture(t)
	f.snapshot(t, FeedPendingOrders, pendingOrder("o1"))
	var changes []store.Change
	f.store.Subscribe(func(c store.Change) { changes = append(changes, c) })

	res := f.snapshot(t, FeedPendingOrders, pendingOrder("o1"))
	assert.Zero(t, res.Upserted)
	assert.Empty(t, changes)
}

func TestLocalEditSurvivesStaleSnapshotUntilConfirmed(t *testing.T) {
	f := newFixture(t)
	f.snapshot(t, FeedPendingOrders, pendingOrder("o1"))

	f.clock.Advance(5 * time.Second)
	_, err := f.policy.Apply(LocalEdit{ID: "e1", Ref: orderRef("o1"), Patch: models.Patch{models.FieldStatus: "ASSIGNED"}, IssuedAt: f.clock.Now()})
	require.NoError(t, err)
	assert.Equal(t, models.StatusAssigned, f.order(t, "o1").Status)

	f.clock.Advance(30 * time.Second)
	res := f.snapshot(t, FeedPendingOrders, pendingOrder("o1"))
	assert.Equal(t, 1, res.Held)
	assert.Equal(t, models.StatusAssigned, f.order(t, "o1").Status)
	assert.True(t, f.policy.Pending(orderRef("o1"), models.FieldStatus))

	assigned := pendingOrder("o1")
	assigned.Status = models.StatusAssigned
	f.clock.Advance(30 * time.Second)
	res = f.snapshot(t, FeedPendingOrders, assigned)
	assert.Zero(t, res.Held)
	assert.Equal(t, models.StatusAssigned, f.order(t, "o1").Status)
	assert.False(t, f.policy.Pending(orderRef("o1"), models.FieldStatus))
	assert.Empty(t, f.policy.PendingEdits())
}

func TestLocalEditRevertsAfterTimeout(t *testing.T) {
	f := newFixture(t)
	f.snapshot(t, FeedPendingOrders, pendingOrder("o1"))
	_, err := f.policy.Apply(LocalEdit{ID: "e1", Ref: orderRef("o1"), Patch: models.Patch{models.FieldStatus: "ASSIGNED"}, IssuedAt: f.clock.Now()})
	require.NoError(t, err)

	f.clock.Advance(pollInterval)
	f.snapshot(t, FeedPendingOrders, pendingOrder("o1"))
	assert.Equal(t, models.StatusAssigned, f.order(t, "o1").Status)

	f.clock.Advance(pollInterval)
	f.snapshot(t, FeedPendingOrders, pendingOrder("o1"))
	assert.Equal(t, models.StatusPending, f.order(t, "o1").Status)
	assert.Empty(t, f.policy.PendingEdits())

	recent := f.feed.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, activity.KindEdit, recent[0].Kind)
	assert.Contains(t, recent[0].Message, "timed out")
}

func TestAckedEditYieldsToSnapshotStartedAfterAck(t *testing.T) {
	f := newFixture(t)
	f.snapshot(t, FeedPendingOrders, pendingOrder("o1"))
	_, err := f.policy.Apply(LocalEdit{ID: "e1", Ref: orderRef("o1"), Patch: models.Patch{models.FieldDeliveryAddress: "2 New St"}, IssuedAt: f.clock.Now()})
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	ackAt := f.clock.Now()
	assert.Equal(t, 1, f.policy.Ack("e1", ackAt))

	// Fetch started before the ack: the edit still wins.
	f.seq++
	_, err = f.policy.Apply(Snapshot{Feed: FeedPendingOrders, Entities: []models.Entity{pendingOrder("o1")}, Seq: f.seq, StartedAt: ackAt.Add(-500 * time.Millisecond)})
	require.NoError(t, err)
	assert.Equal(t, "2 New St", f.order(t, "o1").DeliveryAddress)

	// Fetch started after the ack and still disagrees: the server wins.
	f.clock.Advance(time.Second)
	f.snapshot(t, FeedPendingOrders, pendingOrder("o1"))
	assert.Equal(t, "1 Main St", f.order(t, "o1").DeliveryAddress)
	assert.Empty(t, f.policy.PendingEdits())
}

func TestRejectDiscardsEdit(t *testing.T) {
	f := newFixture(t)
	f.snapshot(t, FeedPendingOrders, pendingOrder("o1"))
	_, err := f.policy.Apply(LocalEdit{ID: "e1", Ref: orderRef("o1"), Patch: models.Patch{models.FieldContactPerson: "Ana", models.FieldPriority: "URGENT"}})
	require.NoError(t, err)
	require.Len(t, f.policy.PendingEdits(), 2)

	assert.Equal(t, 2, f.policy.Reject("e1"))
	f.snapshot(t, FeedPendingOrders, pendingOrder("o1"))
	o := f.order(t, "o1")
	assert.Empty(t, o.ContactPerson)
	assert.Equal(t, models.PriorityNormal, o.Priority)
}

func TestNewerEditReplacesOlder(t *testing.T) {
	f := newFixture(t)
	f.snapshot(t, FeedPendingOrders, pendingOrder("o1"))
	ref := orderRef("o1")
	_, err := f.policy.Apply(LocalEdit{ID: "e1", Ref: ref, Patch: models.Patch{models.FieldContactPerson: "Ana"}})
	require.NoError(t, err)
	_, err = f.policy.Apply(LocalEdit{ID: "e2", Ref: ref, Patch: models.Patch{models.FieldContactPerson: "Ben"}})
	require.NoError(t, err)

	edits := f.policy.PendingEdits()
	require.Len(t, edits, 1)
	assert.Equal(t, "e2", edits[0].ID)
	assert.Equal(t, "Ben", edits[0].Value)
	assert.Zero(t, f.policy.Ack("e1", f.clock.Now()))
}

func TestLocalEditErrors(t *testing.T) {
	f := newFixture(t)
	_, err := f.policy.Apply(LocalEdit{Ref: orderRef("missing"), Patch: models.Patch{models.FieldContactPerson: "x"}})
	assert.ErrorIs(t, err, ErrUnknownEntity)

	f.snapshot(t, FeedFleet, &models.Driver{ID: "d1"})
	_, err = f.policy.Apply(LocalEdit{Ref: models.Ref{Collection: models.Drivers, ID: "d1"}, Patch: models.Patch{models.FieldLat: 1.0}})
	assert.ErrorIs(t, err, ErrPositionNotEditable)

	_, err = f.policy.Apply(LocalEdit{Ref: models.Ref{Collection: models.Drivers, ID: "d1"}, Patch: models.Patch{"nope": 1}})
	assert.ErrorIs(t, err, models.ErrUnknownField)

	_, err = f.policy.Apply(LocalEdit{Ref: models.Ref{Collection: models.Drivers, ID: "d1"}})
	assert.ErrorIs(t, err, ErrEmptyPatch)
	assert.Empty(t, f.policy.PendingEdits())
}

func TestPushPositionWinsOverSnapshot(t *testing.T) {
	f := newFixture(t)
	f.snapshot(t, FeedFleet, &models.Driver{ID: "d1", FullName: "Dee", Position: &models.Position{Lat: 1.2, Lng: 103.7}})

	_, err := f.policy.Apply(PushFromLocation(models.LocationEvent{DriverID: "d1", Lat: 1.30, Lng: 103.80, ReceivedAt: f.clock.Now()}))
	require.NoError(t, err)

	f.clock.Advance(pollInterval)
	f.snapshot(t, FeedFleet, &models.Driver{ID: "d1", FullName: "Dee", Position: &models.Position{Lat: 1.2, Lng: 103.7}})

	d := f.driver(t, "d1")
	require.NotNil(t, d.Position)
	assert.Equal(t, 1.30, d.Position.Lat)
	assert.Equal(t, 103.80, d.Position.Lng)
	require.NotNil(t, d.LastSeen)
	assert.True(t, d.LastSeen.Equal(epoch))
}

func TestSnapshotFillsPositionWithoutPush(t *testing.T) {
	f := newFixture(t)
	f.snapshot(t, FeedFleet, &models.Driver{ID: "d1"})
	f.snapshot(t, FeedFleet, &models.Driver{ID: "d1", Position: &models.Position{Lat: 1.5, Lng: 103.9}})
	d := f.driver(t, "d1")
	require.NotNil(t, d.Position)
	assert.Equal(t, 1.5, d.Position.Lat)
}

func TestPushCreatesDriverAndFillsEmptyName(t *testing.T) {
	f := newFixture(t)
	_, err := f.policy.Apply(PushFromLocation(models.LocationEvent{DriverID: "d7", Lat: 1, Lng: 2, FullName: "Sam", ReceivedAt: epoch}))
	require.NoError(t, err)
	assert.Equal(t, "Sam", f.driver(t, "d7").FullName)

	f.snapshot(t, FeedFleet, &models.Driver{ID: "d7", FullName: "Samantha"})
	_, err = f.policy.Apply(PushFromLocation(models.LocationEvent{DriverID: "d7", Lat: 3, Lng: 4, FullName: "Sam", ReceivedAt: epoch}))
	require.NoError(t, err)
	d := f.driver(t, "d7")
	assert.Equal(t, "Samantha", d.FullName)
	assert.Equal(t, 3.0, d.Position.Lat)
}

func TestPushCreatedDriverSurvivesFleetSnapshot(t *testing.T) {
	f := newFixture(t)
	f.snapshot(t, FeedFleet, &models.Driver{ID: "d1"})
	_, err := f.policy.Apply(PushFromLocation(models.LocationEvent{DriverID: "d9", Lat: 1, Lng: 2, ReceivedAt: epoch}))
	require.NoError(t, err)
	f.snapshot(t, FeedFleet, &models.Driver{ID: "d1"})
	assert.Equal(t, []string{"d1", "d9"}, f.store.IDs(models.Drivers))
}

func TestLocalEditPublishesPatchedChange(t *testing.T) {
	f := newFixture(t)
	f.snapshot(t, FeedPendingOrders, pendingOrder("o1"))
	var ops []store.Op
	defer f.store.Subscribe(func(c store.Change) { ops = append(ops, c.Op) })()

	_, err := f.policy.Apply(LocalEdit{Ref: orderRef("o1"), Patch: models.Patch{models.FieldContactPerson: "Ana"}})
	require.NoError(t, err)
	assert.Equal(t, []store.Op{store.OpPatched}, ops)
	assert.Equal(t, "Ana", f.order(t, "o1").ContactPerson)
}

func TestRecreatedDriverForgetsPushedPosition(t *testing.T) {
	f := newFixture(t)
	f.snapshot(t, FeedFleet, &models.Driver{ID: "d1", Position: &models.Position{Lat: 1.2, Lng: 103.7}})
	_, err := f.policy.Apply(PushFromLocation(models.LocationEvent{DriverID: "d1", Lat: 1.30, Lng: 103.80, ReceivedAt: epoch}))
	require.NoError(t, err)

	res := f.snapshot(t, FeedFleet)
	assert.Equal(t, 1, res.Removed)

	f.snapshot(t, FeedFleet, &models.Driver{ID: "d1", Position: &models.Position{Lat: 1.5, Lng: 103.9}})
	d := f.driver(t, "d1")
	require.NotNil(t, d.Position)
	assert.Equal(t, 1.5, d.Position.Lat)
	assert.Equal(t, 103.9, d.Position.Lng)
}

func TestOrderMovingFromPendingToRouteIsNotRemoved(t *testing.T) {
	f := newFixture(t)
	f.snapshot(t, FeedPendingOrders, pendingOrder("o1"), pendingOrder("o2"))

	onRoute := &models.Order{ID: "o1", DeliveryAddress: "1 Main St", Status: models.StatusAssigned, RouteID: "r1"}
	f.snapshot(t, FeedRoutes, &models.Route{ID: "r1", DriverID: "d1", StopIDs: []string{"o1"}}, onRoute)
	res := f.snapshot(t, FeedPendingOrders, pendingOrder("o2"))
	assert.Zero(t, res.Removed)
	assert.Equal(t, []string{"o1", "o2"}, f.store.IDs(models.Orders))
	assert.Equal(t, "r1", f.order(t, "o1").RouteID)

	// Route cancelled remotely: route and its stop leave the routes feed.
	res = f.snapshot(t, FeedRoutes)
	assert.Equal(t, 2, res.Removed)
	assert.Zero(t, f.store.Len(models.Routes))
	assert.Equal(t, []string{"o2"}, f.store.IDs(models.Orders))
}

func TestRemovedEntityDropsPendingEdits(t *testing.T) {
	f := newFixture(t)
	f.snapshot(t, FeedPendingOrders, pendingOrder("o1"))
	_, err := f.policy.Apply(LocalEdit{Ref: orderRef("o1"), Patch: models.Patch{models.FieldContactPerson: "Ana"}})
	require.NoError(t, err)
	f.snapshot(t, FeedPendingOrders)
	assert.Empty(t, f.policy.PendingEdits())
	assert.Zero(t, f.store.Len(models.Orders))
}

func TestCommitHoldsAgainstEarlierFetch(t *testing.T) {
	f := newFixture(t)
	assigned := &models.Order{ID: "o1", Status: models.StatusAssigned, RouteID: "r1"}
	f.snapshot(t, FeedRoutes, assigned)
	startedBefore := f.clock.Now()

	f.clock.Advance(time.Second)
	_, err := f.policy.Commit(LocalEdit{Ref: orderRef("o1"), Patch: models.Patch{models.FieldStatus: "DELIVERED"}})
	require.NoError(t, err)
	edits := f.policy.PendingEdits()
	require.Len(t, edits, 1)
	assert.Equal(t, EditAcked, edits[0].State)

	f.seq++
	_, err = f.policy.Apply(Snapshot{Feed: FeedRoutes, Entities: []models.Entity{&models.Order{ID: "o1", Status: models.StatusAssigned, RouteID: "r1"}}, Seq: f.seq, StartedAt: startedBefore})
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, f.order(t, "o1").Status)

	f.clock.Advance(time.Second)
	f.snapshot(t, FeedRoutes, &models.Order{ID: "o1", Status: models.StatusDelivered, RouteID: "r1"})
	assert.Empty(t, f.policy.PendingEdits())
}

func TestExpireSweepsOldEdits(t *testing.T) {
	f := newFixture(t)
	f.snapshot(t, FeedPendingOrders, pendingOrder("o1"), pendingOrder("o2"))
	_, err := f.policy.Apply(LocalEdit{Ref: orderRef("o1"), Patch: models.Patch{models.FieldContactPerson: "Ana"}})
	require.NoError(t, err)
	f.clock.Advance(pollInterval)
	_, err = f.policy.Apply(LocalEdit{Ref: orderRef("o2"), Patch: models.Patch{models.FieldContactPerson: "Ben"}})
	require.NoError(t, err)

	f.clock.Advance(pollInterval)
	assert.Equal(t, 1, f.policy.Expire(f.clock.Now()))
	edits := f.policy.PendingEdits()
	require.Len(t, edits, 1)
	assert.Equal(t, orderRef("o2"), edits[0].Ref)
}

func TestApplyRejectsUnknownEvent(t *testing.T) {
	f := newFixture(t)
	_, err := f.policy.Apply(nil)
	assert.Error(t, err)
}

func TestApplyBatchMovesOrderWithoutRemoval(t *testing.T) {
	f := newFixture(t)
	f.snapshot(t, FeedPendingOrders, pendingOrder("o1"))

	var removed int
	f.store.Subscribe(func(c store.Change) {
		if c.Op == store.OpRemoved {
			removed++
		}
	})

	// The pending feed no longer lists o1 and is handed over first; the
	// routes feed of the same cycle now carries it.
	f.seq++
	res := f.policy.ApplyBatch([]Snapshot{
		{Feed: FeedPendingOrders, Seq: f.seq, StartedAt: f.clock.Now()},
		{Feed: FeedRoutes, Seq: f.seq, StartedAt: f.clock.Now(), Entities: []models.Entity{
			&models.Route{ID: "r1", StopIDs: []string{"o1"}},
			&models.Order{ID: "o1", Status: models.StatusAssigned, RouteID: "r1"},
		}},
	})
	assert.False(t, res.Stale)
	assert.Zero(t, res.Removed)
	assert.Zero(t, removed)
	assert.Equal(t, models.StatusAssigned, f.order(t, "o1").Status)
}
