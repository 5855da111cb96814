package ingest

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hoffylo/CuriTransporteDos/internal/config"
	"github.com/Hoffylo/CuriTransporteDos/internal/geo"
	"github.com/Hoffylo/CuriTransporteDos/internal/model"
	"github.com/Hoffylo/CuriTransporteDos/internal/route"
	"github.com/Hoffylo/CuriTransporteDos/internal/spatial"
	"github.com/Hoffylo/CuriTransporteDos/internal/store"
)

type fakeRunner struct {
	rolledBack bool
}

func (r *fakeRunner) Run(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	err := fn(ctx, nil)
	if errors.Is(err, store.ErrRollback) {
		r.rolledBack = true
		return nil
	}
	return err
}

type fakeChecker struct {
	match route.Match
	err   error
}

func (f *fakeChecker) Check(context.Context, int64, float64, float64, float64) (route.Match, error) {
	return f.match, f.err
}

func (f *fakeChecker) BestRoute(context.Context, float64, float64, float64) (route.Match, error) {
	return f.match, f.err
}

type fakeOps struct {
	nearby         []spatial.ClusterHit
	wide           []spatial.ClusterHit
	sticky         model.Cluster
	hasSticky      bool
	peers          []spatial.Member
	vehicles       map[string]model.Vehicle
	vehicleCluster int64
	merged         *model.Cluster
	releasedFrom   int64

	samples        []model.LocationSample
	recomputed     []int64
	createdID      int64
	createdVehicle int64
	createdCenter  geo.Point
	released       int
}

func (f *fakeOps) Nearby(_ context.Context, _, _, radiusM float64, _ int64) ([]spatial.ClusterHit, error) {
	if radiusM > 50 {
		return f.wide, nil
	}
	return f.nearby, nil
}

func (f *fakeOps) Sticky(context.Context, model.Identity) (model.Cluster, bool, error) {
	return f.sticky, f.hasSticky, nil
}

func (f *fakeOps) Peers(context.Context, model.Identity, float64, float64) ([]spatial.Member, error) {
	return f.peers, nil
}

func (f *fakeOps) Create(_ context.Context, s model.LocationSample, center geo.Point, routeID, vehicleID int64) (model.Cluster, error) {
	f.createdID = 100
	f.createdVehicle = vehicleID
	f.createdCenter = center
	return model.Cluster{
		ID: f.createdID, CenterLat: center.Lat, CenterLon: center.Lon,
		RiderCount: 1, Active: true, RouteID: routeID, VehicleID: vehicleID,
		CreatedAt: time.Now(),
	}, nil
}

// Recompute mirrors the store's contract: the count comes from the
// in-vehicle samples assigned to the cluster, and an emptied cluster
// stays active until the cleanup scheduler ages it out.
func (f *fakeOps) Recompute(_ context.Context, clusterID int64) (model.Cluster, error) {
	f.recomputed = append(f.recomputed, clusterID)
	c := model.Cluster{ID: clusterID, Active: true}
	for _, s := range f.samples {
		if s.ClusterID == clusterID && s.InVehicle {
			c.RiderCount++
			c.RouteID = s.RouteID
		}
	}
	if clusterID == f.createdID {
		c.VehicleID = f.createdVehicle
	}
	return c, nil
}

// Consolidate mirrors the duplicate query: a standing twin collapses
// into the survivor only when it shares both the route and the vehicle.
func (f *fakeOps) Consolidate(_ context.Context, c model.Cluster) (model.Cluster, bool, error) {
	if f.merged != nil && f.merged.RouteID == c.RouteID && f.merged.VehicleID == c.VehicleID {
		return *f.merged, true, nil
	}
	return c, false, nil
}

func (f *fakeOps) VehicleByPlate(_ context.Context, plate string) (model.Vehicle, bool, error) {
	v, ok := f.vehicles[plate]
	return v, ok, nil
}

func (f *fakeOps) VehicleCluster(context.Context, int64) (int64, error) {
	return f.vehicleCluster, nil
}

func (f *fakeOps) WriteSample(_ context.Context, s *model.LocationSample) error {
	s.ID = int64(len(f.samples) + 1)
	f.samples = append(f.samples, *s)
	return nil
}

func (f *fakeOps) ReleaseRider(context.Context, model.Identity) (int64, error) {
	f.released++
	return f.releasedFrom, nil
}

func testPipeline(ops *fakeOps, checker *fakeChecker) (*Pipeline, *fakeRunner) {
	runner := &fakeRunner{}
	return &Pipeline{
		Runner: runner,
		Bind:   func(store.Querier) Deps { return Deps{Routes: checker, Clusters: ops} },
		Cfg: config.Detection{
			ProximityM:     50,
			WideProximityM: 100,
			MinRiders:      2,
			DriftReleaseM:  500,
		},
	}, runner
}

func rideRequest() Request {
	return Request{
		Identity:   model.RegisteredIdentity(7),
		Lat:        -33.45,
		Lon:        -70.66,
		SpeedKmh:   28,
		HeadingDeg: 90,
		RouteID:    3,
		InVehicle:  true,
	}
}

// heldCluster is a standing membership centered where the test rider
// reports from, so the drift release does not trip.
func heldCluster(id, routeID int64) model.Cluster {
	return model.Cluster{ID: id, RouteID: routeID, CenterLat: -33.45, CenterLon: -70.66, Active: true}
}

func knownVehicle() map[string]model.Vehicle {
	return map[string]model.Vehicle{"ABCD12": {ID: 5, Plate: "ABCD12", Active: true}}
}

func onRoute() *fakeChecker {
	return &fakeChecker{match: route.Match{RouteID: 3, Position: 0.4, DistanceM: 12}}
}

func TestProcessJoinsNearestCluster(t *testing.T) {
	t.Parallel()

	ops := &fakeOps{nearby: []spatial.ClusterHit{
		{Cluster: model.Cluster{ID: 9, RouteID: 3, Active: true}, DistanceM: 20},
	}}
	p, _ := testPipeline(ops, onRoute())

	out, err := p.Process(context.Background(), rideRequest())
	require.NoError(t, err)
	assert.Equal(t, ActionJoined, out.Action)
	require.NotNil(t, out.Cluster)
	assert.Equal(t, int64(9), out.Cluster.ID)
	require.Len(t, ops.samples, 1)
	assert.True(t, ops.samples[0].InVehicle)
	assert.Equal(t, int64(9), ops.samples[0].ClusterID)
	assert.Equal(t, []int64{9}, ops.recomputed)
}

func TestProcessStickyKeepsRider(t *testing.T) {
	t.Parallel()

	ops := &fakeOps{
		sticky:    heldCluster(4, 3),
		hasSticky: true,
	}
	p, _ := testPipeline(ops, onRoute())

	out, err := p.Process(context.Background(), rideRequest())
	require.NoError(t, err)
	assert.Equal(t, ActionJoined, out.Action)
	assert.Equal(t, int64(4), out.Cluster.ID)
}

func TestProcessStickySkipsVehicleGuard(t *testing.T) {
	t.Parallel()

	// A member keeps reporting without the plate; their standing
	// membership carries them.
	c := heldCluster(4, 3)
	c.VehicleID = 6
	ops := &fakeOps{sticky: c, hasSticky: true}
	p, _ := testPipeline(ops, onRoute())

	out, err := p.Process(context.Background(), rideRequest())
	require.NoError(t, err)
	assert.Equal(t, ActionJoined, out.Action)
	assert.Equal(t, int64(4), out.Cluster.ID)
}

func TestProcessStickyIgnoredOnDifferentRoute(t *testing.T) {
	t.Parallel()

	ops := &fakeOps{
		sticky:    heldCluster(4, 8),
		hasSticky: true,
	}
	p, _ := testPipeline(ops, onRoute())

	out, err := p.Process(context.Background(), rideRequest())
	require.NoError(t, err)
	assert.Equal(t, ActionSolo, out.Action)
	assert.Zero(t, ops.released)
}

func TestProcessDriftReleasesFormerCluster(t *testing.T) {
	t.Parallel()

	// The held cluster's center sits kilometers away; the rider is no
	// longer aboard, so the membership ends before a new home is
	// sought.
	c := heldCluster(4, 3)
	c.CenterLat = -33.40
	ops := &fakeOps{sticky: c, hasSticky: true, releasedFrom: 4}
	p, _ := testPipeline(ops, onRoute())

	out, err := p.Process(context.Background(), rideRequest())
	require.NoError(t, err)
	assert.Equal(t, ActionSolo, out.Action)
	assert.Equal(t, 1, ops.released)
	assert.Equal(t, []int64{4}, ops.recomputed)
}

func TestProcessSoloWithoutPeers(t *testing.T) {
	t.Parallel()

	ops := &fakeOps{}
	p, _ := testPipeline(ops, onRoute())

	out, err := p.Process(context.Background(), rideRequest())
	require.NoError(t, err)
	assert.Equal(t, ActionSolo, out.Action)
	assert.Nil(t, out.Cluster)
	assert.Equal(t, 1, out.RidersNeeded)
	require.Len(t, ops.samples, 1)
	assert.False(t, ops.samples[0].InVehicle)
	assert.Zero(t, ops.samples[0].ClusterID)
}

func TestProcessCreatesWithPeers(t *testing.T) {
	t.Parallel()

	ops := &fakeOps{
		vehicles: knownVehicle(),
		peers: []spatial.Member{
			{Identity: model.RegisteredIdentity(8), Lat: -33.4501, Lon: -70.6601, SpeedKmh: 26},
			{Identity: model.AnonIdentity("tok-1"), Lat: -33.4499, Lon: -70.6599, SpeedKmh: 30},
		},
	}
	p, _ := testPipeline(ops, onRoute())

	req := rideRequest()
	req.Plate = "ABCD12"
	out, err := p.Process(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, out.Action)
	require.NotNil(t, out.Cluster)
	assert.Equal(t, int64(100), out.Cluster.ID)
	// The whole founding group boards: the reporter and both peers each
	// get an in-vehicle sample, and the count covers all three.
	require.Len(t, ops.samples, 3)
	for _, s := range ops.samples {
		assert.True(t, s.InVehicle)
		assert.Equal(t, int64(100), s.ClusterID)
	}
	assert.Equal(t, model.RegisteredIdentity(8), ops.samples[1].Identity)
	assert.Equal(t, model.AnonIdentity("tok-1"), ops.samples[2].Identity)
	assert.Equal(t, 3, out.Cluster.RiderCount)
	assert.Contains(t, ops.recomputed, int64(100))
	// Center lands on the centroid of the rider and both peers.
	assert.InDelta(t, -33.45, ops.createdCenter.Lat, 1e-4)
	assert.InDelta(t, -70.66, ops.createdCenter.Lon, 1e-4)
}

func TestProcessCreateFallsBackWhenCentroidDeviates(t *testing.T) {
	t.Parallel()

	ops := &fakeOps{
		vehicles: knownVehicle(),
		peers:    []spatial.Member{{Lat: -33.46, Lon: -70.67}},
	}
	checker := &centroidDeviator{fakeChecker: onRoute()}
	p, runner := testPipeline(&fakeOps{}, onRoute())
	p.Bind = func(store.Querier) Deps { return Deps{Routes: checker, Clusters: ops} }

	req := rideRequest()
	req.Plate = "ABCD12"
	out, err := p.Process(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, runner.rolledBack)
	assert.Equal(t, ActionCreated, out.Action)
	assert.InDelta(t, -33.45, ops.createdCenter.Lat, 1e-9)
	assert.InDelta(t, -70.66, ops.createdCenter.Lon, 1e-9)
}

// centroidDeviator accepts the first check and deviates every later
// one, mimicking peers dragging the centroid off the corridor.
type centroidDeviator struct {
	*fakeChecker
	calls int
}

func (c *centroidDeviator) Check(ctx context.Context, routeID int64, lat, lon, heading float64) (route.Match, error) {
	c.calls++
	if c.calls > 1 {
		return route.Match{}, &route.DeviationError{Reason: route.ReasonOffRoute}
	}
	return c.fakeChecker.Check(ctx, routeID, lat, lon, heading)
}

func TestProcessCreateRequiresVehicle(t *testing.T) {
	t.Parallel()

	ops := &fakeOps{peers: []spatial.Member{{Lat: -33.45, Lon: -70.66}}}
	p, runner := testPipeline(ops, onRoute())

	out, err := p.Process(context.Background(), rideRequest())
	require.NoError(t, err)
	assert.Equal(t, ActionRejectedVehicle, out.Action)
	assert.Equal(t, ReasonVehicleRequired, out.Reason)
	assert.True(t, runner.rolledBack)
}

func TestProcessPrefersWiderClusterOverCreating(t *testing.T) {
	t.Parallel()

	ops := &fakeOps{
		peers: []spatial.Member{{Lat: -33.45, Lon: -70.66}},
		wide:  []spatial.ClusterHit{{Cluster: model.Cluster{ID: 12, RouteID: 3, Active: true}, DistanceM: 80}},
	}
	p, _ := testPipeline(ops, onRoute())

	out, err := p.Process(context.Background(), rideRequest())
	require.NoError(t, err)
	assert.Equal(t, ActionJoinedWider, out.Action)
	assert.Equal(t, int64(12), out.Cluster.ID)
}

func TestProcessConsolidatesDuplicateCreation(t *testing.T) {
	t.Parallel()

	survivor := model.Cluster{ID: 80, RouteID: 3, VehicleID: 5, RiderCount: 3, Active: true}
	ops := &fakeOps{
		vehicles: knownVehicle(),
		peers:    []spatial.Member{{Lat: -33.45, Lon: -70.66}},
		merged:   &survivor,
	}
	p, _ := testPipeline(ops, onRoute())

	req := rideRequest()
	req.Plate = "ABCD12"
	out, err := p.Process(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ActionConsolidated, out.Action)
	assert.Equal(t, int64(80), out.Cluster.ID)
}

func TestProcessKeepsTwinForDifferentVehicle(t *testing.T) {
	t.Parallel()

	// Two buses on the same route can run side by side; their groups
	// are not duplicates and must not collapse into one.
	otherBus := model.Cluster{ID: 80, RouteID: 3, VehicleID: 9, RiderCount: 3, Active: true}
	ops := &fakeOps{
		vehicles: knownVehicle(),
		peers:    []spatial.Member{{Lat: -33.45, Lon: -70.66}},
		merged:   &otherBus,
	}
	p, _ := testPipeline(ops, onRoute())

	req := rideRequest()
	req.Plate = "ABCD12"
	out, err := p.Process(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, out.Action)
	assert.Equal(t, int64(100), out.Cluster.ID)
}

func TestProcessRejectsJoinWithoutRequiredPlate(t *testing.T) {
	t.Parallel()

	ops := &fakeOps{nearby: []spatial.ClusterHit{
		{Cluster: model.Cluster{ID: 9, VehicleID: 6, Active: true}},
	}}
	p, runner := testPipeline(ops, onRoute())

	out, err := p.Process(context.Background(), rideRequest())
	require.NoError(t, err)
	assert.Equal(t, ActionRejectedVehicle, out.Action)
	assert.Equal(t, ReasonVehicleRequired, out.Reason)
	assert.True(t, runner.rolledBack)
}

func TestProcessRejectsPlateMismatch(t *testing.T) {
	t.Parallel()

	ops := &fakeOps{
		vehicles: knownVehicle(),
		nearby: []spatial.ClusterHit{
			{Cluster: model.Cluster{ID: 9, VehicleID: 6, Active: true}},
		},
	}
	p, runner := testPipeline(ops, onRoute())

	req := rideRequest()
	req.Plate = "ab-cd12"
	out, err := p.Process(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ActionRejectedVehicle, out.Action)
	assert.Equal(t, ReasonPlateMismatch, out.Reason)
	assert.True(t, runner.rolledBack)
}

func TestProcessRejectsSecondClusterForVehicle(t *testing.T) {
	t.Parallel()

	ops := &fakeOps{
		vehicles:       knownVehicle(),
		vehicleCluster: 33,
		peers:          []spatial.Member{{Lat: -33.45, Lon: -70.66}},
	}
	p, runner := testPipeline(ops, onRoute())

	req := rideRequest()
	req.Plate = "ABCD12"
	out, err := p.Process(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ActionRejectedVehicle, out.Action)
	assert.Equal(t, ReasonVehicleAlreadyClustered, out.Reason)
	assert.True(t, runner.rolledBack)
}

func TestProcessRejectsUnknownPlate(t *testing.T) {
	t.Parallel()

	ops := &fakeOps{}
	p, _ := testPipeline(ops, onRoute())

	req := rideRequest()
	req.Plate = "ZZZZ99"
	out, err := p.Process(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ActionRejectedVehicle, out.Action)
	assert.Equal(t, ReasonVehicleUnknown, out.Reason)
}

func TestProcessRejectsUnknownRoute(t *testing.T) {
	t.Parallel()

	ops := &fakeOps{}
	p, runner := testPipeline(ops, &fakeChecker{err: route.ErrRouteNotFound})

	out, err := p.Process(context.Background(), rideRequest())
	require.NoError(t, err)
	assert.Equal(t, ActionRejectedRoute, out.Action)
	assert.True(t, runner.rolledBack)
	assert.Empty(t, ops.samples)
}

func TestProcessDeviationCommitsSampleAndReleases(t *testing.T) {
	t.Parallel()

	ops := &fakeOps{releasedFrom: 4}
	p, runner := testPipeline(ops, &fakeChecker{err: &route.DeviationError{Reason: route.ReasonOffRoute}})

	out, err := p.Process(context.Background(), rideRequest())
	require.NoError(t, err)
	assert.Equal(t, ActionDeviated, out.Action)
	assert.Equal(t, route.ReasonOffRoute, out.Reason)
	assert.False(t, runner.rolledBack)
	require.Len(t, ops.samples, 1)
	assert.False(t, ops.samples[0].InVehicle)
	assert.Equal(t, 1, ops.released)
	assert.Equal(t, []int64{4}, ops.recomputed)
}

func TestProcessCorrectedRouteDeviates(t *testing.T) {
	t.Parallel()

	// The movement fits route 8 better than the claimed route 3. That
	// ends the rider's membership and surfaces the suggestion; it never
	// clusters them on either route.
	ops := &fakeOps{releasedFrom: 4}
	checker := &fakeChecker{match: route.Match{RouteID: 8, Position: 0.4, DistanceM: 12, Corrected: true}}
	p, runner := testPipeline(ops, checker)

	out, err := p.Process(context.Background(), rideRequest())
	require.NoError(t, err)
	assert.Equal(t, ActionDeviated, out.Action)
	assert.Equal(t, route.ReasonWrongDirection, out.Reason)
	assert.Equal(t, int64(8), out.Match.RouteID)
	assert.True(t, out.Match.Corrected)
	assert.False(t, runner.rolledBack)
	require.Len(t, ops.samples, 1)
	assert.False(t, ops.samples[0].InVehicle)
	assert.Equal(t, 1, ops.released)
	assert.Equal(t, []int64{4}, ops.recomputed)
}

func TestProcessNotInVehicleClaimReleases(t *testing.T) {
	t.Parallel()

	ops := &fakeOps{releasedFrom: 4}
	p, _ := testPipeline(ops, onRoute())

	req := rideRequest()
	req.InVehicle = false
	out, err := p.Process(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ActionReleased, out.Action)
	assert.Equal(t, 1, ops.released)
}

func TestProcessDeduplicatesRepeats(t *testing.T) {
	t.Parallel()

	ops := &fakeOps{}
	p, _ := testPipeline(ops, onRoute())
	p.Dedup = NewDedupCache(config.Dedup{TTL: 3 * time.Second, MaxEntries: 100})

	_, err := p.Process(context.Background(), rideRequest())
	require.NoError(t, err)
	out, err := p.Process(context.Background(), rideRequest())
	require.NoError(t, err)
	assert.Equal(t, ActionDeduped, out.Action)
	assert.Len(t, ops.samples, 1)
}

func TestProcessRejectsInvalidIdentity(t *testing.T) {
	t.Parallel()

	p, _ := testPipeline(&fakeOps{}, onRoute())
	req := rideRequest()
	req.Identity = model.Identity{}

	_, err := p.Process(context.Background(), req)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestProcessPublishesJoinedCluster(t *testing.T) {
	t.Parallel()

	ops := &fakeOps{nearby: []spatial.ClusterHit{
		{Cluster: model.Cluster{ID: 9, RouteID: 3, Active: true}},
	}}
	p, _ := testPipeline(ops, onRoute())
	var published []Outcome
	p.Published = func(o Outcome) { published = append(published, o) }

	_, err := p.Process(context.Background(), rideRequest())
	require.NoError(t, err)
	require.Len(t, published, 1)
	assert.Equal(t, int64(9), published[0].Cluster.ID)
}

func TestReleaseRecomputesFormerCluster(t *testing.T) {
	t.Parallel()

	ops := &fakeOps{releasedFrom: 4}
	p, _ := testPipeline(ops, onRoute())

	out, err := p.Release(context.Background(), rideRequest())
	require.NoError(t, err)
	assert.Equal(t, ActionReleased, out.Action)
	require.Len(t, ops.samples, 1)
	assert.False(t, ops.samples[0].InVehicle)
	assert.Equal(t, []int64{4}, ops.recomputed)
}

func TestReleaseLeavesClusterActiveButEmpty(t *testing.T) {
	t.Parallel()

	// The last rider getting off empties the cluster but does not kill
	// it: the group stays joinable until the cleanup scheduler ages it
	// out.
	ops := &fakeOps{releasedFrom: 4}
	p, _ := testPipeline(ops, onRoute())

	out, err := p.Release(context.Background(), rideRequest())
	require.NoError(t, err)
	require.NotNil(t, out.Cluster)
	assert.True(t, out.Cluster.Active)
	assert.Zero(t, out.Cluster.RiderCount)
}

func TestReleaseWithoutClusterStillRecords(t *testing.T) {
	t.Parallel()

	ops := &fakeOps{}
	p, _ := testPipeline(ops, onRoute())

	out, err := p.Release(context.Background(), rideRequest())
	require.NoError(t, err)
	assert.Equal(t, ActionReleased, out.Action)
	assert.Nil(t, out.Cluster)
	assert.Len(t, ops.samples, 1)
}
