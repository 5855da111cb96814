// Package cluster implements the lifecycle of co-location clusters:
// finding candidates to join, creating new ones, recomputing their
// derived stats from the current member set and collapsing duplicates.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/Hoffylo/CuriTransporteDos/internal/config"
	"github.com/Hoffylo/CuriTransporteDos/internal/geo"
	"github.com/Hoffylo/CuriTransporteDos/internal/model"
	"github.com/Hoffylo/CuriTransporteDos/internal/route"
	"github.com/Hoffylo/CuriTransporteDos/internal/spatial"
	"github.com/Hoffylo/CuriTransporteDos/internal/store"
)

// CorridorCheck validates a point against a route's travel corridor.
// A negative heading skips the direction test.
type CorridorCheck interface {
	Check(ctx context.Context, routeID int64, lat, lon, headingDeg float64) (route.Match, error)
}

// Ops binds cluster reads and writes to one Querier, normally the
// transaction the pipeline runs in.
type Ops struct {
	Q        store.Querier
	Cfg      config.Detection
	Corridor CorridorCheck    // nil skips recentering deviation checks
	Now      func() time.Time // nil means time.Now
}

func (o *Ops) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Nearby returns joinable clusters within radiusM of the point on the
// given route (0 for any), nearest first. Only active clusters updated
// within the freshness window qualify.
func (o *Ops) Nearby(ctx context.Context, lat, lon, radiusM float64, routeID int64) ([]spatial.ClusterHit, error) {
	since := o.now().Add(-o.Cfg.ClusterFreshFor)
	return spatial.ClustersWithin(ctx, o.Q, lat, lon, radiusM, routeID, since)
}

// Sticky returns the cluster the rider reported from within the sticky
// window, if any. The caller decides whether the rider has drifted too
// far to keep the assignment.
func (o *Ops) Sticky(ctx context.Context, id model.Identity) (model.Cluster, bool, error) {
	c, err := spatial.ActiveAssignment(ctx, o.Q, id, o.now().Add(-o.Cfg.StickyFor))
	if errors.Is(err, spatial.ErrNotFound) {
		return model.Cluster{}, false, nil
	}
	if err != nil {
		return model.Cluster{}, false, err
	}
	return c, true, nil
}

// Peers returns the latest fix of each unassigned rider seen near the
// point within the peers window. Riders currently in a vehicle do not
// count; a new cluster forms around those still waiting to be grouped.
func (o *Ops) Peers(ctx context.Context, id model.Identity, lat, lon float64) ([]spatial.Member, error) {
	since := o.now().Add(-o.Cfg.PeersWindow)
	return spatial.UnassignedPeers(ctx, o.Q, lat, lon, o.Cfg.ProximityM, since, id)
}

// Create starts a cluster from one rider's sample, centered at the
// given point (normally the centroid of the rider and their peers).
// Nearest-stop lookup is best effort and never blocks creation.
func (o *Ops) Create(ctx context.Context, s model.LocationSample, center geo.Point, routeID, vehicleID int64) (model.Cluster, error) {
	stopID, err := spatial.NearestStop(ctx, o.Q, center.Lat, center.Lon)
	if err != nil && !errors.Is(err, spatial.ErrNotFound) {
		log.Printf("nearest stop lookup failed, creating without: %v", err)
		stopID = 0
	}
	heading := s.HeadingDeg
	if heading < 0 {
		heading = 0
	}
	return spatial.CreateCluster(ctx, o.Q, model.Cluster{
		CenterLat:     center.Lat,
		CenterLon:     center.Lon,
		RiderCount:    1,
		AvgSpeedKmh:   s.SpeedKmh,
		AvgHeadingDeg: heading,
		RouteID:       routeID,
		VehicleID:     vehicleID,
		NearestStopID: stopID,
	})
}

// Recompute rebuilds the cluster's derived stats from the latest fresh
// sample of each member. An emptied cluster keeps its center and stays
// active; only the cleanup scheduler ages it out.
func (o *Ops) Recompute(ctx context.Context, clusterID int64) (model.Cluster, error) {
	c, err := spatial.ClusterByID(ctx, o.Q, clusterID)
	if err != nil {
		return model.Cluster{}, err
	}
	members, err := spatial.ClusterMembers(ctx, o.Q, clusterID, o.now().Add(-o.Cfg.MemberFreshFor))
	if err != nil {
		return model.Cluster{}, err
	}
	if len(members) == 0 {
		if err := spatial.EmptyCluster(ctx, o.Q, clusterID); err != nil {
			return model.Cluster{}, err
		}
		c.RiderCount = 0
		return c, nil
	}

	points := make([]geo.Point, len(members))
	speeds := make([]float64, len(members))
	headings := make([]float64, 0, len(members))
	for i, m := range members {
		points[i] = geo.Point{Lat: m.Lat, Lon: m.Lon}
		speeds[i] = m.SpeedKmh
		if m.HeadingDeg >= 0 {
			headings = append(headings, m.HeadingDeg)
		}
	}
	center := geo.Centroid(points)
	if c.RouteID != 0 && o.Corridor != nil {
		_, err := o.Corridor.Check(ctx, c.RouteID, center.Lat, center.Lon, -1)
		var dev *route.DeviationError
		if errors.As(err, &dev) || errors.Is(err, route.ErrRouteNotFound) {
			// The whole group has left the corridor. Retire the
			// cluster and drop its members.
			if err := spatial.ReleaseMembers(ctx, o.Q, clusterID); err != nil {
				return model.Cluster{}, err
			}
			if err := spatial.RetireCluster(ctx, o.Q, clusterID); err != nil {
				return model.Cluster{}, err
			}
			c.Active = false
			c.RiderCount = 0
			return c, nil
		}
		if err != nil {
			return model.Cluster{}, err
		}
	}
	c.CenterLat = center.Lat
	c.CenterLon = center.Lon
	c.RiderCount = len(members)
	c.AvgSpeedKmh = geo.MeanSpeed(speeds)
	if len(headings) > 0 {
		c.AvgHeadingDeg = geo.MeanHeading(headings)
	}
	stopID, err := spatial.NearestStop(ctx, o.Q, center.Lat, center.Lon)
	if err != nil && !errors.Is(err, spatial.ErrNotFound) {
		return model.Cluster{}, err
	}
	c.NearestStopID = stopID
	if err := spatial.UpdateClusterStats(ctx, o.Q, c); err != nil {
		return model.Cluster{}, err
	}
	c.UpdatedAt = o.now()
	return c, nil
}

// Consolidate collapses the cluster with a near-simultaneous duplicate
// on the same route when one exists. The older of the pair wins:
// samples move to it, the newer is deactivated, and the survivor's
// stats are rebuilt. Returns the surviving cluster and whether a merge
// happened.
func (o *Ops) Consolidate(ctx context.Context, c model.Cluster) (model.Cluster, bool, error) {
	twinID, twinCreated, err := spatial.Duplicate(ctx, o.Q, c, o.Cfg.ConsolidateWindow, o.Cfg.ConsolidateRadiusM)
	if err != nil {
		return model.Cluster{}, false, err
	}
	if twinID == 0 {
		return c, false, nil
	}
	keep, drop := twinID, c.ID
	if twinCreated.After(c.CreatedAt) {
		keep, drop = c.ID, twinID
	}
	if err := spatial.ReassignSamples(ctx, o.Q, drop, keep); err != nil {
		return model.Cluster{}, false, err
	}
	if err := spatial.RetireCluster(ctx, o.Q, drop); err != nil {
		return model.Cluster{}, false, err
	}
	survivor, err := o.Recompute(ctx, keep)
	if err != nil {
		return model.Cluster{}, false, fmt.Errorf("recompute survivor %d: %w", keep, err)
	}
	return survivor, true, nil
}

// VehicleByPlate resolves a plate to a vehicle; ok is false for an
// unknown plate.
func (o *Ops) VehicleByPlate(ctx context.Context, plate string) (model.Vehicle, bool, error) {
	v, err := spatial.VehicleByPlate(ctx, o.Q, plate)
	if errors.Is(err, spatial.ErrNotFound) {
		return model.Vehicle{}, false, nil
	}
	if err != nil {
		return model.Vehicle{}, false, err
	}
	return v, true, nil
}

// VehicleCluster returns the id of the vehicle's active cluster, 0 if
// none. Callers re-check this inside the transaction right before
// creating, to keep one active cluster per vehicle under concurrency.
func (o *Ops) VehicleCluster(ctx context.Context, vehicleID int64) (int64, error) {
	return spatial.ActiveVehicleCluster(ctx, o.Q, vehicleID)
}

// WriteSample persists the sample, filling id and timestamp.
func (o *Ops) WriteSample(ctx context.Context, s *model.LocationSample) error {
	return spatial.InsertSample(ctx, o.Q, s)
}

// ReleaseRider ends any membership the rider holds by flipping their
// in-vehicle samples to not-in-vehicle. Returns the cluster they left,
// 0 if none.
func (o *Ops) ReleaseRider(ctx context.Context, id model.Identity) (int64, error) {
	return spatial.ReleaseRider(ctx, o.Q, id)
}
