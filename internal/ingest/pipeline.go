// Package ingest runs the per-sample decision pipeline, all inside one
// retrying transaction: deduplicate, validate against the route
// corridor, then join, create, merge or reject a cluster.
package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/Hoffylo/CuriTransporteDos/internal/config"
	"github.com/Hoffylo/CuriTransporteDos/internal/geo"
	"github.com/Hoffylo/CuriTransporteDos/internal/model"
	"github.com/Hoffylo/CuriTransporteDos/internal/route"
	"github.com/Hoffylo/CuriTransporteDos/internal/spatial"
	"github.com/Hoffylo/CuriTransporteDos/internal/store"
)

// Request is one rider location report.
type Request struct {
	Identity   model.Identity
	Lat        float64
	Lon        float64
	SpeedKmh   float64
	HeadingDeg float64 // negative when the device reported none
	AccuracyM  float64
	RouteID    int64  // claimed route, 0 to infer from position
	Plate      string // vehicle plate, optional
	InVehicle  bool   // rider's own claim; false turns the report into a release
}

// ValidationError marks a request the pipeline refused to look at.
type ValidationError struct{ Err error }

func (e *ValidationError) Error() string { return "invalid request: " + e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

func (r Request) validate() error {
	if err := r.Identity.Validate(); err != nil {
		return err
	}
	return model.ValidateCoordinates(r.Lat, r.Lon)
}

// RouteChecker places samples on routes.
type RouteChecker interface {
	Check(ctx context.Context, routeID int64, lat, lon, headingDeg float64) (route.Match, error)
	BestRoute(ctx context.Context, lat, lon, headingDeg float64) (route.Match, error)
}

// ClusterOps is the cluster lifecycle surface the pipeline drives,
// bound to the current transaction.
type ClusterOps interface {
	Nearby(ctx context.Context, lat, lon, radiusM float64, routeID int64) ([]spatial.ClusterHit, error)
	Sticky(ctx context.Context, id model.Identity) (model.Cluster, bool, error)
	Peers(ctx context.Context, id model.Identity, lat, lon float64) ([]spatial.Member, error)
	Create(ctx context.Context, s model.LocationSample, center geo.Point, routeID, vehicleID int64) (model.Cluster, error)
	Recompute(ctx context.Context, clusterID int64) (model.Cluster, error)
	Consolidate(ctx context.Context, c model.Cluster) (model.Cluster, bool, error)
	VehicleByPlate(ctx context.Context, plate string) (model.Vehicle, bool, error)
	VehicleCluster(ctx context.Context, vehicleID int64) (int64, error)
	WriteSample(ctx context.Context, s *model.LocationSample) error
	ReleaseRider(ctx context.Context, id model.Identity) (int64, error)
}

// Deps are the per-transaction collaborators.
type Deps struct {
	Routes   RouteChecker
	Clusters ClusterOps
}

// Binder builds Deps bound to a transaction.
type Binder func(q store.Querier) Deps

// TxRunner runs a function in a retrying transaction; *store.TxRunner
// is the production implementation.
type TxRunner interface {
	Run(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error
}

// Pipeline processes location reports. Published is called after a
// committed outcome that left a live cluster, outside the transaction.
type Pipeline struct {
	Runner    TxRunner
	Bind      Binder
	Dedup     *DedupCache
	Cfg       config.Detection
	Published func(Outcome)
}

// Process runs one report through the pipeline. A report claiming the
// rider is not in a vehicle is handled as a release.
func (p *Pipeline) Process(ctx context.Context, req Request) (Outcome, error) {
	if err := req.validate(); err != nil {
		return Outcome{}, &ValidationError{Err: err}
	}
	if !req.InVehicle {
		return p.Release(ctx, req)
	}
	if p.Dedup != nil && p.Dedup.Seen(req.Identity.Key(), req.Lat, req.Lon) {
		return Outcome{Action: ActionDeduped}, nil
	}

	var out Outcome
	err := p.Runner.Run(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		out, err = p.run(ctx, p.Bind(tx), req)
		if err != nil {
			return err
		}
		if out.Action.rollsBack() {
			return fmt.Errorf("%s: %w", out.Action, store.ErrRollback)
		}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	if p.Published != nil && out.Cluster != nil && out.Cluster.Active {
		p.Published(out)
	}
	return out, nil
}

func (p *Pipeline) run(ctx context.Context, d Deps, req Request) (Outcome, error) {
	var vehicleID int64
	if req.Plate != "" {
		v, ok, err := d.Clusters.VehicleByPlate(ctx, normalizePlate(req.Plate))
		if err != nil {
			return Outcome{}, err
		}
		if !ok || !v.Active {
			return Outcome{Action: ActionRejectedVehicle, Reason: ReasonVehicleUnknown}, nil
		}
		vehicleID = v.ID
	}

	var m route.Match
	var err error
	if req.RouteID != 0 {
		m, err = d.Routes.Check(ctx, req.RouteID, req.Lat, req.Lon, req.HeadingDeg)
	} else {
		m, err = d.Routes.BestRoute(ctx, req.Lat, req.Lon, req.HeadingDeg)
	}
	if errors.Is(err, route.ErrRouteNotFound) {
		return Outcome{Action: ActionRejectedRoute}, nil
	}
	var dev *route.DeviationError
	if errors.As(err, &dev) {
		return p.deviate(ctx, d, req, dev.Reason, route.Match{})
	}
	if err != nil {
		return Outcome{}, err
	}
	if m.Corrected {
		// The rider's movement fits another route better than their
		// claim. That is a deviation from the claimed route, not a
		// license to cluster on the corrected one; the outcome carries
		// the suggestion.
		return p.deviate(ctx, d, req, route.ReasonWrongDirection, m)
	}

	// The rider's own recent cluster keeps them without re-running the
	// vehicle guard, unless they drifted away from it or the route
	// match moved them elsewhere.
	if c, ok, err := d.Clusters.Sticky(ctx, req.Identity); err != nil {
		return Outcome{}, err
	} else if ok {
		if geo.DistanceMeters(req.Lat, req.Lon, c.CenterLat, c.CenterLon) > p.Cfg.DriftReleaseM {
			// Too far from the group to still be aboard; end the
			// membership before looking for a new home.
			if _, err := d.Clusters.ReleaseRider(ctx, req.Identity); err != nil {
				return Outcome{}, err
			}
			if _, err := d.Clusters.Recompute(ctx, c.ID); err != nil {
				return Outcome{}, err
			}
		} else if c.RouteID == 0 || m.RouteID == 0 || c.RouteID == m.RouteID {
			return p.join(ctx, d, req, m, c, vehicleID, ActionJoined, false)
		}
	}

	// A fresh cluster already moving along this route within arm's
	// reach.
	hits, err := d.Clusters.Nearby(ctx, req.Lat, req.Lon, p.Cfg.ProximityM, m.RouteID)
	if err != nil {
		return Outcome{}, err
	}
	if len(hits) > 0 {
		return p.join(ctx, d, req, m, hits[0].Cluster, vehicleID, ActionJoined, true)
	}

	peers, err := d.Clusters.Peers(ctx, req.Identity, req.Lat, req.Lon)
	if err != nil {
		return Outcome{}, err
	}
	if len(peers)+1 < p.Cfg.MinRiders {
		return p.solo(ctx, d, req, m, len(peers))
	}

	// Enough company to form a cluster; first sweep a wider radius so
	// we extend an existing one instead of spawning a twin beside it.
	wide, err := d.Clusters.Nearby(ctx, req.Lat, req.Lon, p.Cfg.WideProximityM, m.RouteID)
	if err != nil {
		return Outcome{}, err
	}
	if len(wide) > 0 {
		return p.join(ctx, d, req, m, wide[0].Cluster, vehicleID, ActionJoinedWider, true)
	}

	return p.create(ctx, d, req, m, vehicleID, peers)
}

// join adds the rider to the cluster, rebuilds its stats, then checks
// for a near-simultaneous duplicate to collapse. A sticky rejoin skips
// the vehicle guard and the duplicate check; the rider is already a
// trusted member.
func (p *Pipeline) join(ctx context.Context, d Deps, req Request, m route.Match, c model.Cluster, vehicleID int64, action Action, guard bool) (Outcome, error) {
	if guard && c.VehicleID != 0 {
		switch {
		case vehicleID == 0:
			return Outcome{Action: ActionRejectedVehicle, Reason: ReasonVehicleRequired}, nil
		case vehicleID != c.VehicleID:
			return Outcome{Action: ActionRejectedVehicle, Reason: ReasonPlateMismatch}, nil
		}
	}

	routeID := c.RouteID
	if routeID == 0 {
		routeID = m.RouteID
	}
	s := p.sample(req, true, c.ID, routeID)
	if err := d.Clusters.WriteSample(ctx, &s); err != nil {
		return Outcome{}, err
	}
	updated, err := d.Clusters.Recompute(ctx, c.ID)
	if err != nil {
		return Outcome{}, err
	}
	if guard && updated.Active {
		survivor, merged, err := d.Clusters.Consolidate(ctx, updated)
		if err != nil {
			return Outcome{}, err
		}
		if merged {
			return Outcome{Action: ActionConsolidated, Cluster: &survivor, Match: m, SampleID: s.ID}, nil
		}
		updated = survivor
	}
	return Outcome{Action: action, Cluster: &updated, Match: m, SampleID: s.ID}, nil
}

// create forms a cluster around the rider and their unassigned peers.
// A verified vehicle identity is mandatory; the center is re-validated
// against the corridor because peers drag the centroid off the rider's
// own validated point.
func (p *Pipeline) create(ctx context.Context, d Deps, req Request, m route.Match, vehicleID int64, peers []spatial.Member) (Outcome, error) {
	if vehicleID == 0 {
		return Outcome{Action: ActionRejectedVehicle, Reason: ReasonVehicleRequired}, nil
	}
	// Re-checked here, inside the transaction, so two concurrent
	// reports for the same plate cannot both create.
	existing, err := d.Clusters.VehicleCluster(ctx, vehicleID)
	if err != nil {
		return Outcome{}, err
	}
	if existing != 0 {
		return Outcome{Action: ActionRejectedVehicle, Reason: ReasonVehicleAlreadyClustered}, nil
	}

	points := make([]geo.Point, 0, len(peers)+1)
	points = append(points, geo.Point{Lat: req.Lat, Lon: req.Lon})
	for _, peer := range peers {
		points = append(points, geo.Point{Lat: peer.Lat, Lon: peer.Lon})
	}
	center := geo.Centroid(points)
	if len(points) > 1 && m.RouteID != 0 {
		cm, err := d.Routes.Check(ctx, m.RouteID, center.Lat, center.Lon, -1)
		if err != nil {
			var dev *route.DeviationError
			if !errors.As(err, &dev) {
				return Outcome{}, err
			}
		}
		if err != nil || cm.Corrected {
			// Peers pulled the centroid off the corridor; fall back to
			// the rider's own point, which already passed.
			center = geo.Point{Lat: req.Lat, Lon: req.Lon}
		}
	}

	seed := p.sample(req, true, 0, m.RouteID)
	created, err := d.Clusters.Create(ctx, seed, center, m.RouteID, vehicleID)
	if err != nil {
		return Outcome{}, err
	}
	seed.ClusterID = created.ID
	if err := d.Clusters.WriteSample(ctx, &seed); err != nil {
		return Outcome{}, err
	}
	// The peers that met the threshold board too: each gets an
	// in-vehicle sample at their last known point, and the stats are
	// rebuilt over the whole group.
	for _, peer := range peers {
		ps := model.LocationSample{
			Identity:   peer.Identity,
			Lat:        peer.Lat,
			Lon:        peer.Lon,
			SpeedKmh:   peer.SpeedKmh,
			HeadingDeg: peer.HeadingDeg,
			InVehicle:  true,
			ClusterID:  created.ID,
			RouteID:    m.RouteID,
		}
		if err := d.Clusters.WriteSample(ctx, &ps); err != nil {
			return Outcome{}, err
		}
	}
	rebuilt, err := d.Clusters.Recompute(ctx, created.ID)
	if err != nil {
		return Outcome{}, err
	}

	survivor, merged, err := d.Clusters.Consolidate(ctx, rebuilt)
	if err != nil {
		return Outcome{}, err
	}
	action := ActionCreated
	if merged {
		action = ActionConsolidated
	}
	return Outcome{Action: action, Cluster: &survivor, Match: m, SampleID: seed.ID}, nil
}

// solo records the lone rider as still unassigned; their sample feeds
// the peer pool that lets the next rider form a cluster.
func (p *Pipeline) solo(ctx context.Context, d Deps, req Request, m route.Match, peerCount int) (Outcome, error) {
	s := p.sample(req, false, 0, m.RouteID)
	if err := d.Clusters.WriteSample(ctx, &s); err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Action:       ActionSolo,
		Match:        m,
		SampleID:     s.ID,
		RidersNeeded: p.Cfg.MinRiders - (peerCount + 1),
	}, nil
}

// deviate commits the off-route sample as not-in-vehicle and ends any
// membership the rider held, rebuilding the cluster left behind.
// A non-zero corrected match rides along in the outcome so the caller
// can retry on the suggested route.
func (p *Pipeline) deviate(ctx context.Context, d Deps, req Request, reason string, corrected route.Match) (Outcome, error) {
	formerID, err := d.Clusters.ReleaseRider(ctx, req.Identity)
	if err != nil {
		return Outcome{}, err
	}
	s := p.sample(req, false, 0, 0)
	if err := d.Clusters.WriteSample(ctx, &s); err != nil {
		return Outcome{}, err
	}
	if formerID != 0 {
		if _, err := d.Clusters.Recompute(ctx, formerID); err != nil {
			return Outcome{}, err
		}
	}
	return Outcome{Action: ActionDeviated, Reason: reason, Match: corrected, SampleID: s.ID}, nil
}

// Release handles an explicit "I got off" report: end the rider's
// membership and rebuild the cluster they leave behind. Safe to repeat.
func (p *Pipeline) Release(ctx context.Context, req Request) (Outcome, error) {
	if err := req.validate(); err != nil {
		return Outcome{}, &ValidationError{Err: err}
	}
	var out Outcome
	err := p.Runner.Run(ctx, func(ctx context.Context, tx *sql.Tx) error {
		d := p.Bind(tx)
		formerID, err := d.Clusters.ReleaseRider(ctx, req.Identity)
		if err != nil {
			return err
		}
		s := p.sample(req, false, 0, 0)
		if err := d.Clusters.WriteSample(ctx, &s); err != nil {
			return err
		}
		out = Outcome{Action: ActionReleased, SampleID: s.ID}
		if formerID != 0 {
			updated, err := d.Clusters.Recompute(ctx, formerID)
			if err != nil {
				return err
			}
			out.Cluster = &updated
		}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	if p.Published != nil && out.Cluster != nil && out.Cluster.Active {
		p.Published(out)
	}
	return out, nil
}

func (p *Pipeline) sample(req Request, inVehicle bool, clusterID, routeID int64) model.LocationSample {
	return model.LocationSample{
		Identity:   req.Identity,
		Lat:        req.Lat,
		Lon:        req.Lon,
		SpeedKmh:   req.SpeedKmh,
		HeadingDeg: req.HeadingDeg,
		AccuracyM:  req.AccuracyM,
		InVehicle:  inVehicle,
		ClusterID:  clusterID,
		RouteID:    routeID,
	}
}

func normalizePlate(p string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(p), "-", ""))
}
