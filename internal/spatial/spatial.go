// Package spatial holds every PostGIS query the engine runs. Functions
// take a store.Querier so they work against the pool or inside a
// transaction unchanged.
package spatial

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Hoffylo/CuriTransporteDos/internal/model"
	"github.com/Hoffylo/CuriTransporteDos/internal/store"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("spatial: not found")

// makePoint builds a WGS84 point from ($lat, $lon) placeholders; note
// PostGIS takes lon first.
const makePoint = `ST_SetSRID(ST_MakePoint($2, $1), 4326)`

// Probe is a point projected onto a route polyline: where along the
// line it falls (0..1), how far off the line it sits, and the line's
// bearing at that spot. The bearing comes from two interpolated points
// straddling the position by a small fraction of the line.
type Probe struct {
	RouteID    int64
	Outbound   bool
	Position   float64
	DistanceM  float64
	BearingDeg float64
}

const probeColumns = `
       s.pos,
       s.dist,
       s.outbound,
       COALESCE(DEGREES(ST_Azimuth(
           ST_LineInterpolatePoint(s.geom, GREATEST(s.pos - 1e-4, 0)),
           ST_LineInterpolatePoint(s.geom, LEAST(s.pos + 1e-4, 1)))), 0)`

// RouteProbe projects the point onto one route.
func RouteProbe(ctx context.Context, q store.Querier, routeID int64, lat, lon float64) (Probe, error) {
	query := `
SELECT s.route_id,` + probeColumns + `
FROM (
    SELECT r.id AS route_id, r.geom, r.outbound,
           ST_LineLocatePoint(r.geom, pt.g) AS pos,
           ST_Distance(r.geom::geography, pt.g::geography) AS dist
    FROM routes r, (SELECT ` + makePoint + ` AS g) pt
    WHERE r.id = $3
) s`
	var p Probe
	err := q.QueryRowContext(ctx, query, lat, lon, routeID).
		Scan(&p.RouteID, &p.Position, &p.DistanceM, &p.Outbound, &p.BearingDeg)
	if errors.Is(err, sql.ErrNoRows) {
		return Probe{}, fmt.Errorf("route %d: %w", routeID, ErrNotFound)
	}
	if err != nil {
		return Probe{}, fmt.Errorf("probe route %d: %w", routeID, err)
	}
	return p, nil
}

// RoutesNear probes every route within radiusM of the point, nearest
// first.
func RoutesNear(ctx context.Context, q store.Querier, lat, lon, radiusM float64) ([]Probe, error) {
	query := `
SELECT s.route_id,` + probeColumns + `
FROM (
    SELECT r.id AS route_id, r.geom, r.outbound,
           ST_LineLocatePoint(r.geom, pt.g) AS pos,
           ST_Distance(r.geom::geography, pt.g::geography) AS dist
    FROM routes r, (SELECT ` + makePoint + ` AS g) pt
    WHERE ST_DWithin(r.geom::geography, pt.g::geography, $3)
) s
ORDER BY s.dist`
	rows, err := q.QueryContext(ctx, query, lat, lon, radiusM)
	if err != nil {
		return nil, fmt.Errorf("query routes near: %w", err)
	}
	defer rows.Close()

	var probes []Probe
	for rows.Next() {
		var p Probe
		if err := rows.Scan(&p.RouteID, &p.Position, &p.DistanceM, &p.Outbound, &p.BearingDeg); err != nil {
			return nil, err
		}
		probes = append(probes, p)
	}
	return probes, rows.Err()
}

// ClusterHit is a cluster candidate with its distance from the query
// point.
type ClusterHit struct {
	Cluster   model.Cluster
	DistanceM float64
}

const clusterColumns = `c.id, ST_Y(c.center::geometry), ST_X(c.center::geometry),
       c.rider_count, c.avg_speed_kmh, c.avg_heading_deg, c.active,
       c.route_id, c.vehicle_id, c.nearest_stop_id, c.created_at, c.updated_at`

func scanCluster(scan func(dest ...any) error, c *model.Cluster) error {
	var routeID, vehicleID, stopID sql.NullInt64
	err := scan(&c.ID, &c.CenterLat, &c.CenterLon,
		&c.RiderCount, &c.AvgSpeedKmh, &c.AvgHeadingDeg, &c.Active,
		&routeID, &vehicleID, &stopID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return err
	}
	c.RouteID = routeID.Int64
	c.VehicleID = vehicleID.Int64
	c.NearestStopID = stopID.Int64
	return nil
}

// ClustersWithin returns active, recently updated clusters within
// radiusM, nearest first. routeID of 0 matches any route.
func ClustersWithin(ctx context.Context, q store.Querier, lat, lon, radiusM float64, routeID int64, updatedSince time.Time) ([]ClusterHit, error) {
	query := `
SELECT ` + clusterColumns + `,
       ST_Distance(c.center, pt.g::geography) AS dist
FROM clusters c, (SELECT ` + makePoint + ` AS g) pt
WHERE c.active
  AND c.updated_at >= $5
  AND ST_DWithin(c.center, pt.g::geography, $3)
  AND ($4 = 0 OR c.route_id = $4)
ORDER BY dist`
	rows, err := q.QueryContext(ctx, query, lat, lon, radiusM, routeID, updatedSince)
	if err != nil {
		return nil, fmt.Errorf("query clusters within: %w", err)
	}
	defer rows.Close()

	var hits []ClusterHit
	for rows.Next() {
		var h ClusterHit
		dests := func(dest ...any) error { return rows.Scan(append(dest, &h.DistanceM)...) }
		if err := scanCluster(dests, &h.Cluster); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// ClusterByID fetches one cluster.
func ClusterByID(ctx context.Context, q store.Querier, id int64) (model.Cluster, error) {
	query := `SELECT ` + clusterColumns + ` FROM clusters c WHERE c.id = $1`
	var c model.Cluster
	err := scanCluster(q.QueryRowContext(ctx, query, id).Scan, &c)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Cluster{}, fmt.Errorf("cluster %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Cluster{}, fmt.Errorf("query cluster %d: %w", id, err)
	}
	return c, nil
}

// ActiveAssignment finds the active cluster the rider most recently
// reported from within the window, or ErrNotFound.
func ActiveAssignment(ctx context.Context, q store.Querier, id model.Identity, since time.Time) (model.Cluster, error) {
	query := `
SELECT ` + clusterColumns + `
FROM location_samples s
JOIN clusters c ON c.id = s.cluster_id
WHERE COALESCE(s.user_id::text, s.anon_token) = $1
  AND s.in_vehicle
  AND s.recorded_at >= $2
  AND c.active
ORDER BY s.recorded_at DESC
LIMIT 1`
	var c model.Cluster
	err := scanCluster(q.QueryRowContext(ctx, query, id.Key(), since).Scan, &c)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Cluster{}, ErrNotFound
	}
	if err != nil {
		return model.Cluster{}, fmt.Errorf("query assignment for %s: %w", id, err)
	}
	return c, nil
}

// UnassignedPeers returns the latest fix of every rider other than
// self whose current state in the window is not-in-vehicle and within
// radiusM of the point. These are the candidates a new cluster forms
// around.
func UnassignedPeers(ctx context.Context, q store.Querier, lat, lon, radiusM float64, since time.Time, self model.Identity) ([]Member, error) {
	query := `
SELECT user_id, anon_token, lat, lon, speed_kmh, heading_deg
FROM (
    SELECT DISTINCT ON (COALESCE(user_id::text, anon_token))
           user_id, anon_token,
           ST_Y(location::geometry) AS lat, ST_X(location::geometry) AS lon,
           speed_kmh, heading_deg, in_vehicle, location
    FROM location_samples
    WHERE recorded_at >= $4
      AND COALESCE(user_id::text, anon_token) <> $5
    ORDER BY COALESCE(user_id::text, anon_token), recorded_at DESC
) latest, (SELECT ` + makePoint + ` AS g) pt
WHERE NOT latest.in_vehicle
  AND ST_DWithin(latest.location, pt.g::geography, $3)`
	rows, err := q.QueryContext(ctx, query, lat, lon, radiusM, since, self.Key())
	if err != nil {
		return nil, fmt.Errorf("query peers: %w", err)
	}
	defer rows.Close()

	var peers []Member
	for rows.Next() {
		var (
			m         Member
			userID    sql.NullInt64
			anonToken sql.NullString
		)
		if err := rows.Scan(&userID, &anonToken, &m.Lat, &m.Lon, &m.SpeedKmh, &m.HeadingDeg); err != nil {
			return nil, err
		}
		m.Identity = model.Identity{UserID: userID.Int64, AnonToken: anonToken.String}
		peers = append(peers, m)
	}
	return peers, rows.Err()
}

// Member is one rider's freshest fix, as seen by cluster membership
// and peer queries. Identity is filled by the peer query only; stat
// recomputation has no use for it.
type Member struct {
	Identity   model.Identity
	Lat        float64
	Lon        float64
	SpeedKmh   float64
	HeadingDeg float64
}

/// ClusterMembers returns the current riders of the cluster: those
// whose latest fresh sample is an in-vehicle fix assigned to it. A
// rider's newer sample elsewhere, or a not-in-vehicle one, drops them.
func ClusterMembers(ctx context.Context, q store.Querier, clusterID int64, since time.Time) ([]Member, error) {
	query := `
SELECT lat, lon, speed_kmh, heading_deg
FROM (
    SELECT DISTINCT ON (COALESCE(user_id::text, anon_token))
           ST_Y(location::geometry) AS lat, ST_X(location::geometry) AS lon,
           speed_kmh, heading_deg, in_vehicle, cluster_id
    FROM location_samples
    WHERE recorded_at >= $2
    ORDER BY COALESCE(user_id::text, anon_token), recorded_at DESC
) latest
WHERE latest.in_vehicle AND latest.cluster_id = $1`
	rows, err := q.QueryContext(ctx, query, clusterID, since)
	if err != nil {
		return nil, fmt.Errorf("query members of cluster %d: %w", clusterID, err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.Lat, &m.Lon, &m.SpeedKmh, &m.HeadingDeg); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// NearestStop returns the id of the stop closest to the point, or
// ErrNotFound when the stops table is empty.
func NearestStop(ctx context.Context, q store.Querier, lat, lon float64) (int64, error) {
	query := `SELECT id FROM stops ORDER BY location <-> ` + makePoint + `::geography LIMIT 1`
	var id int64
	err := q.QueryRowContext(ctx, query, lat, lon).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("query nearest stop: %w", err)
	}
	return id, nil
}

// ActiveVehicleCluster returns the id of the vehicle's active cluster,
// or 0 when it has none.
func ActiveVehicleCluster(ctx context.Context, q store.Querier, vehicleID int64) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `SELECT id FROM clusters WHERE vehicle_id = $1 AND active LIMIT 1`, vehicleID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query vehicle %d cluster: %w", vehicleID, err)
	}
	return id, nil
}

// VehicleByPlate looks a vehicle up by its normalized plate.
func VehicleByPlate(ctx context.Context, q store.Querier, plate string) (model.Vehicle, error) {
	var v model.Vehicle
	err := q.QueryRowContext(ctx, `SELECT id, plate, active FROM vehicles WHERE plate = $1`, plate).
		Scan(&v.ID, &v.Plate, &v.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Vehicle{}, fmt.Errorf("vehicle %q: %w", plate, ErrNotFound)
	}
	if err != nil {
		return model.Vehicle{}, fmt.Errorf("query vehicle %q: %w", plate, err)
	}
	return v, nil
}

// RemainingOnRoute measures the meters of route left past the given
// relative position.
func RemainingOnRoute(ctx context.Context, q store.Querier, routeID int64, position float64) (float64, error) {
	query := `
SELECT ST_Length(ST_LineSubstring(geom, LEAST(GREATEST($2, 0), 1), 1)::geography)
FROM routes WHERE id = $1`
	var meters float64
	err := q.QueryRowContext(ctx, query, routeID, position).Scan(&meters)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("route %d: %w", routeID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("query remaining on route %d: %w", routeID, err)
	}
	return meters, nil
}

// Duplicate finds another active cluster for the same vehicle and
// route created within the window of the given cluster and within
// radiusM of it. Returns the twin's id and creation time, or 0 when
// there is none. The caller keeps the older of the pair.
func Duplicate(ctx context.Context, q store.Querier, c model.Cluster, window time.Duration, radiusM float64) (int64, time.Time, error) {
	query := `
SELECT o.id, o.created_at
FROM clusters o, clusters n
WHERE n.id = $1
  AND o.id <> n.id
  AND o.active
  AND o.route_id IS NOT DISTINCT FROM n.route_id
  AND o.vehicle_id IS NOT DISTINCT FROM n.vehicle_id
  AND o.created_at >= n.created_at - make_interval(secs => $2)
  AND o.created_at <= n.created_at + make_interval(secs => $2)
  AND ST_DWithin(o.center, n.center, $3)
ORDER BY o.created_at
LIMIT 1`
	var (
		id        int64
		createdAt time.Time
	)
	err := q.QueryRowContext(ctx, query, c.ID, window.Seconds(), radiusM).Scan(&id, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("query duplicate of cluster %d: %w", c.ID, err)
	}
	return id, createdAt, nil
}
