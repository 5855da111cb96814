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

func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}

// InsertSample writes a location sample and fills in its id and
// server-side timestamp.
func InsertSample(ctx context.Context, q store.Querier, s *model.LocationSample) error {
	var userID sql.NullInt64
	var anonToken sql.NullString
	if s.Identity.IsAnon() {
		anonToken = sql.NullString{String: s.Identity.AnonToken, Valid: true}
	} else {
		userID = sql.NullInt64{Int64: s.Identity.UserID, Valid: true}
	}
	query := `
INSERT INTO location_samples
    (user_id, anon_token, location, speed_kmh, heading_deg, accuracy_m, in_vehicle, cluster_id, route_id)
VALUES ($1, $2, ` + makePointArgs(3, 4) + `, $5, $6, $7, $8, $9, $10)
RETURNING id, recorded_at`
	err := q.QueryRowContext(ctx, query,
		userID, anonToken, s.Lat, s.Lon, s.SpeedKmh, s.HeadingDeg, s.AccuracyM,
		s.InVehicle, nullID(s.ClusterID), nullID(s.RouteID),
	).Scan(&s.ID, &s.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert sample for %s: %w", s.Identity, err)
	}
	return nil
}

// makePointArgs builds the point expression for arbitrary placeholder
// positions (lat first, to match the argument lists in this package).
func makePointArgs(latPos, lonPos int) string {
	return fmt.Sprintf("ST_SetSRID(ST_MakePoint($%d, $%d), 4326)", lonPos, latPos)
}

// CreateCluster inserts an active cluster seeded from one rider and
// returns it with id and timestamps set.
func CreateCluster(ctx context.Context, q store.Querier, c model.Cluster) (model.Cluster, error) {
	query := `
INSERT INTO clusters
    (center, rider_count, avg_speed_kmh, avg_heading_deg, active, route_id, vehicle_id, nearest_stop_id)
VALUES (` + makePointArgs(1, 2) + `::geography, $3, $4, $5, TRUE, $6, $7, $8)
RETURNING id, created_at, updated_at`
	err := q.QueryRowContext(ctx, query,
		c.CenterLat, c.CenterLon, c.RiderCount, c.AvgSpeedKmh, c.AvgHeadingDeg,
		nullID(c.RouteID), nullID(c.VehicleID), nullID(c.NearestStopID),
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return model.Cluster{}, fmt.Errorf("insert cluster: %w", err)
	}
	c.Active = true
	return c, nil
}

// UpdateClusterStats replaces the cluster's derived fields with values
// recomputed from its current member set and bumps updated_at.
func UpdateClusterStats(ctx context.Context, q store.Querier, c model.Cluster) error {
	query := `
UPDATE clusters
SET center = ` + makePointArgs(2, 3) + `::geography,
    rider_count = $4,
    avg_speed_kmh = $5,
    avg_heading_deg = $6,
    nearest_stop_id = $7,
    updated_at = now()
WHERE id = $1`
	_, err := q.ExecContext(ctx, query,
		c.ID, c.CenterLat, c.CenterLon, c.RiderCount, c.AvgSpeedKmh, c.AvgHeadingDeg,
		nullID(c.NearestStopID))
	if err != nil {
		return fmt.Errorf("update cluster %d: %w", c.ID, err)
	}
	return nil
}

// ReassignSamples moves every sample from one cluster to another.
func ReassignSamples(ctx context.Context, q store.Querier, fromID, toID int64) error {
	_, err := q.ExecContext(ctx,
		`UPDATE location_samples SET cluster_id = $2 WHERE cluster_id = $1`, fromID, toID)
	if err != nil {
		return fmt.Errorf("reassign samples %d -> %d: %w", fromID, toID, err)
	}
	return nil
}

// EmptyCluster zeroes the rider count while keeping the cluster active
// and joinable. An emptied cluster stays visible until the cleanup
// scheduler ages it out; a returning rider can still find it.
func EmptyCluster(ctx context.Context, q store.Querier, id int64) error {
	_, err := q.ExecContext(ctx,
		`UPDATE clusters SET rider_count = 0, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("empty cluster %d: %w", id, err)
	}
	return nil
}

// RetireCluster deactivates a cluster outright, zeroing the count so
// the empty-cluster sweep can pick it up later. Reserved for clusters
// that must not be rejoined: consolidation losers and groups that left
// their route's corridor.
func RetireCluster(ctx context.Context, q store.Querier, id int64) error {
	_, err := q.ExecContext(ctx,
		`UPDATE clusters SET active = FALSE, rider_count = 0, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("retire cluster %d: %w", id, err)
	}
	return nil
}

// DeactivateInactive retires active clusters not updated for at least
// age and reports how many it touched.
func DeactivateInactive(ctx context.Context, q store.Querier, age time.Duration) (int64, error) {
	res, err := q.ExecContext(ctx, `
UPDATE clusters SET active = FALSE, updated_at = now()
WHERE active AND updated_at < now() - make_interval(secs => $1)`, age.Seconds())
	if err != nil {
		return 0, fmt.Errorf("deactivate inactive clusters: %w", err)
	}
	return res.RowsAffected()
}

// DeleteEmptyOlderThan removes clusters that hold no riders and have
// not been updated for at least age, reporting how many went away.
// Sample references go NULL via the foreign key before the row drops.
func DeleteEmptyOlderThan(ctx context.Context, q store.Querier, age time.Duration) (int64, error) {
	res, err := q.ExecContext(ctx, `
DELETE FROM clusters
WHERE rider_count = 0 AND updated_at < now() - make_interval(secs => $1)`, age.Seconds())
	if err != nil {
		return 0, fmt.Errorf("delete empty clusters: %w", err)
	}
	return res.RowsAffected()
}

// ReleaseRider marks every in-vehicle sample of the rider
// not-in-vehicle and clears its cluster reference, ending any
// membership the rider holds. Returns the rider's former cluster id,
// or 0 when they held none.
func ReleaseRider(ctx context.Context, q store.Querier, identity model.Identity) (int64, error) {
	var held sql.NullInt64
	err := q.QueryRowContext(ctx, `
SELECT cluster_id
FROM location_samples
WHERE COALESCE(user_id::text, anon_token) = $1 AND in_vehicle AND cluster_id IS NOT NULL
ORDER BY recorded_at DESC
LIMIT 1`, identity.Key()).Scan(&held)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("find membership of %s: %w", identity, err)
	}
	_, err = q.ExecContext(ctx, `
UPDATE location_samples
SET in_vehicle = FALSE, cluster_id = NULL
WHERE COALESCE(user_id::text, anon_token) = $1 AND in_vehicle`, identity.Key())
	if err != nil {
		return 0, fmt.Errorf("release rider %s: %w", identity, err)
	}
	return held.Int64, nil
}

// ReleaseMembers drops every member of the cluster by flipping their
// samples to not-in-vehicle and clearing the cluster reference.
func ReleaseMembers(ctx context.Context, q store.Querier, clusterID int64) error {
	_, err := q.ExecContext(ctx, `
UPDATE location_samples
SET in_vehicle = FALSE, cluster_id = NULL
WHERE cluster_id = $1 AND in_vehicle`, clusterID)
	if err != nil {
		return fmt.Errorf("release members of cluster %d: %w", clusterID, err)
	}
	return nil
}
