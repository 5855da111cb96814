// Package model defines the domain types shared by the detection engine:
// rider identities, location samples, clusters and the read-only route,
// stop and vehicle reference data.
package model

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AnonPrefix marks anonymous session tokens. Anonymous identities are
// "anon_" followed by a UUID issued to the device for the session.
const AnonPrefix = "anon_"

var (
	ErrIdentityEmpty     = errors.New("identity: neither user id nor anonymous token set")
	ErrIdentityAmbiguous = errors.New("identity: both user id and anonymous token set")
	ErrAnonTokenFormat   = fmt.Errorf("identity: anonymous token must be %s<UUID>", AnonPrefix)
)

// Identity is a rider: exactly one of a registered user id or an
// anonymous session token. It is the deduplication key for distinct
// rider counts.
type Identity struct {
	UserID    int64
	AnonToken string
}

// RegisteredIdentity returns the identity of a registered user.
func RegisteredIdentity(userID int64) Identity { return Identity{UserID: userID} }

// AnonIdentity wraps an anonymous session token.
func AnonIdentity(token string) Identity { return Identity{AnonToken: token} }

// NewAnonIdentity mints a fresh anonymous session identity.
func NewAnonIdentity() Identity {
	return Identity{AnonToken: AnonPrefix + uuid.NewString()}
}

// IsAnon reports whether the identity is an anonymous session.
func (id Identity) IsAnon() bool { return id.AnonToken != "" }

// Validate enforces the exactly-one rule and the anonymous token format.
func (id Identity) Validate() error {
	switch {
	case id.UserID == 0 && id.AnonToken == "":
		return ErrIdentityEmpty
	case id.UserID != 0 && id.AnonToken != "":
		return ErrIdentityAmbiguous
	case id.UserID != 0:
		if id.UserID < 0 {
			return fmt.Errorf("identity: negative user id %d", id.UserID)
		}
		return nil
	default:
		raw, ok := strings.CutPrefix(id.AnonToken, AnonPrefix)
		if !ok {
			return ErrAnonTokenFormat
		}
		if _, err := uuid.Parse(raw); err != nil {
			return ErrAnonTokenFormat
		}
		return nil
	}
}

// Key returns the stable string used in SQL to tell riders apart,
// matching COALESCE(user_id::text, anon_token) on the samples table.
func (id Identity) Key() string {
	if id.IsAnon() {
		return id.AnonToken
	}
	return fmt.Sprintf("%d", id.UserID)
}

func (id Identity) String() string { return id.Key() }

// LocationSample is one GPS report from a rider's device. Rows are
// immutable once written; a rider's current state is their most recent
// sample. ClusterID and RouteID are 0 when unset.
type LocationSample struct {
	ID         int64
	Identity   Identity
	Lat        float64
	Lon        float64
	SpeedKmh   float64
	HeadingDeg float64
	AccuracyM  float64
	InVehicle  bool
	ClusterID  int64
	RouteID    int64
	RecordedAt time.Time
}

// ValidateCoordinates rejects out-of-range WGS84 coordinates. NaN is
// checked explicitly; it slips through range comparisons.
func ValidateCoordinates(lat, lon float64) error {
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return fmt.Errorf("latitude %v out of range [-90, 90]", lat)
	}
	if math.IsNaN(lon) || lon < -180 || lon > 180 {
		return fmt.Errorf("longitude %v out of range [-180, 180]", lon)
	}
	return nil
}

// Cluster is a detected vehicle-in-service: the riders currently
// inferred to be aboard the same vehicle. RiderCount is always
// recomputed from fresh in-vehicle samples, never adjusted in place.
type Cluster struct {
	ID            int64
	CenterLat     float64
	CenterLon     float64
	RiderCount    int
	AvgSpeedKmh   float64
	AvgHeadingDeg float64
	Active        bool
	RouteID       int64
	VehicleID     int64
	NearestStopID int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Route is read-only reference data: a directed polyline and its stops
// in travel order. Outbound distinguishes a line's two direction twins.
type Route struct {
	ID       int64
	Name     string
	Outbound bool
}

// Stop is a boarding point on one or more routes.
type Stop struct {
	ID   int64
	Name string
	Lat  float64
	Lon  float64
}

// Vehicle is read-only reference data; its id is the uniqueness key for
// the one-active-cluster-per-vehicle invariant.
type Vehicle struct {
	ID     int64
	Plate  string
	Active bool
}
