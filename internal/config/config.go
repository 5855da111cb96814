package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string
	NATSURL     string
	HTTPAddr    string
	MetricsAddr string

	Detection Detection
	Sweep     Sweep
	Retry     Retry
	Dedup     Dedup
}

// Detection holds the tunable thresholds of the co-location pipeline.
// Defaults match the values the system was calibrated with in
// production; every one can be overridden via environment.
type Detection struct {
	ProximityM         float64       // radius for the primary cluster search
	WideProximityM     float64       // radius for the second, wider pass
	MinRiders          int           // riders, including the reporter, required to form a cluster
	CorridorM          float64       // max distance from the route polyline
	MaxHeadingDeltaDeg float64       // rider heading vs route bearing tolerance
	TerminiDeltaDeg    float64       // tightened tolerance near route ends
	TerminiFraction    float64       // relative position treated as "near the ends"
	NearLineM          float64       // within this of the line, relax the tolerance
	NearLineRelaxDeg   float64       // extra degrees granted when very near the line
	OppositeTwinDeg    float64       // delta above this means the direction twin
	RouteSearchRadiusM float64       // radius when scoring candidate routes
	ClusterFreshFor    time.Duration // clusters updated within this are joinable
	StickyFor          time.Duration // keep the rider's cluster without re-search
	DriftReleaseM      float64       // distance from centroid that breaks stickiness
	PeersWindow        time.Duration // how recent a peer sample must be
	MemberFreshFor     time.Duration // samples counted when recomputing a cluster
	ConsolidateWindow  time.Duration // post-create duplicate merge: max age gap
	ConsolidateRadiusM float64       // post-create duplicate merge: max distance
}

type Sweep struct {
	Interval      time.Duration
	EmptyAge      time.Duration
	InactivityAge time.Duration
}

type Retry struct {
	Attempts int
	Backoff  time.Duration
}

type Dedup struct {
	TTL        time.Duration
	MaxEntries int
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	// Database URL: prefer DATABASE_URL / PG_DSN, else build from PG* vars
	dsn := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("PG_DSN"),
	)
	if dsn == "" {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		db := os.Getenv("PGDATABASE")
		if db == "" {
			return nil, errors.New("PGDATABASE or DATABASE_URL must be set")
		}
		sslmode := getenvDefault("PGSSLMODE", "disable")
		if pass != "" {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
		} else {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
		}
	} else {
		cfg.DatabaseURL = dsn
	}

	cfg.NATSURL = getenvDefault("NATS_URL", "nats://127.0.0.1:4222")
	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", ":8080")

	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	var err error
	d := &cfg.Detection
	if d.ProximityM, err = getFloat("CLUSTER_PROXIMITY_M", 50); err != nil {
		return nil, err
	}
	if d.WideProximityM, err = getFloat("CLUSTER_WIDE_PROXIMITY_M", 100); err != nil {
		return nil, err
	}
	if d.MinRiders, err = getInt("CLUSTER_MIN_RIDERS", 1); err != nil {
		return nil, err
	}
	if d.CorridorM, err = getFloat("ROUTE_CORRIDOR_M", 80); err != nil {
		return nil, err
	}
	if d.MaxHeadingDeltaDeg, err = getFloat("ROUTE_MAX_HEADING_DELTA_DEG", 120); err != nil {
		return nil, err
	}
	if d.TerminiDeltaDeg, err = getFloat("ROUTE_TERMINI_DELTA_DEG", 90); err != nil {
		return nil, err
	}
	if d.TerminiFraction, err = getFloat("ROUTE_TERMINI_FRACTION", 0.15); err != nil {
		return nil, err
	}
	if d.NearLineM, err = getFloat("ROUTE_NEAR_LINE_M", 20); err != nil {
		return nil, err
	}
	if d.NearLineRelaxDeg, err = getFloat("ROUTE_NEAR_LINE_RELAX_DEG", 60); err != nil {
		return nil, err
	}
	if d.OppositeTwinDeg, err = getFloat("ROUTE_OPPOSITE_TWIN_DEG", 150); err != nil {
		return nil, err
	}
	if d.RouteSearchRadiusM, err = getFloat("ROUTE_SEARCH_RADIUS_M", 100); err != nil {
		return nil, err
	}
	if d.ClusterFreshFor, err = getDuration("CLUSTER_FRESH_SEC", 10*time.Minute); err != nil {
		return nil, err
	}
	if d.StickyFor, err = getDuration("CLUSTER_STICKY_SEC", 5*time.Minute); err != nil {
		return nil, err
	}
	if d.DriftReleaseM, err = getFloat("CLUSTER_DRIFT_RELEASE_M", 500); err != nil {
		return nil, err
	}
	if d.PeersWindow, err = getDuration("PEERS_WINDOW_SEC", 90*time.Second); err != nil {
		return nil, err
	}
	if d.MemberFreshFor, err = getDuration("MEMBER_FRESH_SEC", 2*time.Minute); err != nil {
		return nil, err
	}
	if d.ConsolidateWindow, err = getDuration("CONSOLIDATE_WINDOW_SEC", 10*time.Second); err != nil {
		return nil, err
	}
	if d.ConsolidateRadiusM, err = getFloat("CONSOLIDATE_RADIUS_M", 100); err != nil {
		return nil, err
	}

	s := &cfg.Sweep
	if s.Interval, err = getDuration("SWEEP_INTERVAL_SEC", time.Minute); err != nil {
		return nil, err
	}
	if s.EmptyAge, err = getDuration("SWEEP_EMPTY_AGE_SEC", time.Minute); err != nil {
		return nil, err
	}
	if s.InactivityAge, err = getDuration("SWEEP_INACTIVITY_SEC", 10*time.Minute); err != nil {
		return nil, err
	}

	r := &cfg.Retry
	if r.Attempts, err = getInt("TX_RETRY_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if r.Backoff, err = getDurationMS("TX_RETRY_BACKOFF_MS", 50*time.Millisecond); err != nil {
		return nil, err
	}

	dd := &cfg.Dedup
	if dd.TTL, err = getDurationMS("DEDUP_TTL_MS", 3*time.Second); err != nil {
		return nil, err
	}
	if dd.MaxEntries, err = getInt("DEDUP_MAX_ENTRIES", 100); err != nil {
		return nil, err
	}

	return cfg, nil
}

func getFloat(k string, def float64) (float64, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return f, nil
}

func getInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return n, nil
}

func getDuration(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	sec, err := strconv.Atoi(v)
	if err != nil || sec <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return time.Duration(sec) * time.Second, nil
}

func getDurationMS(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
