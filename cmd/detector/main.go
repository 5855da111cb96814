package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/Hoffylo/CuriTransporteDos/internal/cluster"
	"github.com/Hoffylo/CuriTransporteDos/internal/config"
	"github.com/Hoffylo/CuriTransporteDos/internal/ingest"
	"github.com/Hoffylo/CuriTransporteDos/internal/metrics"
	"github.com/Hoffylo/CuriTransporteDos/internal/publisher"
	"github.com/Hoffylo/CuriTransporteDos/internal/route"
	"github.com/Hoffylo/CuriTransporteDos/internal/spatial"
	"github.com/Hoffylo/CuriTransporteDos/internal/store"
	"github.com/Hoffylo/CuriTransporteDos/internal/sweeper"
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db open error: %v", err)
	}
	defer db.Close()
	if err := store.Ping(ctx, db); err != nil {
		log.Fatalf("db ping error: %v", err)
	}
	if err := store.Migrate(db); err != nil {
		log.Fatalf("migrate error: %v", err)
	}

	// Metrics setup
	var mcol *metrics.Collector
	var metricsSrvCancel context.CancelFunc
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector()
		mctx, mcancel := context.WithCancel(ctx)
		metricsSrvCancel = mcancel
		srv := mcol.Serve(cfg.MetricsAddr)
		go func() {
			<-mctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	pub, err := publisher.NewNATSPublisher(cfg.NATSURL, wrapPublisherMetrics(mcol))
	if err != nil {
		log.Fatalf("nats error: %v", err)
	}
	defer pub.Close()

	runner := &store.TxRunner{
		DB:     db,
		Policy: store.RetryPolicy{Attempts: cfg.Retry.Attempts, Backoff: cfg.Retry.Backoff},
	}
	if mcol != nil {
		runner.OnRetry = mcol.TxRetries.Inc
	}

	pipeline := &ingest.Pipeline{
		Runner: runner,
		Cfg:    cfg.Detection,
		Dedup:  ingest.NewDedupCache(cfg.Dedup),
		Bind: func(q store.Querier) ingest.Deps {
			v := &route.Validator{Geo: geometry{q}, Cfg: cfg.Detection}
			return ingest.Deps{
				Routes:   v,
				Clusters: &cluster.Ops{Q: q, Cfg: cfg.Detection, Corridor: v},
			}
		},
		Published: publishSnapshot(ctx, db, pub),
	}

	sw := sweeper.New(db, cfg.Sweep, mcol)
	sw.Start(ctx)

	api := &ingest.Server{Pipeline: pipeline, DB: db, Metrics: mcol}
	api.Serve(ctx, cfg.HTTPAddr)

	<-ctx.Done()
	sw.Stop()
	if metricsSrvCancel != nil {
		metricsSrvCancel()
	}
	log.Println("shutdown complete")
}

// geometry adapts the spatial query functions to the validator's
// interface, bound to the pipeline's current transaction.
type geometry struct {
	q store.Querier
}

func (g geometry) RouteProbe(ctx context.Context, routeID int64, lat, lon float64) (spatial.Probe, error) {
	return spatial.RouteProbe(ctx, g.q, routeID, lat, lon)
}

func (g geometry) RoutesNear(ctx context.Context, lat, lon, radiusM float64) ([]spatial.Probe, error) {
	return spatial.RoutesNear(ctx, g.q, lat, lon, radiusM)
}

// publishSnapshot builds the post-commit hook that pushes the updated
// cluster to NATS. The remaining-distance query runs on the pool, after
// the transaction is gone.
func publishSnapshot(ctx context.Context, db store.Querier, pub *publisher.NATSPublisher) func(ingest.Outcome) {
	return func(out ingest.Outcome) {
		c := out.Cluster
		snap := publisher.ClusterSnapshot{
			ClusterID:     c.ID,
			RouteID:       c.RouteID,
			VehicleID:     c.VehicleID,
			NearestStopID: c.NearestStopID,
			Lat:           c.CenterLat,
			Lon:           c.CenterLon,
			RiderCount:    c.RiderCount,
			AvgSpeedKmh:   c.AvgSpeedKmh,
			AvgHeadingDeg: c.AvgHeadingDeg,
			UpdatedAt:     c.UpdatedAt,
		}
		if c.RouteID != 0 && out.Match.RouteID == c.RouteID {
			remaining, err := spatial.RemainingOnRoute(ctx, db, c.RouteID, out.Match.Position)
			if err != nil {
				log.Printf("remaining on route %d: %v", c.RouteID, err)
			} else {
				snap.RemainingM = remaining
			}
		}
		if err := pub.PublishCluster(snap); err != nil {
			log.Printf("publish cluster %d: %v", c.ID, err)
		}
	}
}

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return c
}
