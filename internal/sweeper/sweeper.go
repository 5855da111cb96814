// Package sweeper retires and removes clusters the pipeline no longer
// touches: stale ones go inactive, long-empty ones get deleted.
package sweeper

import (
	"context"
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/Hoffylo/CuriTransporteDos/internal/config"
	mmetrics "github.com/Hoffylo/CuriTransporteDos/internal/metrics"
	"github.com/Hoffylo/CuriTransporteDos/internal/spatial"
)

type Sweeper struct {
	db      *sql.DB
	cfg     config.Sweep
	metrics *mmetrics.Collector

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(db *sql.DB, cfg config.Sweep, metrics *mmetrics.Collector) *Sweeper {
	return &Sweeper{db: db, cfg: cfg, metrics: metrics}
}

// Start launches the background sweep loop. An immediate sweep runs on
// start so a restart does not wait a full interval to clean up.
func (s *Sweeper) Start(parent context.Context) {
	if s.cfg.Interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Sweep(ctx); err != nil {
			log.Printf("sweep error: %v", err)
		}
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Sweep(ctx); err != nil {
					log.Printf("sweep error: %v", err)
				}
			}
		}
	}()
}

func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Sweep runs both passes once. Each is independently idempotent, so a
// partially failed sweep leaves nothing half-done for the next tick.
func (s *Sweeper) Sweep(ctx context.Context) error {
	start := time.Now()
	retired, err := spatial.DeactivateInactive(ctx, s.db, s.cfg.InactivityAge)
	if err != nil {
		return err
	}
	deleted, err := spatial.DeleteEmptyOlderThan(ctx, s.db, s.cfg.EmptyAge)
	if err != nil {
		return err
	}
	if retired > 0 || deleted > 0 {
		log.Printf("sweep: retired %d inactive, deleted %d empty clusters", retired, deleted)
	}
	if s.metrics != nil {
		s.metrics.SweptInactive.Add(float64(retired))
		s.metrics.SweptEmpty.Add(float64(deleted))
		s.metrics.SweepDuration.Observe(time.Since(start).Seconds())
		if n, err := activeCount(ctx, s.db); err == nil {
			s.metrics.ActiveClusters.Set(float64(n))
		}
	}
	return nil
}

func activeCount(ctx context.Context, db *sql.DB) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM clusters WHERE active`).Scan(&n)
	return n, err
}
