package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	Outcomes *prometheus.CounterVec // action label: CREATED|JOINED_EXISTING|...

	IngestDuration prometheus.Histogram
	TxRetries      prometheus.Counter
	DedupHits      prometheus.Counter

	ActiveClusters prometheus.Gauge

	SweptInactive prometheus.Counter
	SweptEmpty    prometheus.Counter
	SweepDuration prometheus.Histogram

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "detector_outcomes_total",
			Help: "Location reports processed, by pipeline outcome.",
		}, []string{"action"}),
		IngestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "detector_ingest_duration_seconds",
			Help:    "Duration of one report through the pipeline.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		TxRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "detector_tx_retries_total",
			Help: "Transactions re-run after serialization conflicts.",
		}),
		DedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "detector_dedup_hits_total",
			Help: "Reports suppressed as duplicates of a recent fix.",
		}),
		ActiveClusters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "detector_active_clusters",
			Help: "Active clusters as of the last sweep.",
		}),
		SweptInactive: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "detector_swept_inactive_total",
			Help: "Clusters retired by the sweeper for inactivity.",
		}),
		SweptEmpty: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "detector_swept_empty_total",
			Help: "Empty clusters deleted by the sweeper.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "detector_sweep_duration_seconds",
			Help:    "Duration of one full sweep.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "detector_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "detector_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "detector_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
	}

	// Register
	reg.MustRegister(
		c.Outcomes, c.IngestDuration, c.TxRetries, c.DedupHits,
		c.ActiveClusters, c.SweptInactive, c.SweptEmpty, c.SweepDuration,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
	)

	return c
}

// Publisher-facing adapters.
func (c *Collector) NATSPublishedInc()  { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc() { c.NATSPublishErrs.Inc() }
func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}
