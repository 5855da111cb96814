package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/Hoffylo/CuriTransporteDos/internal/metrics"
	"github.com/Hoffylo/CuriTransporteDos/internal/model"
	"github.com/Hoffylo/CuriTransporteDos/internal/store"
)

// Server is the thin HTTP surface over the pipeline. The real API
// gateway sits in front of it; this only speaks to trusted callers.
type Server struct {
	Pipeline *Pipeline
	DB       *sql.DB
	Metrics  *metrics.Collector
}

type locationBody struct {
	UserID     int64    `json:"userId"`
	AnonToken  string   `json:"anonToken"`
	Lat        float64  `json:"lat"`
	Lon        float64  `json:"lon"`
	SpeedKmh   float64  `json:"speedKmh"`
	HeadingDeg *float64 `json:"headingDeg"`
	AccuracyM  float64  `json:"accuracyM"`
	RouteID    int64    `json:"routeId"`
	Plate      string   `json:"plate"`
	InVehicle  *bool    `json:"inVehicle"` // omitted means in vehicle
}

func (b locationBody) request() Request {
	heading := -1.0
	if b.HeadingDeg != nil {
		heading = *b.HeadingDeg
	}
	inVehicle := true
	if b.InVehicle != nil {
		inVehicle = *b.InVehicle
	}
	return Request{
		Identity:   model.Identity{UserID: b.UserID, AnonToken: b.AnonToken},
		Lat:        b.Lat,
		Lon:        b.Lon,
		SpeedKmh:   b.SpeedKmh,
		HeadingDeg: heading,
		AccuracyM:  b.AccuracyM,
		RouteID:    b.RouteID,
		Plate:      b.Plate,
		InVehicle:  inVehicle,
	}
}

type outcomeBody struct {
	Success        bool         `json:"success"`
	Action         Action       `json:"action"`
	Reason         string       `json:"reason,omitempty"`
	Cluster        *clusterBody `json:"cluster,omitempty"`
	SampleID       int64        `json:"sampleId,omitempty"`
	RouteID        int64        `json:"routeId,omitempty"`
	RouteCorrected bool         `json:"routeCorrected,omitempty"`
	RidersNeeded   int          `json:"ridersNeeded,omitempty"`
}

type clusterBody struct {
	ID            int64   `json:"id"`
	Lat           float64 `json:"lat"`
	Lon           float64 `json:"lon"`
	RiderCount    int     `json:"riderCount"`
	AvgSpeedKmh   float64 `json:"avgSpeedKmh"`
	AvgHeadingDeg float64 `json:"avgHeadingDeg"`
	RouteID       int64   `json:"routeId,omitempty"`
	Active        bool    `json:"active"`
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/locations", s.handleLocation)
	mux.HandleFunc("POST /v1/locations/release", s.handleRelease)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var body locationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	start := time.Now()
	out, err := s.Pipeline.Process(r.Context(), body.request())
	s.observe(out, err, time.Since(start))
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		log.Printf("process location for %s: %v", body.request().Identity, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeOutcome(w, out)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var body locationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	out, err := s.Pipeline.Release(r.Context(), body.request())
	s.observe(out, err, 0)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		log.Printf("release for %s: %v", body.request().Identity, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeOutcome(w, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := store.Ping(r.Context(), s.DB); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) observe(out Outcome, err error, took time.Duration) {
	if s.Metrics == nil || err != nil {
		return
	}
	s.Metrics.Outcomes.WithLabelValues(string(out.Action)).Inc()
	if took > 0 {
		s.Metrics.IngestDuration.Observe(took.Seconds())
	}
	if out.Action == ActionDeduped {
		s.Metrics.DedupHits.Inc()
	}
}

func writeOutcome(w http.ResponseWriter, out Outcome) {
	// Rejections and deviations are ordinary answers, not HTTP errors;
	// only duplicate suppression gets a distinct status.
	status := http.StatusOK
	if out.Action == ActionDeduped {
		status = http.StatusTooManyRequests
	}

	body := outcomeBody{
		Success:        !out.Action.rollsBack() && out.Action != ActionDeduped && out.Action != ActionDeviated,
		Action:         out.Action,
		Reason:         out.Reason,
		SampleID:       out.SampleID,
		RouteID:        out.Match.RouteID,
		RouteCorrected: out.Match.Corrected,
		RidersNeeded:   out.RidersNeeded,
	}
	if out.Cluster != nil {
		body.Cluster = &clusterBody{
			ID:            out.Cluster.ID,
			Lat:           out.Cluster.CenterLat,
			Lon:           out.Cluster.CenterLon,
			RiderCount:    out.Cluster.RiderCount,
			AvgSpeedKmh:   out.Cluster.AvgSpeedKmh,
			AvgHeadingDeg: out.Cluster.AvgHeadingDeg,
			RouteID:       out.Cluster.RouteID,
			Active:        out.Cluster.Active,
		}
	}
	writeJSON(w, status, body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}

// Serve starts the ingest HTTP server on addr and shuts it down when
// ctx ends.
func (s *Server) Serve(ctx context.Context, addr string) *http.Server {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("ingest server error: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Printf("ingest listening on %s", addr)
	return srv
}
