// Package route validates that a rider's position and movement are
// consistent with a claimed route, correcting the claim to a better
// matching route when the evidence says so.
package route

import (
	"context"
	"errors"
	"fmt"

	"github.com/Hoffylo/CuriTransporteDos/internal/config"
	"github.com/Hoffylo/CuriTransporteDos/internal/geo"
	"github.com/Hoffylo/CuriTransporteDos/internal/spatial"
)

// ErrRouteNotFound marks a claimed route id that does not exist.
var ErrRouteNotFound = errors.New("route: not found")

// Deviation reasons.
const (
	ReasonOffRoute       = "OFF_ROUTE"
	ReasonWrongDirection = "WRONG_DIRECTION"
)

// DeviationError means the sample could not be placed on any acceptable
// route: the rider has left the corridor or moves against it.
type DeviationError struct {
	Reason string
}

func (e *DeviationError) Error() string { return "route deviation: " + e.Reason }

// Match is a sample successfully placed on a route. Corrected is set
// when the accepted route differs from the claimed one.
type Match struct {
	RouteID         int64
	Outbound        bool
	Position        float64
	DistanceM       float64
	HeadingDeltaDeg float64
	Corrected       bool
}

// Geometry is the slice of the spatial layer the validator needs.
type Geometry interface {
	RouteProbe(ctx context.Context, routeID int64, lat, lon float64) (spatial.Probe, error)
	RoutesNear(ctx context.Context, lat, lon, radiusM float64) ([]spatial.Probe, error)
}

// A score at or above this means the candidate's direction check
// failed; such candidates only win when nothing better exists, and are
// then rejected outright.
const badDirectionPenalty = 1000

type Validator struct {
	Geo Geometry
	Cfg config.Detection
}

// Check places the sample on its claimed route, or on the best nearby
// alternative when the claim fails the corridor or direction test.
// A heading below zero means the device reported none; direction is
// then not checked.
func (v *Validator) Check(ctx context.Context, routeID int64, lat, lon, headingDeg float64) (Match, error) {
	p, err := v.Geo.RouteProbe(ctx, routeID, lat, lon)
	if errors.Is(err, spatial.ErrNotFound) {
		return Match{}, ErrRouteNotFound
	}
	if err != nil {
		return Match{}, fmt.Errorf("probe claimed route: %w", err)
	}

	delta, checked := headingDelta(p, headingDeg)
	if p.DistanceM <= v.Cfg.CorridorM && (!checked || delta <= v.maxDeltaAt(p)) {
		return matchOf(p, delta, false), nil
	}

	// The claim failed; score every route nearby and take the best.
	best, ok, err := v.bestRoute(ctx, lat, lon, headingDeg)
	if err != nil {
		return Match{}, err
	}
	if ok && best.RouteID != routeID {
		bestDelta, _ := headingDelta(best, headingDeg)
		return matchOf(best, bestDelta, true), nil
	}

	// No acceptable alternate. A fix sitting practically on the claimed
	// line earns the relaxed direction tolerance, and only now: GPS
	// bearing is noisy at low displacement.
	if checked && p.DistanceM < v.Cfg.NearLineM && delta <= v.maxDeltaAt(p)+v.Cfg.NearLineRelaxDeg {
		return matchOf(p, delta, false), nil
	}

	reason := ReasonOffRoute
	if p.DistanceM <= v.Cfg.CorridorM {
		reason = ReasonWrongDirection
	}
	return Match{}, &DeviationError{Reason: reason}
}

// BestRoute scores all routes near the point and returns the winner,
// for callers with no claimed route at all.
func (v *Validator) BestRoute(ctx context.Context, lat, lon, headingDeg float64) (Match, error) {
	best, ok, err := v.bestRoute(ctx, lat, lon, headingDeg)
	if err != nil {
		return Match{}, err
	}
	if !ok {
		return Match{}, &DeviationError{Reason: ReasonOffRoute}
	}
	delta, _ := headingDelta(best, headingDeg)
	return matchOf(best, delta, false), nil
}

func (v *Validator) bestRoute(ctx context.Context, lat, lon, headingDeg float64) (spatial.Probe, bool, error) {
	probes, err := v.Geo.RoutesNear(ctx, lat, lon, v.Cfg.RouteSearchRadiusM)
	if err != nil {
		return spatial.Probe{}, false, fmt.Errorf("search routes: %w", err)
	}

	var best spatial.Probe
	bestScore := float64(badDirectionPenalty)
	for _, p := range probes {
		if p.DistanceM > v.Cfg.CorridorM {
			continue
		}
		score := p.DistanceM
		if delta, checked := headingDelta(p, headingDeg); checked {
			if delta > v.Cfg.OppositeTwinDeg {
				// Moving against the line; this is the other twin of
				// the pair, never a candidate at any distance.
				continue
			}
			if delta > v.maxDeltaAt(p) {
				score += badDirectionPenalty
			} else {
				score += delta
			}
		}
		if score < bestScore {
			bestScore = score
			best = p
		}
	}
	return best, bestScore < badDirectionPenalty, nil
}

// maxDeltaAt is the heading tolerance at this spot on the line: tighter
// near the termini where the twins overlap and the bearing flips.
func (v *Validator) maxDeltaAt(p spatial.Probe) float64 {
	if p.Position < v.Cfg.TerminiFraction || p.Position > 1-v.Cfg.TerminiFraction {
		return v.Cfg.TerminiDeltaDeg
	}
	return v.Cfg.MaxHeadingDeltaDeg
}

func headingDelta(p spatial.Probe, headingDeg float64) (float64, bool) {
	if headingDeg < 0 {
		return 0, false
	}
	return geo.HeadingDelta(p.BearingDeg, headingDeg), true
}

func matchOf(p spatial.Probe, delta float64, corrected bool) Match {
	return Match{
		RouteID:         p.RouteID,
		Outbound:        p.Outbound,
		Position:        p.Position,
		DistanceM:       p.DistanceM,
		HeadingDeltaDeg: delta,
		Corrected:       corrected,
	}
}
