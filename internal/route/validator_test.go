package route

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hoffylo/CuriTransporteDos/internal/config"
	"github.com/Hoffylo/CuriTransporteDos/internal/spatial"
)

type fakeGeometry struct {
	probes map[int64]spatial.Probe
	near   []spatial.Probe
}

func (f *fakeGeometry) RouteProbe(_ context.Context, routeID int64, _, _ float64) (spatial.Probe, error) {
	p, ok := f.probes[routeID]
	if !ok {
		return spatial.Probe{}, spatial.ErrNotFound
	}
	return p, nil
}

func (f *fakeGeometry) RoutesNear(_ context.Context, _, _, _ float64) ([]spatial.Probe, error) {
	return f.near, nil
}

func testDetection() config.Detection {
	return config.Detection{
		CorridorM:          80,
		MaxHeadingDeltaDeg: 120,
		TerminiDeltaDeg:    90,
		TerminiFraction:    0.15,
		NearLineM:          20,
		NearLineRelaxDeg:   60,
		OppositeTwinDeg:    150,
		RouteSearchRadiusM: 100,
	}
}

func TestCheckAcceptsOnCorridorWithGoodHeading(t *testing.T) {
	t.Parallel()

	v := &Validator{
		Geo: &fakeGeometry{probes: map[int64]spatial.Probe{
			7: {RouteID: 7, Position: 0.5, DistanceM: 40, BearingDeg: 90},
		}},
		Cfg: testDetection(),
	}
	m, err := v.Check(context.Background(), 7, 0, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(7), m.RouteID)
	assert.False(t, m.Corrected)
	assert.InDelta(t, 10, m.HeadingDeltaDeg, 1e-9)
}

func TestCheckUnknownRoute(t *testing.T) {
	t.Parallel()

	v := &Validator{Geo: &fakeGeometry{}, Cfg: testDetection()}
	_, err := v.Check(context.Background(), 99, 0, 0, 90)
	assert.ErrorIs(t, err, ErrRouteNotFound)
}

func TestCheckSkipsDirectionWhenHeadingUnknown(t *testing.T) {
	t.Parallel()

	v := &Validator{
		Geo: &fakeGeometry{probes: map[int64]spatial.Probe{
			7: {RouteID: 7, Position: 0.5, DistanceM: 40, BearingDeg: 90},
		}},
		Cfg: testDetection(),
	}
	m, err := v.Check(context.Background(), 7, 0, 0, -1)
	require.NoError(t, err)
	assert.Zero(t, m.HeadingDeltaDeg)
}

func TestCheckCorrectsToOppositeTwin(t *testing.T) {
	t.Parallel()

	// Rider claims route 7 but moves against it; the direction twin 8
	// runs the other way on a nearby line and should win the search.
	v := &Validator{
		Geo: &fakeGeometry{
			probes: map[int64]spatial.Probe{
				7: {RouteID: 7, Position: 0.5, DistanceM: 30, BearingDeg: 90},
			},
			near: []spatial.Probe{
				{RouteID: 7, Position: 0.5, DistanceM: 30, BearingDeg: 90},
				{RouteID: 8, Position: 0.5, DistanceM: 35, BearingDeg: 270},
			},
		},
		Cfg: testDetection(),
	}
	m, err := v.Check(context.Background(), 7, 0, 0, 265)
	require.NoError(t, err)
	assert.Equal(t, int64(8), m.RouteID)
	assert.True(t, m.Corrected)
}

func TestCheckOffCorridorNoAlternative(t *testing.T) {
	t.Parallel()

	v := &Validator{
		Geo: &fakeGeometry{probes: map[int64]spatial.Probe{
			7: {RouteID: 7, Position: 0.5, DistanceM: 300, BearingDeg: 90},
		}},
		Cfg: testDetection(),
	}
	_, err := v.Check(context.Background(), 7, 0, 0, 90)
	var dev *DeviationError
	require.ErrorAs(t, err, &dev)
	assert.Equal(t, ReasonOffRoute, dev.Reason)
}

func TestCheckWrongDirectionNoAlternative(t *testing.T) {
	t.Parallel()

	v := &Validator{
		Geo: &fakeGeometry{
			probes: map[int64]spatial.Probe{
				7: {RouteID: 7, Position: 0.5, DistanceM: 60, BearingDeg: 90},
			},
			near: []spatial.Probe{
				{RouteID: 7, Position: 0.5, DistanceM: 60, BearingDeg: 90},
			},
		},
		Cfg: testDetection(),
	}
	_, err := v.Check(context.Background(), 7, 0, 0, 270)
	var dev *DeviationError
	require.ErrorAs(t, err, &dev)
	assert.Equal(t, ReasonWrongDirection, dev.Reason)
}

func TestMaxDeltaTightensNearTermini(t *testing.T) {
	t.Parallel()

	v := &Validator{
		Geo: &fakeGeometry{
			probes: map[int64]spatial.Probe{
				// Position past 0.85 tightens the tolerance to 90; a
				// 100 degree delta that would pass mid-route now fails.
				7: {RouteID: 7, Position: 0.9, DistanceM: 60, BearingDeg: 0},
			},
		},
		Cfg: testDetection(),
	}
	_, err := v.Check(context.Background(), 7, 0, 0, 100)
	var dev *DeviationError
	require.ErrorAs(t, err, &dev)
}

func TestMaxDeltaRelaxesOnTheLine(t *testing.T) {
	t.Parallel()

	// With no acceptable route anywhere nearby, a fix within NearLineM
	// of the claimed line gains 60 degrees of tolerance, so a 130 degree
	// delta still passes mid-route.
	v := &Validator{
		Geo: &fakeGeometry{
			probes: map[int64]spatial.Probe{
				7: {RouteID: 7, Position: 0.5, DistanceM: 10, BearingDeg: 0},
			},
		},
		Cfg: testDetection(),
	}
	m, err := v.Check(context.Background(), 7, 0, 0, 130)
	require.NoError(t, err)
	assert.Equal(t, int64(7), m.RouteID)
	assert.False(t, m.Corrected)
}

func TestAlternateBeatsNearLineRelaxation(t *testing.T) {
	t.Parallel()

	// The rider sits on the claimed line but a nearby route matches
	// their direction within the normal tolerance. The correction wins;
	// the relaxed tolerance is a last resort, not a first pass.
	v := &Validator{
		Geo: &fakeGeometry{
			probes: map[int64]spatial.Probe{
				7: {RouteID: 7, Position: 0.5, DistanceM: 10, BearingDeg: 0},
			},
			near: []spatial.Probe{
				{RouteID: 7, Position: 0.5, DistanceM: 10, BearingDeg: 0},
				{RouteID: 9, Position: 0.5, DistanceM: 25, BearingDeg: 120},
			},
		},
		Cfg: testDetection(),
	}
	m, err := v.Check(context.Background(), 7, 0, 0, 130)
	require.NoError(t, err)
	assert.Equal(t, int64(9), m.RouteID)
	assert.True(t, m.Corrected)
}
