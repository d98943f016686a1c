package passes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/star/passwatch/internal/propagation"
	"github.com/star/passwatch/internal/tle"
)

// ErrInvalidElements is returned when an element set cannot initialize SGP4.
var ErrInvalidElements = errors.New("invalid element set")

// Request holds the parameters for a pass prediction.
type Request struct {
	Observer propagation.Observer
	Elements tle.Elements
	Start    time.Time
	Config   Config
}

// sightline samples a propagator's elevation as seen from one observer.
type sightline struct {
	prop *propagation.SGP4Propagator
	obs  propagation.Observer
}

func (s sightline) ElevationAt(t time.Time) (float64, error) {
	la, err := s.prop.LookAngles(s.obs, t)
	if err != nil {
		return 0, err
	}
	return la.ElevationDeg, nil
}

// ForObserver returns a Sampler of prop's elevation above obs's horizon.
func ForObserver(prop *propagation.SGP4Propagator, obs propagation.Observer) Sampler {
	return sightline{prop: prop, obs: obs}
}

// Predict propagates req.Elements with SGP4 and scans for passes over
// req.Observer starting at req.Start.
func Predict(ctx context.Context, req Request) (Result, error) {
	prop, err := propagation.NewSGP4Propagator(req.Elements.Line1, req.Elements.Line2, req.Elements.NORADID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidElements, err)
	}
	return Scan(ctx, ForObserver(prop, req.Observer), req.Start, req.Config)
}
