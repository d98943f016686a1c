package propagation

import (
	"fmt"
	"math"
	"strings"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"
)

// SGP4 library choice: github.com/joshuaferrara/go-satellite
//
// Pure Go, explicit TEME output, and it ships the look-angle and sub-point
// helpers the pass scan needs.
//
// Propagate() takes Satellite by value so SGP4 error codes are not visible
// to the caller. Failures are detected by checking output for NaN/Inf and
// unreasonable position magnitudes.

const (
	deg2rad = math.Pi / 180.0
	rad2deg = 180.0 / math.Pi
)

// SGP4Propagator wraps the go-satellite library for a single satellite.
// A value is read-only after construction and safe for concurrent use.
type SGP4Propagator struct {
	sat     satellite.Satellite
	noradID int
}

// NewSGP4Propagator creates an SGP4 propagator from TLE lines.
//
// Pre-validates TLE format before passing to the library, because go-satellite
// calls log.Fatal on malformed input (which would kill the process).
func NewSGP4Propagator(line1, line2 string, noradID int) (*SGP4Propagator, error) {
	line1 = strings.TrimSpace(line1)
	line2 = strings.TrimSpace(line2)
	if err := validateTLELines(line1, line2); err != nil {
		return nil, fmt.Errorf("invalid TLE for NORAD %d: %w", noradID, err)
	}

	sat := satellite.TLEToSat(line1, line2, satellite.GravityWGS84)
	if sat.Error != 0 {
		return nil, fmt.Errorf("sgp4 init failed for NORAD %d: code=%d %s", noradID, sat.Error, sat.ErrorStr)
	}
	return &SGP4Propagator{sat: sat, noradID: noradID}, nil
}

// NORADID returns the catalog number this propagator was built for.
func (p *SGP4Propagator) NORADID() int {
	return p.noradID
}

func validateTLELines(line1, line2 string) error {
	if len(line1) != 69 {
		return fmt.Errorf("line1 length %d, expected 69", len(line1))
	}
	if len(line2) != 69 {
		return fmt.Errorf("line2 length %d, expected 69", len(line2))
	}
	if line1[0] != '1' {
		return fmt.Errorf("line1 must start with '1', got '%c'", line1[0])
	}
	if line2[0] != '2' {
		return fmt.Errorf("line2 must start with '2', got '%c'", line2[0])
	}
	return nil
}

// eci propagates to t and returns the TEME position (km) and velocity (km/s).
func (p *SGP4Propagator) eci(t time.Time) (satellite.Vector3, satellite.Vector3, error) {
	t = t.UTC()
	pos, vel := satellite.Propagate(p.sat, t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second())

	if math.IsNaN(pos.X) || math.IsNaN(pos.Y) || math.IsNaN(pos.Z) ||
		math.IsInf(pos.X, 0) || math.IsInf(pos.Y, 0) || math.IsInf(pos.Z, 0) {
		return pos, vel, fmt.Errorf("sgp4 propagation failed for NORAD %d: output is NaN/Inf", p.noradID)
	}

	// Position magnitude should be between ~6200km and ~50000km.
	mag := math.Sqrt(pos.X*pos.X + pos.Y*pos.Y + pos.Z*pos.Z)
	if mag < 6200.0 || mag > 50000.0 {
		return pos, vel, fmt.Errorf("sgp4 propagation failed for NORAD %d: unreasonable position magnitude %.1f km", p.noradID, mag)
	}
	return pos, vel, nil
}

// LookAngles computes azimuth, elevation and range from obs to the satellite at t.
func (p *SGP4Propagator) LookAngles(obs Observer, t time.Time) (LookAngles, error) {
	pos, _, err := p.eci(t)
	if err != nil {
		return LookAngles{}, err
	}

	t = t.UTC()
	jday := satellite.JDay(t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second())
	coords := satellite.LatLong{Latitude: obs.LatDeg * deg2rad, Longitude: obs.LonDeg * deg2rad}
	la := satellite.ECIToLookAngles(pos, coords, obs.AltM/1000.0, jday)

	if math.IsNaN(la.El) || math.IsNaN(la.Az) || math.IsInf(la.Rg, 0) {
		return LookAngles{}, fmt.Errorf("look angles for NORAD %d are not finite", p.noradID)
	}

	az := math.Mod(la.Az*rad2deg, 360)
	if az < 0 {
		az += 360
	}
	return LookAngles{
		AzimuthDeg:   az,
		ElevationDeg: la.El * rad2deg,
		RangeKm:      la.Rg,
	}, nil
}

// SubPoint returns the geodetic point directly below the satellite at t.
func (p *SGP4Propagator) SubPoint(t time.Time) (SubPoint, error) {
	pos, _, err := p.eci(t)
	if err != nil {
		return SubPoint{}, err
	}

	t = t.UTC()
	gmst := satellite.GSTimeFromDate(t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second())
	alt, speed, ll := satellite.ECIToLLA(pos, gmst)

	return SubPoint{
		Time:       t,
		Latitude:   ll.Latitude * rad2deg,
		Longitude:  normalizeLon(ll.Longitude * rad2deg),
		AltitudeKm: alt,
		SpeedKmS:   speed,
	}, nil
}

// normalizeLon wraps a longitude in degrees into [-180, 180).
func normalizeLon(lon float64) float64 {
	lon = math.Mod(lon+180, 360)
	if lon < 0 {
		lon += 360
	}
	return lon - 180
}
