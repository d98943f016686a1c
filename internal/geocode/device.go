package geocode

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrPermissionDenied means the client could not or would not share its position.
	ErrPermissionDenied = errors.New("location permission denied or unavailable")
	// ErrInvalidCoordinates means a latitude or longitude is out of range.
	ErrInvalidCoordinates = errors.New("invalid coordinates")
)

// DeviceFix is what a client reports from its platform location API.
// Denied is set when the platform refused or lacks support.
type DeviceFix struct {
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Denied    bool     `json:"denied,omitempty"`
}

// Coordinates returns the reported position, or ErrPermissionDenied when the
// client reported a denial or sent no position at all.
func (f DeviceFix) Coordinates() (float64, float64, error) {
	if f.Denied || f.Latitude == nil || f.Longitude == nil {
		return 0, 0, ErrPermissionDenied
	}
	if err := ValidateCoordinates(*f.Latitude, *f.Longitude); err != nil {
		return 0, 0, err
	}
	return *f.Latitude, *f.Longitude, nil
}

// ValidateCoordinates checks latitude and longitude ranges in degrees.
func ValidateCoordinates(lat, lon float64) error {
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude %v", ErrInvalidCoordinates, lat)
	}
	if math.IsNaN(lon) || lon < -180 || lon > 180 {
		return fmt.Errorf("%w: longitude %v", ErrInvalidCoordinates, lon)
	}
	return nil
}

// CoordinateLabel formats a position for use when no place name is known.
func CoordinateLabel(lat, lon float64) string {
	ns, ew := "N", "E"
	if lat < 0 {
		ns = "S"
	}
	if lon < 0 {
		ew = "W"
	}
	return fmt.Sprintf("%.4f°%s, %.4f°%s", math.Abs(lat), ns, math.Abs(lon), ew)
}
