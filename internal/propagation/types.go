package propagation

import "time"

// Observer is a ground location in geodetic degrees and meters above the
// WGS-84 ellipsoid.
type Observer struct {
	LatDeg float64
	LonDeg float64
	AltM   float64
}

// LookAngles holds azimuth, elevation, and range from observer to satellite.
type LookAngles struct {
	AzimuthDeg   float64 // 0 = North, clockwise
	ElevationDeg float64 // 0 = horizon, 90 = zenith
	RangeKm      float64
}

// SubPoint is the sub-satellite point at an instant.
type SubPoint struct {
	Time       time.Time `json:"time"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	AltitudeKm float64   `json:"altitude_km"`
	SpeedKmS   float64   `json:"speed_km_s"`
}
