// Package passes turns a sampled elevation signal into discrete visibility
// windows for a ground observer.
//
// The scan walks forward from a start instant at a fixed step. A pass opens on
// the first sample above the threshold and closes on the first sample back at
// or below it. Invalid samples are skipped without changing scan state.
package passes

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidThreshold is returned for an elevation threshold outside [0, 90).
var ErrInvalidThreshold = errors.New("elevation threshold must be at least 0 and below 90 degrees")

// Trailing selects what happens to a pass still open when the horizon elapses.
type Trailing int

const (
	// DiscardTrailing drops a pass that has not set by the end of the horizon.
	DiscardTrailing Trailing = iota
	// CloseAtHorizon ends an open pass at the last sample of the horizon.
	CloseAtHorizon
)

func (t Trailing) String() string {
	switch t {
	case CloseAtHorizon:
		return "close_at_horizon"
	default:
		return "discard"
	}
}

// Config bounds a single scan.
type Config struct {
	Horizon      time.Duration
	Step         time.Duration
	ThresholdDeg float64
	MaxPasses    int
	Trailing     Trailing
}

// DefaultConfig is two days at one-minute resolution, 10° threshold, five passes.
func DefaultConfig() Config {
	return Config{
		Horizon:      48 * time.Hour,
		Step:         60 * time.Second,
		ThresholdDeg: 10,
		MaxPasses:    5,
		Trailing:     DiscardTrailing,
	}
}

// ValidThreshold reports whether deg can serve as an elevation threshold.
func ValidThreshold(deg float64) bool {
	return deg >= 0 && deg < 90
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Horizon <= 0 {
		c.Horizon = d.Horizon
	}
	if c.Step <= 0 {
		c.Step = d.Step
	}
	if c.MaxPasses <= 0 {
		c.MaxPasses = d.MaxPasses
	}
	return c
}

// Pass is one visibility window.
type Pass struct {
	StartTime           time.Time `json:"start_time"`
	EndTime             time.Time `json:"end_time"`
	DurationMinutes     float64   `json:"duration_minutes"`
	MaxElevationDegrees float64   `json:"max_elevation_degrees"`
	MaxElevationTime    time.Time `json:"max_elevation_time"`
}

// Result is the output of a scan.
type Result struct {
	Passes  []Pass `json:"passes"`
	Samples int    `json:"samples"` // samples with a valid elevation
	Skipped int    `json:"skipped"` // samples with no valid elevation
}

// Sampler yields the elevation in degrees of the tracked object at t.
// An error marks the sample as invalid.
type Sampler interface {
	ElevationAt(t time.Time) (float64, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(t time.Time) (float64, error)

// ElevationAt calls f(t).
func (f SamplerFunc) ElevationAt(t time.Time) (float64, error) {
	return f(t)
}

// Scan samples s from start to start+cfg.Horizon and groups contiguous
// above-threshold samples into passes, earliest first. It stops once
// cfg.MaxPasses passes are recorded. On context cancellation the passes found
// so far are returned together with the context error.
func Scan(ctx context.Context, s Sampler, start time.Time, cfg Config) (Result, error) {
	cfg = cfg.withDefaults()
	end := start.Add(cfg.Horizon)

	var (
		res     Result
		open    bool
		cur     Pass
		lastT   time.Time
		lastSet bool
	)

	for t := start; !t.After(end); t = t.Add(cfg.Step) {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		el, err := s.ElevationAt(t)
		if err != nil {
			res.Skipped++
			continue
		}
		res.Samples++
		lastT, lastSet = t, true

		above := el > cfg.ThresholdDeg
		switch {
		case above && !open:
			open = true
			cur = Pass{StartTime: t, MaxElevationDegrees: el, MaxElevationTime: t}
		case above && open:
			if el > cur.MaxElevationDegrees {
				cur.MaxElevationDegrees = el
				cur.MaxElevationTime = t
			}
		case !above && open:
			open = false
			res.Passes = append(res.Passes, finish(cur, t))
			if len(res.Passes) >= cfg.MaxPasses {
				return res, nil
			}
		}
	}

	if open && cfg.Trailing == CloseAtHorizon && lastSet && lastT.After(cur.StartTime) {
		res.Passes = append(res.Passes, finish(cur, lastT))
	}
	return res, nil
}

func finish(p Pass, end time.Time) Pass {
	p.EndTime = end
	p.DurationMinutes = end.Sub(p.StartTime).Minutes()
	return p
}
