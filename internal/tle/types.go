package tle

import "time"

// Elements is a single satellite's two-line element set.
type Elements struct {
	NORADID int       `json:"norad_id"`
	Name    string    `json:"name"`
	Epoch   time.Time `json:"epoch"`
	Line1   string    `json:"line1"`
	Line2   string    `json:"line2"`
}

// Age returns how far now is from the element set epoch.
func (e Elements) Age(now time.Time) time.Duration {
	return now.Sub(e.Epoch)
}
