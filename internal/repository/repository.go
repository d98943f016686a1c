package repository

import (
	"context"
	"time"

	"github.com/star/passwatch/internal/geocode"
)

// Source says how an observer location was obtained.
type Source string

const (
	SourceSearch  Source = "search"
	SourceDevice  Source = "device"
	SourceDefault Source = "default"
)

// LocationEntry is one resolved observer location in the history.
type LocationEntry struct {
	ID        int64            `json:"id"`
	Location  geocode.Location `json:"location"`
	Source    Source           `json:"source"`
	Query     string           `json:"query,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

type LocationRepository interface {
	SaveLocation(ctx context.Context, e *LocationEntry) error
	LatestLocation(ctx context.Context) (*LocationEntry, error)
	RecentLocations(ctx context.Context, limit int) ([]LocationEntry, error)
}
