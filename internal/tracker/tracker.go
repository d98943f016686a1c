// Package tracker holds the observer state of the dashboard: the current
// location, the loaded element set, and the passes predicted from both.
//
// Every change goes through a reducer. Location requests carry a monotonically
// increasing token and a new request cancels the one in flight, so the latest
// user intent always wins. Scan results are applied only if the location and
// element set they were computed from are still current.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/star/passwatch/internal/geocode"
	"github.com/star/passwatch/internal/metrics"
	"github.com/star/passwatch/internal/passes"
	"github.com/star/passwatch/internal/propagation"
	"github.com/star/passwatch/internal/repository"
	"github.com/star/passwatch/internal/tle"
)

var (
	// ErrSuperseded is returned when a newer location request replaced this one.
	ErrSuperseded = errors.New("superseded by a newer request")
	// ErrNoElements is returned when no element set has been loaded.
	ErrNoElements = errors.New("no element set loaded")
)

// Geocoder resolves place names and coordinates.
type Geocoder interface {
	Search(ctx context.Context, query string) (geocode.Location, error)
	Reverse(ctx context.Context, lat, lon float64) (string, error)
}

// ElementSource fetches the current element set for a catalog number.
type ElementSource interface {
	Fetch(ctx context.Context, noradID int) (tle.Elements, error)
}

// ElementCache persists fetched element sets between runs.
type ElementCache interface {
	Write(e tle.Elements, ts time.Time) error
	LoadLatest(noradID int) (tle.Elements, time.Time, error)
}

// Config configures a Tracker.
type Config struct {
	NORADID int
	Scan    passes.Config
	// Default is used at startup when no location was persisted.
	Default *geocode.Location
	// MaxElementsAge bounds how old a cached element set may be at startup.
	MaxElementsAge time.Duration
}

// Tracker is safe for concurrent use. A single Tracker serves every client.
type Tracker struct {
	cfg      Config
	geocoder Geocoder
	source   ElementSource
	cache    ElementCache
	repo     repository.LocationRepository
	logger   *slog.Logger
	now      func() time.Time

	mu            sync.Mutex
	m             machine
	cancelResolve context.CancelFunc
	cancelScan    context.CancelFunc
	scanSeq       uint64
	subs          map[chan State]struct{}
	prop          *propagation.SGP4Propagator
	propGen       uint64
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithCache enables warm start from, and writes to, an element cache.
func WithCache(c ElementCache) Option {
	return func(t *Tracker) { t.cache = c }
}

// WithRepository persists resolved locations.
func WithRepository(r repository.LocationRepository) Option {
	return func(t *Tracker) { t.repo = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New creates a Tracker in the idle phase.
func New(cfg Config, geocoder Geocoder, source ElementSource, logger *slog.Logger, opts ...Option) *Tracker {
	if cfg.NORADID == 0 {
		cfg.NORADID = 25544
	}
	if cfg.Scan == (passes.Config{}) {
		cfg.Scan = passes.DefaultConfig()
	}
	t := &Tracker{
		cfg:      cfg,
		geocoder: geocoder,
		source:   source,
		logger:   logger,
		now:      time.Now,
		subs:     make(map[chan State]struct{}),
	}
	t.m.state.Phase = PhaseIdle
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Init restores the last location, warm starts from the element cache and
// then fetches a fresh element set. A failed fetch is reported in the state
// and returned, but a cached set stays in use.
func (t *Tracker) Init(ctx context.Context) error {
	t.restoreLocation(ctx)
	t.warmStart(ctx)
	return t.RefreshElements(ctx)
}

func (t *Tracker) restoreLocation(ctx context.Context) {
	if t.repo != nil {
		entry, err := t.repo.LatestLocation(ctx)
		if err != nil {
			t.logger.Warn("failed to load last location", "error", err)
		}
		if entry != nil {
			t.dispatch(restored{location: entry.Location, source: entry.Source})
			t.logger.Info("restored last location", "label", entry.Location.Label)
			return
		}
	}
	if t.cfg.Default != nil {
		t.dispatch(restored{location: *t.cfg.Default, source: repository.SourceDefault})
	}
}

func (t *Tracker) warmStart(ctx context.Context) {
	if t.cache == nil {
		return
	}
	el, ts, err := t.cache.LoadLatest(t.cfg.NORADID)
	if err != nil {
		t.logger.Debug("no cached element set", "norad_id", t.cfg.NORADID, "error", err)
		return
	}
	if t.cfg.MaxElementsAge > 0 && el.Age(t.now()) > t.cfg.MaxElementsAge {
		t.logger.Info("cached element set too old, ignoring",
			"norad_id", el.NORADID, "epoch", el.Epoch, "max_age", t.cfg.MaxElementsAge)
		return
	}
	t.dispatch(elementsLoaded{elements: el, at: ts, cached: true})
	t.logger.Info("loaded cached element set", "norad_id", el.NORADID, "epoch", el.Epoch)
	t.rescan(ctx)
}

// Search resolves query and makes it the observer location. A blank query
// is a no-op. Failures leave the location unchanged and are reported in the
// state as well as returned.
func (t *Tracker) Search(ctx context.Context, query string) error {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}

	token, rctx, done := t.begin(ctx)
	defer done()

	loc, err := t.geocoder.Search(rctx, query)
	if err != nil {
		phase, reason := PhaseSearchFailed, MsgSearchFailed
		if errors.Is(err, geocode.ErrNotFound) {
			phase, reason = PhaseNotFound, MsgNotFound
		}
		if !t.dispatch(resolveFailed{token: token, phase: phase, reason: reason}) {
			metrics.IncGeocode("search", "superseded")
			return ErrSuperseded
		}
		metrics.IncGeocode("search", string(phase))
		t.logger.Info("location search failed", "query", query, "error", err)
		return err
	}

	if !t.dispatch(located{token: token, location: loc, source: repository.SourceSearch}) {
		metrics.IncGeocode("search", "superseded")
		return ErrSuperseded
	}
	metrics.IncGeocode("search", "ok")
	t.logger.Info("location resolved", "query", query, "label", loc.Label)

	t.persist(rctx, loc, repository.SourceSearch, query)
	t.rescan(rctx)
	return nil
}

// UseDevice makes a device-reported position the observer location. A
// denial is recorded in the state; out-of-range coordinates are rejected
// without touching it.
func (t *Tracker) UseDevice(ctx context.Context, fix geocode.DeviceFix) error {
	lat, lon, err := fix.Coordinates()
	if errors.Is(err, geocode.ErrInvalidCoordinates) {
		metrics.IncGeocode("device", "invalid")
		return err
	}

	token, rctx, done := t.begin(ctx)
	defer done()

	if err != nil {
		if !t.dispatch(resolveFailed{token: token, phase: PhaseDenied, reason: MsgDenied}) {
			return ErrSuperseded
		}
		metrics.IncGeocode("device", "denied")
		return err
	}

	label, rerr := t.geocoder.Reverse(rctx, lat, lon)
	if rerr != nil {
		t.logger.Debug("reverse geocode failed, using coordinates", "error", rerr)
		label = geocode.CoordinateLabel(lat, lon)
	}
	loc := geocode.Location{Latitude: lat, Longitude: lon, Label: label}

	if !t.dispatch(located{token: token, location: loc, source: repository.SourceDevice}) {
		metrics.IncGeocode("device", "superseded")
		return ErrSuperseded
	}
	metrics.IncGeocode("device", "ok")
	t.logger.Info("device location set", "label", label)

	t.persist(rctx, loc, repository.SourceDevice, "")
	t.rescan(rctx)
	return nil
}

// RefreshElements fetches the element set and rescans. On failure the
// previous set, if any, stays loaded.
func (t *Tracker) RefreshElements(ctx context.Context) error {
	start := time.Now()
	el, err := t.source.Fetch(ctx, t.cfg.NORADID)
	if errors.Is(err, context.Canceled) {
		// The caller went away; the source may be fine.
		metrics.IncElementFetch("canceled")
		t.logger.Debug("element fetch canceled", "norad_id", t.cfg.NORADID)
		return err
	}
	if err != nil {
		metrics.IncElementFetch("error")
		t.dispatch(elementsFailed{})
		t.logger.Error("failed to fetch element set", "norad_id", t.cfg.NORADID, "error", err)
		return err
	}
	metrics.IncElementFetch("ok")

	now := t.now()
	t.dispatch(elementsLoaded{elements: el, at: now})
	metrics.SetElementsAge(el.Age(now).Seconds())
	t.logger.Info("element set loaded",
		"norad_id", el.NORADID,
		"epoch", el.Epoch,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if t.cache != nil {
		if err := t.cache.Write(el, now); err != nil {
			t.logger.Warn("failed to cache element set", "error", err)
		}
	}

	t.rescan(ctx)
	return nil
}

// Snapshot returns the current state.
func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.m.state.clone()
}

// Ready reports whether an element set is loaded.
func (t *Tracker) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.m.elements != nil
}

// Elements returns the loaded element set.
func (t *Tracker) Elements() (tle.Elements, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.m.elements == nil {
		return tle.Elements{}, false
	}
	return *t.m.elements, true
}

// ElementsAge returns the age of the loaded element set at now.
func (t *Tracker) ElementsAge(now time.Time) (time.Duration, bool) {
	el, ok := t.Elements()
	if !ok {
		return 0, false
	}
	return el.Age(now), true
}

// Position returns the sub-satellite point of the tracked object at now.
func (t *Tracker) Position(now time.Time) (propagation.SubPoint, error) {
	t.mu.Lock()
	if t.m.elements == nil {
		t.mu.Unlock()
		return propagation.SubPoint{}, ErrNoElements
	}
	if t.prop == nil || t.propGen != t.m.elGen {
		el := t.m.elements
		prop, err := propagation.NewSGP4Propagator(el.Line1, el.Line2, el.NORADID)
		if err != nil {
			t.mu.Unlock()
			return propagation.SubPoint{}, fmt.Errorf("%w: %v", passes.ErrInvalidElements, err)
		}
		t.prop, t.propGen = prop, t.m.elGen
	}
	prop := t.prop
	t.mu.Unlock()

	return prop.SubPoint(now)
}

// RecentLocations returns the persisted location history, newest first.
func (t *Tracker) RecentLocations(ctx context.Context, limit int) ([]repository.LocationEntry, error) {
	if t.repo == nil {
		return nil, nil
	}
	return t.repo.RecentLocations(ctx, limit)
}

// Subscribe returns a channel that receives the current state and then every
// later change. A slow reader only sees the newest state. Call cancel to
// unsubscribe; it closes the channel.
func (t *Tracker) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)

	t.mu.Lock()
	t.subs[ch] = struct{}{}
	ch <- t.m.state.clone()
	t.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, ch)
			close(ch)
			t.mu.Unlock()
		})
	}
	return ch, cancel
}

// begin starts a location request: it issues a token, cancels the request in
// flight and returns a context that the next request will cancel.
func (t *Tracker) begin(ctx context.Context) (uint64, context.Context, func()) {
	rctx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	if t.cancelResolve != nil {
		t.cancelResolve()
	}
	t.cancelResolve = cancel
	t.applyLocked(resolveStarted{})
	token := t.m.token
	t.mu.Unlock()

	return token, rctx, func() {
		t.mu.Lock()
		if t.m.token == token {
			t.cancelResolve = nil
		}
		t.mu.Unlock()
		cancel()
	}
}

func (t *Tracker) persist(ctx context.Context, loc geocode.Location, source repository.Source, query string) {
	if t.repo == nil {
		return
	}
	entry := &repository.LocationEntry{Location: loc, Source: source, Query: query, CreatedAt: t.now()}
	if err := t.repo.SaveLocation(context.WithoutCancel(ctx), entry); err != nil {
		t.logger.Warn("failed to save location", "label", loc.Label, "error", err)
	}
}

// rescan runs a scan if both a location and an element set are present.
// The scan outlives ctx: the result is shared by every client, so only a
// newer scan may cancel it.
func (t *Tracker) rescan(ctx context.Context) {
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	t.mu.Lock()
	if t.m.state.Location == nil || t.m.elements == nil {
		t.mu.Unlock()
		return
	}
	if t.cancelScan != nil {
		t.cancelScan()
	}
	t.scanSeq++
	seq := t.scanSeq
	t.cancelScan = cancel
	locGen, elGen := t.m.locGen, t.m.elGen
	loc, el := *t.m.state.Location, *t.m.elements
	t.applyLocked(scanStarted{locGen: locGen, elGen: elGen})
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		if t.scanSeq == seq {
			t.cancelScan = nil
		}
		t.mu.Unlock()
	}()

	start := time.Now()
	res, err := passes.Predict(sctx, passes.Request{
		Observer: propagation.Observer{LatDeg: loc.Latitude, LonDeg: loc.Longitude},
		Elements: el,
		Start:    t.now(),
		Config:   t.cfg.Scan,
	})
	elapsed := time.Since(start)

	switch {
	case errors.Is(err, passes.ErrInvalidElements):
		metrics.RecordScan("invalid_elements", elapsed, 0, 0)
		t.logger.Error("element set cannot be propagated", "norad_id", el.NORADID, "error", err)
		t.dispatch(scanFailed{locGen: locGen, elGen: elGen, reason: MsgScanFailed})
		return
	case err != nil:
		// Replaced by a newer scan, which owns the state from here.
		metrics.RecordScan("canceled", elapsed, res.Skipped, 0)
		t.logger.Debug("scan superseded", "error", err)
		return
	}

	metrics.RecordScan("ok", elapsed, res.Skipped, len(res.Passes))
	if res.Skipped > 0 {
		t.logger.Warn("scan skipped invalid samples",
			"norad_id", el.NORADID,
			"skipped", res.Skipped,
			"samples", res.Samples,
		)
	}
	if !t.dispatch(scanDone{locGen: locGen, elGen: elGen, result: res, at: t.now()}) {
		t.logger.Debug("discarding stale scan result")
		return
	}
	t.logger.Info("passes predicted",
		"label", loc.Label,
		"passes", len(res.Passes),
		"duration_ms", elapsed.Milliseconds(),
	)
}

func (t *Tracker) dispatch(msg message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.applyLocked(msg)
}

func (t *Tracker) applyLocked(msg message) bool {
	next, ok := reduce(t.m, msg)
	if !ok {
		return false
	}
	next.state.Version = t.m.state.Version + 1
	next.state.UpdatedAt = t.now()
	t.m = next

	for ch := range t.subs {
		offer(ch, next.state.clone())
	}
	return true
}

// offer delivers s, replacing an undelivered older state.
func offer(ch chan State, s State) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}
