package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/star/passwatch/internal/geocode"
	"github.com/star/passwatch/internal/passes"
	"github.com/star/passwatch/internal/repository"
	"github.com/star/passwatch/internal/tle"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	testLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))

	issElements = tle.Elements{
		NORADID: 25544,
		Name:    "ISS (ZARYA)",
		Line1:   "1 25544U 98067A   25045.18032407  .00016717  00000+0  30099-3 0  9993",
		Line2:   "2 25544  51.6412 193.5765 0003457 126.2851 233.8519 15.49874301495058",
		Epoch:   time.Date(2025, 2, 14, 4, 19, 40, 0, time.UTC),
	}

	nyc     = geocode.Location{Latitude: 40.7128, Longitude: -74.006, Label: "New York, United States"}
	testNow = time.Date(2025, 2, 14, 12, 0, 0, 0, time.UTC)
)

type fakeGeocoder struct {
	calls   atomic.Int32
	search  func(ctx context.Context, query string) (geocode.Location, error)
	reverse func(ctx context.Context, lat, lon float64) (string, error)
}

func (f *fakeGeocoder) Search(ctx context.Context, query string) (geocode.Location, error) {
	f.calls.Add(1)
	return f.search(ctx, query)
}

func (f *fakeGeocoder) Reverse(ctx context.Context, lat, lon float64) (string, error) {
	if f.reverse == nil {
		return "", geocode.ErrNotFound
	}
	return f.reverse(ctx, lat, lon)
}

type fakeSource struct {
	elements tle.Elements
	err      error
}

func (f *fakeSource) Fetch(ctx context.Context, noradID int) (tle.Elements, error) {
	if f.err != nil {
		return tle.Elements{}, f.err
	}
	return f.elements, nil
}

type fakeCache struct {
	mu      sync.Mutex
	stored  []tle.Elements
	preload *tle.Elements
}

func (f *fakeCache) Write(e tle.Elements, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored = append(f.stored, e)
	return nil
}

func (f *fakeCache) LoadLatest(noradID int) (tle.Elements, time.Time, error) {
	if f.preload == nil {
		return tle.Elements{}, time.Time{}, errors.New("empty")
	}
	return *f.preload, testNow.Add(-time.Hour), nil
}

type memRepo struct {
	mu      sync.Mutex
	entries []repository.LocationEntry
}

func (r *memRepo) SaveLocation(ctx context.Context, e *repository.LocationEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.ID = int64(len(r.entries) + 1)
	r.entries = append(r.entries, *e)
	return nil
}

func (r *memRepo) LatestLocation(ctx context.Context) (*repository.LocationEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		return nil, nil
	}
	e := r.entries[len(r.entries)-1]
	return &e, nil
}

func (r *memRepo) RecentLocations(ctx context.Context, limit int) ([]repository.LocationEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []repository.LocationEntry
	for i := len(r.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.entries[i])
	}
	return out, nil
}

func staticSearch(loc geocode.Location) func(context.Context, string) (geocode.Location, error) {
	return func(ctx context.Context, query string) (geocode.Location, error) {
		return loc, nil
	}
}

func newTestTracker(g *fakeGeocoder, src *fakeSource, opts ...Option) *Tracker {
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return New(Config{NORADID: 25544}, g, src, testLogger, opts...)
}

func checkPasses(t *testing.T, ps []passes.Pass) {
	t.Helper()
	if len(ps) > 5 {
		t.Errorf("got %d passes, max is 5", len(ps))
	}
	for i, p := range ps {
		if !p.EndTime.After(p.StartTime) {
			t.Errorf("pass %d: end %v not after start %v", i, p.EndTime, p.StartTime)
		}
		if p.MaxElevationDegrees < 10 {
			t.Errorf("pass %d: max elevation %.2f below threshold", i, p.MaxElevationDegrees)
		}
		if i > 0 && !p.StartTime.After(ps[i-1].StartTime) {
			t.Errorf("pass %d not after pass %d", i, i-1)
		}
	}
}

func TestSearchScansAndPersists(t *testing.T) {
	repo := &memRepo{}
	cache := &fakeCache{}
	g := &fakeGeocoder{search: staticSearch(nyc)}
	tr := newTestTracker(g, &fakeSource{elements: issElements}, WithRepository(repo), WithCache(cache))

	if err := tr.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if !tr.Ready() {
		t.Fatal("tracker not ready after elements loaded")
	}
	if st := tr.Snapshot(); st.Phase != PhaseIdle || st.Location != nil {
		t.Fatalf("before search: phase=%s location=%v", st.Phase, st.Location)
	}

	if err := tr.Search(context.Background(), "New York"); err != nil {
		t.Fatalf("Search: %v", err)
	}

	st := tr.Snapshot()
	if st.Phase != PhaseScanned {
		t.Errorf("phase = %s, want scanned", st.Phase)
	}
	if st.Loading || st.Error != "" {
		t.Errorf("loading=%v error=%q", st.Loading, st.Error)
	}
	if st.Location == nil || *st.Location != nyc {
		t.Errorf("location = %+v", st.Location)
	}
	if len(st.Passes) == 0 {
		t.Error("expected ISS passes over New York")
	}
	checkPasses(t, st.Passes)

	recent, err := tr.RecentLocations(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentLocations: %v", err)
	}
	if len(recent) != 1 || recent[0].Query != "New York" || recent[0].Source != repository.SourceSearch {
		t.Errorf("recent = %+v", recent)
	}
	if len(cache.stored) != 1 {
		t.Errorf("cached %d element sets, want 1", len(cache.stored))
	}
}

func TestSearchEmptyQueryIsNoop(t *testing.T) {
	g := &fakeGeocoder{search: staticSearch(nyc)}
	tr := newTestTracker(g, &fakeSource{elements: issElements})
	before := tr.Snapshot()

	for _, q := range []string{"", "   "} {
		if err := tr.Search(context.Background(), q); err != nil {
			t.Errorf("Search(%q) = %v, want nil", q, err)
		}
	}

	if g.calls.Load() != 0 {
		t.Errorf("geocoder called %d times", g.calls.Load())
	}
	if after := tr.Snapshot(); after.Version != before.Version {
		t.Errorf("version changed from %d to %d", before.Version, after.Version)
	}
}

func TestSearchNotFoundKeepsLocation(t *testing.T) {
	g := &fakeGeocoder{search: func(ctx context.Context, query string) (geocode.Location, error) {
		if query == "Qqqzzz123" {
			return geocode.Location{}, geocode.ErrNotFound
		}
		return nyc, nil
	}}
	tr := newTestTracker(g, &fakeSource{elements: issElements})
	ctx := context.Background()

	if err := tr.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := tr.Search(ctx, "New York"); err != nil {
		t.Fatalf("Search: %v", err)
	}
	prev := tr.Snapshot()

	err := tr.Search(ctx, "Qqqzzz123")
	if !errors.Is(err, geocode.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	st := tr.Snapshot()
	if st.Error != "Location not found." {
		t.Errorf("error = %q", st.Error)
	}
	if st.Phase != PhaseNotFound {
		t.Errorf("phase = %s", st.Phase)
	}
	if st.Location == nil || *st.Location != *prev.Location {
		t.Errorf("location changed to %+v", st.Location)
	}
	if len(st.Passes) != len(prev.Passes) {
		t.Errorf("passes changed from %d to %d", len(prev.Passes), len(st.Passes))
	}
}

func TestSearchFailed(t *testing.T) {
	g := &fakeGeocoder{search: func(ctx context.Context, query string) (geocode.Location, error) {
		return geocode.Location{}, fmt.Errorf("%w: unexpected status code 503", geocode.ErrSearchFailed)
	}}
	tr := newTestTracker(g, &fakeSource{elements: issElements})

	err := tr.Search(context.Background(), "Paris")
	if !errors.Is(err, geocode.ErrSearchFailed) {
		t.Fatalf("err = %v", err)
	}
	st := tr.Snapshot()
	if st.Error != "Search failed." || st.Phase != PhaseSearchFailed || st.Loading {
		t.Errorf("state = %+v", st)
	}
}

func TestNewerSearchCancelsInFlight(t *testing.T) {
	started := make(chan struct{})
	g := &fakeGeocoder{search: func(ctx context.Context, query string) (geocode.Location, error) {
		if query == "slow" {
			close(started)
			<-ctx.Done()
			return geocode.Location{}, fmt.Errorf("%w: %v", geocode.ErrSearchFailed, ctx.Err())
		}
		return nyc, nil
	}}
	tr := newTestTracker(g, &fakeSource{elements: issElements})

	errc := make(chan error, 1)
	go func() {
		errc <- tr.Search(context.Background(), "slow")
	}()
	<-started

	if err := tr.Search(context.Background(), "fast"); err != nil {
		t.Fatalf("fast Search: %v", err)
	}
	if err := <-errc; !errors.Is(err, ErrSuperseded) {
		t.Errorf("slow Search err = %v, want ErrSuperseded", err)
	}

	st := tr.Snapshot()
	if st.Error != "" || st.Location == nil || *st.Location != nyc {
		t.Errorf("state = %+v", st)
	}
}

func TestLateResultDoesNotOverwriteNewer(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	london := geocode.Location{Latitude: 51.5072, Longitude: -0.1276, Label: "London"}

	// The slow lookup ignores cancellation and answers late.
	g := &fakeGeocoder{search: func(ctx context.Context, query string) (geocode.Location, error) {
		if query == "London" {
			close(started)
			<-release
			return london, nil
		}
		return nyc, nil
	}}
	repo := &memRepo{}
	tr := newTestTracker(g, &fakeSource{elements: issElements}, WithRepository(repo))

	errc := make(chan error, 1)
	go func() {
		errc <- tr.Search(context.Background(), "London")
	}()
	<-started

	if err := tr.Search(context.Background(), "New York"); err != nil {
		t.Fatalf("Search: %v", err)
	}
	close(release)
	if err := <-errc; !errors.Is(err, ErrSuperseded) {
		t.Errorf("late Search err = %v, want ErrSuperseded", err)
	}

	st := tr.Snapshot()
	if st.Location == nil || st.Location.Label != nyc.Label {
		t.Errorf("location = %+v, want New York", st.Location)
	}
	if len(repo.entries) != 1 {
		t.Errorf("persisted %d locations, want 1", len(repo.entries))
	}
}

func TestScanOutlivesCallerContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The caller goes away right after the location resolves.
	g := &fakeGeocoder{search: func(_ context.Context, query string) (geocode.Location, error) {
		cancel()
		return nyc, nil
	}}
	tr := newTestTracker(g, &fakeSource{elements: issElements})
	if err := tr.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := tr.Search(ctx, "New York"); err != nil {
		t.Fatalf("Search: %v", err)
	}

	st := tr.Snapshot()
	if st.Phase != PhaseScanned || st.Loading {
		t.Errorf("phase=%s loading=%v, want scanned", st.Phase, st.Loading)
	}
	if len(st.Passes) == 0 {
		t.Fatal("expected passes after the caller canceled")
	}
	checkPasses(t, st.Passes)
}

func TestFailedSearchDuringScanKeepsPasses(t *testing.T) {
	g := &fakeGeocoder{search: func(ctx context.Context, query string) (geocode.Location, error) {
		if query == "Qqqzzz123" {
			return geocode.Location{}, geocode.ErrNotFound
		}
		return nyc, nil
	}}
	tr := newTestTracker(g, &fakeSource{elements: issElements})
	if err := tr.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	// Start the second search as soon as the first location is committed,
	// which cancels the first request while its scan may still be running.
	ch, unsubscribe := tr.Subscribe()
	errc := make(chan error, 1)
	go func() {
		for st := range ch {
			if st.Location != nil {
				errc <- tr.Search(context.Background(), "Qqqzzz123")
				return
			}
		}
	}()

	if err := tr.Search(context.Background(), "New York"); err != nil {
		t.Fatalf("Search: %v", err)
	}
	err := <-errc
	unsubscribe()
	if !errors.Is(err, geocode.ErrNotFound) {
		t.Fatalf("second Search err = %v, want ErrNotFound", err)
	}

	st := tr.Snapshot()
	if st.Phase != PhaseNotFound || st.Loading {
		t.Errorf("phase=%s loading=%v, want not_found", st.Phase, st.Loading)
	}
	if st.Location == nil || *st.Location != nyc {
		t.Errorf("location = %+v, want New York", st.Location)
	}
	if len(st.Passes) == 0 {
		t.Fatal("New York lost its passes")
	}
	checkPasses(t, st.Passes)
}

func TestUseDevice(t *testing.T) {
	lat, lon := 40.7061, -73.9969
	bad := 181.0

	t.Run("reverse label", func(t *testing.T) {
		g := &fakeGeocoder{reverse: func(ctx context.Context, lat, lon float64) (string, error) {
			return "Brooklyn Bridge", nil
		}}
		tr := newTestTracker(g, &fakeSource{elements: issElements})
		if err := tr.UseDevice(context.Background(), geocode.DeviceFix{Latitude: &lat, Longitude: &lon}); err != nil {
			t.Fatalf("UseDevice: %v", err)
		}
		st := tr.Snapshot()
		if st.Location == nil || st.Location.Label != "Brooklyn Bridge" || st.Source != repository.SourceDevice {
			t.Errorf("state = %+v", st)
		}
	})

	t.Run("coordinate label fallback", func(t *testing.T) {
		tr := newTestTracker(&fakeGeocoder{}, &fakeSource{elements: issElements})
		if err := tr.UseDevice(context.Background(), geocode.DeviceFix{Latitude: &lat, Longitude: &lon}); err != nil {
			t.Fatalf("UseDevice: %v", err)
		}
		if got := tr.Snapshot().Location.Label; got != "40.7061°N, 73.9969°W" {
			t.Errorf("label = %q", got)
		}
	})

	t.Run("denied", func(t *testing.T) {
		tr := newTestTracker(&fakeGeocoder{}, &fakeSource{elements: issElements})
		err := tr.UseDevice(context.Background(), geocode.DeviceFix{Denied: true})
		if !errors.Is(err, geocode.ErrPermissionDenied) {
			t.Fatalf("err = %v", err)
		}
		st := tr.Snapshot()
		if st.Error != "Location permission denied or unavailable." || st.Phase != PhaseDenied {
			t.Errorf("state = %+v", st)
		}
		if st.Location != nil {
			t.Errorf("location set on denial: %+v", st.Location)
		}
	})

	t.Run("invalid coordinates", func(t *testing.T) {
		tr := newTestTracker(&fakeGeocoder{}, &fakeSource{elements: issElements})
		before := tr.Snapshot().Version
		err := tr.UseDevice(context.Background(), geocode.DeviceFix{Latitude: &lat, Longitude: &bad})
		if !errors.Is(err, geocode.ErrInvalidCoordinates) {
			t.Fatalf("err = %v", err)
		}
		if tr.Snapshot().Version != before {
			t.Error("state changed for invalid coordinates")
		}
	})
}

func TestRefreshElementsFailure(t *testing.T) {
	g := &fakeGeocoder{search: staticSearch(nyc)}
	tr := newTestTracker(g, &fakeSource{err: errors.New("connection refused")})
	ctx := context.Background()

	if err := tr.Init(ctx); err == nil {
		t.Fatal("Init succeeded with a failing element source")
	}
	if tr.Ready() {
		t.Error("tracker ready without elements")
	}
	if _, err := tr.Position(testNow); !errors.Is(err, ErrNoElements) {
		t.Errorf("Position err = %v, want ErrNoElements", err)
	}

	if err := tr.Search(ctx, "New York"); err != nil {
		t.Fatalf("Search: %v", err)
	}
	st := tr.Snapshot()
	if st.Error != "Could not load orbital data." {
		t.Errorf("error = %q", st.Error)
	}
	if st.Phase != PhaseLocated || len(st.Passes) != 0 {
		t.Errorf("phase=%s passes=%d, want located with no scan", st.Phase, len(st.Passes))
	}
}

func TestRefreshElementsCanceledLeavesState(t *testing.T) {
	tr := newTestTracker(&fakeGeocoder{}, &fakeSource{err: context.Canceled})
	before := tr.Snapshot().Version

	if err := tr.RefreshElements(context.Background()); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	st := tr.Snapshot()
	if st.Error != "" || st.Version != before {
		t.Errorf("error=%q version=%d, want unchanged state at version %d", st.Error, st.Version, before)
	}
}

func TestInitWarmStartFromCache(t *testing.T) {
	repo := &memRepo{}
	repo.entries = append(repo.entries, repository.LocationEntry{Location: nyc, Source: repository.SourceSearch})

	cache := &fakeCache{preload: &issElements}
	tr := New(Config{NORADID: 25544, MaxElementsAge: 7 * 24 * time.Hour},
		&fakeGeocoder{}, &fakeSource{err: errors.New("offline")}, testLogger,
		WithClock(func() time.Time { return testNow }), WithCache(cache), WithRepository(repo))

	if err := tr.Init(context.Background()); err == nil {
		t.Fatal("expected the fetch error to be returned")
	}

	st := tr.Snapshot()
	if !tr.Ready() || st.Elements == nil || !st.Elements.Cached {
		t.Fatalf("elements = %+v, want cached set", st.Elements)
	}
	if st.Location == nil || st.Location.Label != nyc.Label {
		t.Errorf("location = %+v, want restored New York", st.Location)
	}
	if len(st.Passes) == 0 {
		t.Error("expected passes from the cached element set")
	}
	checkPasses(t, st.Passes)
}

func TestInitIgnoresStaleCache(t *testing.T) {
	cache := &fakeCache{preload: &issElements}
	later := testNow.Add(30 * 24 * time.Hour)
	tr := New(Config{NORADID: 25544, MaxElementsAge: 7 * 24 * time.Hour},
		&fakeGeocoder{}, &fakeSource{err: errors.New("offline")}, testLogger,
		WithClock(func() time.Time { return later }), WithCache(cache))

	tr.Init(context.Background())
	if tr.Ready() {
		t.Error("stale cached element set was loaded")
	}
}

func TestInitDefaultLocation(t *testing.T) {
	def := geocode.Location{Latitude: 51.4779, Longitude: -0.0015, Label: "Greenwich"}
	tr := New(Config{NORADID: 25544, Default: &def},
		&fakeGeocoder{}, &fakeSource{elements: issElements}, testLogger,
		WithClock(func() time.Time { return testNow }))

	if err := tr.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	st := tr.Snapshot()
	if st.Source != repository.SourceDefault || st.Location.Label != "Greenwich" {
		t.Errorf("state = %+v", st)
	}
	if st.Phase != PhaseScanned {
		t.Errorf("phase = %s, want scanned", st.Phase)
	}
}

func TestSubscribeDeliversLatest(t *testing.T) {
	g := &fakeGeocoder{search: staticSearch(nyc)}
	tr := newTestTracker(g, &fakeSource{elements: issElements})

	ch, cancel := tr.Subscribe()
	first := <-ch
	if first.Phase != PhaseIdle {
		t.Errorf("initial phase = %s", first.Phase)
	}

	ctx := context.Background()
	if err := tr.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := tr.Search(ctx, "New York"); err != nil {
		t.Fatalf("Search: %v", err)
	}

	// Intermediate states were dropped; only the newest is buffered.
	latest := <-ch
	if latest.Phase != PhaseScanned || latest.Version != tr.Snapshot().Version {
		t.Errorf("latest = phase %s version %d, want scanned version %d",
			latest.Phase, latest.Version, tr.Snapshot().Version)
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel still open after cancel")
	}
}

func TestPosition(t *testing.T) {
	tr := newTestTracker(&fakeGeocoder{}, &fakeSource{elements: issElements})
	if err := tr.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	sp, err := tr.Position(testNow)
	if err != nil {
		t.Fatalf("Position: %v", err)
	}
	if sp.Latitude < -52 || sp.Latitude > 52 {
		t.Errorf("latitude %.2f outside ISS inclination band", sp.Latitude)
	}
	if sp.AltitudeKm < 350 || sp.AltitudeKm > 460 {
		t.Errorf("altitude %.1f km outside ISS range", sp.AltitudeKm)
	}

	age, ok := tr.ElementsAge(testNow)
	if !ok || age <= 0 {
		t.Errorf("ElementsAge = %v, %v", age, ok)
	}
}
