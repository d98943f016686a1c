package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/star/passwatch/internal/geocode"
	"github.com/star/passwatch/internal/passes"
	"github.com/star/passwatch/internal/tle"
)

const issTLE = `ISS (ZARYA)
1 25544U 98067A   25045.18032407  .00016717  00000+0  30099-3 0  9993
2 25544  51.6412 193.5765 0003457 126.2851 233.8519 15.49874301495058
`

func writeTLE(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "iss.tle")
	if err := os.WriteFile(path, []byte(issTLE), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadElementsFromFile(t *testing.T) {
	path := writeTLE(t)

	el, err := loadElements(context.Background(), path, 25544, "")
	if err != nil {
		t.Fatalf("loadElements: %v", err)
	}
	if el.NORADID != 25544 || el.Name != "ISS (ZARYA)" {
		t.Errorf("elements = %+v", el)
	}

	// A single-entry file is used whatever catalog number was asked for.
	if _, err := loadElements(context.Background(), path, 99999, ""); err != nil {
		t.Errorf("single entry file: %v", err)
	}

	if _, err := loadElements(context.Background(), filepath.Join(t.TempDir(), "missing"), 25544, ""); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestPredictJSON(t *testing.T) {
	var out bytes.Buffer
	f := predictFlags{
		lat: 40.7128, lon: -74.006,
		tleFile:   writeTLE(t),
		start:     "2025-02-14T12:00:00Z",
		horizon:   48 * time.Hour,
		step:      time.Minute,
		threshold: 10,
		maxPasses: 5,
		jsonOut:   true,
	}
	if err := predict(context.Background(), &out, f, true); err != nil {
		t.Fatalf("predict: %v", err)
	}

	var got struct {
		Location geocode.Location `json:"location"`
		Passes   []passes.Pass    `json:"passes"`
	}
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.String())
	}
	if got.Location.Label != "40.7128°N, 74.0060°W" {
		t.Errorf("label = %q", got.Location.Label)
	}
	if len(got.Passes) == 0 || len(got.Passes) > 5 {
		t.Errorf("got %d passes", len(got.Passes))
	}
}

func TestPredictRequiresLocation(t *testing.T) {
	err := predict(context.Background(), &bytes.Buffer{}, predictFlags{tleFile: writeTLE(t)}, false)
	if err == nil || !strings.Contains(err.Error(), "no location") {
		t.Errorf("err = %v, want no location error", err)
	}
}

func TestPredictRejectsThreshold(t *testing.T) {
	for _, th := range []float64{95, 90, -5} {
		f := predictFlags{lat: 40.7128, lon: -74.006, tleFile: writeTLE(t), threshold: th}
		err := predict(context.Background(), &bytes.Buffer{}, f, true)
		if !errors.Is(err, passes.ErrInvalidThreshold) {
			t.Errorf("threshold %v: err = %v, want ErrInvalidThreshold", th, err)
		}
	}
}

func TestPrintPasses(t *testing.T) {
	start := time.Date(2025, 2, 14, 22, 31, 0, 0, time.UTC)
	ps := []passes.Pass{{
		StartTime:           start,
		EndTime:             start.Add(6 * time.Minute),
		DurationMinutes:     6,
		MaxElevationDegrees: 47.26,
		MaxElevationTime:    start.Add(3 * time.Minute),
	}}
	el := tle.Elements{Name: "ISS (ZARYA)", Epoch: time.Date(2025, 2, 14, 4, 19, 40, 0, time.UTC)}
	loc := geocode.Location{Label: "New York"}

	var out bytes.Buffer
	if err := printPasses(&out, loc, el, ps); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"ISS (ZARYA) over New York", "2025-02-14 22:31", "22:37", "47.3°", "22:34"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}

	out.Reset()
	printPasses(&out, loc, el, nil)
	if !strings.Contains(out.String(), "no visible passes") {
		t.Errorf("empty output = %q", out.String())
	}
}
