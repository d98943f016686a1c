package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/star/passwatch/internal/config"
	"github.com/star/passwatch/internal/geocode"
	"github.com/star/passwatch/internal/logging"
	"github.com/star/passwatch/internal/passes"
	"github.com/star/passwatch/internal/propagation"
	"github.com/star/passwatch/internal/tle"
)

type predictFlags struct {
	lat, lon       float64
	query          string
	noradID        int
	tleFile        string
	start          string
	horizon        time.Duration
	step           time.Duration
	threshold      float64
	maxPasses      int
	closeAtHorizon bool
	jsonOut        bool
}

func newPredictCmd() *cobra.Command {
	var f predictFlags
	d := passes.DefaultConfig()

	cmd := &cobra.Command{
		Use:     "predict",
		Aliases: []string{"p"},
		Short:   "print upcoming passes for one location",
		Long: `predict resolves a location from --query or --lat/--lon, loads the element
set from --tle-file or the configured element source, and prints the passes.`,
		Example: `  passwatch predict --query "Reykjavik"
  passwatch predict --lat 40.7128 --lon -74.006 --threshold 20 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return predict(cmd.Context(), cmd.OutOrStdout(), f, cmd.Flags().Changed("lat") || cmd.Flags().Changed("lon"))
		},
	}

	fl := cmd.Flags()
	fl.Float64Var(&f.lat, "lat", 0, "observer latitude in degrees")
	fl.Float64Var(&f.lon, "lon", 0, "observer longitude in degrees")
	fl.StringVarP(&f.query, "query", "q", "", "place name to geocode")
	fl.IntVar(&f.noradID, "norad", 0, "catalog number (default from PASSWATCH_NORAD_ID, else 25544)")
	fl.StringVar(&f.tleFile, "tle-file", "", "read the element set from a 2- or 3-line TLE file")
	fl.StringVar(&f.start, "start", "", "scan start in RFC 3339 (default now)")
	fl.DurationVar(&f.horizon, "horizon", d.Horizon, "scan horizon")
	fl.DurationVar(&f.step, "step", d.Step, "sample step")
	fl.Float64Var(&f.threshold, "threshold", d.ThresholdDeg, "minimum elevation in degrees")
	fl.IntVar(&f.maxPasses, "max", d.MaxPasses, "maximum number of passes")
	fl.BoolVar(&f.closeAtHorizon, "close-at-horizon", false, "keep a pass still open at the horizon, ending it there")
	fl.BoolVar(&f.jsonOut, "json", false, "print JSON instead of a table")
	cmd.MarkFlagsMutuallyExclusive("query", "lat")
	cmd.MarkFlagsMutuallyExclusive("query", "lon")
	return cmd
}

func predict(ctx context.Context, out io.Writer, f predictFlags, haveCoords bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !passes.ValidThreshold(f.threshold) {
		return fmt.Errorf("invalid --threshold %v: %w", f.threshold, passes.ErrInvalidThreshold)
	}
	cfg, err := config.Load(logging.Bootstrap())
	if err != nil {
		return err
	}
	logger := logging.New(cfg.AppEnv, cfg.LogLevel, version)

	var loc geocode.Location
	switch {
	case f.query != "":
		loc, err = geocode.NewClient(cfg.Geocode, logger).Search(ctx, f.query)
		if err != nil {
			return fmt.Errorf("resolving %q: %w", f.query, err)
		}
	case haveCoords:
		if err := geocode.ValidateCoordinates(f.lat, f.lon); err != nil {
			return err
		}
		loc = geocode.Location{Latitude: f.lat, Longitude: f.lon, Label: geocode.CoordinateLabel(f.lat, f.lon)}
	case cfg.DefaultLocation != nil:
		loc = *cfg.DefaultLocation
	default:
		return errors.New("no location: pass --query or --lat/--lon")
	}

	noradID := cfg.TLE.NORADID
	if f.noradID != 0 {
		noradID = f.noradID
	}
	el, err := loadElements(ctx, f.tleFile, noradID, cfg.TLE.URLTemplate)
	if err != nil {
		return err
	}

	start := time.Now().UTC()
	if f.start != "" {
		if start, err = time.Parse(time.RFC3339, f.start); err != nil {
			return fmt.Errorf("invalid --start: %w", err)
		}
	}

	scan := passes.Config{
		Horizon:      f.horizon,
		Step:         f.step,
		ThresholdDeg: f.threshold,
		MaxPasses:    f.maxPasses,
	}
	if f.closeAtHorizon {
		scan.Trailing = passes.CloseAtHorizon
	}

	res, err := passes.Predict(ctx, passes.Request{
		Observer: propagation.Observer{LatDeg: loc.Latitude, LonDeg: loc.Longitude},
		Elements: el,
		Start:    start,
		Config:   scan,
	})
	if err != nil {
		return err
	}
	if res.Skipped > 0 {
		logger.Warn("scan skipped invalid samples", "skipped", res.Skipped, "samples", res.Samples)
	}

	if f.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"location": loc,
			"elements": el,
			"passes":   res.Passes,
			"skipped":  res.Skipped,
		})
	}
	return printPasses(out, loc, el, res.Passes)
}

func loadElements(ctx context.Context, path string, noradID int, urlTemplate string) (tle.Elements, error) {
	if path == "" {
		return tle.NewFetcher(urlTemplate, logging.Bootstrap()).Fetch(ctx, noradID)
	}

	fh, err := os.Open(path)
	if err != nil {
		return tle.Elements{}, err
	}
	defer fh.Close()

	entries, err := tle.Parse(fh, logging.Bootstrap())
	if err != nil {
		return tle.Elements{}, err
	}
	for _, e := range entries {
		if e.NORADID == noradID {
			return e, nil
		}
	}
	if len(entries) == 1 {
		return entries[0], nil
	}
	return tle.Elements{}, fmt.Errorf("%s has no element set for NORAD %d", path, noradID)
}

func printPasses(out io.Writer, loc geocode.Location, el tle.Elements, ps []passes.Pass) error {
	fmt.Fprintf(out, "%s over %s (epoch %s)\n\n", el.Name, loc.Label, el.Epoch.Format(time.RFC3339))
	if len(ps) == 0 {
		fmt.Fprintln(out, "no visible passes in the scan window")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "START (UTC)\tEND\tMIN\tMAX EL\tPEAK AT")
	for _, p := range ps {
		fmt.Fprintf(tw, "%s\t%s\t%.0f\t%.1f°\t%s\n",
			p.StartTime.UTC().Format("2006-01-02 15:04"),
			p.EndTime.UTC().Format("15:04"),
			p.DurationMinutes,
			p.MaxElevationDegrees,
			p.MaxElevationTime.UTC().Format("15:04"),
		)
	}
	return tw.Flush()
}
