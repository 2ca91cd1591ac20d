package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pspoerri/govrt/internal/config"
	"github.com/pspoerri/govrt/internal/progress"
	"github.com/pspoerri/govrt/internal/raster"
	"github.com/pspoerri/govrt/internal/srs"
	"github.com/pspoerri/govrt/internal/vrt"

	// GeoTIFF driver.
	_ "github.com/pspoerri/govrt/internal/cog"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

type options struct {
	stats    bool
	approx   bool
	hist     bool
	checksum bool
	minMax   bool
	progress bool
	verbose  bool
}

func main() {
	var (
		opts        options
		configPath  string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "YAML configuration file")
	flag.BoolVar(&opts.stats, "stats", false, "Compute and print band statistics")
	flag.BoolVar(&opts.approx, "approx", false, "Allow approximate statistics from overviews")
	flag.BoolVar(&opts.hist, "hist", false, "Compute and print the default histogram")
	flag.BoolVar(&opts.checksum, "checksum", false, "Print band checksums")
	flag.BoolVar(&opts.minMax, "mm", false, "Compute min/max of each band")
	flag.BoolVar(&opts.progress, "progress", false, "Show a progress bar for statistics")
	flag.BoolVar(&opts.verbose, "v", false, "Debug logging and source pool metrics")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: vrtinfo [flags] <dataset>\n\n")
		fmt.Fprintf(os.Stderr, "Print a summary of a raster dataset: a .vrt file, a literal\n")
		fmt.Fprintf(os.Stderr, "<VRTDataset> document, a vrt:// URI or a GeoTIFF.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("vrtinfo %s (commit %s, built %s)\n", version, commit, buildDate)
		os.Exit(0)
	}
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Configuration: %v", err)
	}
	if opts.verbose {
		cfg.Debug = true
	}
	config.Apply(cfg)

	reg := prometheus.NewRegistry()
	if err := vrt.RegisterMetrics(reg); err != nil {
		log.Fatalf("Metrics: %v", err)
	}

	ctx := context.Background()
	name := flag.Arg(0)
	ds, err := raster.Open(ctx, name)
	if err != nil {
		log.Fatalf("Opening %s: %v", name, err)
	}
	defer ds.Close()

	printDataset(ds)
	for i := 1; i <= ds.BandCount(); i++ {
		b, err := ds.Band(i)
		if err != nil {
			log.Fatalf("Band %d: %v", i, err)
		}
		printBand(ctx, b, opts)
	}
	if v, ok := ds.(*vrt.Dataset); ok {
		s := v.PoolStats()
		fmt.Printf("Source pool: %d referenced, %d open\n", s.Entries, s.Open)
	}
	if opts.verbose {
		printMetrics(reg)
	}
}

func printDataset(ds raster.Dataset) {
	fmt.Printf("Dataset: %s\n", shortName(ds.Name()))
	fmt.Printf("Size: %d x %d, %d band(s)\n", ds.Width(), ds.Height(), ds.BandCount())

	sref := ds.SpatialRef()
	if sref != nil {
		fmt.Printf("Coordinate system: %s", sref.Name())
		if sref.EPSG() != 0 {
			fmt.Printf(" (EPSG:%d)", sref.EPSG())
		}
		fmt.Printf("\nData axis to CRS axis mapping: %s\n", srs.FormatAxisMapping(sref.AxisMapping()))
	}

	gt, ok := ds.GeoTransform()
	if ok {
		fmt.Printf("Origin: (%f, %f)\n", gt[0], gt[3])
		fmt.Printf("Pixel size: (%f, %f)\n", gt[1], gt[5])
		printCorners(ds, gt, sref)
	}
	if gcps, gs := ds.GCPs(); len(gcps) > 0 {
		fmt.Printf("GCPs: %d", len(gcps))
		if gs != nil {
			fmt.Printf(" in %s", gs.Name())
		}
		fmt.Println()
		for _, g := range gcps {
			fmt.Printf("  GCP[%s]: (%g, %g) -> (%g, %g, %g)\n", g.ID, g.Pixel, g.Line, g.X, g.Y, g.Z)
		}
	}
	printMetadata("", ds.Metadata(""))
}

func printCorners(ds raster.Dataset, gt raster.GeoTransform, sref *srs.SpatialRef) {
	corners := []struct {
		name string
		p, l float64
	}{
		{"Upper Left", 0, 0},
		{"Lower Left", 0, float64(ds.Height())},
		{"Upper Right", float64(ds.Width()), 0},
		{"Lower Right", float64(ds.Width()), float64(ds.Height())},
		{"Center", float64(ds.Width()) / 2, float64(ds.Height()) / 2},
	}
	tr := sref.LonLat()
	fmt.Println("Corner coordinates:")
	for _, c := range corners {
		x, y := gt.Apply(c.p, c.l)
		fmt.Printf("  %-12s (%12.3f, %12.3f)", c.name, x, y)
		if tr != nil {
			lon, lat := tr.ToLonLat(x, y)
			fmt.Printf(" (lon %.6f, lat %.6f)", lon, lat)
		}
		fmt.Println()
	}
}

func printBand(ctx context.Context, b raster.Band, opts options) {
	bx, by := b.BlockSize()
	fmt.Printf("Band %d Block=%dx%d Type=%s, ColorInterp=%s\n", b.Index(), bx, by, b.DataType(), b.ColorInterp())
	if d, ok := b.(raster.Describer); ok {
		if s := d.Description(); s != "" {
			fmt.Printf("  Description = %s\n", s)
		}
		if u := d.Unit(); u != "" {
			fmt.Printf("  Unit Type: %s\n", u)
		}
		if off, sc, ok := d.OffsetScale(); ok {
			fmt.Printf("  Offset: %g, Scale: %g\n", off, sc)
		}
		if ct := d.ColorTable(); len(ct) > 0 {
			fmt.Printf("  Color Table (%d entries)\n", len(ct))
		}
	}
	if nd, ok := b.NoData(); ok {
		fmt.Printf("  NoData Value=%g\n", nd)
	}
	fmt.Printf("  Mask Flags: %s\n", maskFlags(b.MaskFlags()))
	if n := b.OverviewCount(); n > 0 {
		var sizes []string
		for i := 0; i < n; i++ {
			if o := b.Overview(i); o != nil {
				sizes = append(sizes, fmt.Sprintf("%dx%d", o.Width(), o.Height()))
			}
		}
		fmt.Printf("  Overviews: %s\n", strings.Join(sizes, ", "))
	}
	if vb, ok := b.(*vrt.Band); ok {
		cov, pct, err := vb.DataCoverageStatus(raster.Window{})
		if err == nil {
			fmt.Printf("  Sources: %d, coverage %.1f%%%s\n", len(vb.Sources()), pct, coverageNote(cov))
		}
	}

	if opts.checksum {
		sum, err := raster.Checksum(ctx, b, raster.Window{})
		if err != nil {
			log.Printf("Band %d checksum: %v", b.Index(), err)
		}
		fmt.Printf("  Checksum=%d\n", sum)
	}
	if opts.minMax {
		lo, hi, err := minMax(ctx, b, opts.approx)
		if err != nil && !errors.Is(err, raster.ErrNoValidPixels) {
			log.Printf("Band %d min/max: %v", b.Index(), err)
		} else {
			fmt.Printf("  Computed Min/Max=%.3f,%.3f\n", lo, hi)
		}
	}
	if opts.stats {
		so := raster.StatsOptions{ApproxOK: opts.approx}
		var bar *progress.Bar
		if opts.progress {
			bar = progress.New(os.Stderr, fmt.Sprintf("Band %d", b.Index()), "%", 100)
			so.Progress = bar.Set
		}
		st, err := raster.ComputeStatistics(ctx, b, so)
		if bar != nil {
			bar.Finish()
		}
		switch {
		case errors.Is(err, raster.ErrNoValidPixels):
			fmt.Printf("  No valid pixels\n")
		case err != nil:
			log.Printf("Band %d statistics: %v", b.Index(), err)
		default:
			fmt.Printf("  Minimum=%.3f, Maximum=%.3f, Mean=%.3f, StdDev=%.3f\n", st.Min, st.Max, st.Mean, st.StdDev)
			fmt.Printf("  Valid percent=%.2f%s\n", st.ValidPercent, approxNote(st.Approximate))
		}
	}
	if opts.hist {
		h, err := histogram(ctx, b, opts.approx)
		if err != nil {
			log.Printf("Band %d histogram: %v", b.Index(), err)
		} else {
			fmt.Printf("  %d buckets from %g to %g%s:\n  ", len(h.Counts), h.Min, h.Max, approxNote(h.Approximate))
			for _, c := range h.Counts {
				fmt.Printf("%d ", c)
			}
			fmt.Println()
		}
	}
	printMetadata("  ", b.Metadata(""))
}

func minMax(ctx context.Context, b raster.Band, approx bool) (float64, float64, error) {
	if vb, ok := b.(*vrt.Band); ok {
		return vb.ComputeMinMax(ctx, approx)
	}
	return raster.ScanMinMax(ctx, b, raster.StatsOptions{ApproxOK: approx})
}

func histogram(ctx context.Context, b raster.Band, approx bool) (raster.Histogram, error) {
	if vb, ok := b.(*vrt.Band); ok {
		return vb.DefaultHistogram(ctx, approx)
	}
	req, err := raster.DefaultHistogramRequest(ctx, b, approx)
	if err != nil {
		return raster.Histogram{}, err
	}
	return raster.ScanHistogram(ctx, b, req)
}

func maskFlags(f raster.MaskFlags) string {
	var parts []string
	for _, fl := range []struct {
		flag raster.MaskFlags
		name string
	}{
		{raster.MaskAllValid, "ALL_VALID"},
		{raster.MaskPerDataset, "PER_DATASET"},
		{raster.MaskAlpha, "ALPHA"},
		{raster.MaskNoData, "NODATA"},
	} {
		if f&fl.flag != 0 {
			parts = append(parts, fl.name)
		}
	}
	if len(parts) == 0 {
		return "OWN_MASK"
	}
	return strings.Join(parts, " ")
}

func coverageNote(c vrt.Coverage) string {
	if c&vrt.CoverageEmpty != 0 && c&vrt.CoverageData != 0 {
		return " (partial)"
	}
	if c&vrt.CoverageEmpty != 0 {
		return " (empty)"
	}
	return ""
}

func approxNote(approx bool) string {
	if approx {
		return " (approximate)"
	}
	return ""
}

func printMetadata(indent string, md raster.Metadata) {
	if len(md) == 0 {
		return
	}
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	fmt.Printf("%sMetadata:\n", indent)
	for _, k := range keys {
		fmt.Printf("%s  %s=%s\n", indent, k, md[k])
	}
}

func printMetrics(reg *prometheus.Registry) {
	families, err := reg.Gather()
	if err != nil {
		log.Printf("Gathering metrics: %v", err)
		return
	}
	fmt.Println("Metrics:")
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			v := m.GetGauge().GetValue()
			if c := m.GetCounter(); c != nil {
				v = c.GetValue()
			}
			fmt.Printf("  %s %g\n", mf.GetName(), v)
		}
	}
}

// shortName keeps literal documents from flooding the output.
func shortName(name string) string {
	if len(name) > 120 {
		return name[:117] + "..."
	}
	return name
}
