package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pspoerri/govrt/internal/config"
	"github.com/pspoerri/govrt/internal/raster"
	"github.com/pspoerri/govrt/internal/resample"
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

func main() {
	var (
		configPath  string
		resolution  string
		resampling  string
		srcNoData   string
		vrtNoData   string
		hideNoData  bool
		overviews   string
		verbose     bool
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "YAML configuration file")
	flag.StringVar(&resolution, "resolution", "average", "Output resolution: highest, lowest, average")
	flag.StringVar(&resampling, "r", "", "Resampling written on every source (default: nearest)")
	flag.StringVar(&srcNoData, "srcnodata", "", "Nodata value of the input bands")
	flag.StringVar(&vrtNoData, "vrtnodata", "", "Nodata value of the mosaic bands")
	flag.BoolVar(&hideNoData, "hidenodata", false, "Do not report the mosaic nodata value")
	flag.StringVar(&overviews, "overviews", "", "Overview factors to declare or build, e.g. 2,4,8")
	flag.BoolVar(&verbose, "verbose", false, "Verbose progress output")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: buildvrt [flags] <input-dir-or-files...> <output.vrt>\n\n")
		fmt.Fprintf(os.Stderr, "Build a mosaic VRT from georeferenced rasters sharing a CRS and band count.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("buildvrt %s (commit %s, built %s)\n", version, commit, buildDate)
		os.Exit(0)
	}
	args := flag.Args()
	if len(args) < 2 {
		flag.Usage()
		os.Exit(1)
	}
	outputPath := args[len(args)-1]
	if !strings.EqualFold(filepath.Ext(outputPath), ".vrt") {
		log.Fatal("Output file must have .vrt extension")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Configuration: %v", err)
	}
	config.Apply(cfg)

	opts := vrt.BuildOptions{Resolution: resolution, Resampling: resampling, HideNoData: hideNoData}
	if srcNoData != "" {
		v, err := strconv.ParseFloat(srcNoData, 64)
		if err != nil {
			log.Fatalf("-srcnodata: invalid number %q", srcNoData)
		}
		opts.SrcNoData = &v
	}
	if vrtNoData != "" {
		v, err := strconv.ParseFloat(vrtNoData, 64)
		if err != nil {
			log.Fatalf("-vrtnodata: invalid number %q", vrtNoData)
		}
		opts.NoData, opts.HasNoData = v, true
	}
	factors, err := parseFactors(overviews)
	if err != nil {
		log.Fatalf("-overviews: %v", err)
	}

	files, err := collectInputs(args[:len(args)-1])
	if err != nil {
		log.Fatalf("Collecting input files: %v", err)
	}
	if len(files) == 0 {
		log.Fatal("No raster files found in the specified inputs")
	}
	log.Printf("Found %d raster file(s)", len(files))

	ctx := context.Background()
	start := time.Now()
	inputs := make([]raster.Dataset, 0, len(files))
	defer func() {
		for _, ds := range inputs {
			ds.Close()
		}
	}()
	for _, f := range files {
		ds, err := raster.Open(ctx, f)
		if err != nil {
			log.Fatalf("Opening %s: %v", f, err)
		}
		inputs = append(inputs, ds)
	}
	if verbose {
		log.Printf("Opened %d input(s) in %v", len(inputs), time.Since(start).Round(time.Millisecond))
	}

	d, err := vrt.BuildMosaic(inputs, opts)
	if err != nil {
		log.Fatalf("Building mosaic: %v", err)
	}
	if err := d.WriteTo(outputPath); err != nil {
		log.Fatalf("Writing %s: %v", outputPath, err)
	}
	d.Close()

	if len(factors) > 0 {
		if err := buildOverviews(ctx, outputPath, factors, resampling); err != nil {
			log.Fatalf("Overviews: %v", err)
		}
	}
	fmt.Printf("Done: %dx%d mosaic of %d input(s), %v → %s\n",
		d.Width(), d.Height(), len(inputs), time.Since(start).Round(time.Millisecond), outputPath)
}

// buildOverviews reopens the written mosaic so overviews resolve next to
// it; closing writes the updated descriptor back.
func buildOverviews(ctx context.Context, path string, factors []int, resampling string) error {
	alg, err := resample.Parse(resampling)
	if err != nil {
		return err
	}
	d, err := vrt.Open(ctx, path)
	if err != nil {
		return err
	}
	if err := d.BuildOverviews(ctx, factors, alg); err != nil {
		d.Close()
		return err
	}
	return d.Close()
}

func parseFactors(v string) ([]int, error) {
	if v == "" {
		return nil, nil
	}
	var out []int
	for _, p := range strings.Split(v, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 2 {
			return nil, fmt.Errorf("invalid overview factor %q", p)
		}
		out = append(out, n)
	}
	return out, nil
}

// collectInputs resolves input paths to absolute raster file names.
func collectInputs(paths []string) ([]string, error) {
	var result []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		if info.IsDir() {
			entries, err := os.ReadDir(p)
			if err != nil {
				return nil, fmt.Errorf("readdir %s: %w", p, err)
			}
			for _, e := range entries {
				if !e.IsDir() && isRaster(e.Name()) {
					result = append(result, filepath.Join(p, e.Name()))
				}
			}
		} else if isRaster(p) {
			result = append(result, p)
		}
	}
	for i, f := range result {
		abs, err := filepath.Abs(f)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", f, err)
		}
		result[i] = abs
	}
	return result, nil
}

func isRaster(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".tif") || strings.HasSuffix(lower, ".tiff") || strings.HasSuffix(lower, ".vrt")
}
