package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"log"
	"os"
	"path/filepath"
	"runtime/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/pspoerri/govrt/internal/cog"
	"github.com/pspoerri/govrt/internal/config"
	"github.com/pspoerri/govrt/internal/encode"
	"github.com/pspoerri/govrt/internal/progress"
	"github.com/pspoerri/govrt/internal/raster"
	"github.com/pspoerri/govrt/internal/resample"
	"github.com/pspoerri/govrt/internal/vfs"
	"github.com/pspoerri/govrt/internal/vrt"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

type options struct {
	bands      []int
	srcWin     []float64
	outSize    []string
	resampling string
	outType    string
	noData     string
	scale      []float64
	compress   string
	blockSize  int
	overviews  []int
	quality    int
	verbose    bool
}

func main() {
	var (
		opts        options
		configPath  string
		bands       string
		srcWin      string
		outSize     string
		scale       string
		overviews   string
		showVersion bool
		cpuProfile  string
	)
	flag.StringVar(&configPath, "config", "", "YAML configuration file")
	flag.StringVar(&bands, "b", "", "Comma separated input bands to copy (default: all)")
	flag.StringVar(&srcWin, "srcwin", "", "Source window xoff,yoff,xsize,ysize")
	flag.StringVar(&outSize, "outsize", "", "Output size width,height in pixels or percent (50%,50%)")
	flag.StringVar(&opts.resampling, "r", "nearest", "Resampling: nearest, bilinear, cubic, cubicspline, lanczos, average, mode")
	flag.StringVar(&opts.outType, "ot", "", "Output data type (default: input type)")
	flag.StringVar(&opts.noData, "a_nodata", "", "Assign a nodata value to the output bands (none removes it)")
	flag.StringVar(&scale, "scale", "", "Quicklook stretch min,max (default: band min/max for non-Byte bands)")
	flag.StringVar(&opts.compress, "compress", "DEFLATE", "GeoTIFF compression: NONE, LZW, DEFLATE, ZSTD")
	flag.IntVar(&opts.blockSize, "blocksize", 256, "GeoTIFF tile size")
	flag.StringVar(&overviews, "overviews", "", "Overview factors, e.g. 2,4,8")
	flag.IntVar(&opts.quality, "quality", 85, "JPEG/WebP quality 1-100")
	flag.BoolVar(&opts.verbose, "verbose", false, "Verbose progress output")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.StringVar(&cpuProfile, "cpuprofile", "", "Write CPU profile to file")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: vrttranslate [flags] <input> <output>\n\n")
		fmt.Fprintf(os.Stderr, "Copy a raster dataset to a .vrt descriptor, a GeoTIFF (.tif) or a\n")
		fmt.Fprintf(os.Stderr, "quicklook image (.png, .jpg, .webp, .terrarium).\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("vrttranslate %s (commit %s, built %s)\n", version, commit, buildDate)
		os.Exit(0)
	}
	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(1)
	}

	if cpuProfile != "" {
		f, err := os.Create(cpuProfile)
		if err != nil {
			log.Fatalf("Creating CPU profile: %v", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatalf("Starting CPU profile: %v", err)
		}
		defer pprof.StopCPUProfile()
	}

	var err error
	if opts.bands, err = parseInts(bands); err != nil {
		log.Fatalf("-b: %v", err)
	}
	if opts.overviews, err = parseInts(overviews); err != nil {
		log.Fatalf("-overviews: %v", err)
	}
	if opts.srcWin, err = parseFloats(srcWin, 4); err != nil {
		log.Fatalf("-srcwin: %v", err)
	}
	if opts.scale, err = parseFloats(scale, 2); err != nil {
		log.Fatalf("-scale: %v", err)
	}
	if outSize != "" {
		opts.outSize = strings.Split(outSize, ",")
		if len(opts.outSize) != 2 {
			log.Fatalf("-outsize: want width,height")
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Configuration: %v", err)
	}
	config.Apply(cfg)

	ctx := context.Background()
	input, output := flag.Arg(0), flag.Arg(1)
	start := time.Now()
	src, err := raster.Open(ctx, input)
	if err != nil {
		log.Fatalf("Opening %s: %v", input, err)
	}
	defer src.Close()

	vds, err := translate(src, sourceName(input), opts)
	if err != nil {
		log.Fatalf("Translating %s: %v", input, err)
	}
	defer vds.Close()
	if opts.verbose {
		log.Printf("Output %dx%d, %d band(s)", vds.Width(), vds.Height(), vds.BandCount())
	}

	switch ext := strings.ToLower(filepath.Ext(output)); ext {
	case ".vrt":
		err = vds.WriteTo(output)
	case ".tif", ".tiff":
		err = writeTIFF(ctx, output, vds, opts)
	default:
		err = writeQuicklook(ctx, output, vds, opts)
	}
	if err != nil {
		log.Fatalf("Writing %s: %v", output, err)
	}

	if fi, err := vfs.Stat(output); err == nil {
		fmt.Printf("Done: %s, %v → %s\n", humanSize(fi.Size()), time.Since(start).Round(time.Millisecond), output)
	}
}

// sourceName makes a file name usable from a descriptor written anywhere.
func sourceName(name string) string {
	if vfs.IsMem(name) || strings.Contains(name, "://") || strings.HasPrefix(name, "<") || strings.HasPrefix(name, raster.MemPrefix) {
		return name
	}
	if abs, err := filepath.Abs(name); err == nil {
		return abs
	}
	return name
}

// translate describes the requested subset of src as a virtual dataset.
func translate(src raster.Dataset, name string, opts options) (*vrt.Dataset, error) {
	win := raster.Rect(0, 0, src.Width(), src.Height())
	if opts.srcWin != nil {
		win = raster.Window{XOff: opts.srcWin[0], YOff: opts.srcWin[1], XSize: opts.srcWin[2], YSize: opts.srcWin[3]}
	}
	if !win.Valid() {
		return nil, fmt.Errorf("invalid source window %+v", win)
	}
	outW, outH := int(win.XSize+0.5), int(win.YSize+0.5)
	if opts.outSize != nil {
		var err error
		if outW, err = size(opts.outSize[0], win.XSize); err != nil {
			return nil, err
		}
		if outH, err = size(opts.outSize[1], win.YSize); err != nil {
			return nil, err
		}
	}
	if opts.resampling != "" {
		if _, err := resample.Parse(opts.resampling); err != nil {
			return nil, err
		}
	}

	d, err := vrt.New(outW, outH)
	if err != nil {
		return nil, err
	}
	if gt, ok := src.GeoTransform(); ok {
		x, y := gt.Apply(win.XOff, win.YOff)
		sx, sy := win.XSize/float64(outW), win.YSize/float64(outH)
		d.SetGeoTransform(raster.GeoTransform{x, gt[1] * sx, gt[2] * sy, y, gt[4] * sx, gt[5] * sy})
	}
	d.SetSpatialRef(src.SpatialRef().Clone())
	for k, v := range src.Metadata("") {
		d.SetMetadataItem(k, v, "")
	}

	bands := opts.bands
	if bands == nil {
		for i := 1; i <= src.BandCount(); i++ {
			bands = append(bands, i)
		}
	}
	for _, n := range bands {
		sb, err := src.Band(n)
		if err != nil {
			return nil, err
		}
		dt := sb.DataType()
		if opts.outType != "" {
			if dt, err = raster.ParseDataType(opts.outType); err != nil {
				return nil, err
			}
		}
		b := d.AddBand(dt)
		b.SetColorInterp(sb.ColorInterp())
		if nd, ok := sb.NoData(); ok {
			b.SetNoData(nd)
		}
		if desc, ok := sb.(raster.Describer); ok {
			b.SetDescription(desc.Description())
			b.SetUnit(desc.Unit())
			if off, sc, ok := desc.OffsetScale(); ok {
				b.SetOffsetScale(off, sc)
			}
			b.SetColorTable(desc.ColorTable())
			b.SetCategoryNames(desc.CategoryNames())
		}
		switch opts.noData {
		case "":
		case "none":
			b.DeleteNoData()
		default:
			nd, err := strconv.ParseFloat(opts.noData, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid nodata %q", opts.noData)
			}
			b.SetNoData(nd)
		}
		resampling := opts.resampling
		if resampling == "nearest" {
			resampling = ""
		}
		if err := b.AddSource(&vrt.Source{
			Filename:   name,
			Band:       n,
			SrcRect:    win,
			DstRect:    raster.Rect(0, 0, outW, outH),
			Resampling: resampling,
		}); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// size reads an output dimension given in pixels or as a percentage of
// the source window.
func size(v string, ref float64) (int, error) {
	v = strings.TrimSpace(v)
	if p, ok := strings.CutSuffix(v, "%"); ok {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil || f <= 0 {
			return 0, fmt.Errorf("invalid size %q", v)
		}
		return max(1, int(ref*f/100+0.5)), nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid size %q", v)
	}
	return n, nil
}

func writeTIFF(ctx context.Context, path string, ds *vrt.Dataset, opts options) error {
	alg, err := resample.Parse(opts.resampling)
	if err != nil {
		return err
	}
	wo := cog.WriteOptions{
		Compression:        opts.compress,
		BlockSize:          opts.blockSize,
		Overviews:          opts.overviews,
		OverviewResampling: alg,
	}
	var bar *progress.Bar
	if opts.verbose {
		bar = progress.New(os.Stderr, "Writing", "%", 100)
		wo.Progress = bar.Set
		defer bar.Finish()
	}
	return cog.Write(ctx, path, ds, wo)
}

func writeQuicklook(ctx context.Context, path string, ds *vrt.Dataset, opts options) error {
	enc, err := encode.ForPath(path, opts.quality)
	if err != nil {
		return err
	}
	alg, err := resample.Parse(opts.resampling)
	if err != nil {
		return err
	}
	bufs, err := ds.Read(ctx, vrt.DatasetRequest{BufType: raster.Float64, Resampling: alg})
	if err != nil {
		return err
	}

	layers := make([]encode.Layer, len(bufs))
	for i, buf := range bufs {
		b, err := ds.VRTBand(i + 1)
		if err != nil {
			return err
		}
		l := encode.Layer{Buf: buf, ColorTable: b.ColorTable()}
		l.NoData, l.HasNoData = b.NoData()
		switch {
		case opts.scale != nil:
			l.Stretch = encode.Stretch{Min: opts.scale[0], Max: opts.scale[1]}
		case b.DataType() != raster.Byte && enc.Format != encode.FormatTerrarium && len(l.ColorTable) == 0:
			lo, hi, err := b.ComputeMinMax(ctx, true)
			if err == nil {
				l.Stretch = encode.Stretch{Min: lo, Max: hi}
			}
		}
		layers[i] = l
	}

	var img image.Image
	if enc.Format == encode.FormatTerrarium {
		if len(layers) != 1 {
			return fmt.Errorf("terrarium output needs exactly one band, got %d", len(layers))
		}
		img = encode.Terrarium(layers[0])
	} else if img, err = encode.FromBands(layers); err != nil {
		return err
	}
	data, err := enc.EncodeBytes(img)
	if err != nil {
		return err
	}
	return vfs.WriteFile(path, data)
}

func parseInts(v string) ([]int, error) {
	if v == "" {
		return nil, nil
	}
	var out []int
	for _, p := range strings.Split(v, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", p)
		}
		out = append(out, n)
	}
	return out, nil
}

func parseFloats(v string, n int) ([]float64, error) {
	if v == "" {
		return nil, nil
	}
	parts := strings.Split(v, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("want %d values, got %d", n, len(parts))
	}
	out := make([]float64, n)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", p)
		}
		out[i] = f
	}
	return out, nil
}

func humanSize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)
	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
