package raster

import (
	"context"
	"math"
	"strconv"

	"github.com/pkg/errors"
)

// Metadata keys used to cache statistics on a band.
const (
	KeyMinimum      = "STATISTICS_MINIMUM"
	KeyMaximum      = "STATISTICS_MAXIMUM"
	KeyMean         = "STATISTICS_MEAN"
	KeyStdDev       = "STATISTICS_STDDEV"
	KeyValidPercent = "STATISTICS_VALID_PERCENT"
	KeyApproximate  = "STATISTICS_APPROXIMATE"
)

// approxSamples is the minimum number of pixels an overview must have to
// stand in for the full band in approximate statistics.
const approxSamples = 2500

// Statistics summarises the valid pixels of a band.
type Statistics struct {
	Min, Max     float64
	Mean, StdDev float64
	ValidPercent float64
	ValidCount   int64
	TotalCount   int64
	Approximate  bool
}

// Metadata encodes s with the STATISTICS_* keys.
func (s Statistics) Metadata() Metadata {
	md := Metadata{
		KeyMinimum:      formatFloat(s.Min),
		KeyMaximum:      formatFloat(s.Max),
		KeyMean:         formatFloat(s.Mean),
		KeyStdDev:       formatFloat(s.StdDev),
		KeyValidPercent: formatFloat(s.ValidPercent),
	}
	if s.Approximate {
		md[KeyApproximate] = "YES"
	}
	return md
}

// StatisticsFromMetadata decodes statistics cached in md.
func StatisticsFromMetadata(md Metadata) (Statistics, bool) {
	var s Statistics
	for key, dst := range map[string]*float64{KeyMinimum: &s.Min, KeyMaximum: &s.Max, KeyMean: &s.Mean, KeyStdDev: &s.StdDev} {
		v, err := strconv.ParseFloat(md[key], 64)
		if err != nil {
			return Statistics{}, false
		}
		*dst = v
	}
	s.ValidPercent = 100
	if v, err := strconv.ParseFloat(md[KeyValidPercent], 64); err == nil {
		s.ValidPercent = v
	}
	s.Approximate = md[KeyApproximate] == "YES"
	return s, true
}

// ClearStatistics removes cached statistics keys from md.
func ClearStatistics(md Metadata) {
	for _, k := range []string{KeyMinimum, KeyMaximum, KeyMean, KeyStdDev, KeyValidPercent, KeyApproximate} {
		delete(md, k)
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// ProgressFunc receives the completed fraction in [0, 1].
type ProgressFunc func(complete float64)

// Validity overrides the nodata rule of a band during a scan. Mask bands
// are ignored when an override is given.
type Validity struct {
	NoData    float64
	HasNoData bool
}

// StatsOptions controls a statistics or min/max scan.
type StatsOptions struct {
	ApproxOK bool
	// Window restricts the scan; the zero value scans the whole band.
	// It must be integral.
	Window   Window
	Validity *Validity
	Progress ProgressFunc
	// Force recomputes even when cached statistics exist.
	Force bool
}

// Accumulator collects count, extrema and central moments. Partial
// accumulators merge exactly, so a fixed merge order gives reproducible
// results however the partials were computed.
type Accumulator struct {
	Count    int64
	Total    int64
	Min, Max float64
	Mean     float64
	M2       float64
}

// Add records one valid sample.
func (a *Accumulator) Add(v float64) {
	a.Count++
	if a.Count == 1 {
		a.Min, a.Max = v, v
	} else {
		a.Min = math.Min(a.Min, v)
		a.Max = math.Max(a.Max, v)
	}
	d := v - a.Mean
	a.Mean += d / float64(a.Count)
	a.M2 += d * (v - a.Mean)
}

// AddN records n valid samples of the same value.
func (a *Accumulator) AddN(v float64, n int64) {
	if n <= 0 {
		return
	}
	a.Merge(Accumulator{Count: n, Total: 0, Min: v, Max: v, Mean: v})
}

// Merge folds o into a.
func (a *Accumulator) Merge(o Accumulator) {
	a.Total += o.Total
	if o.Count == 0 {
		return
	}
	if a.Count == 0 {
		total := a.Total
		*a = o
		a.Total = total
		return
	}
	n := a.Count + o.Count
	delta := o.Mean - a.Mean
	a.Mean += delta * float64(o.Count) / float64(n)
	a.M2 += o.M2 + delta*delta*float64(a.Count)*float64(o.Count)/float64(n)
	a.Min = math.Min(a.Min, o.Min)
	a.Max = math.Max(a.Max, o.Max)
	a.Count = n
}

// Statistics converts the accumulator. With no valid samples it returns
// zeroed statistics and ErrNoValidPixels.
func (a Accumulator) Statistics() (Statistics, error) {
	if a.Count == 0 {
		return Statistics{TotalCount: a.Total}, ErrNoValidPixels
	}
	s := Statistics{
		Min: a.Min, Max: a.Max, Mean: a.Mean,
		StdDev:     math.Sqrt(math.Max(0, a.M2/float64(a.Count))),
		ValidCount: a.Count, TotalCount: a.Total,
	}
	if a.Total > 0 {
		s.ValidPercent = float64(a.Count) * 100 / float64(a.Total)
	}
	return s, nil
}

// ComputeStatistics returns the band's statistics, delegating to bands
// that compute their own.
func ComputeStatistics(ctx context.Context, b Band, opts StatsOptions) (Statistics, error) {
	if s, ok := b.(Statistician); ok {
		return s.ComputeStatistics(ctx, opts)
	}
	return ScanStatistics(ctx, b, opts)
}

// CachedStatistics returns statistics stored in the band metadata.
func CachedStatistics(b Band) (Statistics, bool) {
	return StatisticsFromMetadata(b.Metadata(""))
}

// Minimum returns the band's known minimum without scanning.
func Minimum(b Band) (float64, bool) {
	if m, ok := b.(interface{ Minimum() (float64, bool) }); ok {
		return m.Minimum()
	}
	v, err := strconv.ParseFloat(b.Metadata("")[KeyMinimum], 64)
	return v, err == nil
}

// Maximum returns the band's known maximum without scanning.
func Maximum(b Band) (float64, bool) {
	if m, ok := b.(interface{ Maximum() (float64, bool) }); ok {
		return m.Maximum()
	}
	v, err := strconv.ParseFloat(b.Metadata("")[KeyMaximum], 64)
	return v, err == nil
}

// ScanStatistics reads the band and accumulates its valid pixels.
func ScanStatistics(ctx context.Context, b Band, opts StatsOptions) (Statistics, error) {
	acc, approx, err := Scan(ctx, b, opts)
	if err != nil {
		return Statistics{}, err
	}
	s, err := acc.Statistics()
	s.Approximate = approx
	return s, err
}

// ScanMinMax returns the extrema of the valid pixels, or NaN with
// ErrNoValidPixels when there are none.
func ScanMinMax(ctx context.Context, b Band, opts StatsOptions) (float64, float64, error) {
	acc, _, err := Scan(ctx, b, opts)
	if err != nil {
		return math.NaN(), math.NaN(), err
	}
	if acc.Count == 0 {
		return math.NaN(), math.NaN(), ErrNoValidPixels
	}
	return acc.Min, acc.Max, nil
}

// Scan accumulates the valid pixels of a window of b. It reports whether
// a reduced-resolution overview was scanned instead of the band.
func Scan(ctx context.Context, b Band, opts StatsOptions) (Accumulator, bool, error) {
	var acc Accumulator
	approx, err := visit(ctx, b, opts.ApproxOK, opts.Window, opts.Validity, opts.Progress, func(v float64, valid bool) {
		acc.Total++
		if valid {
			acc.Add(v)
		}
	})
	return acc, approx || opts.ApproxOK, err
}

// sampleBand picks the coarsest overview that still has approxSamples
// pixels inside the window, or b itself.
func sampleBand(b Band, win Window) (Band, Window) {
	best, bestWin := b, win
	for i := 0; i < b.OverviewCount(); i++ {
		ovr := b.Overview(i)
		if ovr == nil {
			continue
		}
		sx := float64(ovr.Width()) / float64(b.Width())
		sy := float64(ovr.Height()) / float64(b.Height())
		ow := Window{math.Floor(win.XOff * sx), math.Floor(win.YOff * sy), math.Max(1, math.Round(win.XSize*sx)), math.Max(1, math.Round(win.YSize*sy))}
		if ow.XOff+ow.XSize > float64(ovr.Width()) {
			ow.XSize = float64(ovr.Width()) - ow.XOff
		}
		if ow.YOff+ow.YSize > float64(ovr.Height()) {
			ow.YSize = float64(ovr.Height()) - ow.YOff
		}
		if ow.XSize*ow.YSize < approxSamples {
			continue
		}
		if ow.XSize*ow.YSize < bestWin.XSize*bestWin.YSize {
			best, bestWin = ovr, ow
		}
	}
	return best, bestWin
}

// visit calls fn for every pixel of the window with its validity.
func visit(ctx context.Context, b Band, approxOK bool, win Window, validity *Validity, progress ProgressFunc, fn func(v float64, valid bool)) (bool, error) {
	if win.IsZero() {
		win = Rect(0, 0, b.Width(), b.Height())
	}
	if !win.IsIntegral() || !win.Valid() {
		return false, errors.Wrapf(ErrOutOfBounds, "statistics window %+v", win)
	}
	src := b
	approx := false
	if approxOK {
		if s, w := sampleBand(b, win); s != b {
			src, win, approx = s, w, true
		}
	}

	nd, hasNoData := src.NoData()
	var mask Band
	if validity != nil {
		nd, hasNoData = validity.NoData, validity.HasNoData
	} else if f := src.MaskFlags(); f&(MaskAllValid|MaskNoData) == 0 {
		mask = src.MaskBand()
	}

	x, y, w, h := win.Ints()
	_, bh := src.BlockSize()
	rows := bh
	if rows <= 0 || rows > 256 {
		rows = 64
	}
	if rows*w > 1<<22 {
		rows = max(1, (1<<22)/w)
	}
	for r := 0; r < h; r += rows {
		if err := ctx.Err(); err != nil {
			return approx, err
		}
		n := min(rows, h-r)
		req := Request{Window: Rect(x, y+r, w, n), BufWidth: w, BufHeight: n, NoOverviews: true}
		buf, err := src.Read(ctx, req)
		if err != nil {
			return approx, err
		}
		var mbuf *Buffer
		if mask != nil {
			if mbuf, err = mask.Read(ctx, req); err != nil {
				return approx, err
			}
		}
		for i, v := range buf.Real {
			ok := Valid(v, nd, hasNoData)
			if ok && mbuf != nil && mbuf.Real[i] == 0 {
				ok = false
			}
			fn(v, ok)
		}
		if progress != nil {
			progress(float64(r+n) / float64(h))
		}
	}
	return approx, nil
}
