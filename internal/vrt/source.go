package vrt

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/pspoerri/govrt/internal/raster"
	"github.com/pspoerri/govrt/internal/resample"
	"github.com/pspoerri/govrt/internal/vrtxml"
)

// Kind selects how a source turns underlying pixels into band pixels.
type Kind int

const (
	// KindSimple copies pixels.
	KindSimple Kind = iota
	// KindComplex skips its nodata and masked pixels and applies scaling
	// and a lookup table.
	KindComplex
	// KindAveraged box-averages whatever resampling the read asks for.
	KindAveraged
)

func (k Kind) String() string {
	switch k {
	case KindComplex:
		return vrtxml.ComplexSource
	case KindAveraged:
		return vrtxml.AveragedSource
	}
	return vrtxml.SimpleSource
}

func parseKind(s string) (Kind, bool) {
	switch s {
	case vrtxml.SimpleSource:
		return KindSimple, true
	case vrtxml.ComplexSource:
		return KindComplex, true
	case vrtxml.AveragedSource:
		return KindAveraged, true
	}
	return KindSimple, false
}

// Scaling maps a value v to v*Ratio+Offset.
type Scaling struct {
	Offset, Ratio float64
}

// LUTPoint is one node of a piecewise linear lookup table.
type LUTPoint struct {
	In, Out float64
}

// SourceProperties declares the underlying raster so that it need not be
// opened to learn its size.
type SourceProperties struct {
	Width, Height          int
	DataType               raster.DataType
	BlockXSize, BlockYSize int
}

// Source maps a window of an underlying band onto a window of a virtual
// band.
type Source struct {
	Kind Kind
	// Filename names the underlying dataset. With RelativeToVRT it is
	// resolved against the directory of the descriptor.
	Filename      string
	RelativeToVRT bool
	// Shared selects pooled handle sharing. Nil follows the package
	// option.
	Shared *bool
	// Band is the 1-based underlying band; 0 means 1. With MaskBand the
	// band's mask is read instead.
	Band     int
	MaskBand bool
	// SrcRect and DstRect default to the whole underlying raster and the
	// whole virtual band.
	SrcRect, DstRect raster.Window
	// Resampling overrides nearest neighbour reads of this source.
	Resampling string
	Properties *SourceProperties

	// NoData, UseMaskBand, Scaling and LUT apply to KindComplex only.
	NoData      *float64
	UseMaskBand bool
	Scaling     *Scaling
	LUT         []LUTPoint

	// overview selects underlying overview overview-1 when positive.
	overview int
	path     string
	ref      *Ref
}

// Path returns the resolved name of the underlying dataset.
func (s *Source) Path() string { return s.path }

func (s *Source) shared() bool {
	if s.Shared != nil {
		return *s.Shared
	}
	return CurrentOptions().SharedSources
}

func (s *Source) bandIndex() int { return max(1, s.Band) }

// bandSpec renders the SourceBand element.
func (s *Source) bandSpec() string {
	if s.MaskBand {
		return "mask," + strconv.Itoa(s.bandIndex())
	}
	return strconv.Itoa(s.bandIndex())
}

// parseSourceBand reads "N", "mask" or "mask,N". An empty value is band 1.
func parseSourceBand(v string) (band int, mask bool, err error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 1, false, nil
	}
	if rest, ok := strings.CutPrefix(v, "mask"); ok {
		rest = strings.TrimPrefix(rest, ",")
		if rest == "" {
			return 1, true, nil
		}
		n, err := strconv.Atoi(rest)
		if err != nil || n < 0 {
			return 0, false, errors.Errorf("invalid source band %q", v)
		}
		return max(1, n), true, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, false, errors.Errorf("invalid source band %q", v)
	}
	return n, false, nil
}

// parseLUT reads "in:out,in:out,...".
func parseLUT(v string) ([]LUTPoint, error) {
	var out []LUTPoint
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		in, o, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, errors.Errorf("invalid LUT entry %q", pair)
		}
		a, err1 := strconv.ParseFloat(strings.TrimSpace(in), 64)
		b, err2 := strconv.ParseFloat(strings.TrimSpace(o), 64)
		if err1 != nil || err2 != nil {
			return nil, errors.Errorf("invalid LUT entry %q", pair)
		}
		out = append(out, LUTPoint{a, b})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].In < out[j].In })
	return out, nil
}

func formatLUT(lut []LUTPoint) string {
	parts := make([]string, len(lut))
	for i, p := range lut {
		parts[i] = vrtxml.FormatFloat(p.In) + ":" + vrtxml.FormatFloat(p.Out)
	}
	return strings.Join(parts, ",")
}

func lookup(lut []LUTPoint, v float64) float64 {
	if v <= lut[0].In {
		return lut[0].Out
	}
	last := lut[len(lut)-1]
	if v >= last.In {
		return last.Out
	}
	i := sort.Search(len(lut), func(i int) bool { return lut[i].In >= v })
	a, b := lut[i-1], lut[i]
	if b.In == a.In {
		return b.Out
	}
	return a.Out + (v-a.In)*(b.Out-a.Out)/(b.In-a.In)
}

// transforms reports whether the source changes pixel values.
func (s *Source) transforms() bool {
	return s.Kind == KindComplex && (s.Scaling != nil || len(s.LUT) > 0)
}

func (s *Source) transform(re, im float64) (float64, float64) {
	if s.Scaling != nil {
		re = re*s.Scaling.Ratio + s.Scaling.Offset
		im = im*s.Scaling.Ratio + s.Scaling.Offset
	}
	if len(s.LUT) > 0 {
		re = lookup(s.LUT, re)
	}
	return re, im
}

func (s *Source) noData() (float64, bool) {
	if s.Kind != KindComplex || s.NoData == nil {
		return 0, false
	}
	return *s.NoData, true
}

// dstRect returns the destination window in the pixel space of b.
func (s *Source) dstRect(b *Band) raster.Window {
	if s.DstRect.IsZero() {
		return raster.Rect(0, 0, b.width, b.height)
	}
	return s.DstRect
}

// srcRect returns the source window in the pixel space of the underlying
// band, which is sb unless the source reads an overview.
func (s *Source) srcRect(sb raster.Band) raster.Window {
	if !s.SrcRect.IsZero() {
		return s.SrcRect
	}
	if p := s.Properties; p != nil && p.Width > 0 && p.Height > 0 {
		return raster.Rect(0, 0, p.Width, p.Height)
	}
	return raster.Rect(0, 0, sb.Width(), sb.Height())
}

// band returns the underlying band of an open dataset.
func (s *Source) band(ctx context.Context, ds raster.Dataset) (raster.Band, error) {
	b, err := ds.Band(s.bandIndex())
	if err != nil {
		return nil, errors.Wrapf(ErrSourceUnavailable, "%s: %v", shorten(s.path), err)
	}
	if s.MaskBand {
		b = b.MaskBand()
	}
	if s.overview > 0 {
		ovrs := overviewsOf(ctx, b)
		if s.overview > len(ovrs) || ovrs[s.overview-1] == nil {
			return nil, errors.Wrapf(ErrSourceUnavailable, "%s: no overview %d", shorten(s.path), s.overview-1)
		}
		b = ovrs[s.overview-1]
	}
	return b, nil
}

// open pins the underlying dataset and returns the source band. The
// caller must Unpin the source's Ref.
func (s *Source) open(ctx context.Context) (raster.Band, error) {
	ds, err := s.ref.Pin(ctx)
	if err != nil {
		return nil, err
	}
	b, err := s.band(ctx, ds)
	if err != nil {
		s.ref.Unpin()
		return nil, err
	}
	return b, nil
}

// resampling returns the algorithm used to read this source for a request
// asking for alg.
func (s *Source) resampling(alg resample.Alg) resample.Alg {
	if s.Kind == KindAveraged {
		return resample.Average
	}
	if alg == resample.Nearest && s.Resampling != "" {
		if a, err := resample.Parse(s.Resampling); err == nil {
			return a
		}
	}
	return alg
}

// resampleNoData picks the value excluded from interpolation kernels.
func (s *Source) resampleNoData(sb raster.Band, b *Band) (float64, bool) {
	if nd, ok := s.noData(); ok {
		return nd, true
	}
	if nd, ok := sb.NoData(); ok {
		return nd, true
	}
	if b.hasNoData {
		return b.nodata, true
	}
	return 0, false
}

const (
	// snapEpsilon pulls source coordinates that are almost integral onto
	// the integer.
	snapEpsilon = 1e-6
	// edgeEpsilon breaks ties of pixel centres lying on a window edge.
	edgeEpsilon = 1e-9
)

func snap(v float64) float64 {
	if r := math.Round(v); math.Abs(v-r) < snapEpsilon {
		return r
	}
	return v
}

// span is the run of output pixels one source paints along an axis and the
// source interval they map to.
type span struct {
	out, n int
	s0, s1 float64
}

// axisSpan maps one axis of a request (window offset/size read into size
// output pixels) through a source's DstRect and SrcRect. Output pixels are
// painted when their centre lies inside the DstRect and the centre of the
// source pixel they map to lies inside the underlying raster.
func axisSpan(wOff, wSize float64, size int, dOff, dSize, sOff, sSize float64, extent int) (span, bool) {
	r := wSize / float64(size)
	o0 := max(0, int(math.Ceil((dOff-wOff)/r-0.5-edgeEpsilon)))
	o1 := min(size, int(math.Ceil((dOff+dSize-wOff)/r-0.5-edgeEpsilon)))
	if o1 <= o0 {
		return span{}, false
	}
	k := sSize / dSize
	at := func(o int) float64 { return snap(sOff + (wOff+float64(o)*r-dOff)*k) }
	s0, s1 := at(o0), at(o1)
	step := (s1 - s0) / float64(o1-o0)
	first := max(0, int(math.Ceil(-s0/step-0.5-edgeEpsilon)))
	last := min(o1-o0, int(math.Ceil((float64(extent)-s0)/step-0.5-edgeEpsilon)))
	if last <= first {
		return span{}, false
	}
	return span{
		out: o0 + first,
		n:   last - first,
		s0:  snap(s0 + float64(first)*step),
		s1:  snap(s0 + float64(last)*step),
	}, true
}

// paint composes the source into buf, the band buffer of req.
func (s *Source) paint(ctx context.Context, b *Band, req raster.Request, buf *raster.Buffer) error {
	dst := s.dstRect(b)
	if _, ok := dst.Intersect(req.Window); !ok {
		return nil
	}
	sb, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer s.ref.Unpin()

	src := s.srcRect(sb)
	xs, okx := axisSpan(req.Window.XOff, req.Window.XSize, req.BufWidth, dst.XOff, dst.XSize, src.XOff, src.XSize, sb.Width())
	ys, oky := axisSpan(req.Window.YOff, req.Window.YSize, req.BufHeight, dst.YOff, dst.YSize, src.YOff, src.YSize, sb.Height())
	if !okx || !oky {
		return nil
	}
	win := raster.Window{XOff: xs.s0, YOff: ys.s0, XSize: xs.s1 - xs.s0, YSize: ys.s1 - ys.s0}
	nd, hasNoData := s.resampleNoData(sb, b)
	data, err := readSource(ctx, sb, win, xs.n, ys.n, s.resampling(req.Resampling), nd, hasNoData, req.NoOverviews)
	if err != nil {
		return errors.Wrapf(err, "read %s", shorten(s.path))
	}
	if s.Kind != KindComplex {
		buf.Paste(data, xs.out, ys.out)
		return nil
	}
	var mask *raster.Buffer
	if s.UseMaskBand {
		if mask, err = readSource(ctx, sb.MaskBand(), win, xs.n, ys.n, resample.Nearest, 0, false, req.NoOverviews); err != nil {
			return errors.Wrapf(err, "read mask of %s", shorten(s.path))
		}
	}
	s.composite(buf, data, mask, xs.out, ys.out)
	return nil
}

// composite writes the valid pixels of data into dst at (x0, y0).
func (s *Source) composite(dst, data, mask *raster.Buffer, x0, y0 int) {
	nd, hasNoData := s.noData()
	ndNaN := hasNoData && math.IsNaN(nd)
	for row := 0; row < data.Height; row++ {
		di := (y0+row)*dst.Width + x0
		for col := 0; col < data.Width; col++ {
			i := row*data.Width + col
			if mask != nil && mask.Real[i] == 0 {
				continue
			}
			re := data.Real[i]
			if hasNoData && (re == nd || ndNaN && math.IsNaN(re)) {
				continue
			}
			var im float64
			if data.Imag != nil {
				im = data.Imag[i]
			}
			re, im = s.transform(re, im)
			dst.Real[di+col] = dst.Type.Clamp(re)
			if dst.Imag != nil {
				dst.Imag[di+col] = dst.Type.Clamp(im)
			}
		}
	}
}

// readSource reads win of b into a w × h Float64 buffer (CFloat64 for
// complex bands). Values keep their full range so that scaling sees the
// unclamped samples.
func readSource(ctx context.Context, b raster.Band, win raster.Window, w, h int, alg resample.Alg, nd float64, hasNoData, noOverviews bool) (*raster.Buffer, error) {
	t := raster.Float64
	if b.DataType().IsComplex() {
		t = raster.CFloat64
	}
	req := raster.Request{Window: win, BufWidth: w, BufHeight: h, BufType: t, Resampling: alg, NoOverviews: true}
	if !noOverviews && req.Downsampling() {
		if ovr, ok := raster.BestOverview(withOverviews(ctx, b), req); ok {
			req = raster.ScaleRequest(req, b, ovr)
			b, win = ovr, req.Window
		}
	}
	inside := win.XOff >= 0 && win.YOff >= 0 &&
		win.XOff+win.XSize <= float64(b.Width()) && win.YOff+win.YSize <= float64(b.Height())
	if inside && win.IsIntegral() && float64(w) == win.XSize && float64(h) == win.YSize {
		return b.Read(ctx, req)
	}

	grid := resample.Grid{
		XOff: win.XOff, YOff: win.YOff, XSize: win.XSize, YSize: win.YSize,
		OutWidth: w, OutHeight: h,
		BandWidth: b.Width(), BandHeight: b.Height(),
		Alg: alg, NoData: nd, HasNoData: hasNoData,
	}
	x0, y0, x1, y1 := grid.Region()
	region, err := b.Read(ctx, raster.Request{
		Window:   raster.Rect(x0, y0, x1-x0, y1-y0),
		BufWidth: x1 - x0, BufHeight: y1 - y0,
		BufType: t, NoOverviews: true,
	})
	if err != nil {
		return nil, err
	}
	out := &raster.Buffer{Type: t, Width: w, Height: h}
	out.Real = grid.Apply(resample.Plane{Data: region.Real, Width: region.Width, Height: region.Height}, x0, y0)
	if t.IsComplex() {
		grid.HasNoData = false
		out.Imag = grid.Apply(resample.Plane{Data: region.Imag, Width: region.Width, Height: region.Height}, x0, y0)
	}
	return out, nil
}

// overviewList presents a precomputed overview list through the Band
// interface, so that overview selection sees the list resolved under the
// caller's context.
type overviewList struct {
	raster.Band
	list []raster.Band
}

func (o overviewList) OverviewCount() int { return len(o.list) }

func (o overviewList) Overview(i int) raster.Band {
	if i < 0 || i >= len(o.list) {
		return nil
	}
	return o.list[i]
}

func withOverviews(ctx context.Context, b raster.Band) raster.Band {
	if vb, ok := b.(*Band); ok {
		return overviewList{vb, vb.overviewBands(ctx)}
	}
	return b
}

// overviewsOf lists the overviews of any band, resolving virtual bands
// under ctx.
func overviewsOf(ctx context.Context, b raster.Band) []raster.Band {
	if vb, ok := b.(*Band); ok {
		return vb.overviewBands(ctx)
	}
	out := make([]raster.Band, b.OverviewCount())
	for i := range out {
		out[i] = b.Overview(i)
	}
	return out
}

// toXML renders the source element.
func (s *Source) toXML() vrtxml.Source {
	x := vrtxml.Source{
		Resampling: s.Resampling,
		SourceFilename: &vrtxml.SourceFilename{
			RelativeToVRT: vrtxml.Bool(s.RelativeToVRT),
			Name:          s.Filename,
		},
		SourceBand: s.bandSpec(),
	}
	x.XMLName.Local = s.Kind.String()
	if s.Shared != nil {
		x.SourceFilename.Shared = vrtxml.BoolPtr(*s.Shared)
	}
	if p := s.Properties; p != nil {
		x.SourceProperties = &vrtxml.SourceProperties{
			RasterXSize: p.Width, RasterYSize: p.Height,
			DataType:   p.DataType.String(),
			BlockXSize: p.BlockXSize, BlockYSize: p.BlockYSize,
		}
	}
	if !s.SrcRect.IsZero() {
		x.SrcRect = rectXML(s.SrcRect)
	}
	if !s.DstRect.IsZero() {
		x.DstRect = rectXML(s.DstRect)
	}
	if s.Kind == KindComplex {
		if s.NoData != nil {
			x.NoData = formatNoData(*s.NoData)
		}
		x.UseMaskBand = vrtxml.Bool(s.UseMaskBand)
		if s.Scaling != nil {
			x.ScaleOffset = vrtxml.Float64Ptr(s.Scaling.Offset)
			x.ScaleRatio = vrtxml.Float64Ptr(s.Scaling.Ratio)
		}
		if len(s.LUT) > 0 {
			x.LUT = formatLUT(s.LUT)
		}
	}
	return x
}

func rectXML(w raster.Window) *vrtxml.Rect {
	return &vrtxml.Rect{XOff: w.XOff, YOff: w.YOff, XSize: w.XSize, YSize: w.YSize}
}

func rectOf(r *vrtxml.Rect) raster.Window {
	if r == nil {
		return raster.Window{}
	}
	return raster.Window{XOff: r.XOff, YOff: r.YOff, XSize: r.XSize, YSize: r.YSize}
}

// validRect reports whether a declared rectangle is usable: finite values,
// non-negative offsets and positive sizes.
func validRect(w raster.Window) bool {
	return w.Valid() && w.XOff >= 0 && w.YOff >= 0
}

// sourceFromXML converts a source element. Filenames stay unresolved.
func sourceFromXML(x vrtxml.Source) (*Source, error) {
	kind, ok := parseKind(x.Kind())
	if !ok {
		return nil, errors.Wrapf(ErrInvalidDescriptor, "unsupported source %s", x.Kind())
	}
	s := &Source{Kind: kind, Resampling: x.Resampling}
	if x.SourceFilename == nil || strings.TrimSpace(x.SourceFilename.Name) == "" {
		return nil, errors.Wrapf(ErrInvalidDescriptor, "%s without SourceFilename", x.Kind())
	}
	s.Filename = strings.TrimSpace(x.SourceFilename.Name)
	s.RelativeToVRT = bool(x.SourceFilename.RelativeToVRT)
	if x.SourceFilename.Shared != nil {
		v := bool(*x.SourceFilename.Shared)
		s.Shared = &v
	}
	var err error
	if s.Band, s.MaskBand, err = parseSourceBand(x.SourceBand); err != nil {
		return nil, errors.Wrap(ErrInvalidDescriptor, err.Error())
	}
	if x.Resampling != "" {
		if _, err := resample.Parse(x.Resampling); err != nil {
			return nil, errors.Wrap(ErrInvalidDescriptor, err.Error())
		}
	}
	if p := x.SourceProperties; p != nil {
		s.Properties = &SourceProperties{Width: p.RasterXSize, Height: p.RasterYSize, BlockXSize: p.BlockXSize, BlockYSize: p.BlockYSize}
		if p.DataType != "" {
			if s.Properties.DataType, err = raster.ParseDataType(p.DataType); err != nil {
				return nil, errors.Wrap(ErrInvalidDescriptor, err.Error())
			}
		}
	}
	for name, r := range map[string]*vrtxml.Rect{"SrcRect": x.SrcRect, "DstRect": x.DstRect} {
		if r != nil && !validRect(rectOf(r)) {
			return nil, errors.Wrapf(ErrInvalidDescriptor, "invalid %s %+v", name, *r)
		}
	}
	s.SrcRect, s.DstRect = rectOf(x.SrcRect), rectOf(x.DstRect)

	if kind != KindComplex {
		return s, nil
	}
	if x.NoData != "" {
		v, err := parseNoData(x.NoData)
		if err != nil {
			return nil, err
		}
		s.NoData = &v
	}
	s.UseMaskBand = bool(x.UseMaskBand)
	if x.ScaleOffset != nil || x.ScaleRatio != nil {
		s.Scaling = &Scaling{Ratio: 1}
		if x.ScaleOffset != nil {
			s.Scaling.Offset = *x.ScaleOffset
		}
		if x.ScaleRatio != nil {
			s.Scaling.Ratio = *x.ScaleRatio
		}
	}
	if x.LUT != "" {
		if s.LUT, err = parseLUT(x.LUT); err != nil {
			return nil, errors.Wrap(ErrInvalidDescriptor, err.Error())
		}
	}
	return s, nil
}

// parseNoData reads a nodata literal; nan and inf spellings are accepted.
func parseNoData(v string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidDescriptor, "invalid nodata value %q", v)
	}
	return f, nil
}
