package raster

import (
	"context"

	"github.com/pspoerri/govrt/internal/resample"
)

// RegionReader is a band that can return integer pixel regions at full
// resolution. ReadWindow builds arbitrary resampled reads on top of it.
type RegionReader interface {
	Band
	// ReadRegion returns the pixels [x0,x1) × [y0,y1) in the band's type.
	ReadRegion(ctx context.Context, x0, y0, x1, y1 int) (*Buffer, error)
}

// ReadWindow serves a read request from a RegionReader. Downsampling reads
// are redirected to the best overview unless req.NoOverviews is set. Windows
// that do not map one-to-one onto pixels are resampled with
// req.Resampling; kernels are clipped to the band extent so overlapping
// requests agree on shared pixels.
func ReadWindow(ctx context.Context, b RegionReader, req Request) (*Buffer, error) {
	t := b.DataType()
	req, err := req.Normalize(b.Width(), b.Height(), t)
	if err != nil {
		return nil, err
	}
	if !req.NoOverviews && req.Downsampling() {
		if ovr, ok := BestOverview(b, req); ok {
			return ovr.Read(ctx, ScaleRequest(req, b, ovr))
		}
	}

	w := req.Window
	if w.IsIntegral() && float64(req.BufWidth) == w.XSize && float64(req.BufHeight) == w.YSize {
		x, y, ww, hh := w.Ints()
		buf, err := b.ReadRegion(ctx, x, y, x+ww, y+hh)
		if err != nil {
			return nil, err
		}
		return buf.Convert(req.BufType), nil
	}

	nd, hasNoData := b.NoData()
	grid := resample.Grid{
		XOff: w.XOff, YOff: w.YOff, XSize: w.XSize, YSize: w.YSize,
		OutWidth: req.BufWidth, OutHeight: req.BufHeight,
		BandWidth: b.Width(), BandHeight: b.Height(),
		Alg: req.Resampling, NoData: nd, HasNoData: hasNoData,
	}
	x0, y0, x1, y1 := grid.Region()
	region, err := b.ReadRegion(ctx, x0, y0, x1, y1)
	if err != nil {
		return nil, err
	}
	out := NewBuffer(t, req.BufWidth, req.BufHeight)
	for i, v := range grid.Apply(resample.Plane{Data: region.Real, Width: region.Width, Height: region.Height}, x0, y0) {
		out.Real[i] = t.Clamp(v)
	}
	if out.Imag != nil && region.Imag != nil {
		grid.HasNoData = false
		for i, v := range grid.Apply(resample.Plane{Data: region.Imag, Width: region.Width, Height: region.Height}, x0, y0) {
			out.Imag[i] = t.Clamp(v)
		}
	}
	return out.Convert(req.BufType), nil
}

// BestOverview picks the overview with the largest decimation factor that
// does not exceed the request's own downsampling factor.
func BestOverview(b Band, req Request) (Band, bool) {
	fx := req.Window.XSize / float64(req.BufWidth)
	fy := req.Window.YSize / float64(req.BufHeight)
	factor := fx
	if fy < factor {
		factor = fy
	}
	var best Band
	bestDec := 1.0
	for i := 0; i < b.OverviewCount(); i++ {
		ovr := b.Overview(i)
		if ovr == nil || ovr.Width() == 0 {
			continue
		}
		dec := float64(b.Width()) / float64(ovr.Width())
		if dec <= factor*(1+1e-9) && dec > bestDec {
			best, bestDec = ovr, dec
		}
	}
	if best != nil {
		Debugf("using overview with decimation %.3g for downsampling factor %.3g", bestDec, factor)
	}
	return best, best != nil
}

// ScaleRequest translates a request on band b into the pixel space of its
// overview ovr. The scaled request never recurses into further overviews.
func ScaleRequest(req Request, b, ovr Band) Request {
	sx := float64(ovr.Width()) / float64(b.Width())
	sy := float64(ovr.Height()) / float64(b.Height())
	req.Window = Window{
		XOff: req.Window.XOff * sx, YOff: req.Window.YOff * sy,
		XSize: req.Window.XSize * sx, YSize: req.Window.YSize * sy,
	}
	req.NoOverviews = true
	return req
}
