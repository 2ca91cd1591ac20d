package resample

import "sync"

// planePools maps a sample count to a *sync.Pool of []float64. Only a few
// distinct block sizes exist per process, so the map stays small.
var planePools sync.Map

// GetPlane returns a zeroed w × h plane from the pool, or allocates one.
func GetPlane(w, h int) Plane {
	n := w * h
	if p, ok := planePools.Load(n); ok {
		if v := p.(*sync.Pool).Get(); v != nil {
			data := *(v.(*[]float64))
			clear(data)
			return Plane{Data: data, Width: w, Height: h}
		}
	}
	return Plane{Data: make([]float64, n), Width: w, Height: h}
}

// PutPlane returns a plane's storage to the pool. Empty planes are ignored.
func PutPlane(p Plane) {
	if len(p.Data) == 0 {
		return
	}
	data := p.Data
	pool, _ := planePools.LoadOrStore(len(data), &sync.Pool{})
	pool.(*sync.Pool).Put(&data)
}
