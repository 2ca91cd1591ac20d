package raster

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Driver opens datasets of one format.
type Driver interface {
	Name() string
	// Identify reports whether the driver recognises name, usually by
	// looking at a prefix or the first bytes of the file.
	Identify(name string) bool
	Open(ctx context.Context, name string) (Dataset, error)
}

var (
	driversMu sync.RWMutex
	drivers   []Driver
)

// RegisterDriver adds a driver. Drivers are tried in registration order.
func RegisterDriver(d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	for i, old := range drivers {
		if old.Name() == d.Name() {
			drivers[i] = d
			return
		}
	}
	drivers = append(drivers, d)
}

// DriverFor returns the first driver that identifies name.
func DriverFor(name string) (Driver, bool) {
	driversMu.RLock()
	defer driversMu.RUnlock()
	for _, d := range drivers {
		if d.Identify(name) {
			return d, true
		}
	}
	return nil, false
}

// Open opens a dataset with the first driver that identifies it.
func Open(ctx context.Context, name string) (Dataset, error) {
	d, ok := DriverFor(name)
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "%s", name)
	}
	ds, err := d.Open(ctx, name)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: open %s", d.Name(), name)
	}
	Debugf("opened %s with %s", name, d.Name())
	return ds, nil
}
