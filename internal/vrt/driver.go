package vrt

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"

	"github.com/pspoerri/govrt/internal/raster"
	"github.com/pspoerri/govrt/internal/vfs"
)

type driver struct{}

func (driver) Name() string { return "VRT" }

// Identify accepts vrt:// names, literal descriptors, .vrt files and files
// starting with a descriptor root element.
func (driver) Identify(name string) bool {
	if strings.HasPrefix(name, protocolPrefix) || isLiteral(name) {
		return true
	}
	if strings.EqualFold(filepath.Ext(name), ".vrt") {
		return true
	}
	h, err := vfs.Header(name, 64)
	if err != nil {
		return false
	}
	return bytes.Contains(h, []byte(literalPrefix))
}

func (driver) Open(ctx context.Context, name string) (raster.Dataset, error) {
	d, err := Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func init() {
	raster.RegisterDriver(driver{})
}
