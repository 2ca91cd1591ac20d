//go:build !unix

package cog

import (
	"fmt"
	"os"
)

// mapFile reads the whole file; memory mapping is not available on this
// platform.
func mapFile(path string) ([]byte, func() error, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("%s: empty file", path)
	}
	return data, func() error { return nil }, nil
}
