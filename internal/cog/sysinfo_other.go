//go:build !darwin && !linux

package cog

import "errors"

// totalSystemRAM is unsupported on this platform.
func totalSystemRAM() (uint64, error) {
	return 0, errors.New("RAM detection is not supported on this platform")
}
