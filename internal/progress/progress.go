// Package progress draws an in-place terminal progress bar for the
// command line tools.
package progress

import (
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Bar renders an in-place progress bar. It refreshes at a fixed interval
// and supports concurrent Increment and Set calls from worker goroutines.
type Bar struct {
	w         io.Writer
	total     int64
	processed atomic.Int64
	label     string
	unit      string
	barWidth  int
	start     time.Time
	done      chan struct{}
	finished  sync.Once
	mu        sync.Mutex
}

// New starts a bar counting total units on w.
func New(w io.Writer, label, unit string, total int64) *Bar {
	b := &Bar{
		w:        w,
		total:    total,
		label:    label,
		unit:     unit,
		barWidth: 30,
		start:    time.Now(),
		done:     make(chan struct{}),
	}
	go b.run()
	return b
}

// Increment marks one more unit as processed.
func (b *Bar) Increment() {
	b.processed.Add(1)
}

// Set records the completed fraction in [0, 1]. Its signature matches the
// progress callbacks of the statistics scans.
func (b *Bar) Set(frac float64) {
	frac = math.Max(0, math.Min(1, frac))
	b.processed.Store(int64(math.Round(frac * float64(b.total))))
}

// Processed returns the units counted so far.
func (b *Bar) Processed() int64 { return b.processed.Load() }

// Finish stops the refresh loop and prints the final state with a newline.
// Later calls do nothing.
func (b *Bar) Finish() {
	b.finished.Do(func() {
		close(b.done)
		b.draw()
		fmt.Fprint(b.w, "\n")
	})
}

func (b *Bar) run() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.draw()
		}
	}
}

func (b *Bar) draw() {
	b.mu.Lock()
	defer b.mu.Unlock()
	fmt.Fprint(b.w, b.line(time.Since(b.start)))
}

// line formats the bar after elapsed time.
func (b *Bar) line(elapsed time.Duration) string {
	processed := b.processed.Load()
	var frac float64
	if b.total > 0 {
		frac = float64(processed) / float64(b.total)
	}
	frac = math.Min(frac, 1)

	filled := int(float64(b.barWidth) * frac)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", b.barWidth-filled)

	rate := float64(0)
	if secs := elapsed.Seconds(); secs > 0 {
		rate = float64(processed) / secs
	}
	return fmt.Sprintf("\r%s [%s] %3.0f%%  %d/%d %s  %.0f/s  %s\033[K",
		b.label, bar, frac*100, processed, b.total, b.unit, rate, FormatDuration(elapsed))
}

// FormatDuration formats a duration concisely (e.g. "1m23s", "45s", "0s").
func FormatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) - m*60
	return fmt.Sprintf("%dm%02ds", m, s)
}
