package progress

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"
)

// syncBuffer guards a bytes.Buffer against the refresh goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0s"},
		{1500 * time.Millisecond, "1s"},
		{45 * time.Second, "45s"},
		{83 * time.Second, "1m23s"},
		{10 * time.Minute, "10m00s"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.d); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestBarCounts(t *testing.T) {
	var out syncBuffer
	b := New(&out, "stats", "rows", 10)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Increment()
		}()
	}
	wg.Wait()
	if got := b.Processed(); got != 4 {
		t.Errorf("Processed() = %d, want 4", got)
	}

	b.Set(0.5)
	if got := b.Processed(); got != 5 {
		t.Errorf("Processed() after Set(0.5) = %d, want 5", got)
	}
	b.Set(2)
	if got := b.Processed(); got != 10 {
		t.Errorf("Processed() after Set(2) = %d, want 10", got)
	}

	b.Finish()
	b.Finish()
	s := out.String()
	if !strings.HasSuffix(s, "\n") || strings.Count(s, "\n") != 1 {
		t.Errorf("output %q should end with exactly one newline", s)
	}
	if !strings.Contains(s, "100%") || !strings.Contains(s, "10/10 rows") {
		t.Errorf("final line %q misses the completed state", s)
	}
}

func TestBarLine(t *testing.T) {
	b := &Bar{total: 4, label: "copy", unit: "blocks", barWidth: 4}
	b.processed.Store(1)
	got := b.line(4 * time.Second)
	want := "\rcopy [█░░░]  25%  1/4 blocks  0/s  4s\033[K"
	if got != want {
		t.Errorf("line = %q, want %q", got, want)
	}
}
