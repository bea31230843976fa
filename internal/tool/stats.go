package tool

import (
	"slices"
	"sync"
	"time"
)

// window is a fixed-size ring of the most recent dispatch samples of one
// tool. Each slot remembers whether it was an execution error, so the error
// rate is exact for the window.
type window struct {
	latency []time.Duration
	failed  []bool
	pos     int
	count   int
	errors  int
	total   int64
	last    Variant
	lastAt  time.Time
}

func newWindow(size int) *window {
	return &window{latency: make([]time.Duration, size), failed: make([]bool, size)}
}

func (w *window) record(d time.Duration, isErr bool) {
	if w.count == len(w.latency) && w.failed[w.pos] {
		w.errors--
	}
	w.latency[w.pos] = d
	w.failed[w.pos] = isErr
	if isErr {
		w.errors++
	}
	w.pos = (w.pos + 1) % len(w.latency)
	w.count = min(w.count+1, len(w.latency))
	w.total++
}

func (w *window) percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(float64(len(sorted)-1)*p)]
}

// Health summarises the recent dispatches of one tool.
type Health struct {
	Tool        string        `json:"tool"`
	Calls       int64         `json:"calls"`
	Window      int           `json:"window"`
	ErrorRate   float64       `json:"errorRate"`
	P50         time.Duration `json:"p50"`
	P99         time.Duration `json:"p99"`
	LastVariant Variant       `json:"lastVariant"`
	LastAt      time.Time     `json:"lastAt"`
}

// Stats keeps a rolling window of dispatch latency and execution errors per
// tool. It is safe for concurrent use.
type Stats struct {
	mu    sync.Mutex
	size  int
	tools map[string]*window
	now   func() time.Time
}

// NewStats creates a Stats keeping the last size samples per tool. A size
// of 0 or less defaults to 100.
func NewStats(size int) *Stats {
	if size <= 0 {
		size = 100
	}
	return &Stats{size: size, tools: make(map[string]*window), now: time.Now}
}

// Record adds one dispatch outcome. Only [VariantExecutionError] counts as an
// error: the other failure variants are caused by the caller, not the tool.
func (s *Stats) Record(name string, v Variant, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.tools[name]
	if !ok {
		w = newWindow(s.size)
		s.tools[name] = w
	}
	w.record(elapsed, v == VariantExecutionError)
	w.last = v
	w.lastAt = s.now().UTC()
}

// Snapshot returns the health of every tool that has been dispatched, sorted
// by name.
func (s *Stats) Snapshot() []Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Health, 0, len(s.tools))
	for name, w := range s.tools {
		sorted := slices.Clone(w.latency[:w.count])
		slices.Sort(sorted)
		h := Health{
			Tool:        name,
			Calls:       w.total,
			Window:      w.count,
			P50:         w.percentile(sorted, 0.5),
			P99:         w.percentile(sorted, 0.99),
			LastVariant: w.last,
			LastAt:      w.lastAt,
		}
		if w.count > 0 {
			h.ErrorRate = float64(w.errors) / float64(w.count)
		}
		out = append(out, h)
	}
	slices.SortFunc(out, func(a, b Health) int {
		switch {
		case a.Tool < b.Tool:
			return -1
		case a.Tool > b.Tool:
			return 1
		}
		return 0
	})
	return out
}
