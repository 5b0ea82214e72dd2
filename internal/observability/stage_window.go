package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

// RenderStage names a timed section of a render job.
type RenderStage string

const (
	StageDispatch RenderStage = "dispatch"
	StageFallback RenderStage = "fallback"
	StageTotal    RenderStage = "total"
)

var renderStages = [...]RenderStage{StageDispatch, StageFallback, StageTotal}

// p95 budgets reported next to the measured latencies.
var stageBudgets = [...]time.Duration{
	60 * time.Second,
	5 * time.Second,
	65 * time.Second,
}

// RenderSample is one resolved job. Dispatch is zero when no renderer ran
// and Fallback is zero when the renderer succeeded.
type RenderSample struct {
	Total          time.Duration
	Dispatch       time.Duration
	Fallback       time.Duration
	FallbackReason string
}

type StageStats struct {
	Stage      RenderStage `json:"stage"`
	Samples    int         `json:"samples"`
	LastMS     int64       `json:"last_ms"`
	P50MS      int64       `json:"p50_ms"`
	P95MS      int64       `json:"p95_ms"`
	MaxMS      int64       `json:"max_ms"`
	BudgetMS   int64       `json:"budget_p95_ms"`
	OverBudget bool        `json:"over_budget"`
}

type RenderSnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Stages      []StageStats   `json:"stages"`
	Completed   int            `json:"completed"`
	Fallbacks   map[string]int `json:"fallbacks"`
}

// RenderWindow keeps the latest render latencies per stage and counts
// fallbacks by reason, for the /v1/perf/render summary.
type RenderWindow struct {
	mu        sync.Mutex
	size      int
	rings     [len(renderStages)]latencyRing
	completed int
	fallbacks map[string]int
}

type latencyRing struct {
	values []time.Duration
	next   int
	n      int
}

func (r *latencyRing) push(d time.Duration) {
	r.values[r.next] = d
	r.next = (r.next + 1) % len(r.values)
	if r.n < len(r.values) {
		r.n++
	}
}

func (r *latencyRing) last() time.Duration {
	return r.values[(r.next-1+len(r.values))%len(r.values)]
}

func NewRenderWindow(size int) *RenderWindow {
	if size <= 0 {
		size = 256
	}
	w := &RenderWindow{size: size, fallbacks: make(map[string]int)}
	for i := range w.rings {
		w.rings[i].values = make([]time.Duration, size)
	}
	return w
}

func (w *RenderWindow) Observe(s RenderSample) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if s.Dispatch > 0 {
		w.rings[0].push(s.Dispatch)
	}
	if s.FallbackReason != "" {
		w.rings[1].push(s.Fallback)
		w.fallbacks[s.FallbackReason]++
	} else {
		w.completed++
	}
	w.rings[2].push(s.Total)
}

func (w *RenderWindow) Snapshot() RenderSnapshot {
	snap := RenderSnapshot{GeneratedAt: time.Now().UTC(), Fallbacks: map[string]int{}}
	if w == nil {
		return snap
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	snap.WindowSize = w.size
	snap.Completed = w.completed
	for reason, n := range w.fallbacks {
		snap.Fallbacks[reason] = n
	}
	for i := range w.rings {
		ring := &w.rings[i]
		if ring.n == 0 {
			continue
		}
		sorted := append([]time.Duration(nil), ring.values[:ring.n]...)
		sort.Slice(sorted, func(a, b int) bool { return sorted[a] < sorted[b] })
		p95 := nearestRank(sorted, 0.95)
		snap.Stages = append(snap.Stages, StageStats{
			Stage:      renderStages[i],
			Samples:    ring.n,
			LastMS:     ring.last().Milliseconds(),
			P50MS:      nearestRank(sorted, 0.50).Milliseconds(),
			P95MS:      p95.Milliseconds(),
			MaxMS:      sorted[len(sorted)-1].Milliseconds(),
			BudgetMS:   stageBudgets[i].Milliseconds(),
			OverBudget: p95 > stageBudgets[i],
		})
	}
	return snap
}

func (w *RenderWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.rings {
		w.rings[i].next, w.rings[i].n = 0, 0
	}
	w.completed = 0
	w.fallbacks = make(map[string]int)
}

func nearestRank(sorted []time.Duration, q float64) time.Duration {
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
