package runtime

import (
	"context"
	"errors"
	"math"
	goruntime "runtime"
	"runtime/metrics"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	errspkg "github.com/drblury/replyflow/internal/runtime/errors"
	"github.com/drblury/replyflow/internal/runtime/jsoncodec"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute

	cpuMetric = "/cpu/classes/user:cpu-seconds"
)

// ErrorCategory buckets failed operation attempts in listener stats.
type ErrorCategory string

const (
	ErrorCategoryNone     ErrorCategory = "none"
	ErrorCategoryPanic    ErrorCategory = "panic"
	ErrorCategoryTimeout  ErrorCategory = "timeout"
	ErrorCategoryCanceled ErrorCategory = "canceled"
	ErrorCategoryOther    ErrorCategory = "other"
)

type ErrorClassifier func(error) ErrorCategory

func defaultErrorClassifier(err error) ErrorCategory {
	var panicErr *errspkg.PanicError
	switch {
	case err == nil:
		return ErrorCategoryNone
	case errors.As(err, &panicErr):
		return ErrorCategoryPanic
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorCategoryTimeout
	case errors.Is(err, context.Canceled):
		return ErrorCategoryCanceled
	default:
		return ErrorCategoryOther
	}
}

// ListenerInfo is the introspection view of one registered listener.
type ListenerInfo struct {
	Name    string         `json:"name"`
	Channel string         `json:"channel"`
	Stats   *ListenerStats `json:"stats"`
}

// ListenerStats aggregates what a listener has done since it was registered.
type ListenerStats struct {
	mu    sync.Mutex
	clock clockwork.Clock

	EnvelopesReceived uint64    `json:"envelopes_received"`
	EnvelopesFiltered uint64    `json:"envelopes_filtered"`
	EnvelopesAccepted uint64    `json:"envelopes_accepted"`
	Retries           uint64    `json:"retries"`
	Responses         uint64    `json:"responses"`
	PublishFailures   uint64    `json:"publish_failures"`
	LastResponseAt    time.Time `json:"last_response_at"`

	Latency    LatencyMetrics    `json:"lane_latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`
	Lanes      LaneMetrics       `json:"lanes"`
	Stream     StreamHealth      `json:"stream"`
	Resource   ResourceUsage     `json:"resource"`

	latencyWindow    *latencyWindow
	throughputWindow *throughputWindow
	resourceSampler  *resourceTracker
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS        float64 `json:"current_rps"`
	WindowSeconds     float64 `json:"window_seconds"`
	ResponsesInWindow uint64  `json:"responses_in_window"`
}

type ErrorBreakdown struct {
	Panics    uint64 `json:"panics"`
	Timeouts  uint64 `json:"timeouts"`
	Canceled  uint64 `json:"canceled"`
	Other     uint64 `json:"other"`
	LastError string `json:"last_error,omitempty"`
}

type LaneMetrics struct {
	InFlight    uint64 `json:"in_flight"`
	MaxInFlight uint64 `json:"max_in_flight"`
}

// StreamHealth tracks stream faults. Consecutive is the counter that drives
// the restart backoff.
type StreamHealth struct {
	Faults      uint64    `json:"faults"`
	Consecutive int       `json:"consecutive"`
	LastFault   string    `json:"last_fault,omitempty"`
	LastFaultAt time.Time `json:"last_fault_at"`
}

type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

func newListenerStats(clock clockwork.Clock, sampler *resourceTracker) *ListenerStats {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ListenerStats{
		clock:            clock,
		resourceSampler:  sampler,
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
	}
}

func (h *ListenerStats) onReceived(filtered bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.EnvelopesReceived++
	if filtered {
		h.EnvelopesFiltered++
	}
}

func (h *ListenerStats) onLaneStart() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.EnvelopesAccepted++
	h.Lanes.InFlight++
	h.Lanes.MaxInFlight = max(h.Lanes.MaxInFlight, h.Lanes.InFlight)
}

func (h *ListenerStats) onLaneFinish() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.Lanes.InFlight > 0 {
		h.Lanes.InFlight--
	}
}

func (h *ListenerStats) onAttemptFailed(err error, classifier ErrorClassifier) {
	if classifier == nil {
		classifier = defaultErrorClassifier
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Retries++
	h.Errors.Record(classifier(err), err)
}

// onResponse records a published response; laneDuration runs from acceptance
// to success.
func (h *ListenerStats) onResponse(laneDuration time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.clock.Now()
	h.Responses++
	h.LastResponseAt = now.UTC()

	h.latencyWindow.Add(laneDuration)
	h.Latency = h.latencyWindow.Snapshot()

	snapshot := h.throughputWindow.AddAndSnapshot(now)
	h.Throughput = ThroughputMetrics{
		CurrentRPS:        snapshot.CurrentRPS,
		WindowSeconds:     snapshot.WindowSeconds,
		ResponsesInWindow: uint64(snapshot.Count),
	}
}

func (h *ListenerStats) onPublishFailed() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.PublishFailures++
}

func (h *ListenerStats) onStreamFault(err error, consecutive int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Stream.Faults++
	h.Stream.Consecutive = consecutive
	h.Stream.LastFault = err.Error()
	h.Stream.LastFaultAt = h.clock.Now().UTC()
}

// inFlight reports the current number of lanes.
func (h *ListenerStats) inFlight() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Lanes.InFlight
}

func (h *ListenerStats) MarshalJSON() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.resourceSampler != nil {
		h.Resource = h.resourceSampler.Snapshot()
	}

	type Alias ListenerStats
	return jsoncodec.Marshal((*Alias)(h))
}

func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	switch category {
	case ErrorCategoryNone:
		if err == nil {
			return
		}
		e.Other++
	case ErrorCategoryPanic:
		e.Panics++
	case ErrorCategoryTimeout:
		e.Timeouts++
	case ErrorCategoryCanceled:
		e.Canceled++
	default:
		e.Other++
	}
	if err != nil {
		e.LastError = err.Error()
	}
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	if lw == nil || len(lw.samples) == 0 {
		return
	}
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	var m LatencyMetrics
	if lw == nil {
		return m
	}
	m.LastNs = lw.last
	if lw.filled == 0 {
		return m
	}

	samples := make([]int64, lw.filled)
	for i := range lw.filled {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	slices.Sort(samples)

	var sum int64
	for _, v := range samples {
		sum += v
	}
	m.SampleSize = lw.filled
	m.AverageNs = sum / int64(len(samples))
	m.P50Ns = percentile(samples, 0.50)
	m.P95Ns = percentile(samples, 0.95)
	m.P99Ns = percentile(samples, 0.99)
	return m
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{
		horizon: horizon,
		samples: make([]time.Time, 0, 64),
	}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	if tw == nil {
		return throughputSnapshot{}
	}
	tw.samples = append(tw.samples, now)

	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	tw.samples = slices.Delete(tw.samples, 0, idx)

	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Second
	}
	return throughputSnapshot{
		Count:         len(tw.samples),
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(len(tw.samples)) / span.Seconds(),
	}
}

// resourceTracker samples coarse process CPU and memory for stats snapshots.
type resourceTracker struct {
	mu             sync.Mutex
	clock          clockwork.Clock
	samples        []metrics.Sample
	lastCPUSeconds float64
	lastSample     time.Time
	numCPU         float64
}

func newResourceTracker(clock clockwork.Clock) *resourceTracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &resourceTracker{
		clock:   clock,
		samples: []metrics.Sample{{Name: cpuMetric}},
		numCPU:  float64(goruntime.NumCPU()),
	}
}

func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.samples) == 0 {
		r.samples = []metrics.Sample{{Name: cpuMetric}}
	}
	if r.clock == nil {
		r.clock = clockwork.NewRealClock()
	}

	metrics.Read(r.samples)
	sample := r.samples[0]
	haveCPU := sample.Value.Kind() == metrics.KindFloat64
	now := r.clock.Now()

	var cpuPercent float64
	if haveCPU {
		cpuSeconds := sample.Value.Float64()
		if !r.lastSample.IsZero() {
			deltaWall := now.Sub(r.lastSample).Seconds()
			if deltaWall > 0 && r.numCPU > 0 {
				cpuPercent = (cpuSeconds - r.lastCPUSeconds) / deltaWall / r.numCPU * 100
			}
		}
		r.lastCPUSeconds = cpuSeconds
	}
	r.lastSample = now

	var mem goruntime.MemStats
	goruntime.ReadMemStats(&mem)

	return ResourceUsage{
		CPUPercent:  cpuPercent,
		MemoryBytes: mem.Alloc,
		Goroutines:  goruntime.NumGoroutine(),
	}
}
