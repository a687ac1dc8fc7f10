// Package metrics implements the global counters (C9) exposed at /metrics
// (per-owner counters are kept in kvstore), following the teacher's pattern of wrapping a response writer
// to measure duration/status and snapshotting atomic state into JSON for
// introspection.
package metrics

import (
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Registry holds process-wide atomic counters plus a response-time
// accumulator. All fields are safe for concurrent use; readers tolerate
// slight skew across fields, per the design.
type Registry struct {
	totalRequests      atomic.Int64
	successfulRequests atomic.Int64
	failedRequests     atomic.Int64
	activeConnections  atomic.Int64
	error400           atomic.Int64
	error403           atomic.Int64
	error404           atomic.Int64
	error500           atomic.Int64
	bytesIn            atomic.Int64
	bytesOut           atomic.Int64

	respTimes respTimeAccumulator
	startTime time.Time
}

// New returns an initialized Registry.
func New() *Registry {
	return &Registry{startTime: time.Now()}
}

// Uptime reports how long the registry (and, in practice, the server
// process) has been running.
func (r *Registry) Uptime() time.Duration {
	return time.Since(r.startTime)
}

// BeginRequest marks the start of a request: increments total_requests and
// active_connections. Returns a function to call on completion with the
// resolved HTTP status and response size.
func (r *Registry) BeginRequest() func(status int, bytesOut int64) {
	r.totalRequests.Add(1)
	r.activeConnections.Add(1)
	start := time.Now()

	return func(status int, bytesOut int64) {
		r.activeConnections.Add(-1)
		r.respTimes.Record(time.Since(start))
		r.bytesOut.Add(bytesOut)

		switch {
		case status >= 200 && status < 400:
			r.successfulRequests.Add(1)
		default:
			r.failedRequests.Add(1)
		}
		switch status {
		case 400:
			r.error400.Add(1)
		case 403:
			r.error403.Add(1)
		case 404:
			r.error404.Add(1)
		default:
			if status >= 500 {
				r.error500.Add(1)
			}
		}
	}
}

// AddBytesIn records inbound payload bytes (e.g. an upload body).
func (r *Registry) AddBytesIn(n int64) {
	r.bytesIn.Add(n)
}

// Snapshot is the JSON-serializable view of the global counters returned by
// GET /metrics.
type Snapshot struct {
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	FailedRequests     int64   `json:"failed_requests"`
	ActiveConnections  int64   `json:"active_connections"`
	Error400           int64   `json:"error_400"`
	Error403           int64   `json:"error_403"`
	Error404           int64   `json:"error_404"`
	Error500           int64   `json:"error_500"`
	BytesIn            int64   `json:"bytes_in"`
	BytesOut           int64   `json:"bytes_out"`
	MeanResponseMs     float64 `json:"mean_response_ms"`
	P50ResponseMs      float64 `json:"p50_response_ms"`
	P99ResponseMs      float64 `json:"p99_response_ms"`
}

// Snapshot returns a consistent-enough point-in-time view of the counters.
func (r *Registry) Snapshot() Snapshot {
	mean, p50, p99 := r.respTimes.Stats()
	return Snapshot{
		TotalRequests:      r.totalRequests.Load(),
		SuccessfulRequests: r.successfulRequests.Load(),
		FailedRequests:     r.failedRequests.Load(),
		ActiveConnections:  r.activeConnections.Load(),
		Error400:           r.error400.Load(),
		Error403:           r.error403.Load(),
		Error404:           r.error404.Load(),
		Error500:           r.error500.Load(),
		BytesIn:            r.bytesIn.Load(),
		BytesOut:           r.bytesOut.Load(),
		MeanResponseMs:     mean,
		P50ResponseMs:      p50,
		P99ResponseMs:      p99,
	}
}

// respTimeAccumulator keeps a sum+count for the mean and logarithmic
// buckets for percentile estimation, per the metrics design.
type respTimeAccumulator struct {
	mu      sync.Mutex
	sumMs   float64
	count   int64
	buckets [numBuckets]int64 // bucket i covers [2^i, 2^(i+1)) milliseconds
}

const numBuckets = 20 // covers up to ~2^20ms (~17.5 minutes), ample for segment fetches

func (a *respTimeAccumulator) Record(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.sumMs += ms
	a.count++

	bucket := 0
	if ms >= 1 {
		bucket = int(math.Log2(ms))
	}
	if bucket >= numBuckets {
		bucket = numBuckets - 1
	}
	if bucket < 0 {
		bucket = 0
	}
	a.buckets[bucket]++
}

// Stats returns (mean, p50, p99) in milliseconds. Percentiles are estimated
// from the bucket boundaries, not exact.
func (a *respTimeAccumulator) Stats() (mean, p50, p99 float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.count == 0 {
		return 0, 0, 0
	}
	mean = a.sumMs / float64(a.count)
	p50 = percentileFromBuckets(a.buckets[:], a.count, 0.50)
	p99 = percentileFromBuckets(a.buckets[:], a.count, 0.99)
	return mean, p50, p99
}

// HostInfo reports host resource figures alongside the request counters,
// surfaced at GET /health. Grounded on the teacher's health handler, which
// reports CPU load and memory via the same gopsutil packages; GPU and PSI
// collection is dropped since wavy has no transcoding workload to explain
// them to an operator.
type HostInfo struct {
	Cores      int     `json:"cores"`
	Load1      float64 `json:"load_1m"`
	Load5      float64 `json:"load_5m"`
	Load15     float64 `json:"load_15m"`
	MemTotalMB float64 `json:"mem_total_mb"`
	MemUsedMB  float64 `json:"mem_used_mb"`
	MemPercent float64 `json:"mem_percent"`
}

// CollectHostInfo samples current CPU load average and memory usage.
// Failures from gopsutil are tolerated; the corresponding fields are left
// zero rather than failing the health check.
func CollectHostInfo() HostInfo {
	info := HostInfo{Cores: runtime.NumCPU()}

	if avg, err := load.Avg(); err == nil && avg != nil {
		info.Load1, info.Load5, info.Load15 = avg.Load1, avg.Load5, avg.Load15
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		info.MemTotalMB = float64(vm.Total) / 1024 / 1024
		info.MemUsedMB = float64(vm.Used) / 1024 / 1024
		info.MemPercent = vm.UsedPercent
	}

	return info
}

func percentileFromBuckets(buckets []int64, total int64, fraction float64) float64 {
	target := int64(math.Ceil(float64(total) * fraction))
	var cumulative int64
	for i, count := range buckets {
		cumulative += count
		if cumulative >= target {
			// Return the upper boundary of this bucket (2^(i+1)) as the estimate.
			return math.Pow(2, float64(i+1))
		}
	}
	return math.Pow(2, float64(len(buckets)))
}
