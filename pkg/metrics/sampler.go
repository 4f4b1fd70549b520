package metrics

import (
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/truthgate/truthgate/pkg/log"
)

// Sample is one fixed-interval reading of process and system counters.
type Sample struct {
	TS            time.Time `json:"ts"`
	CPUPercent    float64   `json:"cpuPercent"`
	RSSBytes      uint64    `json:"rssBytes"`
	HeapAlloc     uint64    `json:"heapAlloc"`
	Goroutines    int       `json:"goroutines"`
	Threads       int32     `json:"threads"`
	SysCPUPercent float64   `json:"sysCpuPercent"`
	SysMemPercent float64   `json:"sysMemPercent"`
}

// ThreadSample is one hot thread reading from the per-thread sampler.
type ThreadSample struct {
	TID      int32   `json:"tid"`
	CPUDelta float64 `json:"cpuDelta"`
}

// Ring is a fixed-window ring buffer of samples.
type Ring struct {
	mu   sync.RWMutex
	buf  []Sample
	next int
	full bool
}

// NewRing creates a ring holding size samples.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 600
	}
	return &Ring{buf: make([]Sample, size)}
}

// Push appends a sample, overwriting the oldest once the window fills.
func (r *Ring) Push(s Sample) {
	r.mu.Lock()
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// Snapshot returns the window contents oldest-first.
func (r *Ring) Snapshot() []Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.full {
		out := make([]Sample, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]Sample, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

// SamplerOptions tune the background sampler.
type SamplerOptions struct {
	Interval   time.Duration
	WindowSize int
	PerThread  bool // opt-in hot-spot detection
	TopThreads int
}

// Sampler reads process and system counters on a fixed interval into a
// ring buffer, with optional per-thread hot-spot collection.
type Sampler struct {
	opts    SamplerOptions
	ring    *Ring
	proc    *process.Process
	prevCPU map[int32]float64

	mu         sync.RWMutex
	hotThreads []ThreadSample

	stopCh chan struct{}
}

// NewSampler creates a sampler for the current process.
func NewSampler(opts SamplerOptions) (*Sampler, error) {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.WindowSize <= 0 {
		opts.WindowSize = 600
	}
	if opts.TopThreads <= 0 {
		opts.TopThreads = 5
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Sampler{
		opts:    opts,
		ring:    NewRing(opts.WindowSize),
		proc:    proc,
		prevCPU: make(map[int32]float64),
		stopCh:  make(chan struct{}),
	}, nil
}

// Ring exposes the sample window.
func (s *Sampler) Ring() *Ring {
	return s.ring
}

// HotThreads returns the most recent per-thread reading.
func (s *Sampler) HotThreads() []ThreadSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ThreadSample, len(s.hotThreads))
	copy(out, s.hotThreads)
	return out
}

// Start begins sampling until Stop.
func (s *Sampler) Start() {
	ticker := time.NewTicker(s.opts.Interval)
	go func() {
		s.collect()
		for {
			select {
			case <-ticker.C:
				s.collect()
			case <-s.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
	logger := log.WithComponent("metrics")
	logger.Info().
		Dur("interval", s.opts.Interval).
		Int("window", s.opts.WindowSize).
		Msg("sampler started")
}

// Stop stops the sampler.
func (s *Sampler) Stop() {
	close(s.stopCh)
}

func (s *Sampler) collect() {
	var sample Sample
	sample.TS = time.Now().UTC()

	if pct, err := s.proc.CPUPercent(); err == nil {
		sample.CPUPercent = pct
	}
	if info, err := s.proc.MemoryInfo(); err == nil && info != nil {
		sample.RSSBytes = info.RSS
	}
	if n, err := s.proc.NumThreads(); err == nil {
		sample.Threads = n
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	sample.HeapAlloc = ms.HeapAlloc
	sample.Goroutines = runtime.NumGoroutine()

	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		sample.SysCPUPercent = pcts[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		sample.SysMemPercent = vm.UsedPercent
	}

	s.ring.Push(sample)

	if s.opts.PerThread {
		s.collectThreads()
	}
}

// collectThreads keeps the N threads with the highest CPU delta since
// the previous sample.
func (s *Sampler) collectThreads() {
	threads, err := s.proc.Threads()
	if err != nil {
		return
	}
	deltas := make([]ThreadSample, 0, len(threads))
	next := make(map[int32]float64, len(threads))
	for tid, t := range threads {
		total := t.User + t.System
		next[tid] = total
		if prev, ok := s.prevCPU[tid]; ok {
			deltas = append(deltas, ThreadSample{TID: tid, CPUDelta: total - prev})
		}
	}
	s.prevCPU = next

	sort.Slice(deltas, func(i, j int) bool { return deltas[i].CPUDelta > deltas[j].CPUDelta })
	if len(deltas) > s.opts.TopThreads {
		deltas = deltas[:s.opts.TopThreads]
	}

	s.mu.Lock()
	s.hotThreads = deltas
	s.mu.Unlock()
}
