package metrics

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

const DefaultSampleEvery = 5 * time.Second

// Target is a supervised child to sample.
type Target struct {
	Name string
	PID  int
}

// Resource is the latest CPU and memory sample of one child.
type Resource struct {
	Name       string    `json:"name"`
	PID        int       `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	RSSBytes   uint64    `json:"rss_bytes"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	At         time.Time `json:"at"`
}

// ResourceSampler periodically samples the children it is given and
// exports the results as gauges labelled by name and pid.
type ResourceSampler struct {
	every time.Duration

	mu      sync.RWMutex
	handles map[int]*process.Process // CPUPercent is relative to the previous call
	latest  map[int]Resource

	cpu     *prometheus.GaugeVec
	rss     *prometheus.GaugeVec
	threads *prometheus.GaugeVec
}

func NewResourceSampler(every time.Duration) *ResourceSampler {
	if every <= 0 {
		every = DefaultSampleEvery
	}
	labels := []string{"name", "pid"}
	return &ResourceSampler{
		every:   every,
		handles: map[int]*process.Process{},
		latest:  map[int]Resource{},
		cpu: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "loci", Subsystem: "child", Name: "cpu_percent",
			Help: "CPU usage of a supervised child.",
		}, labels),
		rss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "loci", Subsystem: "child", Name: "rss_bytes",
			Help: "Resident memory of a supervised child.",
		}, labels),
		threads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "loci", Subsystem: "child", Name: "threads",
			Help: "Thread count of a supervised child.",
		}, labels),
	}
}

// Register adds the sampler's gauges to r. Already registered collectors are ignored.
func (s *ResourceSampler) Register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{s.cpu, s.rss, s.threads} {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Run samples the targets returned by list every interval until ctx ends.
func (s *ResourceSampler) Run(ctx context.Context, list func(context.Context) ([]Target, error)) {
	t := time.NewTicker(s.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			targets, err := list(ctx)
			if err != nil {
				if ctx.Err() == nil {
					slog.Debug("resource sampler: list children", "error", err)
				}
				continue
			}
			s.Sample(targets)
		}
	}
}

// Sample takes one reading of every target and forgets children that are gone.
func (s *ResourceSampler) Sample(targets []Target) {
	now := time.Now()
	seen := make(map[int]bool, len(targets))
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tg := range targets {
		if tg.PID <= 0 {
			continue
		}
		r, err := s.read(tg, now)
		if err != nil {
			slog.Debug("resource sample failed", "name", tg.Name, "pid", tg.PID, "error", err)
			continue
		}
		seen[tg.PID] = true
		s.latest[tg.PID] = r
		pid := strconv.Itoa(tg.PID)
		s.cpu.WithLabelValues(tg.Name, pid).Set(r.CPUPercent)
		s.rss.WithLabelValues(tg.Name, pid).Set(float64(r.RSSBytes))
		s.threads.WithLabelValues(tg.Name, pid).Set(float64(r.NumThreads))
	}
	for pid, r := range s.latest {
		if seen[pid] {
			continue
		}
		lv := []string{r.Name, strconv.Itoa(pid)}
		s.cpu.DeleteLabelValues(lv...)
		s.rss.DeleteLabelValues(lv...)
		s.threads.DeleteLabelValues(lv...)
		delete(s.latest, pid)
		delete(s.handles, pid)
	}
}

func (s *ResourceSampler) read(tg Target, now time.Time) (Resource, error) {
	h, ok := s.handles[tg.PID]
	if !ok {
		var err error
		h, err = process.NewProcess(int32(tg.PID))
		if err != nil {
			return Resource{}, err
		}
		s.handles[tg.PID] = h
	}
	mem, err := h.MemoryInfo()
	if err != nil {
		delete(s.handles, tg.PID)
		return Resource{}, err
	}
	r := Resource{Name: tg.Name, PID: tg.PID, RSSBytes: mem.RSS, At: now}
	if cpu, err := h.Percent(0); err == nil {
		r.CPUPercent = cpu
	}
	if n, err := h.NumThreads(); err == nil {
		r.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := h.NumFDs(); err == nil {
			r.NumFDs = n
		}
	}
	return r, nil
}

// Latest returns the most recent samples ordered by pid.
func (s *ResourceSampler) Latest() []Resource {
	s.mu.RLock()
	out := make([]Resource, 0, len(s.latest))
	for _, r := range s.latest {
		out = append(out, r)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}
