package metrics

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// series counts the label sets gathered for one metric family.
func series(t *testing.T, reg *prometheus.Registry, name string) int {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			return len(mf.GetMetric())
		}
	}
	return 0
}

func TestResourceSamplerReadsSelf(t *testing.T) {
	s := NewResourceSampler(time.Second)
	reg := prometheus.NewRegistry()
	if err := s.Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.Register(reg); err != nil {
		t.Fatalf("second register should be tolerated: %v", err)
	}
	s.Sample([]Target{{Name: "self", PID: os.Getpid()}, {Name: "zero", PID: 0}})

	got := s.Latest()
	if len(got) != 1 {
		t.Fatalf("want 1 sample, got %d", len(got))
	}
	if got[0].Name != "self" || got[0].RSSBytes == 0 {
		t.Fatalf("unexpected sample: %+v", got[0])
	}
	if n := series(t, reg, "loci_child_rss_bytes"); n != 1 {
		t.Fatalf("want 1 rss series, got %d", n)
	}
}

func TestResourceSamplerForgetsGoneChildren(t *testing.T) {
	s := NewResourceSampler(time.Second)
	reg := prometheus.NewRegistry()
	if err := s.Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	s.Sample([]Target{{Name: "self", PID: os.Getpid()}})
	if n := series(t, reg, "loci_child_cpu_percent"); n != 1 {
		t.Fatalf("want 1 cpu series, got %d", n)
	}
	s.Sample(nil)
	if got := s.Latest(); len(got) != 0 {
		t.Fatalf("want no samples, got %+v", got)
	}
	if n := series(t, reg, "loci_child_cpu_percent"); n != 0 {
		t.Fatalf("stale cpu series left: %d", n)
	}
}

func TestResourceSamplerSkipsMissingPID(t *testing.T) {
	s := NewResourceSampler(time.Second)
	s.Sample([]Target{{Name: "ghost", PID: 1 << 30}})
	if got := s.Latest(); len(got) != 0 {
		t.Fatalf("missing pid should not be sampled: %+v", got)
	}
}

func TestResourceSamplerRun(t *testing.T) {
	s := NewResourceSampler(20 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, func(context.Context) ([]Target, error) {
			return []Target{{Name: "self", PID: os.Getpid()}}, nil
		})
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for len(s.Latest()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
	if len(s.Latest()) != 1 {
		t.Fatalf("Run never sampled")
	}
}
