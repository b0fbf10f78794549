// Package decoder turns the stdout of hardware reader children into position
// reports. A LineStream owns the byte buffer for one child and hands complete
// lines to a Protocol.
package decoder

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/locorum/locikernel/internal/metrics"
	"github.com/locorum/locikernel/internal/store"
)

// ReadSize is the number of bytes requested from the child per poll.
const ReadSize = 4098

const (
	insertAttempts = 3
	insertDelay    = 50 * time.Millisecond
)

// Control is what a protocol asks of the stream after a line.
type Control struct {
	Restart bool
	HoldOff time.Duration // minimum wait before the child may be restarted
}

// Protocol decodes one line at a time. Implementations keep their own
// per-record state and are not safe for concurrent use.
type Protocol interface {
	Name() string
	Line(line string) ([]store.PositionReport, Control)
}

// LineStream reads a child's stdout and feeds whole lines to a Protocol.
type LineStream struct {
	r       io.Reader
	proto   Protocol
	sink    store.PositionSink
	pending []byte
	buf     []byte
	restart bool
	holdOff time.Duration
}

func NewLineStream(r io.Reader, p Protocol, sink store.PositionSink) *LineStream {
	return &LineStream{r: r, proto: p, sink: sink, buf: make([]byte, ReadSize)}
}

// Restart reports whether the child should be killed and started again.
func (s *LineStream) Restart() bool { return s.restart }

// HoldOff is the longest delay requested by the protocol so far.
func (s *LineStream) HoldOff() time.Duration { return s.holdOff }

// Poll checks liveness and then performs one read. It returns false without
// reading when alive reports the child has exited.
func (s *LineStream) Poll(ctx context.Context, alive func() bool) bool {
	if alive != nil && !alive() {
		return false
	}
	n, err := s.r.Read(s.buf)
	if n == 0 || err != nil {
		s.restart = true
	}
	if n > 0 {
		s.pending = append(s.pending, s.buf[:n]...)
		s.drainLines(ctx)
	}
	return true
}

// Run polls until the child dies, a restart is requested or ctx is done.
func (s *LineStream) Run(ctx context.Context, alive func() bool) {
	for ctx.Err() == nil {
		if !s.Poll(ctx, alive) || s.restart {
			return
		}
	}
}

func (s *LineStream) drainLines(ctx context.Context) {
	for {
		i := bytes.IndexByte(s.pending, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSpace(string(s.pending[:i]))
		s.pending = s.pending[i+1:]
		reports, ctl := s.proto.Line(line)
		if ctl.Restart {
			s.restart = true
		}
		if ctl.HoldOff > s.holdOff {
			s.holdOff = ctl.HoldOff
		}
		for _, r := range reports {
			s.emit(ctx, r)
		}
	}
	// a lone CR left behind by CRLF output would otherwise prefix the next line
	s.pending = bytes.ReplaceAll(s.pending, []byte{'\r'}, nil)
}

func (s *LineStream) emit(ctx context.Context, r store.PositionReport) {
	if s.sink == nil {
		return
	}
	err := store.Retry(ctx, insertAttempts, insertDelay, func(ctx context.Context) error {
		return s.sink.InsertPosition(ctx, r)
	})
	if err != nil {
		metrics.IncDecodeError(s.proto.Name())
		slog.Warn("position report dropped", "protocol", s.proto.Name(), "id", r.ID, "error", err)
		return
	}
	metrics.IncPositionReport(s.proto.Name())
}
