package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/locorum/locikernel/internal/license"
	"github.com/locorum/locikernel/internal/metrics"
	"github.com/locorum/locikernel/internal/process"
	"github.com/locorum/locikernel/internal/store"
)

// Router serves a read-only view of the kernel on loopback.
// Endpoints:
//
//	GET {basePath}/status             query: name=... (optional)
//	GET {basePath}/positions          query: limit=N (default 100, max 1000)
//	GET {basePath}/events             query: window=5s (default store.DefaultEventTTL), limit=N
//	GET {basePath}/resources          latest CPU/memory sample per child
//	GET {basePath}/metrics            Prometheus exposition
//
// basePath may be empty or start with '/'; no trailing slash.

const (
	defaultLimit = 100
	maxLimit     = 1000
	queryTimeout = 5 * time.Second
)

var ErrNotLoopback = errors.New("status server must listen on a loopback address")

// Snapshotter lists the supervised children.
type Snapshotter interface {
	Snapshot(ctx context.Context) ([]process.Status, error)
}

// StoreReader is the read side of the coordination store.
type StoreReader interface {
	RecentEvents(ctx context.Context, window time.Duration, limit int) ([]store.Event, error)
	RecentPositions(ctx context.Context, limit int) ([]store.PositionReport, error)
}

// ResourceLister returns the latest child resource samples.
type ResourceLister interface {
	Latest() []metrics.Resource
}

type Router struct {
	sup      Snapshotter
	st       StoreReader
	res      ResourceLister
	lic      license.Result
	runID    string
	basePath string
}

func NewRouter(sup Snapshotter, st StoreReader, lic license.Result, runID, basePath string) *Router {
	return &Router{sup: sup, st: st, lic: lic, runID: runID, basePath: sanitizeBase(basePath)}
}

// WithResources enables /resources.
func (r *Router) WithResources(res ResourceLister) *Router {
	r.res = res
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/positions", r.handlePositions)
	group.GET("/events", r.handleEvents)
	group.GET("/resources", r.handleResources)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer listens on addr, which must be a loopback address, and serves
// r in the background. Close or Shutdown the returned server to stop it.
func NewServer(addr string, r *Router) (*http.Server, error) {
	if !isLoopback(addr) {
		return nil, fmt.Errorf("%w: %q", ErrNotLoopback, addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("status server listen: %w", err)
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.Serve(ln) }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type licenseResp struct {
	Valid    bool      `json:"valid"`
	Owner    string    `json:"owner,omitempty"`
	Features []string  `json:"features"`
	Expires  time.Time `json:"expires,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

type statusResp struct {
	RunID    string           `json:"run_id"`
	License  licenseResp      `json:"license"`
	Children []process.Status `json:"children"`
}

type eventResp struct {
	Name string    `json:"name"`
	At   time.Time `json:"at"`
}

type positionResp struct {
	ID      string    `json:"id"`
	Lat     float64   `json:"lat"`
	Lon     float64   `json:"lon"`
	SrcTags string    `json:"src_tags"`
	At      time.Time `json:"at"`
}

func (r *Router) handleStatus(c *gin.Context) {
	name := c.Query("name")
	if name != "" && !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-] and no '..' or path separators"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()
	children := []process.Status{}
	if r.sup != nil {
		sts, err := r.sup.Snapshot(ctx)
		if err != nil {
			writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
			return
		}
		for _, st := range sts {
			if name == "" || st.Name == name {
				children = append(children, st)
			}
		}
	}
	resp := statusResp{
		RunID:    r.runID,
		Children: children,
		License: licenseResp{
			Valid:    r.lic.Valid,
			Owner:    r.lic.Owner,
			Features: append([]string{}, r.lic.Features...),
			Expires:  r.lic.Expires,
		},
	}
	if r.lic.Err != nil {
		resp.License.Reason = r.lic.Err.Error()
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handlePositions(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	if r.st == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: store.ErrUnavailable.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()
	reps, err := r.st.RecentPositions(ctx, limit)
	if err != nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return
	}
	out := make([]positionResp, 0, len(reps))
	for _, p := range reps {
		out = append(out, positionResp{ID: p.ID, Lat: p.Lat, Lon: p.Lon, SrcTags: p.SrcTags, At: p.At})
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleEvents(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	window := store.DefaultEventTTL
	if w := c.Query("window"); w != "" {
		d, err := time.ParseDuration(w)
		if err != nil || d <= 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid window: want a positive duration like 5s"})
			return
		}
		window = d
	}
	if r.st == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: store.ErrUnavailable.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()
	evs, err := r.st.RecentEvents(ctx, window, limit)
	if err != nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return
	}
	out := make([]eventResp, 0, len(evs))
	for _, e := range evs {
		out = append(out, eventResp{Name: e.Name, At: e.At})
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleResources(c *gin.Context) {
	if r.res == nil {
		writeJSON(c, http.StatusOK, []metrics.Resource{})
		return
	}
	writeJSON(c, http.StatusOK, r.res.Latest())
}

func parseLimit(c *gin.Context) (int, bool) {
	s := c.Query("limit")
	if s == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid limit: want a positive integer"})
		return 0, false
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, true
}
