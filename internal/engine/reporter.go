package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/zsiec/tsclock/internal/trend"
)

// TrendSnapshot summarizes one estimator at a point in time.
type TrendSnapshot struct {
	PID      uint16 `json:"pid"`
	Clock    string `json:"clock"`
	Name     string `json:"name"`
	Samples  int    `json:"samples"`
	Capacity int    `json:"capacity"`

	// Valid is false until the window supports a fit.
	Valid     bool    `json:"valid"`
	Slope     float64 `json:"slope"`
	Intercept float64 `json:"intercept"`
	Deviation float64 `json:"deviation"`
	RSquared  float64 `json:"rSquared"`

	At time.Time `json:"at"`

	// Origin is the absolute (wall seconds, clock seconds) sample that
	// Points and the CSV rows are relative to.
	Origin *trend.Point  `json:"origin,omitempty"`
	Points []trend.Point `json:"points,omitempty"`
	// CSVPath is set when the dataset was exported.
	CSVPath string `json:"csvPath,omitempty"`
}

// TrendSink receives snapshots from a Reporter.
type TrendSink interface {
	OnTrend(TrendSnapshot)
}

// TrendSinkFunc adapts a function to TrendSink.
type TrendSinkFunc func(TrendSnapshot)

func (f TrendSinkFunc) OnTrend(s TrendSnapshot) { f(s) }

type trendRef struct {
	pid   uint16
	clock string
	est   *trend.Estimator
}

// trendRefs lists the allocated estimators in PID order, PTS before DTS.
func (e *Engine) trendRefs() []trendRef {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var refs []trendRef
	for _, ps := range e.pids {
		for _, ct := range []*clockTrack{ps.pts, ps.dts} {
			if ct.trend != nil {
				refs = append(refs, trendRef{pid: ps.pid, clock: ct.name, est: ct.trend})
			}
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].pid != refs[j].pid {
			return refs[i].pid < refs[j].pid
		}
		return refs[i].clock > refs[j].clock
	})
	return refs
}

func summarize(ref trendRef, clone *trend.Estimator, at time.Time) TrendSnapshot {
	s := TrendSnapshot{
		PID:      ref.pid,
		Clock:    ref.clock,
		Name:     clone.Name(),
		Samples:  clone.Len(),
		Capacity: clone.Cap(),
		At:       at,
	}
	if x, y, ok := clone.Origin(); ok {
		s.Origin = &trend.Point{X: x, Y: y}
	}
	fit, err := clone.Fit()
	if err != nil {
		return s
	}
	r2, err := clone.RSquared(fit)
	if err != nil {
		return s
	}
	s.Valid = true
	s.Slope = fit.Slope
	s.Intercept = fit.Intercept
	s.Deviation = fit.Deviation
	s.RSquared = r2
	return s
}

// Trends snapshots and fits every estimator. Each estimator is locked only
// while it is copied.
func (e *Engine) Trends() []TrendSnapshot {
	now := time.Now()
	refs := e.trendRefs()
	out := make([]TrendSnapshot, 0, len(refs))
	for _, ref := range refs {
		out = append(out, summarize(ref, ref.est.Snapshot(), now))
	}
	return out
}

// ReporterConfig controls a Reporter.
type ReporterConfig struct {
	// Period between reports. Zero uses the engine's ReportPeriod; values
	// below MinReportPeriod are raised to it.
	Period time.Duration
	// Level 2 also writes each dataset to CSV, level 3 also attaches the
	// points to the snapshot.
	Level int
	// ExportDir receives CSV files named <prefix>-<pid>-<clock>.csv.
	ExportDir string
	Prefix    string
}

// Reporter periodically snapshots the engine's trends.
type Reporter struct {
	e    *Engine
	cfg  ReporterConfig
	sink TrendSink
	log  *slog.Logger

	started atomic.Bool
	done    chan struct{}
}

// NewReporter creates a Reporter that Close will wait for once it runs.
func (e *Engine) NewReporter(cfg ReporterConfig, sink TrendSink) *Reporter {
	if cfg.Period == 0 {
		cfg.Period = e.cfg.ReportPeriod
	}
	if cfg.Period < MinReportPeriod {
		cfg.Period = MinReportPeriod
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "trend"
	}
	if sink == nil {
		sink = TrendSinkFunc(func(TrendSnapshot) {})
	}
	r := &Reporter{
		e:    e,
		cfg:  cfg,
		sink: sink,
		log:  e.log.With("component", "reporter"),
		done: make(chan struct{}),
	}
	e.mu.Lock()
	e.reporters = append(e.reporters, r)
	e.mu.Unlock()
	return r
}

// Done is closed when Run returns.
func (r *Reporter) Done() <-chan struct{} { return r.done }

// Run reports every period until ctx is cancelled or the engine is closed.
// It must be called at most once.
func (r *Reporter) Run(ctx context.Context) error {
	r.started.Store(true)
	defer close(r.done)

	r.log.Debug("reporter started", "period", r.cfg.Period)
	defer r.log.Debug("reporter stopped")

	ticker := time.NewTicker(r.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.e.closing:
			return nil
		case <-ticker.C:
			r.Report()
		}
	}
}

// Report takes one round of snapshots and hands them to the sink.
func (r *Reporter) Report() {
	now := time.Now()
	for _, ref := range r.e.trendRefs() {
		clone := ref.est.Snapshot()
		s := summarize(ref, clone, now)
		if r.cfg.Level >= 2 {
			path, err := r.export(ref, clone)
			if err != nil {
				r.log.Warn("trend export failed", "pid", fmt.Sprintf("0x%04x", ref.pid), "error", err)
			} else {
				s.CSVPath = path
			}
		}
		if r.cfg.Level >= 3 {
			s.Points = clone.Points()
		}
		r.sink.OnTrend(s)
	}
}

func (r *Reporter) export(ref trendRef, clone *trend.Estimator) (string, error) {
	name := fmt.Sprintf("%s-%04x-%s.csv", r.cfg.Prefix, ref.pid, strings.ToLower(ref.clock))
	path := filepath.Join(r.cfg.ExportDir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("engine: create %s: %w", path, err)
	}
	if err := clone.WriteCSV(f); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("engine: close %s: %w", path, err)
	}
	return path, nil
}
