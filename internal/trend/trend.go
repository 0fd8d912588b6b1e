// Package trend maintains a bounded-window linear regression that is
// updated incrementally as samples arrive. Running sums make the fit O(1);
// deviation and R² take one pass over the window and are meant to run on a
// Snapshot, away from the goroutine that feeds the estimator.
package trend

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"sync"
)

const (
	// DefaultCapacity holds one hour of samples at 60 per second.
	DefaultCapacity = 216_000

	// DefaultWarmup is the number of leading samples discarded before any
	// enter the window.
	DefaultWarmup = 16

	// MaxCapacity bounds the window so a bad configuration cannot exhaust
	// memory.
	MaxCapacity = 1 << 25
)

var (
	// ErrNoModel is returned when the window cannot support a fit yet.
	ErrNoModel = errors.New("trend: no model yet")

	// ErrCapacity is returned when a window of the requested size cannot be
	// allocated.
	ErrCapacity = errors.New("trend: capacity out of range")
)

// Fit is the least-squares line through the current window.
type Fit struct {
	Slope     float64
	Intercept float64
	// Deviation is the mean absolute residual.
	Deviation float64
	N         int
}

// Point is a single sample relative to the estimator's origin.
type Point struct {
	X, Y float64
}

// Estimator is safe for one writer and any number of concurrent Snapshot
// callers.
type Estimator struct {
	mu sync.Mutex

	name     string
	capacity int
	warmup   int
	offered  int

	xs, ys []float64
	head   int // index of the oldest sample
	n      int

	hasOrigin        bool
	originX, originY float64

	sx, sy, sxx, sxy float64
	evictions        int

	frozen bool
}

// Opt configures an Estimator.
type Opt func(*Estimator)

// OptWarmup sets how many leading samples are discarded.
func OptWarmup(n int) Opt {
	return func(e *Estimator) {
		if n >= 0 {
			e.warmup = n
		}
	}
}

// New allocates an estimator whose window holds up to capacity samples.
func New(name string, capacity int, opts ...Opt) (*Estimator, error) {
	if capacity < 2 || capacity > MaxCapacity {
		return nil, fmt.Errorf("%w: %d", ErrCapacity, capacity)
	}
	e := &Estimator{
		name:     name,
		capacity: capacity,
		warmup:   DefaultWarmup,
		xs:       make([]float64, capacity),
		ys:       make([]float64, capacity),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Name returns the label given at construction.
func (e *Estimator) Name() string { return e.name }

// Cap returns the window size.
func (e *Estimator) Cap() int { return e.capacity }

// Len returns the number of samples in the window.
func (e *Estimator) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.n
}

// Offered returns the number of samples passed to Add, warm-up included.
func (e *Estimator) Offered() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offered
}

// Origin returns the absolute point all stored samples are relative to.
func (e *Estimator) Origin() (x, y float64, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.originX, e.originY, e.hasOrigin
}

// Add offers a sample. It reports whether the sample entered the window;
// samples inside the warm-up period do not.
func (e *Estimator) Add(x, y float64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.frozen {
		return false
	}
	e.offered++
	if e.offered <= e.warmup {
		return false
	}
	if !e.hasOrigin {
		e.originX, e.originY = x, y
		e.hasOrigin = true
	}
	x -= e.originX
	y -= e.originY

	tail := (e.head + e.n) % e.capacity
	if e.n == e.capacity {
		ox, oy := e.xs[e.head], e.ys[e.head]
		e.sx -= ox
		e.sy -= oy
		e.sxx -= ox * ox
		e.sxy -= ox * oy
		e.head = (e.head + 1) % e.capacity
		e.evictions++
	} else {
		e.n++
	}
	e.xs[tail], e.ys[tail] = x, y
	e.sx += x
	e.sy += y
	e.sxx += x * x
	e.sxy += x * y

	// Subtracting evicted samples accumulates rounding error; rebuild the
	// sums from the window once per full turn of the ring.
	if e.evictions >= e.capacity {
		e.resync()
	}
	return true
}

func (e *Estimator) resync() {
	e.sx, e.sy, e.sxx, e.sxy = 0, 0, 0, 0
	e.each(func(x, y float64) {
		e.sx += x
		e.sy += y
		e.sxx += x * x
		e.sxy += x * y
	})
	e.evictions = 0
}

func (e *Estimator) each(fn func(x, y float64)) {
	for i := 0; i < e.n; i++ {
		j := (e.head + i) % e.capacity
		fn(e.xs[j], e.ys[j])
	}
}

// Snapshot returns an independent, read-only copy of the estimator. Only
// the copy happens under the lock.
func (e *Estimator) Snapshot() *Estimator {
	e.mu.Lock()
	defer e.mu.Unlock()

	c := &Estimator{
		name:      e.name,
		capacity:  e.capacity,
		warmup:    e.warmup,
		offered:   e.offered,
		xs:        make([]float64, e.n),
		ys:        make([]float64, e.n),
		n:         e.n,
		hasOrigin: e.hasOrigin,
		originX:   e.originX,
		originY:   e.originY,
		sx:        e.sx,
		sy:        e.sy,
		sxx:       e.sxx,
		sxy:       e.sxy,
		frozen:    true,
	}
	for i := 0; i < e.n; i++ {
		j := (e.head + i) % e.capacity
		c.xs[i], c.ys[i] = e.xs[j], e.ys[j]
	}
	return c
}

// Fit computes the least-squares line and mean absolute residual.
func (e *Estimator) Fit() (Fit, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.n < 2 {
		return Fit{}, ErrNoModel
	}
	n := float64(e.n)
	den := n*e.sxx - e.sx*e.sx
	if den == 0 {
		return Fit{}, ErrNoModel
	}
	slope := (n*e.sxy - e.sx*e.sy) / den
	intercept := (e.sy - slope*e.sx) / n

	var abs float64
	e.each(func(x, y float64) {
		abs += math.Abs(y - (slope*x + intercept))
	})
	return Fit{Slope: slope, Intercept: intercept, Deviation: abs / n, N: e.n}, nil
}

// RSquared returns the coefficient of determination of f over the window.
// f must come from Fit on the same estimator state.
func (e *Estimator) RSquared(f Fit) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.n < 2 {
		return 0, ErrNoModel
	}
	mean := e.sy / float64(e.n)
	var ssRes, ssTot float64
	e.each(func(x, y float64) {
		r := y - (f.Slope*x + f.Intercept)
		ssRes += r * r
		d := y - mean
		ssTot += d * d
	})
	if ssTot == 0 {
		if ssRes == 0 {
			return 1, nil
		}
		return 0, nil
	}
	return 1 - ssRes/ssTot, nil
}

// Points returns the window, oldest first.
func (e *Estimator) Points() []Point {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Point, 0, e.n)
	e.each(func(x, y float64) {
		out = append(out, Point{X: x, Y: y})
	})
	return out
}

// WriteCSV writes the window as x,y rows under a header line.
func (e *Estimator) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"x", "y"}); err != nil {
		return fmt.Errorf("trend: write csv header: %w", err)
	}
	for _, p := range e.Points() {
		rec := []string{
			strconv.FormatFloat(p.X, 'f', -1, 64),
			strconv.FormatFloat(p.Y, 'f', -1, 64),
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("trend: write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
