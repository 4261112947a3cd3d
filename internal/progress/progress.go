// Package progress aggregates per-unit byte counts from concurrent workers
// into a periodically logged batch-wide status.
package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// unitState is the last-known position of one in-flight unit.
type unitState struct {
	done  int64
	total int64 // -1 when unknown
}

// Reporter collects byte-count events and aggregates them on its own tick,
// never performing display I/O on a worker's path. Report coalesces by
// keeping only the latest count per unit, so bursts are never dropped
// wholesale and never block the caller beyond a brief lock.
type Reporter struct {
	mu        sync.Mutex
	inflight  map[string]*unitState
	doneBytes int64 // monotonically non-decreasing accumulator
	doneTotal int64 // sum of completed units' totals, when known
	doneUnits int
	allKnown  bool // every unit seen so far had a known total

	interval time.Duration
	log      *slog.Logger

	started  bool
	stopOnce sync.Once
	stop     chan struct{}
	stopped  chan struct{}
}

// Snapshot is a point-in-time aggregation across the batch.
type Snapshot struct {
	BytesDone  int64
	BytesTotal int64 // -1 when any unit's total is unknown
	InFlight   int
	Completed  int
}

// NewReporter creates a reporter that aggregates every interval.
func NewReporter(interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = time.Second
	}
	return &Reporter{
		inflight: make(map[string]*unitState),
		allKnown: true,
		interval: interval,
		log:      slog.With("component", "progress"),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Report records the cumulative byte count for one unit. Counts never go
// backwards: a stale or duplicate event is ignored. total is the unit's size
// when known, -1 otherwise.
func (r *Reporter) Report(key string, done, total int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.inflight[key]
	if !ok {
		st = &unitState{total: -1}
		r.inflight[key] = st
		if total < 0 {
			r.allKnown = false
		}
	}
	if total >= 0 {
		st.total = total
	}
	if done > st.done {
		if st.total >= 0 && done > st.total {
			done = st.total
		}
		st.done = done
	}
}

// Done folds a finished unit into the completed accumulator. The accumulator
// only grows, so finishing workers never decrease the batch total.
func (r *Reporter) Done(key string, final int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.inflight[key]
	delete(r.inflight, key)

	if st != nil && st.done > final {
		final = st.done
	}
	if final > 0 {
		r.doneBytes += final
	}
	if st != nil && st.total >= 0 {
		r.doneTotal += st.total
	} else if st != nil {
		r.allKnown = false
	}
	r.doneUnits++
}

// Snapshot returns the current aggregation.
func (r *Reporter) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Snapshot{
		BytesDone: r.doneBytes,
		InFlight:  len(r.inflight),
		Completed: r.doneUnits,
	}

	total := r.doneTotal
	known := r.allKnown
	for _, st := range r.inflight {
		s.BytesDone += st.done
		if st.total < 0 {
			known = false
			continue
		}
		total += st.total
	}
	if known {
		s.BytesTotal = total
	} else {
		s.BytesTotal = -1
	}
	return s
}

// Start launches the aggregation loop. It logs a status line every tick
// until Stop is called or the context ends.
func (r *Reporter) Start(ctx context.Context) {
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()

	go func() {
		defer close(r.stopped)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				r.emit()
			}
		}
	}()
}

// Stop halts the aggregation loop after emitting a final status line.
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
		r.mu.Lock()
		started := r.started
		r.mu.Unlock()
		if started {
			<-r.stopped
			r.emit()
		}
	})
}

func (r *Reporter) emit() {
	s := r.Snapshot()

	attrs := []any{
		"bytes_done", s.BytesDone,
		"inflight", s.InFlight,
		"done", s.Completed,
	}
	if s.BytesTotal >= 0 {
		attrs = append(attrs, "bytes_total", s.BytesTotal)
		if s.BytesTotal > 0 {
			attrs = append(attrs, "percent", 100*s.BytesDone/s.BytesTotal)
		}
	}
	r.log.Info("progress", attrs...)
}
