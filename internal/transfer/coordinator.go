package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cloudhaul/cloudhaul/internal/logging"
)

// UnitSource expands a user-level request into a stream of transfer units.
// The error channel must be closed after the unit channel; at most one error
// is sent, and it is batch-fatal.
type UnitSource interface {
	Units(ctx context.Context) (<-chan Unit, <-chan error)
}

// CoordinatorConfig tunes the batch driver.
type CoordinatorConfig struct {
	// Resume elides pairs already completed in a prior manifest.
	Resume bool
}

// Coordinator drives a batch: it feeds units from the source into the
// executor, applies resume filtering, and aggregates terminal results into a
// final summary.
type Coordinator struct {
	cfg       CoordinatorConfig
	exec      *Executor
	source    UnitSource
	completed map[Pair]struct{}
	log       *slog.Logger
}

// NewCoordinator creates a coordinator. completed is the set returned by
// manifest.LoadCompleted; nil means nothing is elided.
func NewCoordinator(cfg CoordinatorConfig, exec *Executor, source UnitSource, completed map[Pair]struct{}) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		exec:      exec,
		source:    source,
		completed: completed,
		log:       logging.Component("coordinator"),
	}
}

// Run drives the executor until the unit stream is exhausted and all
// in-flight work completes. Unit-scoped failures land in the summary;
// only batch-fatal conditions return an error.
func (c *Coordinator) Run(ctx context.Context) (*Summary, error) {
	sum := &Summary{
		BatchID:   uuid.NewString(),
		StartedAt: time.Now(),
	}
	c.log.Info("starting batch", "batch_id", sum.BatchID, "resume", c.cfg.Resume)

	ctx = logging.WithCorrelationID(ctx, sum.BatchID)
	c.exec.Start(ctx)

	unitsCh, errCh := c.source.Units(ctx)

	// Dispatcher: submit units, eliding pairs the manifest already marks
	// complete. Elided pairs count as skipped without ever executing.
	elided := make(chan Pair, 64)
	go func() {
		defer close(elided)
		defer c.exec.Close()

		for u := range unitsCh {
			pair := u.Pair()
			if c.cfg.Resume {
				if _, done := c.completed[pair]; done {
					select {
					case elided <- pair:
					case <-ctx.Done():
						return
					}
					continue
				}
			}

			if err := c.exec.Submit(ctx, u); err != nil {
				if errors.Is(err, ErrDuplicateUnit) {
					c.log.Warn("duplicate unit elided", "source", u.Source, "destination", u.Destination)
					continue
				}
				// Context canceled; stop submitting and drain.
				return
			}
		}
	}()

	// Aggregate terminal results and elided pairs until both streams close.
	results := c.exec.Results()
	elidedCh := elided
	pending := make(map[Pair]*splitParts)
	var appendErr error
	for results != nil || elidedCh != nil {
		select {
		case res, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			sum.record(res)
			if res.Unit.PartCount > 1 {
				if merged, done := foldPart(pending, res); done && c.exec.logbook != nil {
					if err := c.exec.logbook.Append(merged); err != nil && appendErr == nil {
						appendErr = fmt.Errorf("record result for %s: %w", merged.Unit.Source, err)
					}
				}
			}
		case pair, ok := <-elidedCh:
			if !ok {
				elidedCh = nil
				continue
			}
			sum.Total++
			sum.Skipped++
			c.log.Debug("skipped completed pair", "source", pair.Source, "destination", pair.Destination)
		}
	}

	sum.DurationSeconds = time.Since(sum.StartedAt).Seconds()

	if err := c.exec.Err(); err != nil {
		return sum, err
	}
	if appendErr != nil {
		return sum, appendErr
	}
	if err, ok := <-errCh; ok && err != nil {
		return sum, fmt.Errorf("expand transfer request: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return sum, err
	}

	c.log.Info("batch complete",
		"batch_id", sum.BatchID,
		"total", sum.Total,
		"ok", sum.OK,
		"skipped", sum.Skipped,
		"failed", sum.Failed,
		"bytes", sum.BytesTransferred,
		"duration", time.Duration(sum.DurationSeconds*float64(time.Second)).String(),
	)
	return sum, nil
}

// splitParts accumulates terminal results for the parts of one range-split
// pair. Split pairs share a single (source, destination) manifest identity,
// so the pair's row is written once, after the last part lands; a crash
// before that leaves no row and the resume run transfers the object again.
type splitParts struct {
	want, got  int
	bytes      int64
	attempts   int
	startedAt  time.Time
	finishedAt time.Time
	firstErr   error
	detail     string
}

// foldPart records one part result. When the last part of its pair arrives
// it returns the merged pair-level result, OK only if every part succeeded.
func foldPart(pending map[Pair]*splitParts, res Result) (Result, bool) {
	pair := res.Unit.Pair()
	st := pending[pair]
	if st == nil {
		st = &splitParts{
			want:       res.Unit.PartCount,
			startedAt:  res.StartedAt,
			finishedAt: res.FinishedAt,
		}
		pending[pair] = st
	}
	st.got++
	if res.StartedAt.Before(st.startedAt) {
		st.startedAt = res.StartedAt
	}
	if res.FinishedAt.After(st.finishedAt) {
		st.finishedAt = res.FinishedAt
	}
	if res.Attempts > st.attempts {
		st.attempts = res.Attempts
	}
	if res.Status == StatusOK {
		st.bytes += res.BytesTransferred
	}
	if res.Failed() && st.firstErr == nil {
		st.firstErr = res.Err
		st.detail = res.Description
	}
	if st.got < st.want {
		return Result{}, false
	}
	delete(pending, pair)

	u := res.Unit
	u.Range = nil
	u.PartCount = 0
	merged := Result{
		Unit:             u,
		BytesTransferred: st.bytes,
		Attempts:         st.attempts,
		StartedAt:        st.startedAt,
		FinishedAt:       st.finishedAt,
	}
	if st.firstErr != nil {
		merged.Status = StatusError
		merged.Err = st.firstErr
		merged.Description = st.detail
	} else {
		merged.Status = StatusOK
		merged.Description = fmt.Sprintf("assembled from %d parts", st.want)
	}
	return merged, true
}
