package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cloudhaul/cloudhaul/internal/backend"
	"github.com/cloudhaul/cloudhaul/internal/logging"
	"github.com/cloudhaul/cloudhaul/internal/metrics"
)

// ErrDuplicateUnit is returned by Submit when a unit with the same identity
// is already queued or executing.
var ErrDuplicateUnit = errors.New("transfer unit already queued or in flight")

// Appender records terminal results durably. *manifest.Log satisfies it.
type Appender interface {
	Append(Result) error
}

// ExecutorConfig tunes the worker pool and retry policy.
type ExecutorConfig struct {
	// MaxConcurrency is the worker pool size; at most this many units
	// execute at once.
	MaxConcurrency int

	// MaxRetries is the number of re-attempts per unit beyond the first,
	// applied only to retryable errors.
	MaxRetries int

	// RetryInitialBackoff is the first retry delay; subsequent delays grow
	// exponentially with jitter.
	RetryInitialBackoff time.Duration

	Exec ExecOptions
}

// Executor runs a bounded number of unit executions concurrently, enforces
// the retry policy, and forwards every terminal result to the manifest,
// progress reporter, and results channel exactly once.
type Executor struct {
	cfg       ExecutorConfig
	run       *runner
	prog      ProgressSink
	logbook   Appender // nil disables manifest recording
	retryable func(error) bool

	queue   chan Unit
	results chan Result

	mu       sync.Mutex
	inflight map[string]struct{}
	running  int // units currently executing on a worker
	fatal    error

	wg     sync.WaitGroup
	cancel context.CancelFunc
	log    *slog.Logger
}

// NewExecutor creates an executor. retryable decides whether an error is
// worth re-attempting; nil uses the backend classification.
func NewExecutor(cfg ExecutorConfig, be backend.Backend, prog ProgressSink, logbook Appender, retryable func(error) bool) *Executor {
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryInitialBackoff <= 0 {
		cfg.RetryInitialBackoff = 500 * time.Millisecond
	}
	if cfg.Exec.ChunkSize < 1 {
		cfg.Exec.ChunkSize = 1 << 20
	}
	if retryable == nil {
		retryable = backend.Retryable
	}

	return &Executor{
		cfg:       cfg,
		run:       &runner{be: be, prog: prog, opts: cfg.Exec},
		prog:      prog,
		logbook:   logbook,
		retryable: retryable,
		queue:     make(chan Unit, cfg.MaxConcurrency*2),
		results:   make(chan Result, cfg.MaxConcurrency*2),
		inflight:  make(map[string]struct{}),
		log:       logging.Component("executor"),
	}
}

// Start launches the worker pool. The results channel closes after Close is
// called and all in-flight units have finished.
func (e *Executor) Start(ctx context.Context) {
	wctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	for i := 0; i < e.cfg.MaxConcurrency; i++ {
		e.wg.Add(1)
		go e.workerLoop(wctx, i)
	}

	go func() {
		e.wg.Wait()
		cancel()
		close(e.results)
	}()
}

// Submit enqueues one unit. A unit whose identity is already queued or
// executing is rejected with ErrDuplicateUnit rather than run twice.
func (e *Executor) Submit(ctx context.Context, u Unit) error {
	if err := u.validate(); err != nil {
		return err
	}

	key := u.Key()
	e.mu.Lock()
	if _, dup := e.inflight[key]; dup {
		e.mu.Unlock()
		return ErrDuplicateUnit
	}
	e.inflight[key] = struct{}{}
	e.mu.Unlock()

	select {
	case e.queue <- u:
		if m := metrics.Get(); m != nil {
			m.SetQueueDepth(float64(len(e.queue)))
		}
		return nil
	case <-ctx.Done():
		e.release(key)
		return ctx.Err()
	}
}

// Results delivers every terminal result exactly once, in completion order.
func (e *Executor) Results() <-chan Result {
	return e.results
}

// Close signals end of submissions. In-flight units drain; the results
// channel closes when the last one finishes.
func (e *Executor) Close() {
	close(e.queue)
}

// Err returns the batch-fatal error, if any. Valid once the results channel
// has closed.
func (e *Executor) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fatal
}

// InFlight returns the number of units currently executing.
func (e *Executor) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Executor) release(key string) {
	e.mu.Lock()
	delete(e.inflight, key)
	e.mu.Unlock()
}

func (e *Executor) setFatal(err error) {
	e.mu.Lock()
	if e.fatal == nil {
		e.fatal = err
	}
	e.mu.Unlock()
	e.cancel()
}

func (e *Executor) workerLoop(ctx context.Context, workerID int) {
	defer e.wg.Done()

	log := logging.WorkerLogger(workerID)
	if id := logging.CorrelationID(ctx); id != "" {
		log = log.With("correlation_id", id)
	}
	for u := range e.queue {
		e.mu.Lock()
		e.running++
		running := e.running
		e.mu.Unlock()

		if m := metrics.Get(); m != nil {
			m.SetQueueDepth(float64(len(e.queue)))
			m.SetInFlightTransfers(float64(running))
		}
		res := e.process(ctx, log, u)
		e.forward(res)
	}
}

// process executes one unit with retries. A single unit's permanent failure
// never cancels siblings; only manifest write failures are batch-fatal.
func (e *Executor) process(ctx context.Context, log *slog.Logger, u Unit) Result {
	if err := ctx.Err(); err != nil {
		// Canceled while queued. Record an error result so a later resume
		// run knows this pair is incomplete.
		now := time.Now()
		return Result{
			Unit:        u,
			Status:      StatusError,
			Err:         err,
			Description: "canceled",
			StartedAt:   now,
			FinishedAt:  now,
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.RetryInitialBackoff
	bo.MaxElapsedTime = 0

	for attempt := 0; ; attempt++ {
		res := e.run.run(ctx, u)
		res.Attempts = attempt + 1

		if res.Status == StatusError && res.Err != nil && ctx.Err() == nil &&
			attempt < e.cfg.MaxRetries && e.retryable(res.Err) {
			class := backend.Classify(res.Err)
			log.Warn("transfer failed, retrying",
				"source", u.Source,
				"destination", u.Destination,
				"attempt", attempt+1,
				"class", class.String(),
				"error", res.Err,
			)
			if m := metrics.Get(); m != nil {
				m.IncRetryAttempts(class.String())
			}

			select {
			case <-time.After(bo.NextBackOff()):
				continue
			case <-ctx.Done():
				res.Description = "canceled"
				return res
			}
		}

		if res.Status == StatusOK && attempt > 0 {
			res.Description = fmt.Sprintf("retried %dx", attempt)
		}
		return res
	}
}

// forward hands a terminal result to the progress reporter, the manifest,
// and the results channel. Called exactly once per unit.
func (e *Executor) forward(res Result) {
	key := res.Unit.Key()

	// The reporter already holds the unit's last chunk count; folding with
	// zero keeps range no-ops from inflating the byte accumulator.
	e.prog.Done(key, 0)

	e.mu.Lock()
	e.running--
	running := e.running
	delete(e.inflight, key)
	e.mu.Unlock()

	// Parts of a split pair get no individual rows; the coordinator writes
	// one pair-level row once every part has finished, so the manifest never
	// marks a partially transferred object complete.
	if e.logbook != nil && res.Unit.PartCount <= 1 {
		if err := e.logbook.Append(res); err != nil {
			// An unwritable manifest makes resume unsafe: stop the batch.
			e.setFatal(fmt.Errorf("record result for %s: %w", res.Unit.Source, err))
		}
	}

	if m := metrics.Get(); m != nil {
		m.SetInFlightTransfers(float64(running))
		m.IncTransfers(res.Status.String())
		if res.Status == StatusOK {
			m.AddBytesTransferred(float64(res.BytesTransferred))
			m.ObserveTransferBytes(float64(res.BytesTransferred))
		}
		m.ObserveTransferDuration(res.FinishedAt.Sub(res.StartedAt).Seconds())
	}

	e.results <- res
}
