package syncer

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/agentworkforce/tasksync/internal/logging"
)

type RunnerOptions struct {
	Interval time.Duration
	// Jitter is a ratio in [0, 1] applied to Interval on every tick.
	Jitter  float64
	Timeout time.Duration
	Logger  *logging.Logger
}

// Runner calls SyncOnce on a jittered interval and on demand. Runs never
// overlap.
type Runner struct {
	syncer   *Syncer
	interval time.Duration
	jitter   float64
	timeout  time.Duration
	logger   *logging.Logger
	trigger  chan chan runOutcome

	mu   sync.RWMutex
	last *RunStatus
}

type runOutcome struct {
	result Result
	err    error
}

type RunStatus struct {
	Result     Result    `json:"result"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

func NewRunner(syncer *Syncer, opts RunnerOptions) *Runner {
	interval := opts.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Runner{
		syncer:   syncer,
		interval: interval,
		jitter:   clampJitterRatio(opts.Jitter),
		timeout:  timeout,
		logger:   logger,
		trigger:  make(chan chan runOutcome),
	}
}

// Run syncs immediately, then on every tick until ctx is done.
func (r *Runner) Run(ctx context.Context) {
	r.runOnce(ctx)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(r.interval, r.jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("sync runner stopping", "reason", ctx.Err())
			return
		case reply := <-r.trigger:
			result, err := r.runOnce(ctx)
			reply <- runOutcome{result: result, err: err}
		case <-timer.C:
			r.runOnce(ctx)
			timer.Reset(jitteredIntervalWithSample(r.interval, r.jitter, rng.Float64()))
		}
	}
}

// Trigger asks the running loop for an immediate sync and waits for it.
func (r *Runner) Trigger(ctx context.Context) (Result, error) {
	reply := make(chan runOutcome, 1)
	select {
	case r.trigger <- reply:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	select {
	case outcome := <-reply:
		return outcome.result, outcome.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (r *Runner) LastRun() (RunStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return RunStatus{}, false
	}
	return *r.last, true
}

func (r *Runner) runOnce(parent context.Context) (Result, error) {
	ctx, cancel := context.WithTimeout(parent, r.timeout)
	defer cancel()
	result, err := r.syncer.SyncOnce(ctx)
	status := RunStatus{Result: result, FinishedAt: time.Now().UTC()}
	if err != nil {
		status.Error = err.Error()
		r.logger.Warn("sync cycle failed; retrying next interval", "error", err)
	}
	r.mu.Lock()
	r.last = &status
	r.mu.Unlock()
	return result, err
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
