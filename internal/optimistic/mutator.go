package optimistic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/agentworkforce/tasksync/internal/logging"
	"github.com/agentworkforce/tasksync/internal/todoist"
	"github.com/agentworkforce/tasksync/internal/tracing"
)

var (
	ErrQueueFull = errors.New("command queue full")
	ErrClosed    = errors.New("mutator closed")
)

// Executor sends commands to the remote.
type Executor interface {
	Execute(ctx context.Context, commands []todoist.Command) (todoist.CommandResult, error)
}

// Failure describes a command the remote did not accept. By the time a
// Notifier sees it the ledger entry has already been rolled back.
type Failure struct {
	Update Update
	Err    error
	At     time.Time
}

type Notifier interface {
	NotifyFailure(Failure)
}

type NotifierFunc func(Failure)

func (f NotifierFunc) NotifyFailure(failure Failure) { f(failure) }

type MutatorOptions struct {
	Workers        int
	QueueCapacity  int
	CommandTimeout time.Duration
	Notifier       Notifier
	Logger         *logging.Logger
	Tracer         *tracing.Tracer
	Now            func() time.Time
}

// Pending tracks one submitted update until its command settles.
type Pending struct {
	Update Update
	Seq    uint64

	done chan struct{}
	err  error
}

func newPending(u Update, seq uint64) *Pending {
	return &Pending{Update: u, Seq: seq, done: make(chan struct{})}
}

func (p *Pending) Done() <-chan struct{} { return p.done }

func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Wait blocks until the command settles or ctx ends.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pending) finish(err error) {
	p.err = err
	close(p.done)
}

// Mutator applies edits optimistically: the ledger entry is written before
// Submit returns, the command runs on a worker, and a failed command rolls
// the entry back. A successful command leaves the entry for the Watcher.
type Mutator struct {
	executor Executor
	ledger   *Ledger
	queue    *commandQueue
	timeout  time.Duration
	notifier Notifier
	logger   *logging.Logger
	tracer   *tracing.Tracer
	now      func() time.Time

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

func NewMutator(executor Executor, ledger *Ledger, opts MutatorOptions) (*Mutator, error) {
	if executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 2
	}
	timeout := opts.CommandTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mutator{
		executor: executor,
		ledger:   ledger,
		queue:    newCommandQueue(opts.QueueCapacity),
		timeout:  timeout,
		notifier: opts.Notifier,
		logger:   logger,
		tracer:   opts.Tracer,
		now:      now,
		cancel:   cancel,
	}
	m.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer m.wg.Done()
			m.worker(ctx)
		}()
	}
	return m, nil
}

func (m *Mutator) Ledger() *Ledger { return m.ledger }

func (m *Mutator) QueueDepth() int { return m.queue.Depth() }

// Submit records u in the ledger and queues its command. The returned
// Pending settles when the remote has answered.
func (m *Mutator) Submit(ctx context.Context, u Update) (*Pending, error) {
	if u == nil || u.EntityID() == "" {
		return nil, fmt.Errorf("update requires an entity id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	seq := m.ledger.Add(u)
	pending := newPending(u, seq)
	job := commandJob{update: u, seq: seq, command: CommandFor(u), pending: pending}
	if !m.queue.TryEnqueue(job) {
		m.rollback(job, ErrQueueFull)
		return nil, ErrQueueFull
	}
	return pending, nil
}

// Close stops the workers. Commands still queued are rolled back with
// ErrClosed.
func (m *Mutator) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		m.cancel()
		m.wg.Wait()
		for _, job := range m.queue.drain() {
			m.rollback(job, ErrClosed)
		}
	})
	return nil
}

func (m *Mutator) worker(ctx context.Context) {
	for {
		job, ok := m.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if ctx.Err() != nil {
			m.rollback(job, ErrClosed)
			continue
		}
		m.run(ctx, job)
	}
}

func (m *Mutator) run(ctx context.Context, job commandJob) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	ctx, span := m.tracer.Start(ctx, "optimistic.command",
		attribute.String("task.id", job.update.EntityID()),
		attribute.String("update.tag", string(job.update.Tag())),
		attribute.String("command.type", job.command.Type),
	)
	err := m.execute(ctx, job.command)
	tracing.End(span, err)
	if err != nil {
		m.rollback(job, err)
		return
	}
	m.logger.Debug("optimistic command accepted", "task_id", job.update.EntityID(), "tag", job.update.Tag(), "uuid", job.command.UUID)
	job.pending.finish(nil)
}

func (m *Mutator) execute(ctx context.Context, cmd todoist.Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("command executor panicked: %v", r)
		}
	}()
	_, err = m.executor.Execute(ctx, []todoist.Command{cmd})
	return err
}

func (m *Mutator) rollback(job commandJob, cause error) {
	removed := m.ledger.RemoveIfCurrent(job.update.EntityID(), job.seq)
	m.logger.Warn("optimistic command failed",
		"task_id", job.update.EntityID(),
		"tag", job.update.Tag(),
		"rolled_back", removed,
		"error", cause,
	)
	if m.notifier != nil {
		m.notifier.NotifyFailure(Failure{Update: job.update, Err: cause, At: m.now().UTC()})
	}
	job.pending.finish(cause)
}
