// Package jobs runs long operations such as backup, export, and import in
// the background, one at a time, and keeps their status for polling.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/renderinc/notevault/internal/logging"
)

var (
	ErrQueueFull = errors.New("job queue is full")
	ErrClosed    = errors.New("job runner is closed")
	ErrUnknown   = errors.New("unknown job")
)

// State is the lifecycle position of a job.
type State string

const (
	Queued    State = "queued"
	Running   State = "running"
	Succeeded State = "succeeded"
	Failed    State = "failed"
)

// Done reports whether the job has finished either way.
func (s State) Done() bool {
	return s == Succeeded || s == Failed
}

// Job is a point-in-time copy of a job's status.
type Job struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	State      State     `json:"state"`
	Done       int       `json:"done"`
	Total      int       `json:"total"`
	Message    string    `json:"message,omitempty"`
	Error      string    `json:"error,omitempty"`
	Result     any       `json:"result,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`

	err error
}

// Err returns the error a failed job ended with.
func (j Job) Err() error {
	return j.err
}

// Progress lets a running job publish how far it has got.
type Progress func(done, total int, message string)

// Func is the body of a job. The returned value becomes Job.Result.
type Func func(ctx context.Context, progress Progress) (any, error)

type entry struct {
	job  Job
	fn   Func
	done chan struct{}
}

// Runner executes submitted jobs sequentially on a single goroutine, so
// two file-level operations never overlap.
type Runner struct {
	log    *zap.Logger
	queue  chan *entry
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	jobs   map[string]*entry
	order  []string
	keep   int
	closed bool
}

// NewRunner starts a runner that accepts up to queueSize pending jobs and
// remembers the last keep finished ones.
func NewRunner(log *zap.Logger, queueSize, keep int) *Runner {
	if queueSize <= 0 {
		queueSize = 16
	}
	if keep <= 0 {
		keep = 50
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		log:    logging.OrNop(log).Named("jobs"),
		queue:  make(chan *entry, queueSize),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*entry),
		keep:   keep,
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

// Submit queues fn and returns the new job's id.
func (r *Runner) Submit(kind string, fn Func) (string, error) {
	e := &entry{
		job: Job{
			ID:        uuid.NewString(),
			Kind:      kind,
			State:     Queued,
			CreatedAt: time.Now(),
		},
		fn:   fn,
		done: make(chan struct{}),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", ErrClosed
	}
	select {
	case r.queue <- e:
	default:
		return "", ErrQueueFull
	}
	r.jobs[e.job.ID] = e
	r.order = append(r.order, e.job.ID)
	r.forget()

	r.log.Info("job queued", zap.String("id", e.job.ID), zap.String("kind", kind))
	return e.job.ID, nil
}

// Get returns a copy of the job's current status.
func (r *Runner) Get(id string) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	return e.job, true
}

// List returns every remembered job, oldest first.
func (r *Runner) List() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Job, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.jobs[id].job)
	}
	return out
}

// Wait blocks until the job finishes or ctx is done.
func (r *Runner) Wait(ctx context.Context, id string) (Job, error) {
	r.mu.Lock()
	e, ok := r.jobs[id]
	r.mu.Unlock()
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrUnknown, id)
	}

	select {
	case <-e.done:
		job, _ := r.Get(id)
		return job, nil
	case <-ctx.Done():
		job, _ := r.Get(id)
		return job, ctx.Err()
	}
}

// Close stops accepting jobs, cancels the running one, and waits for the
// worker to exit. Jobs still queued are marked failed.
func (r *Runner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}

func (r *Runner) loop() {
	defer r.wg.Done()
	for e := range r.queue {
		r.run(e)
	}
}

func (r *Runner) run(e *entry) {
	defer close(e.done)

	if err := r.ctx.Err(); err != nil {
		r.finish(e, nil, err)
		return
	}

	r.update(e, func(j *Job) {
		j.State = Running
		j.StartedAt = time.Now()
	})
	r.log.Info("job started", zap.String("id", e.job.ID), zap.String("kind", e.job.Kind))

	progress := func(done, total int, message string) {
		r.update(e, func(j *Job) {
			j.Done, j.Total, j.Message = done, total, message
		})
	}

	result, err := func() (result any, err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("job panicked: %v", p)
			}
		}()
		return e.fn(r.ctx, progress)
	}()
	r.finish(e, result, err)
}

func (r *Runner) finish(e *entry, result any, err error) {
	var snapshot Job
	r.update(e, func(j *Job) {
		j.FinishedAt = time.Now()
		j.Result = result
		if err != nil {
			j.State = Failed
			j.Error = err.Error()
			j.err = err
		} else {
			j.State = Succeeded
		}
		snapshot = *j
	})

	fields := []zap.Field{
		zap.String("id", snapshot.ID),
		zap.String("kind", snapshot.Kind),
		zap.Duration("duration", snapshot.FinishedAt.Sub(snapshot.CreatedAt)),
	}
	if err != nil {
		r.log.Error("job failed", append(fields, zap.Error(err))...)
		return
	}
	r.log.Info("job finished", fields...)
}

func (r *Runner) update(e *entry, fn func(j *Job)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&e.job)
}

// forget drops the oldest finished jobs beyond the retention limit.
// Callers hold r.mu.
func (r *Runner) forget() {
	finished := 0
	for _, id := range r.order {
		if r.jobs[id].job.State.Done() {
			finished++
		}
	}
	if finished <= r.keep {
		return
	}

	kept := r.order[:0]
	for _, id := range r.order {
		if finished > r.keep && r.jobs[id].job.State.Done() {
			delete(r.jobs, id)
			finished--
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
}
