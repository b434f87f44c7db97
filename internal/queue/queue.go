// Package queue runs submitted tasks on a fixed pool of workers.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"rulegate/internal/domain"
)

var ErrClosed = errors.New("queue is shutting down")

// Runner executes one queued task.
type Runner interface {
	RunTask(ctx context.Context, taskID string, records []domain.Record) (domain.Task, error)
}

type Job struct {
	TaskID  string
	Records []domain.Record
}

type TaskQueue struct {
	runner  Runner
	logger  logrus.FieldLogger
	workers int
	timeout time.Duration

	ch   chan Job
	wg   sync.WaitGroup
	once sync.Once

	mu      sync.RWMutex
	closed  bool
	quit    chan struct{}
	senders sync.WaitGroup

	runnerMu sync.Mutex
}

type Option func(*TaskQueue)

func WithWorkers(n int) Option {
	return func(q *TaskQueue) {
		if n > 0 {
			q.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(q *TaskQueue) {
		if n > 0 {
			q.ch = make(chan Job, n)
		}
	}
}

func WithProcessTimeout(d time.Duration) Option {
	return func(q *TaskQueue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

// New starts the workers. The runner may be set later with SetRunner but
// must be set before the first Enqueue.
func New(runner Runner, logger logrus.FieldLogger, opts ...Option) *TaskQueue {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	q := &TaskQueue{
		runner:  runner,
		logger:  logger,
		workers: 2,
		timeout: 3 * time.Minute,
		ch:      make(chan Job, 256),
		quit:    make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	q.start()
	return q
}

// SetRunner wires the runner when it is built after the queue.
func (q *TaskQueue) SetRunner(r Runner) {
	q.runnerMu.Lock()
	q.runner = r
	q.runnerMu.Unlock()
}

func (q *TaskQueue) start() {
	q.once.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go func(workerID int) {
				defer q.wg.Done()
				log := q.logger.WithField("worker_id", workerID)
				log.Debug("worker started")
				for job := range q.ch {
					q.process(log, job)
				}
				log.Debug("worker stopped")
			}(i + 1)
		}
	})
}

func (q *TaskQueue) process(log logrus.FieldLogger, job Job) {
	q.runnerMu.Lock()
	runner := q.runner
	q.runnerMu.Unlock()
	log = log.WithField("task_id", job.TaskID)
	if runner == nil {
		log.Error("no runner configured; dropping task")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()
	task, err := runner.RunTask(ctx, job.TaskID, job.Records)
	if err != nil {
		log.WithError(err).Error("task run failed")
		return
	}
	log.WithField("status", task.Status).Info("task run finished")
}

// Enqueue hands a task to the workers. When the buffer is full it waits
// for room, for ctx to end or for Shutdown.
func (q *TaskQueue) Enqueue(ctx context.Context, taskID string, records []domain.Record) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		q.logger.WithField("task_id", taskID).Warn("cannot enqueue: queue is shutting down")
		return ErrClosed
	}
	q.senders.Add(1)
	q.mu.RUnlock()
	defer q.senders.Done()

	job := Job{TaskID: taskID, Records: append([]domain.Record(nil), records...)}
	select {
	case q.ch <- job:
		return nil
	default:
	}
	q.logger.WithField("task_id", taskID).Warn("queue full, applying backpressure")
	select {
	case q.ch <- job:
		return nil
	case <-q.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops intake and waits for queued tasks to finish or ctx to end.
// Senders blocked on a full buffer are released with ErrClosed.
func (q *TaskQueue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.quit)
	q.mu.Unlock()

	// ch is closed only once no sender can still write to it.
	q.senders.Wait()
	close(q.ch)

	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()

	select {
	case <-ctx.Done():
		q.logger.Warn("shutdown interrupted by context")
	case <-done:
		q.logger.Info("queue drained, shutdown complete")
	}
}
