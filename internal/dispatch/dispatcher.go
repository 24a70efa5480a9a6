package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/brandon/mail-sync/internal/reliability"
)

var (
	// ErrAccountHalted is returned when submitting work for an account that
	// stopped after an unrecoverable error
	ErrAccountHalted = errors.New("account halted after unrecoverable error")
	// ErrStopped is returned when submitting after the dispatcher stopped
	ErrStopped = errors.New("dispatcher stopped")
)

// Dispatcher runs jobs on a fixed number of workers. The queue is
// unbounded so handlers can submit follow-up work without blocking.
type Dispatcher struct {
	workers int
	policy  reliability.Policy
	tracker *Tracker
	logger  *logrus.Logger

	mu      sync.Mutex
	queue   []Job
	stopped bool
	notify  chan struct{}
}

// NewDispatcher creates a dispatcher. Each job is retried following policy.
func NewDispatcher(workers int, policy reliability.Policy, tracker *Tracker, logger *logrus.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		workers: workers,
		policy:  policy,
		tracker: tracker,
		logger:  logger,
		notify:  make(chan struct{}, 1),
	}
}

// Submit queues a job
func (d *Dispatcher) Submit(job Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrStopped
	}
	if err := d.tracker.submitted(job.Account); err != nil {
		return err
	}
	d.queue = append(d.queue, job)
	d.signal()
	return nil
}

func (d *Dispatcher) signal() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Run executes jobs with handler until ctx is done. Jobs still queued at
// that point are dropped.
func (d *Dispatcher) Run(ctx context.Context, handler Handler) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		worker := i
		g.Go(func() error {
			for {
				job, ok := d.next(ctx)
				if !ok {
					return nil
				}
				d.execute(ctx, handler, job, worker)
			}
		})
	}
	err := g.Wait()

	d.mu.Lock()
	d.stopped = true
	dropped := len(d.queue)
	d.queue = nil
	d.mu.Unlock()
	if dropped > 0 {
		d.logger.WithField("jobs", dropped).Info("Dropped queued jobs on shutdown")
	}
	return err
}

func (d *Dispatcher) next(ctx context.Context) (Job, bool) {
	for {
		d.mu.Lock()
		if len(d.queue) > 0 {
			job := d.queue[0]
			d.queue[0] = Job{}
			d.queue = d.queue[1:]
			if len(d.queue) > 0 {
				d.signal()
			}
			d.mu.Unlock()
			return job, true
		}
		d.mu.Unlock()

		select {
		case <-ctx.Done():
			return Job{}, false
		case <-d.notify:
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, handler Handler, job Job, worker int) {
	log := d.logger.WithFields(logrus.Fields{
		"job":    job.ID,
		"kind":   job.Kind,
		"worker": worker,
	})
	if d.tracker.Halted(job.Account) {
		log.WithField("account", job.Account).Debug("Skipping job for halted account")
		d.tracker.finished(job, nil)
		return
	}

	d.tracker.started(job.Account)
	start := time.Now()
	err := d.policy.Retry(ctx, func() error {
		return handler.Handle(ctx, job)
	}, func(err error, wait time.Duration) {
		log.WithError(err).WithField("retry", wait.String()).Warn("Job failed, retrying")
	})

	if err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).WithFields(logrus.Fields{
			"account": job.Account,
			"folder":  job.Folder,
		}).Error("Job failed")
	} else {
		log.WithField("duration", time.Since(start).String()).Debug("Job finished")
	}
	d.tracker.finished(job, err)
}
