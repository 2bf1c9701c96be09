/*
scheduler.go - In-process background job scheduler

PURPOSE:
  Periodically runs the batch jobs that keep the ledger and plans current:
    snapshots       monthly balance snapshots (no-op after the first run
                    of a month)
    monthly-grants  30-day plan credit grants
    expire-plans    cancel-at-period-end plans whose period is over
    usage           debit pending usage logs

DESIGN:
  - One goroutine, one ticker; jobs run sequentially in the order above
  - Every job is idempotent, so overlapping deployments are safe
  - A failing job is logged and the next job still runs

CONFIGURATION:
  - Interval: How often to run (default: 1 hour)
  - Enabled:  Whether the scheduler is active (default: true)

USAGE:
  scheduler := NewScheduler(store, clock, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunJob endpoint (manual trigger)
  - cli/jobs.go: one-shot jobs from the command line
*/
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/credit-engine/credits"
	"github.com/warp/credit-engine/plans"
	"github.com/warp/credit-engine/usage"
)

// Job names accepted by Scheduler.Run.
const (
	JobSnapshots     = "snapshots"
	JobMonthlyGrants = "monthly-grants"
	JobExpirePlans   = "expire-plans"
	JobUsage         = "usage"
)

// JobNames lists jobs in the order RunAll executes them.
var JobNames = []string{JobSnapshots, JobMonthlyGrants, JobExpirePlans, JobUsage}

var ErrUnknownJob = errors.New("unknown job")

// Scheduler runs the batch jobs on an interval.
type Scheduler struct {
	Snapshots      *credits.Snapshotter
	Plans          *plans.Manager
	Usage          *usage.Processor
	Interval       time.Duration
	UsageBatchSize int
	Enabled        bool
	Log            logrus.FieldLogger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewScheduler creates a scheduler over store.
func NewScheduler(store credits.Store, clock credits.Clock, log logrus.FieldLogger) *Scheduler {
	return &Scheduler{
		Snapshots:      credits.NewSnapshotter(store, clock, log),
		Plans:          plans.NewManager(store, clock, log),
		Usage:          usage.NewProcessor(store, clock, log),
		Interval:       time.Hour,
		UsageBatchSize: usage.DefaultBatchSize,
		Enabled:        true,
		Log:            log,
	}
}

// Run executes one job and returns its summary.
func (s *Scheduler) Run(ctx context.Context, job string) (any, error) {
	start := time.Now()
	var (
		summary any
		err     error
	)

	switch job {
	case JobSnapshots:
		summary, err = s.Snapshots.CreateMonthlySnapshots(ctx)
	case JobMonthlyGrants:
		summary, err = s.Plans.RunMonthlyGrants(ctx)
	case JobExpirePlans:
		summary, err = s.Plans.ExpireEndedPlans(ctx)
	case JobUsage:
		summary, err = s.Usage.Drain(ctx, s.UsageBatchSize)
	default:
		return nil, ErrUnknownJob
	}

	log := s.Log.WithFields(logrus.Fields{
		"job":         job,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	if err != nil {
		log.WithField("error", err).Error("job failed")
		return summary, err
	}
	log.WithField("summary", summary).Debug("job complete")
	return summary, nil
}

// RunAll runs every job once in order. Failures are logged; the first error
// is returned after all jobs have run.
func (s *Scheduler) RunAll(ctx context.Context) error {
	var first error
	for _, job := range JobNames {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := s.Run(ctx, job); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Log.Info("scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.loop()

	s.Log.WithField("interval", s.Interval.String()).Info("scheduler started")
}

// Stop stops the scheduler and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.Log.Info("scheduler stopped")
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stop
		cancel()
	}()

	// Run immediately on start
	s.pass(ctx)

	for {
		select {
		case <-s.ticker.C:
			s.pass(ctx)
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) pass(ctx context.Context) {
	if err := s.RunAll(ctx); err != nil && ctx.Err() == nil {
		s.Log.WithField("error", err).Warn("scheduler pass finished with errors")
	}
}
