// Package scheduler is ambient wiring around robfig/cron: it triggers the
// Cycle Orchestrator and maintenance jobs on a configurable cadence. It
// never runs two cycles concurrently — an overlapping tick is skipped and
// logged at Warn, never queued.
//
// Grounded on trader-go/internal/scheduler/scheduler.go's Job contract and
// AddFunc wiring, composed with internal/queue/scheduler.go's
// overlap-guard discipline (a mutex-guarded running flag).
package scheduler

import (
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is anything the scheduler can run on a cron cadence.
type Job interface {
	Run() error
	Name() string
}

// Scheduler manages background jobs, guaranteeing at most one concurrent
// run per registered job.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger

	mu      sync.Mutex
	running map[string]bool
}

// New creates a Scheduler.
func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		log:     log.With().Str("component", "scheduler").Logger(),
		running: make(map[string]bool),
	}
}

// Start starts the cron loop.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("scheduler started")
}

// Stop waits for the in-flight job (if any) to finish, then stops.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("scheduler stopped")
}

// AddJob registers job on schedule. Schedule examples:
//   - "0 */30 * * * *" - every 30 minutes (default cycle cadence)
//   - "@hourly"        - store backup cadence
//   - "0 0 3 * * *"    - daily maintenance at 3 AM
func (s *Scheduler) AddJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() { s.runGuarded(job) })
	if err != nil {
		return err
	}
	s.log.Info().Str("schedule", schedule).Str("job", job.Name()).Msg("job registered")
	return nil
}

// runGuarded skips this tick entirely if the same job is already running,
// rather than queuing it — a cycle that overruns its cadence should not
// pile up concurrent cycles against the same store. Every tick that
// actually runs gets a fresh run_id, so a job's start/failure/completion
// log lines (and anything the job itself logs during Run) can be
// correlated back to this one invocation.
func (s *Scheduler) runGuarded(job Job) {
	s.mu.Lock()
	if s.running[job.Name()] {
		s.mu.Unlock()
		s.log.Warn().Str("job", job.Name()).Msg("previous run still in flight, skipping tick")
		return
	}
	s.running[job.Name()] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running[job.Name()] = false
		s.mu.Unlock()
	}()

	runID := uuid.New().String()
	log := s.log.With().Str("job", job.Name()).Str("run_id", runID).Logger()

	log.Debug().Msg("running job")
	if err := job.Run(); err != nil {
		log.Error().Err(err).Msg("job failed")
		return
	}
	log.Debug().Msg("job completed")
}

// RunNow executes job immediately, outside its schedule, still subject to
// the overlap guard.
func (s *Scheduler) RunNow(job Job) {
	s.log.Info().Str("job", job.Name()).Msg("running job immediately")
	s.runGuarded(job)
}
