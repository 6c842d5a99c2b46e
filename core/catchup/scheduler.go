package catchup

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/signalcore/substrate/pkg/logger"
)

// Scheduler invokes Tick on a fixed period for every registered
// non-terminal process, per SPEC_FULL.md §4.7: an ambient convenience
// over manual polling, not a semantic change to the FSM itself.
type Scheduler struct {
	cron   *cron.Cron
	driver *Driver
	log    *logger.Logger

	mu        sync.Mutex
	processes map[string]*Process
}

// NewScheduler builds a Scheduler around a Driver. The tick period is
// given later to Start as a standard cron expression (e.g. "@every 5s").
func NewScheduler(driver *Driver) *Scheduler {
	return &Scheduler{
		cron:      cron.New(),
		driver:    driver,
		log:       logger.NewDefault("catchup.scheduler"),
		processes: make(map[string]*Process),
	}
}

// Register adds a process to the scheduler's tick set.
func (s *Scheduler) Register(p *Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processes[p.ID] = p
}

// Unregister removes a process, typically once it reaches StateCompleted.
func (s *Scheduler) Unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.processes, id)
}

// Start schedules a recurring tick of every registered process at the
// given cron spec and starts the underlying cron runner.
func (s *Scheduler) Start(ctx context.Context, cronSpec string) error {
	_, err := s.cron.AddFunc(cronSpec, func() { s.tickAll(ctx) })
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron runner, waiting for any in-flight tick to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) tickAll(ctx context.Context) {
	s.mu.Lock()
	snapshot := make([]*Process, 0, len(s.processes))
	for _, p := range s.processes {
		snapshot = append(snapshot, p)
	}
	s.mu.Unlock()

	for _, p := range snapshot {
		if p.State == StateCompleted {
			s.Unregister(p.ID)
			continue
		}
		if err := s.driver.Tick(ctx, p); err != nil {
			s.log.WithField("process_id", p.ID).WithField("error", err).Warn("catch-up tick failed")
		}
	}
}
