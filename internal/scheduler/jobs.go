package scheduler

import (
	"context"
	"time"

	"github.com/marild/portfolio-engine/internal/allocation"
	"github.com/marild/portfolio-engine/internal/engine"
)

// tickTimeout bounds one scheduled tick; the engine's own soft budget
// defers work well before this fires.
const tickTimeout = 2 * time.Minute

// TickJob drives the engine scheduler on the cron interval.
type TickJob struct {
	engine *engine.Scheduler
}

// NewTickJob creates the per-minute tick job.
func NewTickJob(eng *engine.Scheduler) *TickJob {
	return &TickJob{engine: eng}
}

// Name implements Job.
func (j *TickJob) Name() string { return "engine_tick" }

// Run implements Job.
func (j *TickJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()
	return j.engine.RunTick(ctx, false)
}

// AllocationJob drives the daily allocation scoring pass.
type AllocationJob struct {
	service *allocation.Service
}

// NewAllocationJob creates the daily allocation job.
func NewAllocationJob(svc *allocation.Service) *AllocationJob {
	return &AllocationJob{service: svc}
}

// Name implements Job.
func (j *AllocationJob) Name() string { return "allocation_daily" }

// Run implements Job.
func (j *AllocationJob) Run() error {
	return j.service.RunDailyPass(time.Now().UTC())
}
