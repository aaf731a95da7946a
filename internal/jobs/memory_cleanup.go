package jobs

import (
	"context"
	"time"

	"vigil/internal/services"
)

// MemoryCleanupJob periodically deletes memories whose expiry has passed.
type MemoryCleanupJob struct {
	memory   *services.MemoryService
	interval time.Duration
}

// NewMemoryCleanupJob creates the expiry cleanup job.
func NewMemoryCleanupJob(memory *services.MemoryService, interval time.Duration) *MemoryCleanupJob {
	return &MemoryCleanupJob{memory: memory, interval: interval}
}

func (j *MemoryCleanupJob) Name() string            { return "memory-cleanup" }
func (j *MemoryCleanupJob) Interval() time.Duration { return j.interval }

func (j *MemoryCleanupJob) Run(ctx context.Context) error {
	_, err := j.memory.Cleanup(ctx)
	return err
}
