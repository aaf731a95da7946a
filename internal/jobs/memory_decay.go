package jobs

import (
	"context"
	"time"

	"vigil/internal/services"
)

// MemoryDecayJob periodically shrinks the scores of decay-retention
// memories and removes the ones that fall below the floor.
type MemoryDecayJob struct {
	memory   *services.MemoryService
	interval time.Duration
}

// NewMemoryDecayJob creates the decay sweep job.
func NewMemoryDecayJob(memory *services.MemoryService, interval time.Duration) *MemoryDecayJob {
	return &MemoryDecayJob{memory: memory, interval: interval}
}

func (j *MemoryDecayJob) Name() string            { return "memory-decay" }
func (j *MemoryDecayJob) Interval() time.Duration { return j.interval }

func (j *MemoryDecayJob) Run(ctx context.Context) error {
	_, _, err := j.memory.ApplyDecay(ctx)
	return err
}
