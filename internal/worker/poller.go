package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"campaign-pipeline/internal/pipeline"
)

const pollIdleSleep = time.Second

// Claimer is the store edge the poller drains jobs through.
type Claimer interface {
	AcquireNextPending(ctx context.Context, tenantID *uuid.UUID) (*pipeline.Job, error)
}

// Poller is the broker-less fallback: a single loop claiming due PENDING
// jobs with a bounded number in flight. The claim itself is the
// PENDING -> PROCESSING transition, done under a row lock by the store.
type Poller struct {
	store     Claimer
	processor *Processor
	logger    *zap.Logger

	maxInFlight    int
	processTimeout time.Duration

	wg sync.WaitGroup
}

func NewPoller(store Claimer, processor *Processor, maxInFlight int, processTimeout time.Duration, logger *zap.Logger) *Poller {
	if maxInFlight <= 0 {
		maxInFlight = 10
	}
	if processTimeout <= 0 {
		processTimeout = 30 * time.Second
	}
	return &Poller{
		store:          store,
		processor:      processor,
		logger:         logger,
		maxInFlight:    maxInFlight,
		processTimeout: processTimeout,
	}
}

// Run blocks until ctx is cancelled, then drains in-flight jobs.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("polling worker started", zap.Int("max_in_flight", p.maxInFlight))

	sem := make(chan struct{}, p.maxInFlight)

	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			p.logger.Info("polling worker stopped")
			return
		case sem <- struct{}{}:
		}

		job, err := p.store.AcquireNextPending(ctx, nil)
		if err != nil {
			<-sem
			p.logger.Error("failed to claim job", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			<-sem
			p.sleep(ctx)
			continue
		}

		p.wg.Add(1)
		go func(job *pipeline.Job) {
			defer p.wg.Done()
			defer func() { <-sem }()

			procCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.processTimeout)
			defer cancel()

			if err := p.processor.ProcessClaimed(procCtx, job); err != nil {
				p.logger.Error("failed to process job",
					zap.String("job_id", job.ID.String()),
					zap.Error(err))
			}
		}(job)
	}
}

func (p *Poller) sleep(ctx context.Context) {
	timer := time.NewTimer(pollIdleSleep)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
