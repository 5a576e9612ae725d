package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/claim-pipeline/internal/lock"
	"github.com/claim-pipeline/internal/logging"
	"github.com/claim-pipeline/internal/reconcile"
	"github.com/claim-pipeline/internal/scheduler"
)

// Lock keys for the periodic pipeline operations. Each operation is
// serialized across worker replicas independently.
const (
	lockKeySchedule     = "pipeline:schedule"
	lockKeyOpen         = "pipeline:open"
	lockKeyBroadcasting = "pipeline:broadcasting"
	lockKeyStaleSweep   = "pipeline:stale-sweep"
	lockKeyFunding      = "pipeline:funding"
)

// PipelineWorker drives the settlement pipeline: on every tick it schedules
// new batches, broadcasts open ones, reconciles broadcasting ones and sweeps
// stale claims, each pass under its own distributed lock so multiple worker
// replicas can run side by side.
type PipelineWorker struct {
	scheduler       *scheduler.Scheduler
	reconciler      *reconcile.Reconciler
	locks           lock.Locker
	tickInterval    time.Duration
	fundingInterval time.Duration
	logger          *logging.Logger

	running      bool
	lastTickTime time.Time
	lastFunding  time.Time
	mu           sync.RWMutex
	stopCh       chan struct{}
	doneCh       chan struct{}
}

// PipelineWorkerConfig holds configuration for a pipeline worker.
type PipelineWorkerConfig struct {
	Scheduler       *scheduler.Scheduler
	Reconciler      *reconcile.Reconciler
	Locks           lock.Locker
	TickInterval    time.Duration
	FundingInterval time.Duration
	Logger          *logging.Logger
}

// NewPipelineWorker creates a new pipeline worker.
func NewPipelineWorker(cfg *PipelineWorkerConfig) (*PipelineWorker, error) {
	if cfg.Scheduler == nil {
		return nil, fmt.Errorf("scheduler cannot be nil")
	}
	if cfg.Reconciler == nil {
		return nil, fmt.Errorf("reconciler cannot be nil")
	}
	if cfg.Locks == nil {
		return nil, fmt.Errorf("locker cannot be nil")
	}

	tickInterval := cfg.TickInterval
	if tickInterval == 0 {
		tickInterval = 30 * time.Second
	}
	fundingInterval := cfg.FundingInterval
	if fundingInterval == 0 {
		fundingInterval = 10 * time.Minute
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &PipelineWorker{
		scheduler:       cfg.Scheduler,
		reconciler:      cfg.Reconciler,
		locks:           cfg.Locks,
		tickInterval:    tickInterval,
		fundingInterval: fundingInterval,
		logger:          logger.WithField("component", "pipeline_worker"),
	}, nil
}

// Start begins the periodic pipeline loop.
func (w *PipelineWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("pipeline worker is already running")
	}
	w.running = true
	// Fresh channels per run so a stopped worker can be started again.
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	stopCh, doneCh := w.stopCh, w.doneCh
	w.mu.Unlock()

	w.logger.WithField("tickInterval", w.tickInterval.String()).
		Info("Starting pipeline worker")

	go w.tickLoop(ctx, stopCh, doneCh)

	return nil
}

// Stop gracefully stops the pipeline worker, waiting for the current tick to
// finish.
func (w *PipelineWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("pipeline worker is not running")
	}
	stopCh, doneCh := w.stopCh, w.doneCh
	w.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		w.logger.Info("Pipeline worker stopped gracefully")
	case <-ctx.Done():
		w.logger.Warn("Pipeline worker stop timed out")
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return fmt.Errorf("stop timeout")
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	return nil
}

func (w *PipelineWorker) tickLoop(ctx context.Context, stopCh chan struct{}, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(w.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Pipeline worker context cancelled")
			return
		case <-stopCh:
			return
		case <-ticker.C:
			w.mu.Lock()
			w.lastTickTime = time.Now()
			w.mu.Unlock()

			w.Tick(ctx)
		}
	}
}

// Tick runs one full pipeline pass. Each operation runs under its own
// distributed lock; a pass another replica already holds is skipped, and one
// failing operation never blocks the rest.
func (w *PipelineWorker) Tick(ctx context.Context) {
	w.runLocked(ctx, lockKeySchedule, w.scheduler.ScheduleBatches)
	w.runLocked(ctx, lockKeyOpen, w.reconciler.ProcessOpenBatches)
	w.runLocked(ctx, lockKeyBroadcasting, w.reconciler.ProcessBroadcastingBatches)
	w.runLocked(ctx, lockKeyStaleSweep, w.reconciler.RejectStaleUnbatchedClaims)

	w.mu.Lock()
	refreshFunding := time.Since(w.lastFunding) >= w.fundingInterval
	if refreshFunding {
		w.lastFunding = time.Now()
	}
	w.mu.Unlock()

	if refreshFunding {
		w.runLocked(ctx, lockKeyFunding, w.reconciler.RefreshFunding)
	}
}

func (w *PipelineWorker) runLocked(ctx context.Context, key string, op func(ctx context.Context) error) {
	ran, err := w.locks.WithLock(ctx, key, op)
	if err != nil {
		w.logger.WithError(err).WithField("lockKey", key).Error("Pipeline operation failed")
		return
	}
	if !ran {
		w.logger.WithField("lockKey", key).Debug("Skipped operation held by another worker")
	}
}

// PipelineWorkerStatus is a snapshot of the worker loop, for the ops
// endpoint.
type PipelineWorkerStatus struct {
	Running             bool      `json:"running"`
	LastTickTime        time.Time `json:"lastTickTime"`
	TickIntervalSeconds int       `json:"tickIntervalSeconds"`
}

// GetStatus returns the current worker status.
func (w *PipelineWorker) GetStatus() *PipelineWorkerStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return &PipelineWorkerStatus{
		Running:             w.running,
		LastTickTime:        w.lastTickTime,
		TickIntervalSeconds: int(w.tickInterval.Seconds()),
	}
}
