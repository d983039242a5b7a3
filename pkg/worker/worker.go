package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opennetfab/opennetfab/pkg/engine"
	"github.com/opennetfab/opennetfab/pkg/inventory"
	"github.com/opennetfab/opennetfab/pkg/model"
	"github.com/opennetfab/opennetfab/pkg/policy"
	"github.com/opennetfab/opennetfab/pkg/stores"
	"github.com/opennetfab/opennetfab/pkg/telemetry"
)

// ErrQueueCorrupted reports systemic queue corruption: several consecutive
// dequeues produced undecodable payloads. The process cannot make progress;
// main maps this to its own exit code so operators can distinguish it from
// ordinary failures.
var ErrQueueCorrupted = errors.New("queue corrupted")

// corruptionThreshold is how many consecutive corrupt items count as
// systemic corruption rather than a single poisoned entry.
const corruptionThreshold = 3

// Defaults for unset tunables.
const (
	defaultVisibilityTimeout = 10 * time.Minute
	defaultPollInterval      = time.Second
	defaultMaxAttempts       = 3
	defaultNackBackoff       = 30 * time.Second
)

// InventoryLoader resolves a queue item's inventory snapshot reference into
// a usable inventory.
type InventoryLoader interface {
	Load(ctx context.Context, ref string) (engine.Inventory, error)
}

// FileInventoryLoader loads YAML inventory files; the snapshot ref is a
// file path.
type FileInventoryLoader struct{}

// Load reads the inventory file named by ref.
func (FileInventoryLoader) Load(_ context.Context, ref string) (engine.Inventory, error) {
	if ref == "" {
		return nil, fmt.Errorf("queue item has no inventory snapshot ref")
	}
	return inventory.LoadFile(ref)
}

// Options configures a Worker. Store, Engine, and Inventories are required.
type Options struct {
	// Store is the durable queue and outcome sink.
	Store stores.Store

	// Engine executes dequeued jobs.
	Engine *engine.Engine

	// Inventories resolves snapshot refs.
	Inventories InventoryLoader

	// Logger receives structured worker logs.
	Logger *telemetry.Logger

	// Metrics receives queue depth and dead-letter instrumentation.
	Metrics *telemetry.Metrics

	// Events receives job lifecycle and dead-letter events.
	Events *telemetry.EventPublisher

	// Policy gates jobs at intake. Nil disables the guardrail check.
	Policy *policy.Engine

	// Environment names the deployment environment for policy input.
	Environment string

	// VisibilityTimeout is the queue lease per delivery.
	VisibilityTimeout time.Duration

	// PollInterval is the idle sleep between empty dequeues.
	PollInterval time.Duration

	// MaxAttempts bounds deliveries per item before dead-lettering.
	MaxAttempts int

	// NackBackoff delays redelivery after a transient failure.
	NackBackoff time.Duration
}

// Worker drains the durable queue: dequeue, execute, settle. One worker
// processes one job at a time; job-level parallelism lives inside the
// engine's device dispatch, so running several workers against the same
// store is the way to scale job throughput.
type Worker struct {
	store       stores.Store
	engine      *engine.Engine
	inventories InventoryLoader
	logger      *telemetry.Logger
	metrics     *telemetry.Metrics
	events      *telemetry.EventPublisher
	policy      *policy.Engine
	environment string

	visibilityTimeout time.Duration
	pollInterval      time.Duration
	maxAttempts       int
	nackBackoff       time.Duration

	consecutiveCorrupt int
}

// New builds a Worker from options.
func New(opts Options) (*Worker, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if opts.Inventories == nil {
		return nil, fmt.Errorf("inventory loader is required")
	}
	w := &Worker{
		store:             opts.Store,
		engine:            opts.Engine,
		inventories:       opts.Inventories,
		logger:            opts.Logger,
		metrics:           opts.Metrics,
		events:            opts.Events,
		policy:            opts.Policy,
		environment:       opts.Environment,
		visibilityTimeout: opts.VisibilityTimeout,
		pollInterval:      opts.PollInterval,
		maxAttempts:       opts.MaxAttempts,
		nackBackoff:       opts.NackBackoff,
	}
	if w.logger == nil {
		w.logger = telemetry.FromContext(context.Background())
	}
	w.logger = w.logger.NewComponentLogger("worker")
	if w.visibilityTimeout <= 0 {
		w.visibilityTimeout = defaultVisibilityTimeout
	}
	if w.pollInterval <= 0 {
		w.pollInterval = defaultPollInterval
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = defaultMaxAttempts
	}
	if w.nackBackoff <= 0 {
		w.nackBackoff = defaultNackBackoff
	}
	return w, nil
}

// Run consumes the queue until the context is cancelled. Cancellation is
// the graceful shutdown path: the in-flight job observes it, finishes as
// cancelled, and is settled before Run returns nil. The only error return
// is ErrQueueCorrupted.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.WithFields(map[string]interface{}{
		"visibility_timeout": w.visibilityTimeout.String(),
		"poll_interval":      w.pollInterval.String(),
		"max_attempts":       w.maxAttempts,
	}).Info("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Worker stopped")
			return nil
		default:
		}

		item, err := w.store.Dequeue(ctx, w.visibilityTimeout)
		if err != nil {
			if stop, fatal := w.handleDequeueError(ctx, err); stop {
				return fatal
			}
			continue
		}
		if item == nil {
			w.updateQueueDepth(ctx)
			if !w.sleep(ctx) {
				w.logger.Info("Worker stopped")
				return nil
			}
			continue
		}

		w.consecutiveCorrupt = 0
		w.process(ctx, item)
	}
}

// handleDequeueError settles corrupt items and decides whether the loop
// must stop. The second return is the Run error when stopping.
func (w *Worker) handleDequeueError(ctx context.Context, err error) (bool, error) {
	var corrupt *stores.CorruptItemError
	if errors.As(err, &corrupt) {
		w.consecutiveCorrupt++
		w.logger.WithError(err).WithQueueItem(corrupt.ItemID.String()).Error("Dequeued corrupt payload")

		// The lease is still held; quarantine the item so it cannot cycle.
		settleCtx := context.WithoutCancel(ctx)
		if dlErr := w.store.DeadLetter(settleCtx, corrupt.ItemID, "payload undecodable"); dlErr != nil {
			w.logger.WithError(dlErr).Error("Failed to dead-letter corrupt item")
		}
		w.recordDeadLetter(corrupt.ItemID.String(), "", 0)

		if w.consecutiveCorrupt >= corruptionThreshold {
			w.logger.Error("Consecutive corrupt items, queue unusable")
			return true, ErrQueueCorrupted
		}
		return false, nil
	}

	if ctx.Err() != nil {
		w.logger.Info("Worker stopped")
		return true, nil
	}

	w.logger.WithError(err).Warn("Dequeue failed")
	if !w.sleep(ctx) {
		return true, nil
	}
	return false, nil
}

// process runs one delivery to a settled end state: ack, nack, or dead
// letter.
func (w *Worker) process(ctx context.Context, item *model.QueueItem) {
	log := w.logger.WithQueueItem(item.ItemID.String()).WithJob(item.Job.ID.String())
	settleCtx := context.WithoutCancel(ctx)

	if item.AttemptCount > w.maxAttempts {
		log.WithField("attempts", item.AttemptCount).Warn("Delivery attempts exhausted")
		w.deadLetter(settleCtx, item, "attempts exhausted")
		return
	}

	inv, err := w.inventories.Load(ctx, item.InventorySnapshotRef)
	if err != nil {
		log.WithError(err).Warn("Failed to load inventory snapshot")
		w.nack(settleCtx, item)
		return
	}

	if reason, blocked := w.policyBlocks(ctx, item, inv, log); blocked {
		w.deadLetter(settleCtx, item, reason)
		return
	}

	if w.events != nil {
		_ = w.events.PublishJobStarted(item.Job.ID.String(), string(item.Job.Kind.Type))
	}

	record, err := w.engine.Execute(ctx, &item.Job, inv, w.store)
	if err != nil {
		kind := engine.KindOf(err)
		switch kind {
		case engine.ErrorKindValidation, engine.ErrorKindApproval, engine.ErrorKindInventory:
			// Intake rejections never improve with retries.
			log.WithError(err).WithField("kind", string(kind)).Warn("Job rejected at intake")
			w.deadLetter(settleCtx, item, fmt.Sprintf("intake rejected: %s", kind))
			if w.events != nil {
				_ = w.events.PublishJobFailed(item.Job.ID.String(), string(kind))
			}
		default:
			log.WithError(err).WithField("kind", string(kind)).Warn("Job failed, will retry")
			w.nack(settleCtx, item)
		}
		return
	}

	// A record means the job ran to a terminal state; cancelled jobs are
	// settled too, the outcome stream already recorded what was abandoned.
	if err := w.store.Ack(settleCtx, item.ItemID); err != nil {
		log.WithError(err).Error("Failed to ack settled item")
	}
	log.WithFields(map[string]interface{}{
		"status":  string(record.OverallStatus),
		"devices": record.Counts.Total(),
	}).Info("Job settled")

	if w.events != nil {
		_ = w.events.PublishJobCompleted(item.Job.ID.String(), string(record.OverallStatus), record.FinishedAt.Sub(record.StartedAt))
	}
	w.updateQueueDepth(ctx)
}

// policyBlocks evaluates guardrail policies at intake. Evaluation failures
// never block: the policy layer degrades open and the engine's own checks
// still apply.
func (w *Worker) policyBlocks(ctx context.Context, item *model.QueueItem, inv engine.Inventory, log *telemetry.Logger) (string, bool) {
	if w.policy == nil {
		return "", false
	}

	devices, err := inv.Resolve(ctx, item.Job.Targets)
	if err != nil {
		// Execute will classify this as an inventory intake error.
		return "", false
	}

	result, err := w.policy.EvaluateJob(ctx, &policy.Input{
		Job:     &item.Job,
		Devices: devices,
		Context: &policy.Context{
			Environment: w.environment,
			Source:      "worker",
			DryRun:      item.Job.DryRun,
			Timestamp:   time.Now().UTC(),
		},
	})
	if err != nil {
		log.WithError(err).Warn("Policy evaluation failed, not blocking")
		return "", false
	}
	if result.Allowed {
		return "", false
	}

	first := result.Violations[0]
	log.WithFields(map[string]interface{}{
		"policy":     first.Policy,
		"violations": len(result.Violations),
	}).Warn("Job blocked by policy")
	if w.events != nil {
		for _, v := range result.Violations {
			_ = w.events.PublishPolicyViolation(item.Job.ID.String(), v.Policy, v.Message)
		}
	}
	return fmt.Sprintf("policy violation: %s", first.Policy), true
}

func (w *Worker) deadLetter(ctx context.Context, item *model.QueueItem, reason string) {
	if err := w.store.DeadLetter(ctx, item.ItemID, reason); err != nil {
		w.logger.WithError(err).WithQueueItem(item.ItemID.String()).Error("Failed to dead-letter item")
		return
	}
	w.recordDeadLetter(item.ItemID.String(), item.Job.ID.String(), item.AttemptCount)
}

func (w *Worker) recordDeadLetter(itemID, jobID string, attempts int) {
	if w.metrics != nil {
		w.metrics.RecordDeadLetter()
	}
	if w.events != nil {
		_ = w.events.PublishQueueDeadLetter(itemID, jobID, attempts)
	}
}

func (w *Worker) nack(ctx context.Context, item *model.QueueItem) {
	if err := w.store.Nack(ctx, item.ItemID, w.nackBackoff); err != nil {
		w.logger.WithError(err).WithQueueItem(item.ItemID.String()).Error("Failed to nack item")
	}
}

func (w *Worker) updateQueueDepth(ctx context.Context) {
	if w.metrics == nil {
		return
	}
	stats, err := w.store.QueueStats(context.WithoutCancel(ctx))
	if err != nil {
		return
	}
	w.metrics.SetQueueDepth(float64(stats.Visible))
}

// sleep waits one poll interval; false means the context fired.
func (w *Worker) sleep(ctx context.Context) bool {
	timer := time.NewTimer(w.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
