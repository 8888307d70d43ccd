package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rnowrang/ai-lab-platform-sub000/pkg/config"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/eventbus"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/ledger"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/metrics"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/model"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/runtime"
)

const defaultInterval = 60 * time.Second

// Report summarizes one reconciliation pass.
type Report struct {
	Live          int
	StaleFailed   []string
	DriftStopped  []string
	Adopted       []string
	Errors        []error
	CorruptionErr error
}

// Reconciler diffs the ledger against the runtime's live state and repairs
// drift: stale entries are failed so their resources free up, and orphaned
// containers are adopted back into the ledger. Every other component may
// leave the ledger briefly inconsistent after a crash because a pass runs
// on every process start and on a fixed interval thereafter.
type Reconciler struct {
	ledger       *ledger.Ledger
	runtime      runtime.Adapter
	bus          *eventbus.Bus
	logger       *zap.Logger
	interval     time.Duration
	namePrefix   string
	defaultOwner string

	// runMu makes passes exclusive: two concurrent passes racing to adopt
	// the same orphan would double-register it.
	runMu sync.Mutex

	now func() time.Time
}

func New(led *ledger.Ledger, adapter runtime.Adapter, bus *eventbus.Bus, cfg *config.Config, logger *zap.Logger) *Reconciler {
	interval := cfg.Reconciler.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Reconciler{
		ledger:       led,
		runtime:      adapter,
		bus:          bus,
		logger:       logger.With(zap.String("component", "reconciler")),
		interval:     interval,
		namePrefix:   cfg.Runtime.NamePrefix,
		defaultOwner: cfg.Reconciler.DefaultOwner,
		now:          time.Now,
	}
}

// Run executes a pass immediately, then on every tick until the context is
// cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started", zap.Duration("interval", r.interval))
	r.runPass(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			r.runPass(ctx)
		}
	}
}

func (r *Reconciler) runPass(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(ctx, r.interval)
	defer cancel()

	report, err := r.ReconcileOnce(opCtx)
	if err != nil {
		r.logger.Error("reconciliation pass failed", zap.Error(err))
		return
	}
	if len(report.StaleFailed) > 0 || len(report.Adopted) > 0 || len(report.DriftStopped) > 0 || len(report.Errors) > 0 {
		r.logger.Info("reconciliation pass completed",
			zap.Int("live_containers", report.Live),
			zap.Strings("stale_failed", report.StaleFailed),
			zap.Strings("drift_stopped", report.DriftStopped),
			zap.Strings("adopted", report.Adopted),
			zap.Int("errors", len(report.Errors)))
	}
}

// ReconcileOnce performs a single exclusive pass. Failures on one entry are
// collected and do not abort processing of the remaining entries.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (*Report, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	// Ground truth first. Without it no repair is safe.
	live, err := r.runtime.ListAll(ctx, r.namePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list runtime state: %w", err)
	}

	snap := r.ledger.Snapshot()
	report := &Report{Live: len(live)}

	liveByName := make(map[string]runtime.ContainerState, len(live))
	for _, state := range live {
		liveByName[state.Name] = state
	}

	r.evictStale(ctx, snap, liveByName, report)
	r.adoptOrphans(ctx, snap, live, report)

	// The derived allocation sets must match the corrected environment
	// records exactly. A mismatch here is data corruption needing operator
	// attention, never something to repair silently.
	if err := r.ledger.VerifyDerived(); err != nil {
		metrics.LedgerCorruptions.Inc()
		report.CorruptionErr = err
		r.logger.Error("ledger corruption detected after reconciliation", zap.Error(err))
	}

	metrics.ReconcilePasses.Inc()
	return report, nil
}

// evictStale fails ledger entries whose container the runtime has no record
// of. Their ports and GPUs were never really held, so failing the entry
// returns them to the free pool.
func (r *Reconciler) evictStale(ctx context.Context, snap *ledger.Snapshot, liveByName map[string]runtime.ContainerState, report *Report) {
	for id, env := range snap.Environments {
		switch env.Status {
		case model.EnvCreating, model.EnvRunning, model.EnvStopping, model.EnvOrphaned:
		default:
			continue
		}

		state, exists := liveByName[id]
		if exists {
			if state.Status == runtime.StatusExited && env.Status == model.EnvRunning {
				r.markStopped(ctx, env, report)
			}
			continue
		}

		env.Status = model.EnvFailed
		env.ErrorMessage = "container missing from runtime"
		now := r.now().UTC()
		env.StoppedAt = &now

		err := r.ledger.WithAllocationLock(func() error {
			return r.ledger.Upsert(ctx, env)
		})
		if err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("failed to evict stale entry %s: %w", id, err))
			continue
		}

		report.StaleFailed = append(report.StaleFailed, id)
		metrics.ReconcileRepairs.WithLabelValues("stale_failed").Inc()
		r.publish(ctx, id, "stale_failed", env.ErrorMessage)
		r.logger.Warn("failed stale ledger entry",
			zap.String("environment_id", id),
			zap.Int("released_ports", len(env.AllocatedPorts)),
			zap.Int("released_gpus", env.GPUCount()))
	}
}

func (r *Reconciler) markStopped(ctx context.Context, env *model.Environment, report *Report) {
	env.Status = model.EnvStopped
	now := r.now().UTC()
	env.StoppedAt = &now

	err := r.ledger.WithAllocationLock(func() error {
		return r.ledger.Upsert(ctx, env)
	})
	if err != nil {
		report.Errors = append(report.Errors, fmt.Errorf("failed to mark %s stopped: %w", env.ID, err))
		return
	}
	report.DriftStopped = append(report.DriftStopped, env.ID)
	metrics.ReconcileRepairs.WithLabelValues("drift_stopped").Inc()
	r.publish(ctx, env.ID, "drift_stopped", "container exited outside lifecycle manager")
}

// adoptOrphans registers live containers the ledger does not know about, so
// running work stays visible after a ledger-loss incident instead of leaking
// resources invisibly. Ownership comes from creation-time labels; containers
// that only match the naming convention are assigned the configured default
// owner, a quarantine account requiring explicit admin claim.
func (r *Reconciler) adoptOrphans(ctx context.Context, snap *ledger.Snapshot, live []runtime.ContainerState, report *Report) {
	for _, state := range live {
		if _, known := snap.Environments[state.Name]; known {
			continue
		}

		owner := state.Labels[runtime.LabelOwner]
		if owner == "" {
			owner = r.defaultOwner
		}
		template := state.Labels[runtime.LabelTemplate]
		if template == "" {
			template = "unknown"
		}

		status := model.EnvRunning
		if state.Status != runtime.StatusRunning {
			// Dead orphans are registered too, flagged for the operator
			// instead of silently ignored.
			status = model.EnvOrphaned
		}

		env := &model.Environment{
			ID:         state.Name,
			OwnerID:    owner,
			TemplateID: template,
			Status:     status,
			CreatedAt:  r.now().UTC(),
			StartedAt:  state.StartedAt,
		}
		for _, pb := range state.PortBindings {
			env.AllocatedPorts = append(env.AllocatedPorts, model.PortBinding{
				ContainerPort: pb.ContainerPort,
				HostPort:      pb.HostPort,
			})
		}
		for _, index := range state.GPUIndices {
			env.AllocatedGPUs = append(env.AllocatedGPUs, int64(index))
		}

		err := r.ledger.WithAllocationLock(func() error {
			return r.ledger.Upsert(ctx, env)
		})
		if err != nil {
			// A conflicting claim means the orphan's bindings collide with
			// a ledger entry; quarantine by skipping, never force.
			report.Errors = append(report.Errors, fmt.Errorf("failed to adopt orphan %s: %w", state.Name, err))
			continue
		}

		report.Adopted = append(report.Adopted, state.Name)
		metrics.ReconcileRepairs.WithLabelValues("orphan_adopted").Inc()
		r.publish(ctx, state.Name, "orphan_adopted", fmt.Sprintf("owner=%s", owner))
		r.logger.Warn("adopted orphan container",
			zap.String("environment_id", state.Name),
			zap.String("owner_id", owner),
			zap.Int("ports", len(env.AllocatedPorts)),
			zap.Int("gpus", env.GPUCount()))
	}
}

func (r *Reconciler) publish(ctx context.Context, envID, action, detail string) {
	reconcileEvent := eventbus.ReconcileEvent{
		EnvironmentID: envID,
		Action:        action,
		Detail:        detail,
	}
	if event, err := eventbus.NewEvent("reconcile_repair", reconcileEvent); err == nil {
		_ = r.bus.Publish(ctx, eventbus.ChannelReconcile, event)
	}
}
