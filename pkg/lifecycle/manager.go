package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rnowrang/ai-lab-platform-sub000/pkg/allocator"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/config"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/eventbus"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/ledger"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/metrics"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/model"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/quota"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/runtime"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/templates"
)

var (
	// ErrAccessDenied is returned when a caller acts on an environment they
	// do not own. Always logged: repeated denials are a misuse signal.
	ErrAccessDenied = errors.New("access denied")
	ErrNotFound     = ledger.ErrNotFound
	ErrInvalidState = errors.New("invalid environment state for operation")
)

// ValidationError rejects malformed requests before any reservation.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// CreateRequest is a user's ask for a new compute workspace.
type CreateRequest struct {
	UserID       string
	QuotaTier    model.QuotaTier
	TemplateID   string
	GPUs         int
	MemoryMB     int64
	CPUCores     float64
	HighPriority bool
}

// Caller identifies who is operating and whether they hold admin rights.
type Caller struct {
	UserID string
	Admin  bool
}

// Manager orchestrates environment state transitions, calling the quota
// engine, allocator, runtime adapter and ledger in order. Runtime calls are
// slow and happen outside the allocation lock; the Creating and Stopping
// statuses mark in-flight work so other users' allocations are not blocked.
type Manager struct {
	ledger  *ledger.Ledger
	quota   *quota.Engine
	alloc   *allocator.Allocator
	runtime runtime.Adapter
	catalog templates.Catalog
	bus     *eventbus.Bus
	logger  *zap.Logger

	namePrefix    string
	createTimeout time.Duration
	stopTimeout   time.Duration
	retryAttempts int
	retryBackoff  time.Duration
	maxGPUs       int
	adminUsers    map[string]struct{}

	mu    sync.Mutex
	users map[string]*model.User
}

func NewManager(
	led *ledger.Ledger,
	quotaEngine *quota.Engine,
	alloc *allocator.Allocator,
	adapter runtime.Adapter,
	catalog templates.Catalog,
	bus *eventbus.Bus,
	cfg *config.Config,
	logger *zap.Logger,
) *Manager {
	admins := make(map[string]struct{}, len(cfg.Lifecycle.AdminUsers))
	for _, user := range cfg.Lifecycle.AdminUsers {
		admins[user] = struct{}{}
	}

	m := &Manager{
		ledger:        led,
		quota:         quotaEngine,
		alloc:         alloc,
		runtime:       adapter,
		catalog:       catalog,
		bus:           bus,
		logger:        logger,
		namePrefix:    cfg.Runtime.NamePrefix,
		createTimeout: cfg.Runtime.CreateTimeout,
		stopTimeout:   cfg.Runtime.StopTimeout,
		retryAttempts: cfg.Runtime.RetryAttempts,
		retryBackoff:  cfg.Runtime.RetryBackoff,
		maxGPUs:       cfg.Allocator.MaxGPUsPerRequest,
		adminUsers:    admins,
		users:         make(map[string]*model.User),
	}

	// Rebuild the known-user set from the ledger so restart keeps the
	// "created on first allocation" semantics.
	for _, env := range led.ListAll() {
		m.recordUser(env.OwnerID, model.TierDefault)
	}
	return m
}

// Create provisions a new environment: quota check, port and GPU
// reservation, container creation, ledger commit.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*model.Environment, error) {
	if req.UserID == "" {
		return nil, &ValidationError{Message: "user id is required"}
	}
	if req.GPUs < 0 || req.GPUs > m.maxGPUs {
		return nil, &ValidationError{Message: fmt.Sprintf("gpu count must be between 0 and %d", m.maxGPUs)}
	}

	tpl, err := m.catalog.Get(req.TemplateID)
	if err != nil {
		return nil, err
	}
	if req.GPUs > tpl.MaxGPUs {
		return nil, &ValidationError{Message: fmt.Sprintf("template %s allows at most %d gpus", tpl.ID, tpl.MaxGPUs)}
	}

	memoryMB := req.MemoryMB
	if memoryMB <= 0 {
		memoryMB = tpl.DefaultMemory
	}
	cpuCores := req.CPUCores
	if cpuCores <= 0 {
		cpuCores = tpl.DefaultCPU
	}

	// The runtime's own view of bound ports, gathered before the critical
	// section because listing is slow. Used by the allocator as a defensive
	// double-check against ledger drift.
	runtimeBound := m.runtimeBoundPorts(ctx)

	env := &model.Environment{
		ID:         m.namePrefix + strings.ReplaceAll(uuid.New().String(), "-", "")[:12],
		OwnerID:    req.UserID,
		TemplateID: tpl.ID,
		Status:     model.EnvCreating,
		CPUCores:   cpuCores,
		MemoryMB:   memoryMB,
		CreatedAt:  time.Now().UTC(),
	}

	err = m.ledger.WithAllocationLock(func() error {
		if err := m.quota.CanAllocate(req.UserID, req.QuotaTier, req.GPUs, memoryMB); err != nil {
			var quotaErr *quota.Error
			if errors.As(err, &quotaErr) {
				metrics.QuotaDenials.WithLabelValues(quotaErr.Reason).Inc()
			}
			return err
		}

		ports, err := m.alloc.ReservePorts(tpl.ContainerPorts, runtimeBound)
		if err != nil {
			return err
		}
		gpus, err := m.alloc.ReserveGPUs(ctx, req.GPUs, req.HighPriority)
		if err != nil {
			// Nothing to roll back: the port reservation only becomes
			// visible through the upsert below.
			return err
		}

		env.AllocatedPorts = ports
		for _, index := range gpus {
			env.AllocatedGPUs = append(env.AllocatedGPUs, int64(index))
		}

		if err := m.ledger.Upsert(ctx, env); err != nil {
			return err
		}
		m.alloc.Claim(env)
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.recordUser(req.UserID, req.QuotaTier)
	metrics.EnvironmentsTotal.WithLabelValues(tpl.ID, string(model.EnvCreating)).Inc()
	m.publishStatus(ctx, env, "")

	if err := m.startContainer(ctx, env, tpl); err != nil {
		m.failEnvironment(ctx, env, err)
		return nil, err
	}

	now := time.Now().UTC()
	env.Status = model.EnvRunning
	env.StartedAt = &now
	if err := m.ledger.Upsert(ctx, env); err != nil {
		return nil, err
	}

	metrics.EnvironmentsTotal.WithLabelValues(tpl.ID, string(model.EnvRunning)).Inc()
	m.publishStatus(ctx, env, "")
	m.logger.Info("environment created",
		zap.String("environment_id", env.ID),
		zap.String("owner_id", env.OwnerID),
		zap.String("template_id", env.TemplateID),
		zap.Int("gpus", env.GPUCount()))
	return env.Clone(), nil
}

func (m *Manager) startContainer(ctx context.Context, env *model.Environment, tpl templates.Template) error {
	opCtx, cancel := context.WithTimeout(ctx, m.createTimeout)
	defer cancel()

	spec := runtime.ContainerSpec{
		Name:     env.ID,
		Image:    tpl.Image,
		CPUCores: env.CPUCores,
		MemoryMB: env.MemoryMB,
		Env: map[string]string{
			"AILAB_USER":        env.OwnerID,
			"AILAB_ENVIRONMENT": env.ID,
		},
		Labels: map[string]string{
			runtime.LabelOwner:    env.OwnerID,
			runtime.LabelTemplate: env.TemplateID,
		},
	}
	for _, pb := range env.AllocatedPorts {
		spec.PortBindings = append(spec.PortBindings, runtime.PortBinding{
			ContainerPort: pb.ContainerPort,
			HostPort:      pb.HostPort,
		})
	}
	for _, index := range env.AllocatedGPUs {
		spec.GPUIndices = append(spec.GPUIndices, int(index))
	}

	if err := m.withRetry(opCtx, "create", func() error {
		_, err := m.runtime.Create(opCtx, spec)
		return err
	}); err != nil {
		return err
	}

	return m.withRetry(opCtx, "start", func() error {
		return m.runtime.Start(opCtx, env.ID)
	})
}

// Stop tears the container down and releases the environment's resources.
func (m *Manager) Stop(ctx context.Context, envID string, caller Caller) (*model.Environment, error) {
	env, err := m.authorize(envID, caller)
	if err != nil {
		return nil, err
	}
	if env.Status != model.EnvRunning && env.Status != model.EnvOrphaned {
		return nil, fmt.Errorf("%w: cannot stop environment in status %s", ErrInvalidState, env.Status)
	}

	env.Status = model.EnvStopping
	if err := m.ledger.Upsert(ctx, env); err != nil {
		return nil, err
	}
	m.publishStatus(ctx, env, "")

	opCtx, cancel := context.WithTimeout(ctx, m.stopTimeout+m.createTimeout)
	defer cancel()

	err = m.withRetry(opCtx, "stop", func() error {
		return m.runtime.Stop(opCtx, env.ID, m.stopTimeout)
	})
	if err != nil && !runtime.IsNotFound(err) {
		m.failEnvironment(ctx, env, err)
		return nil, err
	}

	now := time.Now().UTC()
	env.Status = model.EnvStopped
	env.StoppedAt = &now
	err = m.ledger.WithAllocationLock(func() error {
		if err := m.ledger.Upsert(ctx, env); err != nil {
			return err
		}
		m.alloc.Release(env)
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.EnvironmentsTotal.WithLabelValues(env.TemplateID, string(model.EnvStopped)).Inc()
	m.publishStatus(ctx, env, "")
	m.logger.Info("environment stopped",
		zap.String("environment_id", env.ID),
		zap.String("requested_by", caller.UserID))
	return env.Clone(), nil
}

// Destroy removes the container and erases the ledger entry. Removal from
// the ledger happens only after the runtime confirms teardown.
func (m *Manager) Destroy(ctx context.Context, envID string, caller Caller) error {
	env, err := m.authorize(envID, caller)
	if err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, m.stopTimeout+m.createTimeout)
	defer cancel()

	err = m.withRetry(opCtx, "remove", func() error {
		return m.runtime.Remove(opCtx, env.ID)
	})
	if err != nil && !runtime.IsNotFound(err) {
		return err
	}

	err = m.ledger.WithAllocationLock(func() error {
		if err := m.ledger.Remove(ctx, env.ID); err != nil && !errors.Is(err, ledger.ErrNotFound) {
			return err
		}
		if env.HoldsResources() {
			m.alloc.Release(env)
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.publishStatus(ctx, env, "destroyed")
	m.logger.Info("environment destroyed",
		zap.String("environment_id", env.ID),
		zap.String("requested_by", caller.UserID))
	return nil
}

// Get returns a single environment, enforcing the ownership check.
func (m *Manager) Get(envID string, caller Caller) (*model.Environment, error) {
	return m.authorize(envID, caller)
}

// ListForUser returns only the user's own environments. Users must never
// observe another user's environments.
func (m *Manager) ListForUser(userID string) []*model.Environment {
	return m.ledger.ListByOwner(userID)
}

// ListAll returns every environment. Admin only; enforced at the API layer
// and rechecked here.
func (m *Manager) ListAll(caller Caller) ([]*model.Environment, error) {
	if !m.isAdmin(caller) {
		metrics.AccessDenials.Inc()
		m.logger.Warn("list_all denied", zap.String("user_id", caller.UserID))
		return nil, ErrAccessDenied
	}
	return m.ledger.ListAll(), nil
}

// Usage reports the user's consumption against their tier policy.
func (m *Manager) Usage(userID string) (model.UsageSummary, model.QuotaPolicy) {
	tier := model.TierDefault
	m.mu.Lock()
	if user, ok := m.users[userID]; ok {
		tier = user.QuotaTier
	}
	m.mu.Unlock()
	return m.quota.Usage(userID), m.quota.Policy(tier)
}

func (m *Manager) authorize(envID string, caller Caller) (*model.Environment, error) {
	env, err := m.ledger.Get(envID)
	if err != nil {
		return nil, err
	}
	if env.OwnerID != caller.UserID && !m.isAdmin(caller) {
		metrics.AccessDenials.Inc()
		m.logger.Warn("access denied",
			zap.String("environment_id", envID),
			zap.String("owner_id", env.OwnerID),
			zap.String("requested_by", caller.UserID))
		return nil, ErrAccessDenied
	}
	return env, nil
}

func (m *Manager) isAdmin(caller Caller) bool {
	if caller.Admin {
		return true
	}
	_, ok := m.adminUsers[caller.UserID]
	return ok
}

// failEnvironment marks the environment Failed and releases its resources.
// The entry is retained for audit, not deleted.
func (m *Manager) failEnvironment(ctx context.Context, env *model.Environment, cause error) {
	env.Status = model.EnvFailed
	env.ErrorMessage = cause.Error()
	now := time.Now().UTC()
	env.StoppedAt = &now

	err := m.ledger.WithAllocationLock(func() error {
		if err := m.ledger.Upsert(ctx, env); err != nil {
			return err
		}
		m.alloc.Release(env)
		return nil
	})
	if err != nil {
		m.logger.Error("failed to record environment failure",
			zap.String("environment_id", env.ID), zap.Error(err))
	}

	// Best effort: do not leak a half-created container.
	if removeErr := m.runtime.Remove(ctx, env.ID); removeErr != nil && !runtime.IsNotFound(removeErr) {
		m.logger.Warn("failed to remove container after create failure",
			zap.String("environment_id", env.ID), zap.Error(removeErr))
	}

	metrics.EnvironmentsTotal.WithLabelValues(env.TemplateID, string(model.EnvFailed)).Inc()
	m.publishStatus(ctx, env, cause.Error())
	m.logger.Error("environment failed",
		zap.String("environment_id", env.ID), zap.Error(cause))
}

// withRetry retries transient runtime failures with linear backoff.
// Permanent rejections and not-found results return immediately.
func (m *Manager) withRetry(ctx context.Context, op string, fn func() error) error {
	attempts := m.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		var rtErr *runtime.Error
		if errors.As(err, &rtErr) {
			metrics.RuntimeErrors.WithLabelValues(rtErr.Op, string(rtErr.Kind)).Inc()
		}
		if !runtime.IsUnavailable(err) || attempt == attempts {
			return err
		}

		m.logger.Warn("runtime unavailable, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return runtime.NewError(op, runtime.KindUnavailable, ctx.Err())
		case <-time.After(m.retryBackoff * time.Duration(attempt)):
		}
	}
	return err
}

func (m *Manager) recordUser(userID string, tier model.QuotaTier) {
	if userID == "" {
		return
	}
	if tier == "" {
		tier = model.TierDefault
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		m.users[userID] = &model.User{ID: userID, QuotaTier: tier, CreatedAt: time.Now().UTC()}
		return
	}
	if tier != model.TierDefault {
		m.users[userID].QuotaTier = tier
	}
}

func (m *Manager) runtimeBoundPorts(ctx context.Context) map[int]struct{} {
	bound := make(map[int]struct{})
	states, err := m.runtime.ListAll(ctx, "")
	if err != nil {
		m.logger.Warn("failed to list runtime port bindings", zap.Error(err))
		return bound
	}
	for _, state := range states {
		for _, pb := range state.PortBindings {
			bound[pb.HostPort] = struct{}{}
		}
	}
	return bound
}

func (m *Manager) publishStatus(ctx context.Context, env *model.Environment, reason string) {
	envEvent := eventbus.EnvironmentEvent{
		EnvironmentID: env.ID,
		OwnerID:       env.OwnerID,
		Status:        string(env.Status),
		Reason:        reason,
	}
	if event, err := eventbus.NewEvent("environment_status", envEvent); err == nil {
		_ = m.bus.Publish(ctx, eventbus.ChannelEnvironment, event)
	}
}
