package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rnowrang/ai-lab-platform-sub000/pkg/model"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/store"
)

var ErrNotFound = errors.New("environment not found")

// CorruptionError reports a divergence between the environment records and
// the derived allocation sets. It must never occur after a reconciler pass;
// when it does, the affected entries need operator attention.
type CorruptionError struct {
	Details []string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("ledger corruption: %s", strings.Join(e.Details, "; "))
}

// Ledger is the durable record of which ports, GPU indices and environments
// belong to which user. All writes are serialized through a single write
// lock; reads see consistent deep copies, never live references.
type Ledger struct {
	mu sync.RWMutex

	// allocMu serializes reserve-then-commit critical sections so two
	// concurrent creates cannot both observe the same free port or GPU.
	allocMu sync.Mutex

	envs      map[string]*model.Environment
	hostPorts map[int]string // host port -> holding environment id
	gpus      map[int]string // gpu index -> holding environment id

	store  store.EnvironmentStore
	logger *zap.Logger
}

func Open(ctx context.Context, st store.EnvironmentStore, logger *zap.Logger) (*Ledger, error) {
	l := &Ledger{
		envs:      make(map[string]*model.Environment),
		hostPorts: make(map[int]string),
		gpus:      make(map[int]string),
		store:     st,
		logger:    logger,
	}

	envs, err := st.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}
	for i := range envs {
		env := envs[i]
		l.envs[env.ID] = env.Clone()
		if err := l.claimResources(&env); err != nil {
			// Double assignment in the persisted state. Keep the entry so
			// the reconciler can repair it, but flag loudly.
			logger.Error("ledger loaded with conflicting allocations",
				zap.String("environment_id", env.ID),
				zap.Error(err))
		}
	}

	logger.Info("ledger opened",
		zap.Int("environments", len(l.envs)),
		zap.Int("allocated_host_ports", len(l.hostPorts)),
		zap.Int("allocated_gpus", len(l.gpus)))
	return l, nil
}

// WithAllocationLock runs fn while holding the allocation critical section.
// The allocator's reservation and the subsequent Upsert must both happen
// inside fn.
func (l *Ledger) WithAllocationLock(fn func() error) error {
	l.allocMu.Lock()
	defer l.allocMu.Unlock()
	return fn()
}

func (l *Ledger) Get(id string) (*model.Environment, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	env, ok := l.envs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return env.Clone(), nil
}

func (l *Ledger) ListByOwner(ownerID string) []*model.Environment {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var envs []*model.Environment
	for _, env := range l.envs {
		if env.OwnerID == ownerID {
			envs = append(envs, env.Clone())
		}
	}
	sortEnvironments(envs)
	return envs
}

func (l *Ledger) ListAll() []*model.Environment {
	l.mu.RLock()
	defer l.mu.RUnlock()

	envs := make([]*model.Environment, 0, len(l.envs))
	for _, env := range l.envs {
		envs = append(envs, env.Clone())
	}
	sortEnvironments(envs)
	return envs
}

// Upsert atomically records the environment and updates the derived
// allocation sets. A port or GPU already held by a different non-terminal
// environment is a double assignment and is rejected.
func (l *Ledger) Upsert(ctx context.Context, env *model.Environment) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	env.UpdatedAt = time.Now().UTC()

	previous, existed := l.envs[env.ID]
	if existed {
		l.releaseResources(previous)
	}

	stored := env.Clone()
	if err := l.claimResources(stored); err != nil {
		// Roll the derived sets back to the previous record.
		if existed {
			_ = l.claimResources(previous)
		}
		return err
	}
	l.envs[env.ID] = stored

	if err := l.store.Save(ctx, stored); err != nil {
		l.logger.Error("failed to persist environment",
			zap.String("environment_id", env.ID), zap.Error(err))
		return fmt.Errorf("failed to persist environment %s: %w", env.ID, err)
	}
	return nil
}

func (l *Ledger) Remove(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	env, ok := l.envs[id]
	if !ok {
		return ErrNotFound
	}

	l.releaseResources(env)
	delete(l.envs, id)

	if err := l.store.Delete(ctx, id); err != nil {
		l.logger.Error("failed to delete environment",
			zap.String("environment_id", id), zap.Error(err))
		return fmt.Errorf("failed to delete environment %s: %w", id, err)
	}
	return nil
}

// Snapshot is an immutable copy of the ledger for the reconciler's diffing.
type Snapshot struct {
	Environments map[string]*model.Environment
	HostPorts    map[int]string
	GPUs         map[int]string
}

func (l *Ledger) Snapshot() *Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	snap := &Snapshot{
		Environments: make(map[string]*model.Environment, len(l.envs)),
		HostPorts:    make(map[int]string, len(l.hostPorts)),
		GPUs:         make(map[int]string, len(l.gpus)),
	}
	for id, env := range l.envs {
		snap.Environments[id] = env.Clone()
	}
	for port, id := range l.hostPorts {
		snap.HostPorts[port] = id
	}
	for index, id := range l.gpus {
		snap.GPUs[index] = id
	}
	return snap
}

// AllocatedHostPorts returns the set of host ports currently reserved.
func (l *Ledger) AllocatedHostPorts() map[int]struct{} {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ports := make(map[int]struct{}, len(l.hostPorts))
	for port := range l.hostPorts {
		ports[port] = struct{}{}
	}
	return ports
}

// AllocatedGPUs returns the set of GPU indices currently reserved.
func (l *Ledger) AllocatedGPUs() map[int]struct{} {
	l.mu.RLock()
	defer l.mu.RUnlock()

	gpus := make(map[int]struct{}, len(l.gpus))
	for index := range l.gpus {
		gpus[index] = struct{}{}
	}
	return gpus
}

// VerifyDerived recomputes the allocation sets from the environment records
// and compares them against the maintained sets. Any divergence is data
// corruption.
func (l *Ledger) VerifyDerived() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	wantPorts := make(map[int]string)
	wantGPUs := make(map[int]string)
	var details []string
	for _, env := range l.envs {
		if !env.HoldsResources() {
			continue
		}
		for _, binding := range env.AllocatedPorts {
			if holder, taken := wantPorts[binding.HostPort]; taken {
				details = append(details, fmt.Sprintf("host port %d held by both %s and %s", binding.HostPort, holder, env.ID))
				continue
			}
			wantPorts[binding.HostPort] = env.ID
		}
		for _, index := range env.AllocatedGPUs {
			if holder, taken := wantGPUs[int(index)]; taken {
				details = append(details, fmt.Sprintf("gpu %d held by both %s and %s", index, holder, env.ID))
				continue
			}
			wantGPUs[int(index)] = env.ID
		}
	}

	details = append(details, diffAllocations("host port", wantPorts, l.hostPorts)...)
	details = append(details, diffAllocations("gpu", wantGPUs, l.gpus)...)

	if len(details) > 0 {
		sort.Strings(details)
		return &CorruptionError{Details: details}
	}
	return nil
}

func (l *Ledger) claimResources(env *model.Environment) error {
	if !env.HoldsResources() {
		return nil
	}
	for i, binding := range env.AllocatedPorts {
		if holder, taken := l.hostPorts[binding.HostPort]; taken && holder != env.ID {
			// Undo the partial claim.
			for _, claimed := range env.AllocatedPorts[:i] {
				delete(l.hostPorts, claimed.HostPort)
			}
			return &CorruptionError{Details: []string{
				fmt.Sprintf("host port %d already held by %s, claimed by %s", binding.HostPort, holder, env.ID),
			}}
		}
		l.hostPorts[binding.HostPort] = env.ID
	}
	for i, index := range env.AllocatedGPUs {
		if holder, taken := l.gpus[int(index)]; taken && holder != env.ID {
			for _, claimed := range env.AllocatedGPUs[:i] {
				delete(l.gpus, int(claimed))
			}
			for _, binding := range env.AllocatedPorts {
				delete(l.hostPorts, binding.HostPort)
			}
			return &CorruptionError{Details: []string{
				fmt.Sprintf("gpu %d already held by %s, claimed by %s", index, holder, env.ID),
			}}
		}
		l.gpus[int(index)] = env.ID
	}
	return nil
}

func (l *Ledger) releaseResources(env *model.Environment) {
	for _, binding := range env.AllocatedPorts {
		if l.hostPorts[binding.HostPort] == env.ID {
			delete(l.hostPorts, binding.HostPort)
		}
	}
	for _, index := range env.AllocatedGPUs {
		if l.gpus[int(index)] == env.ID {
			delete(l.gpus, int(index))
		}
	}
}

func diffAllocations(kind string, want, got map[int]string) []string {
	var details []string
	for key, holder := range want {
		if gotHolder, ok := got[key]; !ok {
			details = append(details, fmt.Sprintf("%s %d held by %s missing from derived set", kind, key, holder))
		} else if gotHolder != holder {
			details = append(details, fmt.Sprintf("%s %d recorded for %s but derived for %s", kind, key, gotHolder, holder))
		}
	}
	for key, holder := range got {
		if _, ok := want[key]; !ok {
			details = append(details, fmt.Sprintf("%s %d in derived set for %s but held by no environment", kind, key, holder))
		}
	}
	return details
}

func sortEnvironments(envs []*model.Environment) {
	sort.Slice(envs, func(i, j int) bool {
		if envs[i].CreatedAt.Equal(envs[j].CreatedAt) {
			return envs[i].ID < envs[j].ID
		}
		return envs[i].CreatedAt.Before(envs[j].CreatedAt)
	})
}
