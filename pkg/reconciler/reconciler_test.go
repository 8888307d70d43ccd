package reconciler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rnowrang/ai-lab-platform-sub000/pkg/config"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/ledger"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/model"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/runtime"
)

type memStore struct {
	mu   sync.Mutex
	envs map[string]model.Environment
}

func newMemStore() *memStore {
	return &memStore{envs: make(map[string]model.Environment)}
}

func (s *memStore) LoadAll(ctx context.Context) ([]model.Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	envs := make([]model.Environment, 0, len(s.envs))
	for _, env := range s.envs {
		envs = append(envs, env)
	}
	return envs, nil
}

func (s *memStore) Save(ctx context.Context, env *model.Environment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs[env.ID] = *env.Clone()
	return nil
}

func (s *memStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.envs, id)
	return nil
}

func (s *memStore) Close() error { return nil }

type fakeRuntime struct {
	containers map[string]runtime.ContainerState
	listErr    error
}

func (f *fakeRuntime) Create(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeRuntime) Start(ctx context.Context, handle string) error { return nil }

func (f *fakeRuntime) Stop(ctx context.Context, handle string, timeout time.Duration) error {
	return nil
}

func (f *fakeRuntime) Remove(ctx context.Context, handle string) error { return nil }

func (f *fakeRuntime) Inspect(ctx context.Context, handle string) (runtime.ContainerState, error) {
	state, ok := f.containers[handle]
	if !ok {
		return runtime.ContainerState{}, runtime.NewError("inspect", runtime.KindNotFound, errors.New("no such container"))
	}
	return state, nil
}

func (f *fakeRuntime) ListAll(ctx context.Context, namePrefix string) ([]runtime.ContainerState, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var states []runtime.ContainerState
	for _, state := range f.containers {
		if namePrefix != "" && !strings.HasPrefix(state.Name, namePrefix) {
			continue
		}
		states = append(states, state)
	}
	return states, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Runtime: config.RuntimeConfig{NamePrefix: "ailab-env-"},
		Reconciler: config.ReconcilerConfig{
			Interval:     time.Minute,
			DefaultOwner: "unowned@system",
		},
	}
}

func runningContainer(name string, hostPort int, labels map[string]string) runtime.ContainerState {
	started := time.Now().UTC()
	return runtime.ContainerState{
		Handle:    name,
		Name:      name,
		Status:    runtime.StatusRunning,
		StartedAt: &started,
		PortBindings: []runtime.PortBinding{
			{ContainerPort: 8888, HostPort: hostPort},
		},
		Labels: labels,
	}
}

func openLedger(t *testing.T, envs ...*model.Environment) *ledger.Ledger {
	t.Helper()
	st := newMemStore()
	for _, env := range envs {
		st.envs[env.ID] = *env.Clone()
	}
	led, err := ledger.Open(context.Background(), st, zap.NewNop())
	if err != nil {
		t.Fatalf("ledger.Open() error: %v", err)
	}
	return led
}

func TestReconcileEvictsStaleEntries(t *testing.T) {
	ctx := context.Background()
	stale := &model.Environment{
		ID:         "ailab-env-gone",
		OwnerID:    "alice@example.com",
		TemplateID: "jupyter",
		Status:     model.EnvRunning,
		AllocatedPorts: model.PortBindings{
			{ContainerPort: 8888, HostPort: 8801},
		},
		AllocatedGPUs: []int64{0},
	}
	led := openLedger(t, stale)
	rec := New(led, &fakeRuntime{containers: map[string]runtime.ContainerState{}}, nil, testConfig(), zap.NewNop())

	report, err := rec.ReconcileOnce(ctx)
	if err != nil {
		t.Fatalf("ReconcileOnce() error: %v", err)
	}
	if len(report.StaleFailed) != 1 || report.StaleFailed[0] != "ailab-env-gone" {
		t.Fatalf("expected stale eviction, got %+v", report)
	}

	env, err := led.Get("ailab-env-gone")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if env.Status != model.EnvFailed {
		t.Fatalf("expected FAILED, got %s", env.Status)
	}
	if env.ErrorMessage == "" || env.StoppedAt == nil {
		t.Fatalf("eviction metadata missing: %+v", env)
	}
	if len(led.AllocatedHostPorts()) != 0 || len(led.AllocatedGPUs()) != 0 {
		t.Fatal("evicted entry still holds resources")
	}
}

func TestReconcileMarksExitedContainersStopped(t *testing.T) {
	ctx := context.Background()
	env := &model.Environment{
		ID:         "ailab-env-dead",
		OwnerID:    "alice@example.com",
		TemplateID: "jupyter",
		Status:     model.EnvRunning,
		AllocatedPorts: model.PortBindings{
			{ContainerPort: 8888, HostPort: 8801},
		},
	}
	led := openLedger(t, env)
	exited := runningContainer("ailab-env-dead", 8801, nil)
	exited.Status = runtime.StatusExited
	rec := New(led, &fakeRuntime{containers: map[string]runtime.ContainerState{
		"ailab-env-dead": exited,
	}}, nil, testConfig(), zap.NewNop())

	report, err := rec.ReconcileOnce(ctx)
	if err != nil {
		t.Fatalf("ReconcileOnce() error: %v", err)
	}
	if len(report.DriftStopped) != 1 {
		t.Fatalf("expected drift repair, got %+v", report)
	}

	got, err := led.Get("ailab-env-dead")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Status != model.EnvStopped {
		t.Fatalf("expected STOPPED, got %s", got.Status)
	}
}

func TestReconcileAdoptsOrphans(t *testing.T) {
	ctx := context.Background()
	led := openLedger(t)
	rt := &fakeRuntime{containers: map[string]runtime.ContainerState{
		"ailab-env-labeled": runningContainer("ailab-env-labeled", 8801, map[string]string{
			runtime.LabelOwner:    "carol@example.com",
			runtime.LabelTemplate: "vscode",
		}),
		"ailab-env-bare": runningContainer("ailab-env-bare", 8802, nil),
	}}
	rec := New(led, rt, nil, testConfig(), zap.NewNop())

	report, err := rec.ReconcileOnce(ctx)
	if err != nil {
		t.Fatalf("ReconcileOnce() error: %v", err)
	}
	if len(report.Adopted) != 2 {
		t.Fatalf("expected 2 adoptions, got %+v", report)
	}

	labeled, err := led.Get("ailab-env-labeled")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if labeled.OwnerID != "carol@example.com" || labeled.TemplateID != "vscode" {
		t.Fatalf("labels not honored: %+v", labeled)
	}
	if labeled.Status != model.EnvRunning {
		t.Fatalf("expected RUNNING, got %s", labeled.Status)
	}
	if len(labeled.AllocatedPorts) != 1 || labeled.AllocatedPorts[0].HostPort != 8801 {
		t.Fatalf("port bindings not adopted: %+v", labeled.AllocatedPorts)
	}

	bare, err := led.Get("ailab-env-bare")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if bare.OwnerID != "unowned@system" {
		t.Fatalf("expected quarantine owner, got %s", bare.OwnerID)
	}
	if bare.TemplateID != "unknown" {
		t.Fatalf("expected unknown template, got %s", bare.TemplateID)
	}

	// Adopted ports are exclusive again.
	if _, held := led.AllocatedHostPorts()[8801]; !held {
		t.Fatal("adopted port not claimed")
	}
}

func TestReconcileAdoptsDeadOrphanAsOrphaned(t *testing.T) {
	ctx := context.Background()
	led := openLedger(t)
	dead := runningContainer("ailab-env-dead", 8801, nil)
	dead.Status = runtime.StatusExited
	rec := New(led, &fakeRuntime{containers: map[string]runtime.ContainerState{
		"ailab-env-dead": dead,
	}}, nil, testConfig(), zap.NewNop())

	if _, err := rec.ReconcileOnce(ctx); err != nil {
		t.Fatalf("ReconcileOnce() error: %v", err)
	}

	env, err := led.Get("ailab-env-dead")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if env.Status != model.EnvOrphaned {
		t.Fatalf("expected ORPHANED for dead orphan, got %s", env.Status)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	ctx := context.Background()
	led := openLedger(t)
	rt := &fakeRuntime{containers: map[string]runtime.ContainerState{
		"ailab-env-one": runningContainer("ailab-env-one", 8801, map[string]string{
			runtime.LabelOwner: "alice@example.com",
		}),
	}}
	rec := New(led, rt, nil, testConfig(), zap.NewNop())

	first, err := rec.ReconcileOnce(ctx)
	if err != nil {
		t.Fatalf("first pass error: %v", err)
	}
	if len(first.Adopted) != 1 {
		t.Fatalf("expected adoption on first pass, got %+v", first)
	}

	second, err := rec.ReconcileOnce(ctx)
	if err != nil {
		t.Fatalf("second pass error: %v", err)
	}
	if len(second.Adopted) != 0 || len(second.StaleFailed) != 0 || len(second.DriftStopped) != 0 {
		t.Fatalf("second pass must be a no-op, got %+v", second)
	}
	if second.CorruptionErr != nil {
		t.Fatalf("unexpected corruption: %v", second.CorruptionErr)
	}
}

func TestReconcileAbortsWhenRuntimeUnavailable(t *testing.T) {
	ctx := context.Background()
	env := &model.Environment{
		ID:      "ailab-env-one",
		OwnerID: "alice@example.com",
		Status:  model.EnvRunning,
	}
	led := openLedger(t, env)
	rec := New(led, &fakeRuntime{
		listErr: runtime.NewError("list", runtime.KindUnavailable, errors.New("daemon down")),
	}, nil, testConfig(), zap.NewNop())

	if _, err := rec.ReconcileOnce(ctx); err == nil {
		t.Fatal("expected pass to abort when runtime listing fails")
	}

	// Nothing was evicted on partial information.
	got, err := led.Get("ailab-env-one")
	if err != nil || got.Status != model.EnvRunning {
		t.Fatalf("entry must be untouched, got %v %v", got, err)
	}
}

func TestReconcileIsolatesAdoptionConflicts(t *testing.T) {
	ctx := context.Background()
	// 8801 already held by a known environment; the orphan claiming the
	// same port cannot be adopted, but the second orphan still is.
	known := &model.Environment{
		ID:      "ailab-env-known",
		OwnerID: "alice@example.com",
		Status:  model.EnvRunning,
		AllocatedPorts: model.PortBindings{
			{ContainerPort: 8888, HostPort: 8801},
		},
	}
	led := openLedger(t, known)
	rt := &fakeRuntime{containers: map[string]runtime.ContainerState{
		"ailab-env-known":    runningContainer("ailab-env-known", 8801, nil),
		"ailab-env-conflict": runningContainer("ailab-env-conflict", 8801, nil),
		"ailab-env-clean":    runningContainer("ailab-env-clean", 8802, nil),
	}}
	rec := New(led, rt, nil, testConfig(), zap.NewNop())

	report, err := rec.ReconcileOnce(ctx)
	if err != nil {
		t.Fatalf("ReconcileOnce() error: %v", err)
	}
	if len(report.Errors) != 1 {
		t.Fatalf("expected 1 collected error, got %+v", report.Errors)
	}
	if len(report.Adopted) != 1 || report.Adopted[0] != "ailab-env-clean" {
		t.Fatalf("expected clean orphan adopted, got %+v", report.Adopted)
	}
	if _, err := led.Get("ailab-env-conflict"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("conflicting orphan must stay quarantined, got %v", err)
	}
}
