package allocator

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/rnowrang/ai-lab-platform-sub000/pkg/config"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/telemetry"
)

type fakeLedger struct {
	ports map[int]struct{}
	gpus  map[int]struct{}
}

func (f *fakeLedger) AllocatedHostPorts() map[int]struct{} {
	ports := make(map[int]struct{}, len(f.ports))
	for p := range f.ports {
		ports[p] = struct{}{}
	}
	return ports
}

func (f *fakeLedger) AllocatedGPUs() map[int]struct{} {
	gpus := make(map[int]struct{}, len(f.gpus))
	for g := range f.gpus {
		gpus[g] = struct{}{}
	}
	return gpus
}

type fakeTelemetry struct {
	utilization []telemetry.GPUUtilization
	err         error
}

func (f *fakeTelemetry) GetUtilization(ctx context.Context) ([]telemetry.GPUUtilization, error) {
	return f.utilization, f.err
}

func newAllocator(ledger *fakeLedger, source telemetry.Source) *Allocator {
	return New(ledger, source, config.AllocatorConfig{
		PortRangeStart:          8800,
		PortRangeEnd:            8805,
		GPUCount:                4,
		GPUUtilizationThreshold: 80.0,
		MaxGPUsPerRequest:       4,
	}, zap.NewNop())
}

func TestReservePortsAscending(t *testing.T) {
	alloc := newAllocator(&fakeLedger{ports: map[int]struct{}{8800: {}}}, telemetry.NewStaticSource(4))

	bindings, err := alloc.ReservePorts([]int{8888, 6006}, nil)
	if err != nil {
		t.Fatalf("ReservePorts() error: %v", err)
	}
	if len(bindings) != 2 {
		t.Fatalf("expected 2 bindings, got %d", len(bindings))
	}
	if bindings[0].HostPort != 8801 || bindings[1].HostPort != 8802 {
		t.Fatalf("expected host ports 8801 and 8802, got %d and %d", bindings[0].HostPort, bindings[1].HostPort)
	}
	if bindings[0].ContainerPort != 8888 || bindings[1].ContainerPort != 6006 {
		t.Fatalf("container ports mismatched: %+v", bindings)
	}
}

func TestReservePortsSkipsRuntimeBound(t *testing.T) {
	alloc := newAllocator(&fakeLedger{}, telemetry.NewStaticSource(4))

	// 8800 bound in the runtime but absent from the ledger: drift. Never
	// hand it out.
	bindings, err := alloc.ReservePorts([]int{8888}, map[int]struct{}{8800: {}})
	if err != nil {
		t.Fatalf("ReservePorts() error: %v", err)
	}
	if bindings[0].HostPort != 8801 {
		t.Fatalf("expected drift port skipped, got %d", bindings[0].HostPort)
	}
}

func TestReservePortsExhaustion(t *testing.T) {
	held := map[int]struct{}{}
	for p := 8800; p <= 8805; p++ {
		held[p] = struct{}{}
	}
	alloc := newAllocator(&fakeLedger{ports: held}, telemetry.NewStaticSource(4))

	if _, err := alloc.ReservePorts([]int{8888}, nil); !errors.Is(err, ErrPortsExhausted) {
		t.Fatalf("expected ErrPortsExhausted, got %v", err)
	}
}

func TestReserveGPUsPrefersLeastUtilized(t *testing.T) {
	source := &fakeTelemetry{utilization: []telemetry.GPUUtilization{
		{Index: 0, UtilizationPct: 50},
		{Index: 1, UtilizationPct: 10},
		{Index: 2, UtilizationPct: 10},
		{Index: 3, UtilizationPct: 5},
	}}
	alloc := newAllocator(&fakeLedger{}, source)

	indices, err := alloc.ReserveGPUs(context.Background(), 2, false)
	if err != nil {
		t.Fatalf("ReserveGPUs() error: %v", err)
	}
	// Lowest utilization wins; the 10% tie breaks on the lower index.
	if len(indices) != 2 || indices[0] != 1 || indices[1] != 3 {
		t.Fatalf("expected gpus [1 3], got %v", indices)
	}
}

func TestReserveGPUsSkipsHeldAndHot(t *testing.T) {
	source := &fakeTelemetry{utilization: []telemetry.GPUUtilization{
		{Index: 0, UtilizationPct: 0},
		{Index: 1, UtilizationPct: 95},
		{Index: 2, UtilizationPct: 0},
		{Index: 3, UtilizationPct: 0},
	}}
	alloc := newAllocator(&fakeLedger{gpus: map[int]struct{}{0: {}, 2: {}}}, source)

	indices, err := alloc.ReserveGPUs(context.Background(), 1, false)
	if err != nil {
		t.Fatalf("ReserveGPUs() error: %v", err)
	}
	if len(indices) != 1 || indices[0] != 3 {
		t.Fatalf("expected gpu [3], got %v", indices)
	}

	// Two are held and one is above threshold: a second gpu is not
	// available at normal priority.
	if _, err := alloc.ReserveGPUs(context.Background(), 2, false); !errors.Is(err, ErrInsufficientGPUCapacity) {
		t.Fatalf("expected ErrInsufficientGPUCapacity, got %v", err)
	}

	// High priority may take the hot gpu.
	indices, err = alloc.ReserveGPUs(context.Background(), 2, true)
	if err != nil {
		t.Fatalf("high priority ReserveGPUs() error: %v", err)
	}
	if len(indices) != 2 || indices[0] != 1 || indices[1] != 3 {
		t.Fatalf("expected gpus [1 3], got %v", indices)
	}
}

func TestReserveGPUsTelemetryFailureAssumesIdle(t *testing.T) {
	source := &fakeTelemetry{err: errors.New("collector down")}
	alloc := newAllocator(&fakeLedger{}, source)

	indices, err := alloc.ReserveGPUs(context.Background(), 4, false)
	if err != nil {
		t.Fatalf("ReserveGPUs() error: %v", err)
	}
	if len(indices) != 4 {
		t.Fatalf("expected all 4 gpus, got %v", indices)
	}
}

func TestReserveGPUsIgnoresOutOfRangeIndices(t *testing.T) {
	source := &fakeTelemetry{utilization: []telemetry.GPUUtilization{
		{Index: 7, UtilizationPct: 0},
		{Index: 0, UtilizationPct: 0},
	}}
	alloc := newAllocator(&fakeLedger{}, source)

	indices, err := alloc.ReserveGPUs(context.Background(), 1, false)
	if err != nil {
		t.Fatalf("ReserveGPUs() error: %v", err)
	}
	if len(indices) != 1 || indices[0] != 0 {
		t.Fatalf("expected gpu [0], got %v", indices)
	}
}

func TestReserveGPUsZeroCount(t *testing.T) {
	alloc := newAllocator(&fakeLedger{}, telemetry.NewStaticSource(4))

	indices, err := alloc.ReserveGPUs(context.Background(), 0, false)
	if err != nil {
		t.Fatalf("ReserveGPUs() error: %v", err)
	}
	if indices != nil {
		t.Fatalf("expected no reservation for zero count, got %v", indices)
	}
}
