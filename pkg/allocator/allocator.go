package allocator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/rnowrang/ai-lab-platform-sub000/pkg/config"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/metrics"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/model"
	"github.com/rnowrang/ai-lab-platform-sub000/pkg/telemetry"
)

var (
	// ErrPortsExhausted means the configured host port range is saturated.
	// Reported to the user, never retried silently.
	ErrPortsExhausted = errors.New("host port range exhausted")
	// ErrInsufficientGPUCapacity means not enough GPUs are both free and
	// under the utilization threshold.
	ErrInsufficientGPUCapacity = errors.New("insufficient gpu capacity")
)

// LedgerView is the slice of the ledger the allocator reads. Callers must
// hold the ledger's allocation lock across the reserve call and the upsert
// that commits the reservation.
type LedgerView interface {
	AllocatedHostPorts() map[int]struct{}
	AllocatedGPUs() map[int]struct{}
}

// Allocator picks free host ports and GPUs. It keeps no free pool of its
// own: the pool is derived from the ledger, so releasing resources is the
// ledger transition that makes an environment terminal.
type Allocator struct {
	ledger    LedgerView
	telemetry telemetry.Source
	logger    *zap.Logger

	portStart     int
	portEnd       int
	gpuCount      int
	utilThreshold float64
}

func New(ledger LedgerView, source telemetry.Source, cfg config.AllocatorConfig, logger *zap.Logger) *Allocator {
	return &Allocator{
		ledger:        ledger,
		telemetry:     source,
		logger:        logger,
		portStart:     cfg.PortRangeStart,
		portEnd:       cfg.PortRangeEnd,
		gpuCount:      cfg.GPUCount,
		utilThreshold: cfg.GPUUtilizationThreshold,
	}
}

// ReservePorts scans the configured host port range in ascending order and
// claims the first free port for each requested container port. Ports held
// in the ledger are skipped, as is anything in runtimeBound - the runtime's
// own view of bound ports, a defensive double-check against drift.
func (a *Allocator) ReservePorts(containerPorts []int, runtimeBound map[int]struct{}) ([]model.PortBinding, error) {
	if len(containerPorts) == 0 {
		return nil, nil
	}

	held := a.ledger.AllocatedHostPorts()
	bindings := make([]model.PortBinding, 0, len(containerPorts))
	next := a.portStart
	for _, containerPort := range containerPorts {
		hostPort, err := a.nextFreePort(next, held, runtimeBound)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, model.PortBinding{
			ContainerPort: containerPort,
			HostPort:      hostPort,
		})
		held[hostPort] = struct{}{}
		next = hostPort + 1
	}
	return bindings, nil
}

func (a *Allocator) nextFreePort(from int, held, runtimeBound map[int]struct{}) (int, error) {
	for port := from; port <= a.portEnd; port++ {
		if _, taken := held[port]; taken {
			continue
		}
		if _, bound := runtimeBound[port]; bound {
			a.logger.Warn("skipping port bound in runtime but absent from ledger",
				zap.Int("host_port", port))
			continue
		}
		return port, nil
	}
	return 0, fmt.Errorf("%w: no free port in %d-%d", ErrPortsExhausted, a.portStart, a.portEnd)
}

// ReserveGPUs claims the count least-utilized free GPUs. Ranking is by
// ascending utilization, ties broken by ascending index. GPUs at or above
// the utilization threshold are skipped unless the caller is high priority.
func (a *Allocator) ReserveGPUs(ctx context.Context, count int, highPriority bool) ([]int, error) {
	if count <= 0 {
		return nil, nil
	}

	utilization, err := a.telemetry.GetUtilization(ctx)
	if err != nil {
		a.logger.Warn("gpu telemetry unavailable, assuming idle gpus", zap.Error(err))
		utilization = make([]telemetry.GPUUtilization, a.gpuCount)
		for i := range utilization {
			utilization[i] = telemetry.GPUUtilization{Index: i}
		}
	}

	sort.Slice(utilization, func(i, j int) bool {
		if utilization[i].UtilizationPct == utilization[j].UtilizationPct {
			return utilization[i].Index < utilization[j].Index
		}
		return utilization[i].UtilizationPct < utilization[j].UtilizationPct
	})

	held := a.ledger.AllocatedGPUs()
	indices := make([]int, 0, count)
	for _, gpu := range utilization {
		if len(indices) == count {
			break
		}
		if gpu.Index < 0 || gpu.Index >= a.gpuCount {
			continue
		}
		if _, taken := held[gpu.Index]; taken {
			continue
		}
		if gpu.UtilizationPct >= a.utilThreshold && !highPriority {
			continue
		}
		indices = append(indices, gpu.Index)
	}

	if len(indices) < count {
		return nil, fmt.Errorf("%w: requested %d, %d available", ErrInsufficientGPUCapacity, count, len(indices))
	}
	sort.Ints(indices)
	return indices, nil
}

// Release accounts for an environment's ports and GPUs returning to the
// free pool. The pool itself is derived from the ledger, so the caller must
// commit the terminal status (or removal) in the same allocation critical
// section.
func (a *Allocator) Release(env *model.Environment) {
	metrics.PortsAllocated.Sub(float64(len(env.AllocatedPorts)))
	metrics.GPUsAllocated.Sub(float64(len(env.AllocatedGPUs)))
	a.logger.Info("released environment resources",
		zap.String("environment_id", env.ID),
		zap.Int("ports", len(env.AllocatedPorts)),
		zap.Int("gpus", len(env.AllocatedGPUs)))
}

// Claim is Release's counterpart for metrics bookkeeping.
func (a *Allocator) Claim(env *model.Environment) {
	metrics.PortsAllocated.Add(float64(len(env.AllocatedPorts)))
	metrics.GPUsAllocated.Add(float64(len(env.AllocatedGPUs)))
}
