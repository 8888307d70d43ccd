package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Labels attached to every container the ERM creates. The reconciler reads
// them back so ownership never has to be inferred from container names
// except on the orphan-adoption fallback path.
const (
	LabelManagedBy   = "ailab.io/managed-by"
	LabelEnvironment = "ailab.io/environment"
	LabelOwner       = "ailab.io/owner"
	LabelTemplate    = "ailab.io/template"
	LabelGPUs        = "ailab.io/gpus"
	ManagedByValue   = "ailab-erm"
)

type ErrorKind string

const (
	// KindUnavailable marks transient failures; the caller retries with
	// backoff.
	KindUnavailable ErrorKind = "unavailable"
	// KindRejected marks permanent failures; the caller surfaces them.
	KindRejected ErrorKind = "rejected"
	// KindNotFound means the runtime has no record of the handle.
	KindNotFound ErrorKind = "not_found"
)

type Error struct {
	Op   string
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("runtime %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(op string, kind ErrorKind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

func kindOf(err error) (ErrorKind, bool) {
	var rtErr *Error
	if errors.As(err, &rtErr) {
		return rtErr.Kind, true
	}
	return "", false
}

func IsUnavailable(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == KindUnavailable
}

func IsRejected(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == KindRejected
}

func IsNotFound(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == KindNotFound
}

// PortBinding mirrors model.PortBinding at the runtime boundary.
type PortBinding struct {
	ContainerPort int
	HostPort      int
}

// ContainerSpec is everything the runtime needs to create an environment
// container.
type ContainerSpec struct {
	Name         string
	Image        string
	Env          map[string]string
	PortBindings []PortBinding
	GPUIndices   []int
	CPUCores     float64
	MemoryMB     int64
	Labels       map[string]string
}

type ContainerStatus string

const (
	StatusCreated ContainerStatus = "created"
	StatusRunning ContainerStatus = "running"
	StatusExited  ContainerStatus = "exited"
	StatusUnknown ContainerStatus = "unknown"
)

// ContainerState is the runtime's own record of a container, used by
// Inspect and ListAll. ListAll must reflect true runtime state, never a
// cache.
type ContainerState struct {
	Handle       string
	Name         string
	Status       ContainerStatus
	StartedAt    *time.Time
	PortBindings []PortBinding
	GPUIndices   []int
	Labels       map[string]string
}

// Adapter is the boundary to the external container runtime. Every call may
// fail with a KindUnavailable error (transient) or KindRejected (permanent).
type Adapter interface {
	Create(ctx context.Context, spec ContainerSpec) (string, error)
	Start(ctx context.Context, handle string) error
	Stop(ctx context.Context, handle string, timeout time.Duration) error
	Remove(ctx context.Context, handle string) error
	Inspect(ctx context.Context, handle string) (ContainerState, error)
	ListAll(ctx context.Context, namePrefix string) ([]ContainerState, error)
}
