package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

type EnvironmentStatus string

const (
	EnvRequested EnvironmentStatus = "REQUESTED"
	EnvCreating  EnvironmentStatus = "CREATING"
	EnvRunning   EnvironmentStatus = "RUNNING"
	EnvStopping  EnvironmentStatus = "STOPPING"
	EnvStopped   EnvironmentStatus = "STOPPED"
	EnvFailed    EnvironmentStatus = "FAILED"
	EnvOrphaned  EnvironmentStatus = "ORPHANED"
)

// PortBinding maps a container port to the host port reserved for it.
// Host ports are unique cluster-wide while the owning environment is
// non-terminal.
type PortBinding struct {
	ContainerPort int `json:"container_port"`
	HostPort      int `json:"host_port"`
}

// PortBindings is the ordered list of an environment's port reservations.
type PortBindings []PortBinding

func (p PortBindings) Value() (driver.Value, error) {
	if p == nil {
		return json.Marshal(PortBindings{})
	}
	return json.Marshal(p)
}

func (p *PortBindings) Scan(value interface{}) error {
	if value == nil {
		*p = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("failed to scan port bindings: %v", value)
	}
	return json.Unmarshal(bytes, p)
}

func (p PortBindings) GormDataType() string {
	return "jsonb"
}

type ResourceLimits struct {
	CPUCores float64 `json:"cpu_cores"`
	MemoryMB int64   `json:"memory_mb"`
}

// Environment is a user's compute workspace: one container, its network
// bindings and its resource reservation. The ID doubles as the container
// name in the runtime.
type Environment struct {
	ID             string            `gorm:"primary_key" json:"id"`
	OwnerID        string            `gorm:"not null;index" json:"owner_id"`
	TemplateID     string            `gorm:"not null" json:"template_id"`
	Status         EnvironmentStatus `gorm:"type:varchar(50);index" json:"status"`
	AllocatedPorts PortBindings      `gorm:"type:jsonb" json:"allocated_ports"`
	AllocatedGPUs  pq.Int64Array     `gorm:"type:integer[]" json:"allocated_gpus"`
	CPUCores       float64           `json:"cpu_cores"`
	MemoryMB       int64             `json:"memory_mb"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	StoppedAt      *time.Time        `json:"stopped_at,omitempty"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// IsTerminal reports whether the environment no longer holds any ports or
// GPUs. Terminal entries are retained for audit but do not count against
// quotas or the cluster-wide exclusivity sets.
func (e *Environment) IsTerminal() bool {
	return e.Status == EnvStopped || e.Status == EnvFailed
}

// HoldsResources reports whether the environment's ports and GPU indices
// are reserved cluster-wide.
func (e *Environment) HoldsResources() bool {
	return !e.IsTerminal()
}

func (e *Environment) GPUCount() int {
	return len(e.AllocatedGPUs)
}

// AccessURL derives the user-facing URL from the first host port binding.
func (e *Environment) AccessURL(host string) string {
	if len(e.AllocatedPorts) == 0 {
		return ""
	}
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, e.AllocatedPorts[0].HostPort)
}

// Clone returns a deep copy so ledger snapshots never alias live records.
func (e *Environment) Clone() *Environment {
	copied := *e
	if e.AllocatedPorts != nil {
		copied.AllocatedPorts = append(PortBindings(nil), e.AllocatedPorts...)
	}
	if e.AllocatedGPUs != nil {
		copied.AllocatedGPUs = append(pq.Int64Array(nil), e.AllocatedGPUs...)
	}
	if e.StartedAt != nil {
		startedAt := *e.StartedAt
		copied.StartedAt = &startedAt
	}
	if e.StoppedAt != nil {
		stoppedAt := *e.StoppedAt
		copied.StoppedAt = &stoppedAt
	}
	return &copied
}
