package model

import (
	"encoding/json"
	"testing"
)

func TestPortBindingsValueAndScan(t *testing.T) {
	original := PortBindings{
		{ContainerPort: 8888, HostPort: 8801},
		{ContainerPort: 6006, HostPort: 8802},
	}

	value, err := original.Value()
	if err != nil {
		t.Fatalf("Value() error: %v", err)
	}

	data, ok := value.([]byte)
	if !ok {
		t.Fatalf("expected []byte value, got %T", value)
	}

	var decoded []map[string]int
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal value error: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("expected 2 bindings, got %d", len(decoded))
	}
	if decoded[0]["host_port"] != 8801 {
		t.Fatalf("expected host port 8801, got %v", decoded[0]["host_port"])
	}

	var scanned PortBindings
	if err := scanned.Scan(data); err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(scanned) != 2 || scanned[1].HostPort != 8802 {
		t.Fatalf("unexpected scanned bindings: %+v", scanned)
	}
}

func TestPortBindingsGormDataType(t *testing.T) {
	value := PortBindings{}
	if value.GormDataType() != "jsonb" {
		t.Fatalf("expected jsonb data type, got %q", value.GormDataType())
	}
}

func TestEnvironmentTerminalStates(t *testing.T) {
	cases := []struct {
		status   EnvironmentStatus
		terminal bool
	}{
		{EnvRequested, false},
		{EnvCreating, false},
		{EnvRunning, false},
		{EnvStopping, false},
		{EnvStopped, true},
		{EnvFailed, true},
		{EnvOrphaned, false},
	}

	for _, tc := range cases {
		env := Environment{Status: tc.status}
		if env.IsTerminal() != tc.terminal {
			t.Fatalf("status %s: expected terminal=%v", tc.status, tc.terminal)
		}
		if env.HoldsResources() == tc.terminal {
			t.Fatalf("status %s: HoldsResources must be the inverse of IsTerminal", tc.status)
		}
	}
}

func TestEnvironmentAccessURL(t *testing.T) {
	env := Environment{
		AllocatedPorts: PortBindings{
			{ContainerPort: 8888, HostPort: 8810},
			{ContainerPort: 6006, HostPort: 8811},
		},
	}
	if got := env.AccessURL("lab.example.com"); got != "http://lab.example.com:8810" {
		t.Fatalf("unexpected access url: %q", got)
	}

	empty := Environment{}
	if got := empty.AccessURL("lab.example.com"); got != "" {
		t.Fatalf("expected empty url for environment without ports, got %q", got)
	}
}

func TestEnvironmentCloneIsDeep(t *testing.T) {
	env := &Environment{
		ID:             "ailab-env-abc123",
		AllocatedPorts: PortBindings{{ContainerPort: 8888, HostPort: 8801}},
		AllocatedGPUs:  []int64{0, 1},
	}

	clone := env.Clone()
	clone.AllocatedPorts[0].HostPort = 9999
	clone.AllocatedGPUs[0] = 3

	if env.AllocatedPorts[0].HostPort != 8801 {
		t.Fatal("clone shares port bindings with the original")
	}
	if env.AllocatedGPUs[0] != 0 {
		t.Fatal("clone shares gpu slice with the original")
	}
}
