package kubernetes

import (
	"context"
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/rnowrang/ai-lab-platform-sub000/pkg/runtime"
)

func testSpec() runtime.ContainerSpec {
	return runtime.ContainerSpec{
		Name:  "ailab-env-abc123",
		Image: "ailab-jupyter:latest",
		PortBindings: []runtime.PortBinding{
			{ContainerPort: 8888, HostPort: 8801},
		},
		GPUIndices: []int{1, 3},
		CPUCores:   4,
		MemoryMB:   16384,
		Labels: map[string]string{
			runtime.LabelOwner:    "alice@example.com",
			runtime.LabelTemplate: "jupyter",
		},
	}
}

func TestCreateBuildsManagedPod(t *testing.T) {
	ctx := context.Background()
	client := fake.NewSimpleClientset()
	adapter := New(client, "ailab")

	handle, err := adapter.Create(ctx, testSpec())
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if handle != "ailab-env-abc123" {
		t.Fatalf("unexpected handle %q", handle)
	}

	pod, err := client.CoreV1().Pods("ailab").Get(ctx, handle, metav1.GetOptions{})
	if err != nil {
		t.Fatalf("pod not created: %v", err)
	}
	if pod.Labels[runtime.LabelManagedBy] != runtime.ManagedByValue {
		t.Fatalf("managed-by label missing: %v", pod.Labels)
	}
	if pod.Annotations[runtime.LabelOwner] != "alice@example.com" {
		t.Fatalf("owner annotation missing: %v", pod.Annotations)
	}
	if pod.Annotations[runtime.LabelGPUs] != "1,3" {
		t.Fatalf("gpu annotation wrong: %q", pod.Annotations[runtime.LabelGPUs])
	}

	container := pod.Spec.Containers[0]
	if container.Ports[0].HostPort != 8801 || container.Ports[0].ContainerPort != 8888 {
		t.Fatalf("port binding wrong: %+v", container.Ports[0])
	}
	gpuLimit := container.Resources.Limits["nvidia.com/gpu"]
	if gpuLimit.Value() != 2 {
		t.Fatalf("expected 2 gpu limit, got %s", gpuLimit.String())
	}
}

func TestCreateExistingPodIsIdempotent(t *testing.T) {
	ctx := context.Background()
	adapter := New(fake.NewSimpleClientset(), "ailab")

	if _, err := adapter.Create(ctx, testSpec()); err != nil {
		t.Fatalf("first Create() error: %v", err)
	}
	if _, err := adapter.Create(ctx, testSpec()); err != nil {
		t.Fatalf("second Create() must be a no-op, got %v", err)
	}
}

func TestInspectRoundTripsState(t *testing.T) {
	ctx := context.Background()
	client := fake.NewSimpleClientset()
	adapter := New(client, "ailab")

	if _, err := adapter.Create(ctx, testSpec()); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	pod, _ := client.CoreV1().Pods("ailab").Get(ctx, "ailab-env-abc123", metav1.GetOptions{})
	pod.Status.Phase = corev1.PodRunning
	if _, err := client.CoreV1().Pods("ailab").Update(ctx, pod, metav1.UpdateOptions{}); err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	state, err := adapter.Inspect(ctx, "ailab-env-abc123")
	if err != nil {
		t.Fatalf("Inspect() error: %v", err)
	}
	if state.Status != runtime.StatusRunning {
		t.Fatalf("expected running, got %s", state.Status)
	}
	if len(state.PortBindings) != 1 || state.PortBindings[0].HostPort != 8801 {
		t.Fatalf("port bindings lost: %+v", state.PortBindings)
	}
	if len(state.GPUIndices) != 2 || state.GPUIndices[0] != 1 || state.GPUIndices[1] != 3 {
		t.Fatalf("gpu indices lost: %v", state.GPUIndices)
	}
	if state.Labels[runtime.LabelOwner] != "alice@example.com" {
		t.Fatalf("owner not surfaced: %v", state.Labels)
	}
}

func TestInspectMissingPod(t *testing.T) {
	adapter := New(fake.NewSimpleClientset(), "ailab")

	_, err := adapter.Inspect(context.Background(), "ailab-env-missing")
	if !runtime.IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestListAllFiltersByLabelAndPrefix(t *testing.T) {
	ctx := context.Background()
	unmanaged := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "other-workload", Namespace: "ailab"},
	}
	client := fake.NewSimpleClientset(unmanaged)
	adapter := New(client, "ailab")

	if _, err := adapter.Create(ctx, testSpec()); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	states, err := adapter.ListAll(ctx, "ailab-env-")
	if err != nil {
		t.Fatalf("ListAll() error: %v", err)
	}
	if len(states) != 1 || states[0].Name != "ailab-env-abc123" {
		t.Fatalf("expected only the managed pod, got %+v", states)
	}
}

func TestRemoveMissingPod(t *testing.T) {
	adapter := New(fake.NewSimpleClientset(), "ailab")

	err := adapter.Remove(context.Background(), "ailab-env-missing")
	if !runtime.IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}
