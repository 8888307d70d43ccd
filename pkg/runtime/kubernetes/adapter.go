package kubernetes

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/rnowrang/ai-lab-platform-sub000/pkg/runtime"
)

const mainContainer = "workspace"

// Adapter drives environments as single pods. The environment ID is the pod
// name; host ports are bound via hostPort so the reverse proxy in front of
// the cluster can reach them the same way it reaches Docker containers.
type Adapter struct {
	client    kubernetes.Interface
	namespace string
}

func New(client kubernetes.Interface, namespace string) *Adapter {
	if namespace == "" {
		namespace = "default"
	}
	return &Adapter{client: client, namespace: namespace}
}

func (a *Adapter) Create(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	pod := a.buildPod(spec)
	created, err := a.client.CoreV1().Pods(a.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		if k8serrors.IsAlreadyExists(err) {
			return pod.Name, nil
		}
		return "", classify("create", err)
	}
	return created.Name, nil
}

// Start is a no-op: pods begin running once created.
func (a *Adapter) Start(ctx context.Context, handle string) error {
	return nil
}

func (a *Adapter) Stop(ctx context.Context, handle string, timeout time.Duration) error {
	grace := int64(timeout.Seconds())
	err := a.client.CoreV1().Pods(a.namespace).Delete(ctx, handle, metav1.DeleteOptions{
		GracePeriodSeconds: &grace,
	})
	if err != nil {
		return classify("stop", err)
	}
	return nil
}

func (a *Adapter) Remove(ctx context.Context, handle string) error {
	err := a.client.CoreV1().Pods(a.namespace).Delete(ctx, handle, metav1.DeleteOptions{})
	if err != nil {
		return classify("remove", err)
	}
	return nil
}

func (a *Adapter) Inspect(ctx context.Context, handle string) (runtime.ContainerState, error) {
	pod, err := a.client.CoreV1().Pods(a.namespace).Get(ctx, handle, metav1.GetOptions{})
	if err != nil {
		return runtime.ContainerState{}, classify("inspect", err)
	}
	return stateFromPod(pod), nil
}

func (a *Adapter) ListAll(ctx context.Context, namePrefix string) ([]runtime.ContainerState, error) {
	pods, err := a.client.CoreV1().Pods(a.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", runtime.LabelManagedBy, runtime.ManagedByValue),
	})
	if err != nil {
		return nil, classify("list", err)
	}

	states := make([]runtime.ContainerState, 0, len(pods.Items))
	for i := range pods.Items {
		pod := &pods.Items[i]
		if namePrefix != "" && !strings.HasPrefix(pod.Name, namePrefix) {
			continue
		}
		states = append(states, stateFromPod(pod))
	}
	return states, nil
}

func (a *Adapter) buildPod(spec runtime.ContainerSpec) *corev1.Pod {
	labels := map[string]string{
		runtime.LabelManagedBy:   runtime.ManagedByValue,
		runtime.LabelEnvironment: spec.Name,
	}
	annotations := map[string]string{
		runtime.LabelGPUs: joinIndices(spec.GPUIndices),
	}
	for key, value := range spec.Labels {
		if key == runtime.LabelOwner || key == runtime.LabelTemplate {
			annotations[key] = value
			continue
		}
		labels[key] = value
	}

	env := make([]corev1.EnvVar, 0, len(spec.Env)+1)
	for key, value := range spec.Env {
		env = append(env, corev1.EnvVar{Name: key, Value: value})
	}
	sort.Slice(env, func(i, j int) bool { return env[i].Name < env[j].Name })
	if len(spec.GPUIndices) > 0 {
		env = append(env, corev1.EnvVar{
			Name:  "NVIDIA_VISIBLE_DEVICES",
			Value: joinIndices(spec.GPUIndices),
		})
	}

	ports := make([]corev1.ContainerPort, 0, len(spec.PortBindings))
	for _, pb := range spec.PortBindings {
		ports = append(ports, corev1.ContainerPort{
			ContainerPort: int32(pb.ContainerPort),
			HostPort:      int32(pb.HostPort),
		})
	}

	resources := corev1.ResourceRequirements{
		Limits: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(fmt.Sprintf("%dm", int64(spec.CPUCores*1000))),
			corev1.ResourceMemory: resource.MustParse(fmt.Sprintf("%dMi", spec.MemoryMB)),
		},
	}
	if len(spec.GPUIndices) > 0 {
		resources.Limits["nvidia.com/gpu"] = resource.MustParse(fmt.Sprintf("%d", len(spec.GPUIndices)))
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:        spec.Name,
			Namespace:   a.namespace,
			Labels:      labels,
			Annotations: annotations,
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:      mainContainer,
					Image:     spec.Image,
					Env:       env,
					Ports:     ports,
					Resources: resources,
				},
			},
		},
	}
}

func stateFromPod(pod *corev1.Pod) runtime.ContainerState {
	state := runtime.ContainerState{
		Handle: pod.Name,
		Name:   pod.Name,
		Status: mapPhase(pod.Status.Phase),
		Labels: map[string]string{},
	}
	for key, value := range pod.Labels {
		state.Labels[key] = value
	}
	for key, value := range pod.Annotations {
		state.Labels[key] = value
	}
	if pod.Status.StartTime != nil {
		startedAt := pod.Status.StartTime.Time
		state.StartedAt = &startedAt
	}
	for _, container := range pod.Spec.Containers {
		for _, port := range container.Ports {
			if port.HostPort == 0 {
				continue
			}
			state.PortBindings = append(state.PortBindings, runtime.PortBinding{
				ContainerPort: int(port.ContainerPort),
				HostPort:      int(port.HostPort),
			})
		}
	}
	sort.Slice(state.PortBindings, func(i, j int) bool {
		return state.PortBindings[i].HostPort < state.PortBindings[j].HostPort
	})
	state.GPUIndices = parseIndices(pod.Annotations[runtime.LabelGPUs])
	return state
}

func mapPhase(phase corev1.PodPhase) runtime.ContainerStatus {
	switch phase {
	case corev1.PodRunning:
		return runtime.StatusRunning
	case corev1.PodPending:
		return runtime.StatusCreated
	case corev1.PodSucceeded, corev1.PodFailed:
		return runtime.StatusExited
	default:
		return runtime.StatusUnknown
	}
}

func joinIndices(indices []int) string {
	parts := make([]string, len(indices))
	for i, index := range indices {
		parts[i] = fmt.Sprintf("%d", index)
	}
	return strings.Join(parts, ",")
}

func parseIndices(value string) []int {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	var indices []int
	for _, part := range strings.Split(value, ",") {
		var index int
		if _, err := fmt.Sscanf(strings.TrimSpace(part), "%d", &index); err != nil {
			continue
		}
		indices = append(indices, index)
	}
	return indices
}

func classify(op string, err error) error {
	switch {
	case k8serrors.IsNotFound(err):
		return runtime.NewError(op, runtime.KindNotFound, err)
	case k8serrors.IsServerTimeout(err) || k8serrors.IsTimeout(err) ||
		k8serrors.IsServiceUnavailable(err) || k8serrors.IsTooManyRequests(err):
		return runtime.NewError(op, runtime.KindUnavailable, err)
	default:
		return runtime.NewError(op, runtime.KindRejected, err)
	}
}
