package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/spullara/k7/internal/k8s"
	"github.com/spullara/k7/internal/store"
	"github.com/spullara/k7/pkg/model"
)

// Get merges the stored lifecycle phase with what the cluster reports right
// now. The record decides the phase; the cluster decides readiness and
// restarts, and exposes drift the record cannot know about.
func (c *Controller) Get(ctx context.Context, namespace, name string) (*model.SandboxState, error) {
	rec, err := c.sandboxes.Get(ctx, namespace, name)
	if err != nil {
		return nil, err
	}

	dep, err := c.client.GetDeployment(ctx, namespace, name)
	if err != nil {
		if k8s.IsUnavailable(err) {
			return nil, fmt.Errorf("get workload: %w: %v", ErrUnavailable, err)
		}
		if !apierrors.IsNotFound(err) {
			return nil, err
		}
		dep = nil
	}

	if dep == nil && !recordLive(rec) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	pods, err := c.client.SandboxPods(ctx, namespace, name)
	if err != nil {
		pods = nil
	}

	return mergeState(namespace, name, rec, dep, pods), nil
}

// List returns the union of recorded and observed sandboxes in a namespace,
// sorted by name. A sandbox present in only one of the two views still shows
// up; the merged state says which side is missing.
func (c *Controller) List(ctx context.Context, namespace string) (*model.SandboxListResponse, error) {
	deps, err := c.client.ListSandboxDeployments(ctx, namespace)
	if err != nil {
		if k8s.IsUnavailable(err) {
			return nil, fmt.Errorf("list workloads: %w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	records, err := c.sandboxes.ListActive(ctx, namespace)
	if err != nil {
		return nil, err
	}

	pods, err := c.client.AllSandboxPods(ctx, namespace)
	if err != nil {
		pods = nil
	}
	podsByName := make(map[string][]corev1.Pod)
	for _, pod := range pods {
		owner := pod.Labels[k8s.LabelSandbox]
		if owner == "" {
			continue
		}
		podsByName[owner] = append(podsByName[owner], pod)
	}

	depByName := make(map[string]*appsv1.Deployment, len(deps))
	names := make(map[string]struct{})
	for i := range deps {
		depByName[deps[i].Name] = &deps[i]
		names[deps[i].Name] = struct{}{}
	}
	recByName := make(map[string]*store.SandboxRecord, len(records))
	for i := range records {
		recByName[records[i].Name] = &records[i]
		names[records[i].Name] = struct{}{}
	}

	items := make([]model.SandboxState, 0, len(names))
	for name := range names {
		state := mergeState(namespace, name, recByName[name], depByName[name], podsByName[name])
		items = append(items, *state)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })

	return &model.SandboxListResponse{Items: items}, nil
}

// Logs is best-effort: whichever of container logs and pod events can be
// fetched is returned; only a missing sandbox is an error.
func (c *Controller) Logs(ctx context.Context, namespace, name string, tailLines int64) (*model.LogsResponse, error) {
	if _, err := c.Get(ctx, namespace, name); err != nil {
		return nil, err
	}

	logs, err := c.client.GetLogs(ctx, namespace, name, tailLines)
	if err != nil {
		logs = ""
	}

	var events []string
	if pods, err := c.client.SandboxPods(ctx, namespace, name); err == nil && len(pods) > 0 {
		if evts, err := c.client.GetPodEvents(ctx, namespace, pods[0].Name); err == nil {
			events = evts
		}
	}

	return &model.LogsResponse{
		Logs:   logs,
		Events: events,
	}, nil
}

// Metrics reports live usage per sandbox, summed across containers, as the
// cluster metrics API sees it. Sandboxes without a metrics sample yet are
// simply absent.
func (c *Controller) Metrics(ctx context.Context, namespace string) (*model.MetricsResponse, error) {
	podMetrics, err := c.client.SandboxPodMetrics(ctx, namespace)
	if err != nil {
		if k8s.IsUnavailable(err) {
			return nil, fmt.Errorf("list pod metrics: %w: %v", ErrUnavailable, err)
		}
		return nil, err
	}

	type usage struct {
		cpu resource.Quantity
		mem resource.Quantity
	}
	byName := make(map[string]*usage)
	for _, pm := range podMetrics {
		owner := pm.Labels[k8s.LabelSandbox]
		if owner == "" {
			continue
		}
		u, ok := byName[owner]
		if !ok {
			u = &usage{}
			byName[owner] = u
		}
		for _, container := range pm.Containers {
			if cpu, ok := container.Usage[corev1.ResourceCPU]; ok {
				u.cpu.Add(cpu)
			}
			if mem, ok := container.Usage[corev1.ResourceMemory]; ok {
				u.mem.Add(mem)
			}
		}
	}

	items := make([]model.SandboxMetrics, 0, len(byName))
	for name, u := range byName {
		items = append(items, model.SandboxMetrics{
			Name:        name,
			Namespace:   namespace,
			CPUUsage:    u.cpu.String(),
			MemoryUsage: u.mem.String(),
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })

	return &model.MetricsResponse{Items: items}, nil
}

// History returns the recorded transitions, oldest first.
func (c *Controller) History(ctx context.Context, namespace, name string, limit int) (*model.HistoryResponse, error) {
	rec, err := c.sandboxes.Get(ctx, namespace, name)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	rows, err := c.sandboxes.ListStatusHistory(ctx, namespace, name, limit)
	if err != nil {
		return nil, err
	}

	items := make([]model.StatusTransition, 0, len(rows))
	for _, row := range rows {
		items = append(items, model.StatusTransition{
			From:   model.SandboxStatus(row.FromStatus),
			To:     model.SandboxStatus(row.ToStatus),
			Reason: row.Reason,
			At:     row.CreatedAt,
		})
	}
	return &model.HistoryResponse{Items: items}, nil
}

func recordLive(rec *store.SandboxRecord) bool {
	return rec != nil && rec.LifecycleStatus != string(model.StatusDeleted)
}

func mergeState(namespace, name string, rec *store.SandboxRecord, dep *appsv1.Deployment, pods []corev1.Pod) *model.SandboxState {
	state := &model.SandboxState{
		Name:      name,
		Namespace: namespace,
	}

	for i := range pods {
		if k8s.IsPodReady(&pods[i]) {
			state.Ready = true
		}
		state.Restarts += k8s.PodRestarts(&pods[i])
	}

	if dep != nil {
		state.CreatedAt = dep.CreationTimestamp.Time
		state.UpdatedAt = dep.CreationTimestamp.Time
		if containers := dep.Spec.Template.Spec.Containers; len(containers) > 0 {
			state.Image = containers[0].Image
		}
	}
	if rec != nil {
		state.Image = rec.Image
		state.CreatedAt = rec.CreatedAt
		state.UpdatedAt = rec.UpdatedAt
	}

	switch {
	case !recordLive(rec):
		// The cluster has a workload this controller has no live record
		// of: created out-of-band or the record was purged.
		state.Reason = "adopted from cluster state"
		if state.Ready {
			state.Status = model.StatusRunning
		} else {
			state.Status = model.StatusInitializing
		}
	case rec.DesiredState == store.DesiredStateDeleted:
		state.Status = model.StatusTerminating
		state.Reason = rec.StatusReason
	case rec.LifecycleStatus == string(model.StatusFailed):
		state.Status = model.StatusFailed
		state.Reason = rec.StatusReason
	case dep == nil:
		state.Status = model.StatusFailed
		state.Reason = "workload missing from cluster"
	default:
		state.Status = model.SandboxStatus(rec.LifecycleStatus)
		state.Reason = rec.StatusReason
	}

	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}
	return state
}
