// Package lifecycle drives sandboxes through their state machine:
//
//	Pending -> Initializing -> Running -> Terminating -> Deleted
//
// Failed is terminal until an explicit delete. The cluster holds the live
// state; the store remembers what was asked for and what already happened.
// Observation is poll-based: the controller re-reads cluster state rather
// than assuming its own writes stuck.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/spullara/k7/internal/drain"
	"github.com/spullara/k7/internal/k8s"
	"github.com/spullara/k7/internal/logx"
	"github.com/spullara/k7/internal/manifest"
	"github.com/spullara/k7/internal/metrics"
	"github.com/spullara/k7/internal/store"
	"github.com/spullara/k7/pkg/model"
)

const (
	DefaultPollInterval  = 2 * time.Second
	DefaultDeleteWorkers = 4

	defaultRetryAttempts = 5
	defaultRetryBase     = 200 * time.Millisecond
	defaultRetryCap      = 5 * time.Second

	sourceAPI     = "api"
	sourceWatcher = "watcher"
	sourceResume  = "resume"
)

type Options struct {
	// PollInterval is how often readiness watchers re-read cluster state.
	PollInterval time.Duration
	// DeleteWorkers bounds the delete-all fan-out.
	DeleteWorkers int

	// Retry budget for calls that fail because the orchestrator is
	// unreachable.
	RetryAttempts int
	RetryBase     time.Duration
	RetryCap      time.Duration
}

// Controller owns every sandbox state transition. Operations on the same
// sandbox name serialize on a per-identity lock; distinct names proceed in
// parallel.
type Controller struct {
	client    *k8s.Client
	builder   *manifest.Builder
	sandboxes *store.SandboxStore
	drainMgr  *drain.Manager

	locks *keyedMutex

	poll          time.Duration
	deleteWorkers int
	retryAttempts int
	retryBase     time.Duration
	retryCap      time.Duration

	// watchCtx parents the background readiness watchers so Stop can end
	// them without tearing down in-flight API requests.
	watchCtx    context.Context
	cancelWatch context.CancelFunc
}

func NewController(client *k8s.Client, sandboxes *store.SandboxStore, builder *manifest.Builder, drainMgr *drain.Manager, opts Options) *Controller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.DeleteWorkers <= 0 {
		opts.DeleteWorkers = DefaultDeleteWorkers
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = defaultRetryAttempts
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = defaultRetryBase
	}
	if opts.RetryCap <= 0 {
		opts.RetryCap = defaultRetryCap
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		client:        client,
		builder:       builder,
		sandboxes:     sandboxes,
		drainMgr:      drainMgr,
		locks:         newKeyedMutex(),
		poll:          opts.PollInterval,
		deleteWorkers: opts.DeleteWorkers,
		retryAttempts: opts.RetryAttempts,
		retryBase:     opts.RetryBase,
		retryCap:      opts.RetryCap,
		watchCtx:      ctx,
		cancelWatch:   cancel,
	}
}

// Stop ends the readiness watchers. Interrupted sandboxes are picked up by
// Resume on the next start.
func (c *Controller) Stop() {
	c.cancelWatch()
}

func lockKey(namespace, name string) string {
	return namespace + "/" + name
}

// Create validates the spec, submits the workload and ingress lockdown, and
// returns as soon as the sandbox is accepted. A background watcher drives it
// to Running; callers observe progress through Get.
func (c *Controller) Create(ctx context.Context, spec model.SandboxSpec) (*model.SandboxState, error) {
	set, err := c.builder.Build(&spec)
	if err != nil {
		return nil, err
	}
	spec = *set.Spec

	unlock := c.locks.lock(lockKey(spec.Namespace, spec.Name))
	defer unlock()

	existing, err := c.sandboxes.Get(ctx, spec.Namespace, spec.Name)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.LifecycleStatus != string(model.StatusDeleted) {
		return nil, fmt.Errorf("%w: %s", ErrConflict, spec.Name)
	}

	if err := c.withRetry(ctx, "ensure namespace", func() error {
		return c.client.EnsureNamespace(ctx, spec.Namespace)
	}); err != nil {
		return nil, err
	}

	if set.EnvSecret != nil {
		if err := c.withRetry(ctx, "create env secret", func() error {
			return c.client.CreateSecret(ctx, set.EnvSecret)
		}); err != nil {
			return nil, err
		}
	}

	if err := c.withRetry(ctx, "create workload", func() error {
		return c.client.CreateDeployment(ctx, set.Deployment)
	}); err != nil {
		if apierrors.IsAlreadyExists(err) {
			return nil, fmt.Errorf("%w: %s", ErrConflict, spec.Name)
		}
		return nil, err
	}

	// Ingress lockdown is unconditional and applies before the first pod
	// can come up.
	if err := c.withRetry(ctx, "apply deny-ingress policy", func() error {
		return c.client.EnsureNetworkPolicy(ctx, set.Policies.DenyIngress)
	}); err != nil {
		c.logger(ctx, spec).Error("deny-ingress policy failed after workload create", "error", err)
		return nil, err
	}

	now := time.Now().UTC()
	specJSON, err := json.Marshal(&spec)
	if err != nil {
		return nil, fmt.Errorf("marshal spec: %w", err)
	}
	rec := &store.SandboxRecord{
		Namespace:       spec.Namespace,
		Name:            spec.Name,
		Image:           spec.Image,
		SpecJSON:        string(specJSON),
		DesiredState:    store.DesiredStateActive,
		LifecycleStatus: string(model.StatusPending),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := c.sandboxes.Create(ctx, rec); err != nil {
		return nil, err
	}
	_ = c.sandboxes.AppendStatusHistory(ctx, spec.Namespace, spec.Name, sourceAPI, "", string(model.StatusPending), "create accepted", now)
	metrics.SandboxesCreated.Inc()

	c.spawnWatcher(ctx, spec, set, model.StatusPending)

	return &model.SandboxState{
		Name:      spec.Name,
		Namespace: spec.Namespace,
		Status:    model.StatusPending,
		Image:     spec.Image,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// spawnWatcher starts the background poll that carries a sandbox from its
// current status to Running. The watcher inherits the request id but not the
// request deadline.
func (c *Controller) spawnWatcher(ctx context.Context, spec model.SandboxSpec, set *manifest.Set, from model.SandboxStatus) {
	release := func() {}
	if c.drainMgr != nil {
		release = c.drainMgr.Track()
	}
	watchCtx := logx.WithRequestID(c.watchCtx, logx.RequestIDFromContext(ctx))

	go func() {
		defer release()
		c.watchUntilRunning(watchCtx, spec, set, from)
	}()
}

// watchUntilRunning polls the sandbox pods until they are Ready, then applies
// the egress whitelist and promotes the sandbox to Running. Any hard failure
// parks it in Failed with a reason a caller can act on.
func (c *Controller) watchUntilRunning(ctx context.Context, spec model.SandboxSpec, set *manifest.Set, start model.SandboxStatus) {
	logger := c.logger(ctx, spec)
	status := start

	began := time.Now()
	deadline := began.Add(set.ReadyTimeout)
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("readiness watch interrupted", "status", status)
			return
		case <-ticker.C:
		}

		// A delete, a failure marked by another actor, or a completed
		// adoption ends the watch; without this a timed-out watcher could
		// overwrite a sandbox that was deleted while it slept.
		if rec, err := c.sandboxes.Get(ctx, spec.Namespace, spec.Name); err == nil && !watchable(rec) {
			logger.Info("readiness watch ended", "reason", "sandbox no longer awaiting readiness")
			return
		}

		if time.Now().After(deadline) {
			reason := fmt.Sprintf("sandbox not ready within %s", set.ReadyTimeout)
			if spec.BeforeScript != "" {
				reason = fmt.Sprintf("before-script did not complete within %s", set.ReadyTimeout)
			}
			c.fail(ctx, spec, status, reason)
			return
		}

		pods, err := c.client.SandboxPods(ctx, spec.Namespace, spec.Name)
		if err != nil {
			logger.Warn("readiness poll failed", "error", err)
			continue
		}
		if len(pods) == 0 {
			// No pod yet. If the workload's replica set is being refused
			// outright, say by a namespace resource quota, waiting out the
			// ready window helps nobody.
			if reason, rejected := c.workloadRejection(ctx, spec.Namespace, spec.Name); rejected {
				c.fail(ctx, spec, status, reason)
				return
			}
			continue
		}
		pod := &pods[0]

		if reason, failed := podFailureReason(pod); failed {
			c.fail(ctx, spec, status, reason)
			return
		}

		if status == model.StatusPending {
			status = model.StatusInitializing
			c.transition(ctx, spec.Namespace, spec.Name, sourceWatcher, model.StatusPending, status, "pod scheduled")
		}

		if !k8s.IsPodReady(pod) {
			continue
		}

		// Ready. Egress lockdown applies now, after the before-script
		// finished; only then does the sandbox count as Running.
		if set.Policies.Egress != nil {
			if err := c.withRetry(ctx, "apply egress policy", func() error {
				return c.client.EnsureNetworkPolicy(ctx, set.Policies.Egress)
			}); err != nil {
				c.fail(ctx, spec, status, fmt.Sprintf("egress policy apply failed: %v", err))
				return
			}
		}
		now := time.Now().UTC()
		_ = c.sandboxes.SetEgressApplied(ctx, spec.Namespace, spec.Name, now)
		c.transition(ctx, spec.Namespace, spec.Name, sourceWatcher, status, model.StatusRunning, "sandbox is ready")
		metrics.SandboxReadySeconds.Observe(time.Since(began).Seconds())
		logger.Info("sandbox running")
		return
	}
}

// watchable reports whether a record still wants a readiness watcher driving
// it: created but not Running yet, or Running with the egress lockdown not
// confirmed.
func watchable(rec *store.SandboxRecord) bool {
	if rec == nil || rec.DesiredState != store.DesiredStateActive {
		return false
	}
	switch model.SandboxStatus(rec.LifecycleStatus) {
	case model.StatusPending, model.StatusInitializing:
		return true
	case model.StatusRunning:
		return !rec.EgressApplied
	default:
		return false
	}
}

// workloadRejection reports whether the workload's pods are being refused by
// the orchestrator before they exist, which shows up as a ReplicaFailure
// condition on the deployment rather than on any pod. Resource quota
// rejections land here.
func (c *Controller) workloadRejection(ctx context.Context, namespace, name string) (string, bool) {
	dep, err := c.client.GetDeployment(ctx, namespace, name)
	if err != nil {
		return "", false
	}
	for _, cond := range dep.Status.Conditions {
		if cond.Type != appsv1.DeploymentReplicaFailure || cond.Status != corev1.ConditionTrue {
			continue
		}
		if strings.Contains(cond.Message, "exceeded quota") {
			return fmt.Sprintf("quota exceeded: %s", cond.Message), true
		}
		return fmt.Sprintf("workload rejected: %s", cond.Message), true
	}
	return "", false
}

// podFailureReason inspects a pod for conditions that will not heal on their
// own within the ready window.
func podFailureReason(pod *corev1.Pod) (string, bool) {
	if pod.Status.Phase == corev1.PodFailed {
		reason := pod.Status.Reason
		if reason == "" {
			reason = "pod failed"
		}
		return reason, true
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.State.Waiting == nil {
			continue
		}
		switch cs.State.Waiting.Reason {
		case "ErrImagePull", "ImagePullBackOff":
			return fmt.Sprintf("image pull failure: %s", cs.State.Waiting.Message), true
		case "CreateContainerConfigError":
			return fmt.Sprintf("container config error: %s", cs.State.Waiting.Message), true
		}
	}
	return "", false
}

func (c *Controller) fail(ctx context.Context, spec model.SandboxSpec, from model.SandboxStatus, reason string) {
	c.logger(ctx, spec).Warn("sandbox failed", "reason", reason)
	now := time.Now().UTC()
	_ = c.sandboxes.AppendStatusHistory(ctx, spec.Namespace, spec.Name, sourceWatcher, string(from), string(model.StatusFailed), reason, now)
	_ = c.sandboxes.UpdateStatus(ctx, spec.Namespace, spec.Name, string(model.StatusFailed), reason, now)
	metrics.SandboxesFailed.Inc()
}

// transition appends the history row before flipping the status so a reader
// that observes the new status always finds the matching transition.
func (c *Controller) transition(ctx context.Context, namespace, name, source string, from, to model.SandboxStatus, reason string) {
	now := time.Now().UTC()
	_ = c.sandboxes.AppendStatusHistory(ctx, namespace, name, source, string(from), string(to), reason, now)
	_ = c.sandboxes.UpdateStatus(ctx, namespace, name, string(to), "", now)
}

func (c *Controller) logger(ctx context.Context, spec model.SandboxSpec) *slog.Logger {
	return logx.LoggerWithRequestID(ctx).With(
		"component", "lifecycle",
		"sandbox", spec.Name,
		"namespace", spec.Namespace,
	)
}

// withRetry retries fn while the failure looks like the orchestrator being
// unreachable, backing off exponentially up to the cap. Definite answers
// (NotFound, Conflict, Forbidden) pass through untouched on the first try.
func (c *Controller) withRetry(ctx context.Context, op string, fn func() error) error {
	delay := c.retryBase
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || !k8s.IsUnavailable(err) {
			return err
		}
		if attempt >= c.retryAttempts {
			break
		}
		logx.LoggerWithRequestID(ctx).Warn("orchestrator unavailable, retrying",
			"component", "lifecycle", "op", op, "attempt", attempt, "backoff", delay.String(), "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.retryCap {
			delay = c.retryCap
		}
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}
