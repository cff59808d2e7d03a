package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	k8sfake "k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
	metricsfake "k8s.io/metrics/pkg/client/clientset/versioned/fake"

	"github.com/spullara/k7/internal/drain"
	"github.com/spullara/k7/internal/k8s"
	"github.com/spullara/k7/internal/manifest"
	"github.com/spullara/k7/internal/netpol"
	"github.com/spullara/k7/internal/profile"
	"github.com/spullara/k7/internal/store"
	"github.com/spullara/k7/pkg/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testEnv struct {
	ctrl *Controller
	cs   *k8sfake.Clientset
	mc   *metricsfake.Clientset
}

func newTestEnv(t *testing.T, restrictEgress bool, readyTimeout time.Duration) *testEnv {
	t.Helper()

	if err := store.InitDB(filepath.Join(t.TempDir(), "k7.db")); err != nil {
		t.Fatalf("InitDB() error = %v", err)
	}
	t.Cleanup(func() {
		if err := store.CloseDB(); err != nil {
			t.Errorf("CloseDB() error = %v", err)
		}
	})

	translator, err := profile.NewTranslator(profile.Defaults{})
	if err != nil {
		t.Fatalf("NewTranslator() error = %v", err)
	}
	builder := manifest.NewBuilder(
		netpol.New(netpol.Options{RestrictEgress: restrictEgress}),
		translator,
		manifest.Options{ReadyTimeout: readyTimeout},
	)

	cs := k8sfake.NewSimpleClientset()
	mc := metricsfake.NewSimpleClientset()
	dm := drain.NewManager()
	ctrl := NewController(k8s.NewWithClientsets(cs, mc), store.NewSandboxStore(), builder, dm, Options{
		PollInterval:  5 * time.Millisecond,
		RetryAttempts: 2,
		RetryBase:     time.Millisecond,
		RetryCap:      2 * time.Millisecond,
	})
	t.Cleanup(func() {
		ctrl.Stop()
		waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := dm.Wait(waitCtx); err != nil {
			t.Errorf("background watchers did not stop: %v", err)
		}
	})

	return &testEnv{ctrl: ctrl, cs: cs, mc: mc}
}

func testSpec(name string) model.SandboxSpec {
	return model.SandboxSpec{
		Name:            name,
		Namespace:       "tenants",
		Image:           "alpine:3.20",
		EgressWhitelist: []string{"10.0.0.0/8", "192.168.1.0/24"},
		Env:             map[string]string{"API_TOKEN": "s3cret"},
	}
}

func markPodReady(t *testing.T, cs *k8sfake.Clientset, namespace, name string) {
	t.Helper()
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name + "-5d9f4c",
			Namespace: namespace,
			Labels: map[string]string{
				k8s.LabelApp:     name,
				k8s.LabelSandbox: name,
			},
		},
		Status: corev1.PodStatus{
			Phase: corev1.PodRunning,
			Conditions: []corev1.PodCondition{
				{Type: corev1.PodReady, Status: corev1.ConditionTrue},
			},
		},
	}
	if _, err := cs.CoreV1().Pods(namespace).Create(context.Background(), pod, metav1.CreateOptions{}); err != nil {
		t.Fatalf("create pod: %v", err)
	}
}

func waitForStatus(t *testing.T, ctrl *Controller, namespace, name string, want model.SandboxStatus) *store.SandboxRecord {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := ctrl.sandboxes.Get(context.Background(), namespace, name)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if rec != nil && rec.LifecycleStatus == string(want) {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	rec, _ := ctrl.sandboxes.Get(context.Background(), namespace, name)
	t.Fatalf("sandbox %s never reached %s, record = %+v", name, want, rec)
	return nil
}

func waitForEgressApplied(t *testing.T, ctrl *Controller, namespace, name string) *store.SandboxRecord {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := ctrl.sandboxes.Get(context.Background(), namespace, name)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if rec != nil && rec.EgressApplied {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("sandbox %s never recorded egress as applied", name)
	return nil
}

func TestCreateSubmitsObjectSet(t *testing.T) {
	env := newTestEnv(t, true, 0)
	ctx := context.Background()

	state, err := env.ctrl.Create(ctx, testSpec("box"))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if state.Status != model.StatusPending {
		t.Fatalf("Create() status = %s, want %s", state.Status, model.StatusPending)
	}

	if _, err := env.cs.AppsV1().Deployments("tenants").Get(ctx, "box", metav1.GetOptions{}); err != nil {
		t.Fatalf("workload missing: %v", err)
	}
	if _, err := env.cs.CoreV1().Secrets("tenants").Get(ctx, k8s.EnvSecretName("box"), metav1.GetOptions{}); err != nil {
		t.Fatalf("env secret missing: %v", err)
	}
	if _, err := env.cs.NetworkingV1().NetworkPolicies("tenants").Get(ctx, k8s.DenyIngressPolicyName("box"), metav1.GetOptions{}); err != nil {
		t.Fatalf("deny-ingress policy missing: %v", err)
	}

	// Egress lockdown waits for readiness, so the whitelist policy must not
	// exist yet.
	_, err = env.cs.NetworkingV1().NetworkPolicies("tenants").Get(ctx, k8s.EgressPolicyName("box"), metav1.GetOptions{})
	if !apierrors.IsNotFound(err) {
		t.Fatalf("egress policy should not exist before readiness, err = %v", err)
	}
}

func TestWatcherPromotesToRunning(t *testing.T) {
	env := newTestEnv(t, true, 0)
	ctx := context.Background()

	if _, err := env.ctrl.Create(ctx, testSpec("box")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	markPodReady(t, env.cs, "tenants", "box")

	rec := waitForStatus(t, env.ctrl, "tenants", "box", model.StatusRunning)
	if !rec.EgressApplied {
		t.Fatalf("egress not recorded as applied: %+v", rec)
	}
	if _, err := env.cs.NetworkingV1().NetworkPolicies("tenants").Get(ctx, k8s.EgressPolicyName("box"), metav1.GetOptions{}); err != nil {
		t.Fatalf("egress policy missing after readiness: %v", err)
	}

	hist, err := env.ctrl.History(ctx, "tenants", "box", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	want := []model.SandboxStatus{model.StatusPending, model.StatusInitializing, model.StatusRunning}
	if len(hist.Items) != len(want) {
		t.Fatalf("history has %d transitions, want %d: %+v", len(hist.Items), len(want), hist.Items)
	}
	for i, tr := range hist.Items {
		if tr.To != want[i] {
			t.Fatalf("history[%d].To = %s, want %s", i, tr.To, want[i])
		}
	}
}

func TestEmptyWhitelistLeavesEgressOpen(t *testing.T) {
	env := newTestEnv(t, true, 0)
	ctx := context.Background()

	// An empty whitelist means no egress policy at all: unrestricted egress,
	// not zero egress. Ingress stays locked either way.
	spec := testSpec("open")
	spec.EgressWhitelist = nil

	if _, err := env.ctrl.Create(ctx, spec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	markPodReady(t, env.cs, "tenants", "open")
	rec := waitForStatus(t, env.ctrl, "tenants", "open", model.StatusRunning)

	_, err := env.cs.NetworkingV1().NetworkPolicies("tenants").Get(ctx, k8s.EgressPolicyName("open"), metav1.GetOptions{})
	if !apierrors.IsNotFound(err) {
		t.Fatalf("empty whitelist must not produce an egress policy, err = %v", err)
	}
	if _, err := env.cs.NetworkingV1().NetworkPolicies("tenants").Get(ctx, k8s.DenyIngressPolicyName("open"), metav1.GetOptions{}); err != nil {
		t.Fatalf("deny-ingress policy missing: %v", err)
	}
	if !rec.EgressApplied {
		t.Fatalf("initialization not recorded as complete: %+v", rec)
	}
}

func TestCreateConflictAndTombstoneReuse(t *testing.T) {
	env := newTestEnv(t, true, 0)
	ctx := context.Background()

	if _, err := env.ctrl.Create(ctx, testSpec("box")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := env.ctrl.Create(ctx, testSpec("box")); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate Create() error = %v, want ErrConflict", err)
	}

	if err := env.ctrl.Delete(ctx, "tenants", "box"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := env.ctrl.Create(ctx, testSpec("box")); err != nil {
		t.Fatalf("Create() after delete error = %v, want reuse of the name", err)
	}
}

func TestCreateConflictsWithUnrecordedWorkload(t *testing.T) {
	env := newTestEnv(t, true, 0)
	ctx := context.Background()

	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "ghost",
			Namespace: "tenants",
			Labels:    map[string]string{k8s.LabelSandbox: "ghost"},
		},
	}
	if _, err := env.cs.AppsV1().Deployments("tenants").Create(ctx, dep, metav1.CreateOptions{}); err != nil {
		t.Fatalf("seed deployment: %v", err)
	}

	if _, err := env.ctrl.Create(ctx, testSpec("ghost")); !errors.Is(err, ErrConflict) {
		t.Fatalf("Create() over existing workload error = %v, want ErrConflict", err)
	}
}

func TestWatcherFailsOnReadyTimeout(t *testing.T) {
	env := newTestEnv(t, true, 40*time.Millisecond)
	ctx := context.Background()

	plain := testSpec("slowpoke")
	if _, err := env.ctrl.Create(ctx, plain); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	scripted := testSpec("staller")
	scripted.BeforeScript = "sleep 600"
	if _, err := env.ctrl.Create(ctx, scripted); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	rec := waitForStatus(t, env.ctrl, "tenants", "slowpoke", model.StatusFailed)
	if !strings.Contains(rec.StatusReason, "not ready within") {
		t.Fatalf("StatusReason = %q, want ready timeout", rec.StatusReason)
	}

	rec = waitForStatus(t, env.ctrl, "tenants", "staller", model.StatusFailed)
	if !strings.Contains(rec.StatusReason, "before-script did not complete") {
		t.Fatalf("StatusReason = %q, want before-script timeout", rec.StatusReason)
	}
}

func TestWatcherFailsOnImagePullError(t *testing.T) {
	env := newTestEnv(t, true, 0)
	ctx := context.Background()

	if _, err := env.ctrl.Create(ctx, testSpec("box")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "box-5d9f4c",
			Namespace: "tenants",
			Labels: map[string]string{
				k8s.LabelApp:     "box",
				k8s.LabelSandbox: "box",
			},
		},
		Status: corev1.PodStatus{
			Phase: corev1.PodPending,
			ContainerStatuses: []corev1.ContainerStatus{
				{
					State: corev1.ContainerState{
						Waiting: &corev1.ContainerStateWaiting{
							Reason:  "ImagePullBackOff",
							Message: `Back-off pulling image "alpine:3.20"`,
						},
					},
				},
			},
		},
	}
	if _, err := env.cs.CoreV1().Pods("tenants").Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		t.Fatalf("create pod: %v", err)
	}

	rec := waitForStatus(t, env.ctrl, "tenants", "box", model.StatusFailed)
	if !strings.Contains(rec.StatusReason, "image pull failure") {
		t.Fatalf("StatusReason = %q, want image pull failure", rec.StatusReason)
	}
}

func TestWatcherFailsOnQuotaRejection(t *testing.T) {
	env := newTestEnv(t, true, 0)
	ctx := context.Background()

	if _, err := env.ctrl.Create(ctx, testSpec("box")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	dep, err := env.cs.AppsV1().Deployments("tenants").Get(ctx, "box", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	dep.Status.Conditions = append(dep.Status.Conditions, appsv1.DeploymentCondition{
		Type:    appsv1.DeploymentReplicaFailure,
		Status:  corev1.ConditionTrue,
		Reason:  "FailedCreate",
		Message: `pods "box-5d9f4c-x2x9p" is forbidden: exceeded quota: tenant-compute, requested: limits.memory=512Mi`,
	})
	if _, err := env.cs.AppsV1().Deployments("tenants").UpdateStatus(ctx, dep, metav1.UpdateOptions{}); err != nil {
		t.Fatalf("update deployment status: %v", err)
	}

	rec := waitForStatus(t, env.ctrl, "tenants", "box", model.StatusFailed)
	if !strings.Contains(rec.StatusReason, "quota exceeded") {
		t.Fatalf("StatusReason = %q, want quota exceeded", rec.StatusReason)
	}
}

func TestDeleteTearsDownObjectSet(t *testing.T) {
	env := newTestEnv(t, true, 0)
	ctx := context.Background()

	if _, err := env.ctrl.Create(ctx, testSpec("box")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	markPodReady(t, env.cs, "tenants", "box")
	waitForStatus(t, env.ctrl, "tenants", "box", model.StatusRunning)

	if err := env.ctrl.Delete(ctx, "tenants", "box"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	for what, check := range map[string]func() error{
		"workload": func() error {
			_, err := env.cs.AppsV1().Deployments("tenants").Get(ctx, "box", metav1.GetOptions{})
			return err
		},
		"env secret": func() error {
			_, err := env.cs.CoreV1().Secrets("tenants").Get(ctx, k8s.EnvSecretName("box"), metav1.GetOptions{})
			return err
		},
		"egress policy": func() error {
			_, err := env.cs.NetworkingV1().NetworkPolicies("tenants").Get(ctx, k8s.EgressPolicyName("box"), metav1.GetOptions{})
			return err
		},
		"deny-ingress policy": func() error {
			_, err := env.cs.NetworkingV1().NetworkPolicies("tenants").Get(ctx, k8s.DenyIngressPolicyName("box"), metav1.GetOptions{})
			return err
		},
	} {
		if err := check(); !apierrors.IsNotFound(err) {
			t.Fatalf("%s still present after delete, err = %v", what, err)
		}
	}

	rec, err := env.ctrl.sandboxes.Get(ctx, "tenants", "box")
	if err != nil {
		t.Fatalf("record Get() error = %v", err)
	}
	if rec == nil || rec.LifecycleStatus != string(model.StatusDeleted) {
		t.Fatalf("record not tombstoned: %+v", rec)
	}

	if err := env.ctrl.Delete(ctx, "tenants", "box"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func TestDeleteUnknownSandbox(t *testing.T) {
	env := newTestEnv(t, true, 0)

	if err := env.ctrl.Delete(context.Background(), "tenants", "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Delete() error = %v, want ErrNotFound", err)
	}
}

func TestDeleteRetriesConvergeAfterPartialFailure(t *testing.T) {
	env := newTestEnv(t, true, 0)
	ctx := context.Background()

	if _, err := env.ctrl.Create(ctx, testSpec("box")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	var veto atomic.Bool
	veto.Store(true)
	env.cs.PrependReactor("delete", "deployments", func(action k8stesting.Action) (bool, runtime.Object, error) {
		if !veto.Load() {
			return false, nil, nil
		}
		return true, nil, apierrors.NewForbidden(
			schema.GroupResource{Group: "apps", Resource: "deployments"},
			action.(k8stesting.DeleteAction).GetName(),
			errors.New("admission veto"),
		)
	})

	err := env.ctrl.Delete(ctx, "tenants", "box")
	if err == nil || !strings.Contains(err.Error(), "workload") {
		t.Fatalf("Delete() error = %v, want workload failure", err)
	}

	rec, err := env.ctrl.sandboxes.Get(ctx, "tenants", "box")
	if err != nil {
		t.Fatalf("record Get() error = %v", err)
	}
	if rec.LifecycleStatus != string(model.StatusTerminating) || rec.DesiredState != store.DesiredStateDeleted {
		t.Fatalf("failed delete should park in Terminating: %+v", rec)
	}

	// The workload delete heals; the already-deleted secret and policies must
	// not block the retry.
	veto.Store(false)
	if err := env.ctrl.Delete(ctx, "tenants", "box"); err != nil {
		t.Fatalf("retried Delete() error = %v", err)
	}

	rec, err = env.ctrl.sandboxes.Get(ctx, "tenants", "box")
	if err != nil {
		t.Fatalf("record Get() error = %v", err)
	}
	if rec.LifecycleStatus != string(model.StatusDeleted) {
		t.Fatalf("retried delete did not finish: %+v", rec)
	}
}

func TestDeleteAllAggregatesFailures(t *testing.T) {
	env := newTestEnv(t, true, 0)
	ctx := context.Background()

	for _, name := range []string{"alpha", "bravo"} {
		if _, err := env.ctrl.Create(ctx, testSpec(name)); err != nil {
			t.Fatalf("Create(%s) error = %v", name, err)
		}
	}
	orphan := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "zulu",
			Namespace: "tenants",
			Labels:    map[string]string{k8s.LabelSandbox: "zulu"},
		},
	}
	if _, err := env.cs.AppsV1().Deployments("tenants").Create(ctx, orphan, metav1.CreateOptions{}); err != nil {
		t.Fatalf("seed orphan deployment: %v", err)
	}

	env.cs.PrependReactor("delete", "deployments", func(action k8stesting.Action) (bool, runtime.Object, error) {
		if action.(k8stesting.DeleteAction).GetName() != "bravo" {
			return false, nil, nil
		}
		return true, nil, apierrors.NewForbidden(
			schema.GroupResource{Group: "apps", Resource: "deployments"},
			"bravo",
			errors.New("admission veto"),
		)
	})

	res, err := env.ctrl.DeleteAll(ctx, "tenants")
	if err != nil {
		t.Fatalf("DeleteAll() error = %v", err)
	}
	if res.Deleted != 2 || res.Failed != 1 {
		t.Fatalf("DeleteAll() = %d deleted / %d failed, want 2/1: %+v", res.Deleted, res.Failed, res.Results)
	}

	wantNames := []string{"alpha", "bravo", "zulu"}
	if len(res.Results) != len(wantNames) {
		t.Fatalf("DeleteAll() results = %+v, want %v", res.Results, wantNames)
	}
	for i, r := range res.Results {
		if r.Name != wantNames[i] {
			t.Fatalf("results[%d].Name = %s, want %s", i, r.Name, wantNames[i])
		}
	}
	if res.Results[1].Error == "" {
		t.Fatalf("bravo should carry its failure: %+v", res.Results[1])
	}

	// The failed sandbox stays visible and retryable.
	rec, err := env.ctrl.sandboxes.Get(ctx, "tenants", "bravo")
	if err != nil {
		t.Fatalf("record Get() error = %v", err)
	}
	if rec.LifecycleStatus != string(model.StatusTerminating) {
		t.Fatalf("bravo record = %+v, want Terminating", rec)
	}
	if _, err := env.cs.AppsV1().Deployments("tenants").Get(ctx, "zulu", metav1.GetOptions{}); !apierrors.IsNotFound(err) {
		t.Fatalf("orphan workload still present, err = %v", err)
	}
}

func TestResumeFinishesInterruptedWork(t *testing.T) {
	env := newTestEnv(t, true, 0)
	ctx := context.Background()
	now := time.Now().UTC()

	seed := func(name, status string, desired string, egressApplied bool) {
		t.Helper()
		rec := &store.SandboxRecord{
			Namespace:       "tenants",
			Name:            name,
			Image:           "alpine:3.20",
			SpecJSON:        `{"name":"` + name + `","image":"alpine:3.20","namespace":"tenants","egress_whitelist":["10.0.0.0/8"]}`,
			DesiredState:    store.DesiredStateActive,
			LifecycleStatus: status,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := env.ctrl.sandboxes.Create(ctx, rec); err != nil {
			t.Fatalf("seed record %s: %v", name, err)
		}
		if desired == store.DesiredStateDeleted {
			if err := env.ctrl.sandboxes.SetDesiredDeleted(ctx, "tenants", name, now); err != nil {
				t.Fatalf("seed desired deleted %s: %v", name, err)
			}
		}
		if egressApplied {
			if err := env.ctrl.sandboxes.SetEgressApplied(ctx, "tenants", name, now); err != nil {
				t.Fatalf("seed egress applied %s: %v", name, err)
			}
		}
	}
	seedDeployment := func(name string) {
		t.Helper()
		dep := &appsv1.Deployment{
			ObjectMeta: metav1.ObjectMeta{
				Name:      name,
				Namespace: "tenants",
				Labels:    map[string]string{k8s.LabelSandbox: name},
			},
		}
		if _, err := env.cs.AppsV1().Deployments("tenants").Create(ctx, dep, metav1.CreateOptions{}); err != nil {
			t.Fatalf("seed deployment %s: %v", name, err)
		}
	}

	// Interrupted mid-creation: watch must restart and finish initialization.
	seed("adrift", string(model.StatusInitializing), store.DesiredStateActive, false)
	seedDeployment("adrift")
	markPodReady(t, env.cs, "tenants", "adrift")

	// Interrupted mid-delete: the teardown must be re-run.
	seed("undone", string(model.StatusTerminating), store.DesiredStateDeleted, false)
	seedDeployment("undone")

	// Reached Running but the egress confirmation never landed.
	seed("halfway", string(model.StatusRunning), store.DesiredStateActive, false)
	seedDeployment("halfway")
	markPodReady(t, env.cs, "tenants", "halfway")

	// Failed stays failed across restarts.
	seed("broken", string(model.StatusFailed), store.DesiredStateActive, false)

	if err := env.ctrl.Resume(ctx); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	rec := waitForStatus(t, env.ctrl, "tenants", "adrift", model.StatusRunning)
	if !rec.EgressApplied {
		t.Fatalf("adrift egress not applied: %+v", rec)
	}
	if _, err := env.cs.NetworkingV1().NetworkPolicies("tenants").Get(ctx, k8s.EgressPolicyName("adrift"), metav1.GetOptions{}); err != nil {
		t.Fatalf("adrift egress policy missing: %v", err)
	}

	waitForStatus(t, env.ctrl, "tenants", "undone", model.StatusDeleted)
	if _, err := env.cs.AppsV1().Deployments("tenants").Get(ctx, "undone", metav1.GetOptions{}); !apierrors.IsNotFound(err) {
		t.Fatalf("undone workload still present, err = %v", err)
	}

	rec = waitForEgressApplied(t, env.ctrl, "tenants", "halfway")
	if rec.LifecycleStatus != string(model.StatusRunning) {
		t.Fatalf("halfway record = %+v, want Running", rec)
	}

	rec, err := env.ctrl.sandboxes.Get(ctx, "tenants", "broken")
	if err != nil {
		t.Fatalf("record Get() error = %v", err)
	}
	if rec.LifecycleStatus != string(model.StatusFailed) {
		t.Fatalf("broken record = %+v, want untouched Failed", rec)
	}
}
