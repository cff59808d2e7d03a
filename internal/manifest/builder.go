// Package manifest composes a validated sandbox spec into the full set of
// cluster objects that realize it.
package manifest

import (
	"fmt"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/spullara/k7/internal/k8s"
	"github.com/spullara/k7/internal/netpol"
	"github.com/spullara/k7/internal/profile"
	"github.com/spullara/k7/pkg/model"
)

const (
	// beforeDoneFile is the sentinel the readiness probe checks: it exists
	// only once the before-script has run to completion.
	beforeDoneFile = "/tmp/k7_before_done"

	// DefaultReadyTimeout bounds how long a sandbox may take to become
	// Ready, which for before-script sandboxes bounds the script itself.
	DefaultReadyTimeout = 300 * time.Second
)

// Set is the deterministic output of one Build call: every cluster object a
// sandbox consists of, plus the readiness bound it was built with.
type Set struct {
	Spec       *model.SandboxSpec
	Deployment *appsv1.Deployment
	// EnvSecret is nil when the spec carries no environment.
	EnvSecret *corev1.Secret
	Policies  netpol.PolicySet
	// ReadyTimeout bounds the wait for readiness; overrunning it is a
	// failure (script_timeout), never silently ignored.
	ReadyTimeout time.Duration
}

// Options tune builder behavior; zero values pick the defaults.
type Options struct {
	ReadyTimeout time.Duration
}

type Builder struct {
	synth        *netpol.Synthesizer
	translator   *profile.Translator
	readyTimeout time.Duration
}

func NewBuilder(synth *netpol.Synthesizer, translator *profile.Translator, opts Options) *Builder {
	timeout := opts.ReadyTimeout
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	return &Builder{
		synth:        synth,
		translator:   translator,
		readyTimeout: timeout,
	}
}

// Build validates the spec and derives the complete object set. Identical
// inputs produce deeply equal sets; nothing here touches the cluster.
func (b *Builder) Build(spec *model.SandboxSpec) (*Set, error) {
	spec.ApplyDefaults()
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	prof, err := b.translator.Translate(spec.Limits, profile.FlagsFromSpec(spec))
	if err != nil {
		return nil, err
	}

	set := &Set{
		Spec:         spec,
		Deployment:   b.deployment(spec, prof),
		Policies:     b.synth.Synthesize(spec),
		ReadyTimeout: b.readyTimeout,
	}
	if len(spec.Env) > 0 {
		set.EnvSecret = envSecret(spec)
	}
	return set, nil
}

func envSecret(spec *model.SandboxSpec) *corev1.Secret {
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      k8s.EnvSecretName(spec.Name),
			Namespace: spec.Namespace,
			Labels: map[string]string{
				k8s.LabelSandbox: spec.Name,
			},
		},
		StringData: spec.Env,
	}
}

func (b *Builder) deployment(spec *model.SandboxSpec, prof profile.Profile) *appsv1.Deployment {
	container := corev1.Container{
		Name:            k8s.ContainerName,
		Image:           spec.Image,
		Command:         []string{"/bin/sh", "-c", mainCommand(spec)},
		Resources:       prof.Resources,
		SecurityContext: prof.Container,
		ReadinessProbe:  readinessProbe(spec),
		Env: []corev1.EnvVar{
			{Name: "K7_SANDBOX_NAME", Value: spec.Name},
			{Name: "K7_SANDBOX_NAMESPACE", Value: spec.Namespace},
		},
	}
	if len(spec.Env) > 0 {
		container.EnvFrom = []corev1.EnvFromSource{
			{
				SecretRef: &corev1.SecretEnvSource{
					LocalObjectReference: corev1.LocalObjectReference{Name: k8s.EnvSecretName(spec.Name)},
				},
			},
		}
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: spec.Namespace,
			Labels: map[string]string{
				k8s.LabelApp:     spec.Name,
				k8s.LabelRuntime: k8s.RuntimeClassName,
				k8s.LabelSandbox: spec.Name,
			},
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: int32Ptr(1),
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{k8s.LabelApp: spec.Name},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						k8s.LabelApp:     spec.Name,
						k8s.LabelSandbox: spec.Name,
					},
				},
				Spec: corev1.PodSpec{
					Containers:       []corev1.Container{container},
					RuntimeClassName: strPtr(k8s.RuntimeClassName),
					RestartPolicy:    corev1.RestartPolicyAlways,
					SecurityContext:  prof.Pod,
				},
			},
		},
	}
}

// mainCommand wraps the long-lived sandbox process. A before-script runs
// first under `set -euo pipefail` so failures halt startup, then touches the
// sentinel that flips readiness. Egress lockdown is applied only after
// readiness, which is exactly what lets the script fetch dependencies before
// the network closes.
func mainCommand(spec *model.SandboxSpec) string {
	if spec.BeforeScript == "" {
		return "sleep 365d"
	}
	return fmt.Sprintf("set -euo pipefail; rm -f %s; %s; touch %s; exec sleep 365d",
		beforeDoneFile, spec.BeforeScript, beforeDoneFile)
}

func readinessProbe(spec *model.SandboxSpec) *corev1.Probe {
	if spec.BeforeScript == "" {
		// Immediately Ready when there is nothing to wait for.
		return &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				Exec: &corev1.ExecAction{Command: []string{"/bin/sh", "-c", "true"}},
			},
			InitialDelaySeconds: 0,
			PeriodSeconds:       2,
		}
	}
	return &corev1.Probe{
		ProbeHandler: corev1.ProbeHandler{
			Exec: &corev1.ExecAction{Command: []string{"/bin/sh", "-c", "test -f " + beforeDoneFile}},
		},
		InitialDelaySeconds: 1,
		PeriodSeconds:       2,
		TimeoutSeconds:      2,
		FailureThreshold:    30,
	}
}

func int32Ptr(i int32) *int32 { return &i }
func strPtr(s string) *string { return &s }
