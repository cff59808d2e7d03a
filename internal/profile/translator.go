// Package profile maps limit declarations and security toggles onto
// enforceable pod-level constraints.
package profile

import (
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/spullara/k7/pkg/model"
)

// NonRootID is the fixed UID/GID/FSGroup used for non-root normalization.
// All three share one value so volume ownership and process UID agree.
const NonRootID int64 = 65532

// Builtin fallbacks for operator defaults left unset. The per-sandbox memory
// default times the node's configured sandbox density is expected to fit
// within physical capacity; sizing that is the operator's call, not ours.
const (
	DefaultCPU              = "500m"
	DefaultMemory           = "512Mi"
	DefaultEphemeralStorage = "1Gi"
)

// Defaults are the operator-configured ceilings applied when a spec leaves a
// limit unset.
type Defaults struct {
	CPU              string
	Memory           string
	EphemeralStorage string
}

// SecurityFlags are the per-sandbox security toggles.
type SecurityFlags struct {
	PodNonRoot       bool
	ContainerNonRoot bool
	// CapDrop overrides the capability drop list; nil or empty means drop ALL.
	CapDrop []string
	CapAdd  []string
}

// FlagsFromSpec extracts the security toggles from a sandbox spec.
func FlagsFromSpec(spec *model.SandboxSpec) SecurityFlags {
	return SecurityFlags{
		PodNonRoot:       spec.PodNonRoot,
		ContainerNonRoot: spec.ContainerNonRoot,
		CapDrop:          spec.CapDrop,
		CapAdd:           spec.CapAdd,
	}
}

// Profile is the concrete resource and security shape applied to a sandbox
// workload.
type Profile struct {
	Resources corev1.ResourceRequirements
	Container *corev1.SecurityContext
	// Pod is nil unless pod-level non-root normalization was requested.
	Pod *corev1.PodSecurityContext
}

type Translator struct {
	defaults Defaults
}

// NewTranslator validates the operator defaults once so malformed
// configuration surfaces at startup rather than on the first create.
func NewTranslator(d Defaults) (*Translator, error) {
	if d.CPU == "" {
		d.CPU = DefaultCPU
	}
	if d.Memory == "" {
		d.Memory = DefaultMemory
	}
	if d.EphemeralStorage == "" {
		d.EphemeralStorage = DefaultEphemeralStorage
	}
	for name, v := range map[string]string{"cpu": d.CPU, "memory": d.Memory, "ephemeral storage": d.EphemeralStorage} {
		if _, err := resource.ParseQuantity(v); err != nil {
			return nil, fmt.Errorf("invalid default %s limit %q: %w", name, v, err)
		}
	}
	return &Translator{defaults: d}, nil
}

// Translate produces the resource and security profile for one sandbox.
// Requests are pinned to the limits so the scheduler reserves what the
// sandbox may consume. Privilege escalation is always disabled; no caller
// input can override that.
func (t *Translator) Translate(limits model.Limits, flags SecurityFlags) (Profile, error) {
	quantities := corev1.ResourceList{}
	for res, pick := range map[corev1.ResourceName]struct{ value, fallback string }{
		corev1.ResourceCPU:              {limits.CPU, t.defaults.CPU},
		corev1.ResourceMemory:           {limits.Memory, t.defaults.Memory},
		corev1.ResourceEphemeralStorage: {limits.EphemeralStorage, t.defaults.EphemeralStorage},
	} {
		v := pick.value
		if v == "" {
			v = pick.fallback
		}
		q, err := resource.ParseQuantity(v)
		if err != nil {
			return Profile{}, &model.ValidationError{Field: "limits." + string(res), Message: fmt.Sprintf("%q is not a valid quantity", v)}
		}
		if q.Sign() <= 0 {
			return Profile{}, &model.ValidationError{Field: "limits." + string(res), Message: "quantity must be positive"}
		}
		quantities[res] = q
	}

	p := Profile{
		Resources: corev1.ResourceRequirements{
			Limits:   quantities,
			Requests: quantities.DeepCopy(),
		},
		Container: containerContext(flags),
	}
	if flags.PodNonRoot {
		p.Pod = &corev1.PodSecurityContext{
			RunAsNonRoot: boolPtr(true),
			RunAsUser:    int64Ptr(NonRootID),
			RunAsGroup:   int64Ptr(NonRootID),
			FSGroup:      int64Ptr(NonRootID),
		}
	}
	return p, nil
}

func containerContext(flags SecurityFlags) *corev1.SecurityContext {
	drop := []corev1.Capability{"ALL"}
	if len(flags.CapDrop) > 0 {
		drop = toCapabilities(flags.CapDrop)
	}
	ctx := &corev1.SecurityContext{
		AllowPrivilegeEscalation: boolPtr(false),
		SeccompProfile: &corev1.SeccompProfile{
			Type: corev1.SeccompProfileTypeRuntimeDefault,
		},
		Capabilities: &corev1.Capabilities{
			Drop: drop,
			Add:  toCapabilities(flags.CapAdd),
		},
	}
	if flags.ContainerNonRoot {
		ctx.RunAsNonRoot = boolPtr(true)
		ctx.RunAsUser = int64Ptr(NonRootID)
	}
	return ctx
}

func toCapabilities(names []string) []corev1.Capability {
	if len(names) == 0 {
		return nil
	}
	caps := make([]corev1.Capability, 0, len(names))
	for _, n := range names {
		caps = append(caps, corev1.Capability(strings.ToUpper(n)))
	}
	return caps
}

func boolPtr(b bool) *bool    { return &b }
func int64Ptr(i int64) *int64 { return &i }
