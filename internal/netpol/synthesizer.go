// Package netpol derives the per-sandbox isolation policies from a sandbox
// spec. Synthesis is pure: nothing here talks to the cluster.
//
// Every sandbox gets its own deny-ingress policy keyed on its unique
// katakate.org/sandbox label, never on the namespace as a whole, so
// sandbox-to-sandbox isolation holds by construction no matter how many
// sandboxes share a namespace. When a non-empty egress whitelist is present
// (and restriction is enabled), egress is locked to the listed CIDRs plus
// cluster DNS; everything else is denied by default-deny-once-selected
// semantics. An empty whitelist deliberately produces NO egress policy,
// leaving egress unrestricted: the absence of a whitelist entry must never
// silently block all traffic. "Empty whitelist" means "no additional
// restriction", not "no internet".
package netpol

import (
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/spullara/k7/internal/k8s"
	"github.com/spullara/k7/pkg/model"
)

// Options configures operator-level behavior of the synthesizer.
type Options struct {
	// RestrictEgress is the operator switch for egress lockdown. When
	// disabled, no egress policy is emitted even for specs that carry a
	// whitelist; ingress lockdown applies regardless.
	RestrictEgress bool
}

// PolicySet is the derived isolation rule set for one sandbox.
type PolicySet struct {
	DenyIngress *networkingv1.NetworkPolicy
	// Egress is nil when the whitelist is empty or restriction is disabled.
	Egress *networkingv1.NetworkPolicy
}

// All returns the non-nil policies, deny-ingress first.
func (p PolicySet) All() []*networkingv1.NetworkPolicy {
	out := []*networkingv1.NetworkPolicy{p.DenyIngress}
	if p.Egress != nil {
		out = append(out, p.Egress)
	}
	return out
}

type Synthesizer struct {
	restrictEgress bool
}

func New(opts Options) *Synthesizer {
	return &Synthesizer{restrictEgress: opts.RestrictEgress}
}

// EgressRestricted reports whether the operator switch for egress lockdown
// is on.
func (s *Synthesizer) EgressRestricted() bool {
	return s.restrictEgress
}

// Synthesize derives the policy set for a spec. The spec is assumed
// validated; CIDR order is preserved in the emitted rules.
func (s *Synthesizer) Synthesize(spec *model.SandboxSpec) PolicySet {
	set := PolicySet{DenyIngress: denyIngressPolicy(spec)}
	if s.restrictEgress && len(spec.EgressWhitelist) > 0 {
		set.Egress = egressPolicy(spec)
	}
	return set
}

// denyIngressPolicy blocks all ingress to the sandbox's pods. Administrative
// exec access is unaffected: it rides the orchestrator's control-plane API,
// not pod networking.
func denyIngressPolicy(spec *model.SandboxSpec) *networkingv1.NetworkPolicy {
	return &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{
			Name:      k8s.DenyIngressPolicyName(spec.Name),
			Namespace: spec.Namespace,
		},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{
				MatchLabels: map[string]string{
					k8s.LabelSandbox: spec.Name,
				},
			},
			PolicyTypes: []networkingv1.PolicyType{
				networkingv1.PolicyTypeIngress,
			},
			Ingress: []networkingv1.NetworkPolicyIngressRule{},
		},
	}
}

// egressPolicy allows one rule per whitelisted CIDR plus a standing DNS rule
// to kube-dns; selecting the pod makes all other egress implicitly denied.
func egressPolicy(spec *model.SandboxSpec) *networkingv1.NetworkPolicy {
	rules := make([]networkingv1.NetworkPolicyEgressRule, 0, len(spec.EgressWhitelist)+1)
	for _, cidr := range spec.EgressWhitelist {
		rules = append(rules, networkingv1.NetworkPolicyEgressRule{
			To: []networkingv1.NetworkPolicyPeer{
				{
					IPBlock: &networkingv1.IPBlock{CIDR: cidr},
				},
			},
		})
	}
	rules = append(rules, dnsEgressRule())

	return &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{
			Name:      k8s.EgressPolicyName(spec.Name),
			Namespace: spec.Namespace,
		},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{
				MatchLabels: map[string]string{
					k8s.LabelSandbox: spec.Name,
				},
			},
			PolicyTypes: []networkingv1.PolicyType{
				networkingv1.PolicyTypeEgress,
			},
			Egress: rules,
		},
	}
}

func dnsEgressRule() networkingv1.NetworkPolicyEgressRule {
	return networkingv1.NetworkPolicyEgressRule{
		To: []networkingv1.NetworkPolicyPeer{
			{
				NamespaceSelector: &metav1.LabelSelector{
					MatchLabels: map[string]string{
						"kubernetes.io/metadata.name": "kube-system",
					},
				},
				PodSelector: &metav1.LabelSelector{
					MatchLabels: map[string]string{
						"k8s-app": "kube-dns",
					},
				},
			},
		},
		Ports: []networkingv1.NetworkPolicyPort{
			{
				Protocol: &[]corev1.Protocol{corev1.ProtocolUDP}[0],
				Port:     &intstr.IntOrString{Type: intstr.Int, IntVal: 53},
			},
			{
				Protocol: &[]corev1.Protocol{corev1.ProtocolTCP}[0],
				Port:     &intstr.IntOrString{Type: intstr.Int, IntVal: 53},
			},
		},
	}
}
