package model

import (
	"fmt"
	"net"
	"regexp"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"k8s.io/apimachinery/pkg/api/resource"
)

// DefaultNamespace is where sandboxes land when the spec does not say otherwise.
const DefaultNamespace = "default"

type SandboxStatus string

const (
	StatusPending      SandboxStatus = "Pending"
	StatusInitializing SandboxStatus = "Initializing"
	StatusRunning      SandboxStatus = "Running"
	StatusTerminating  SandboxStatus = "Terminating"
	StatusDeleted      SandboxStatus = "Deleted"
	StatusFailed       SandboxStatus = "Failed"
)

// Terminal reports whether a status can no longer change without an explicit
// delete. Failed stays Failed until someone removes the sandbox.
func (s SandboxStatus) Terminal() bool {
	return s == StatusDeleted || s == StatusFailed
}

// Limits holds per-sandbox resource ceilings as Kubernetes quantity strings.
// Unset fields fall back to the operator-configured defaults.
type Limits struct {
	CPU              string `json:"cpu,omitempty" yaml:"cpu,omitempty"`
	Memory           string `json:"memory,omitempty" yaml:"memory,omitempty"`
	EphemeralStorage string `json:"ephemeral_storage,omitempty" yaml:"ephemeral_storage,omitempty"`
}

// SandboxSpec is the validated description of one sandbox. It is immutable
// once accepted by a create call; everything the engine builds derives from it.
type SandboxSpec struct {
	Name      string `json:"name" yaml:"name"`
	Image     string `json:"image" yaml:"image"`
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`

	// EgressWhitelist lists CIDR blocks the sandbox may reach. Empty does
	// NOT mean "no internet": with restriction enabled an empty whitelist
	// yields no egress policy at all, i.e. unrestricted egress. Ingress is
	// always denied regardless.
	EgressWhitelist []string `json:"egress_whitelist,omitempty" yaml:"egress_whitelist,omitempty"`

	Limits Limits `json:"limits,omitempty" yaml:"limits,omitempty"`

	// BeforeScript runs to completion inside the sandbox before egress
	// lockdown applies and before the sandbox is considered Running.
	BeforeScript string `json:"before_script,omitempty" yaml:"before_script,omitempty"`

	// Env is the resolved environment injected into the sandbox. EnvFile is
	// a client-side convenience: the CLI resolves it into Env before the
	// spec leaves the machine, so only the mapping crosses the wire.
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	EnvFile string            `json:"-" yaml:"env_file,omitempty"`

	PodNonRoot       bool     `json:"pod_non_root,omitempty" yaml:"pod_non_root,omitempty"`
	ContainerNonRoot bool     `json:"container_non_root,omitempty" yaml:"container_non_root,omitempty"`
	CapDrop          []string `json:"cap_drop,omitempty" yaml:"cap_drop,omitempty"`
	CapAdd           []string `json:"cap_add,omitempty" yaml:"cap_add,omitempty"`
}

var dnsLabelRE = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// ApplyDefaults fills fields the caller may omit.
func (s *SandboxSpec) ApplyDefaults() {
	if s.Namespace == "" {
		s.Namespace = DefaultNamespace
	}
}

// Validate checks the spec without touching the cluster. It returns a
// *ValidationError naming the first offending field.
func (s *SandboxSpec) Validate() error {
	if err := validateDNSLabel("name", s.Name); err != nil {
		return err
	}
	if s.Namespace != "" {
		if err := validateDNSLabel("namespace", s.Namespace); err != nil {
			return err
		}
	}
	if s.Image == "" {
		return &ValidationError{Field: "image", Message: "image is required"}
	}
	if _, err := name.ParseReference(s.Image); err != nil {
		return &ValidationError{Field: "image", Message: fmt.Sprintf("invalid image reference: %v", err)}
	}
	for _, cidr := range s.EgressWhitelist {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return &ValidationError{Field: "egress_whitelist", Message: fmt.Sprintf("%q is not a valid CIDR", cidr)}
		}
	}
	if err := s.Limits.validate(); err != nil {
		return err
	}
	return nil
}

func (l Limits) validate() error {
	for field, v := range map[string]string{
		"limits.cpu":               l.CPU,
		"limits.memory":            l.Memory,
		"limits.ephemeral_storage": l.EphemeralStorage,
	} {
		if v == "" {
			continue
		}
		q, err := resource.ParseQuantity(v)
		if err != nil {
			return &ValidationError{Field: field, Message: fmt.Sprintf("%q is not a valid quantity", v)}
		}
		if q.Sign() <= 0 {
			return &ValidationError{Field: field, Message: "quantity must be positive"}
		}
	}
	return nil
}

func validateDNSLabel(field, v string) error {
	if v == "" {
		return &ValidationError{Field: field, Message: field + " is required"}
	}
	if len(v) > 63 {
		return &ValidationError{Field: field, Message: field + " must be at most 63 characters"}
	}
	if !dnsLabelRE.MatchString(v) {
		return &ValidationError{Field: field, Message: field + " must be a lowercase DNS label"}
	}
	return nil
}

// SandboxState is the normalized lifecycle view of one sandbox, merged from
// orchestrator status and the controller's own records.
type SandboxState struct {
	Name      string        `json:"name"`
	Namespace string        `json:"namespace"`
	Status    SandboxStatus `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	Image     string        `json:"image,omitempty"`
	Ready     bool          `json:"ready"`
	Restarts  int32         `json:"restarts"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

type SandboxListResponse struct {
	Items []SandboxState `json:"items"`
}

// DeleteAllResult aggregates a namespace-wide teardown. A single failed
// member never aborts the rest; it is reported here instead.
type DeleteAllResult struct {
	Deleted int            `json:"deleted"`
	Failed  int            `json:"failed"`
	Results []DeleteResult `json:"results"`
}

type DeleteResult struct {
	Name  string `json:"name"`
	Error string `json:"error,omitempty"`
}

type ExecRequest struct {
	// Command is passed to /bin/sh -c inside the sandbox.
	Command        string `json:"command" binding:"required"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

type ExecResponse struct {
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMS int64  `json:"duration_ms"`
}

type LogsResponse struct {
	Logs   string   `json:"logs"`
	Events []string `json:"events,omitempty"`
}

// SandboxMetrics is one row of `k7 top`: live usage as reported by the
// cluster metrics API.
type SandboxMetrics struct {
	Name        string `json:"name"`
	Namespace   string `json:"namespace"`
	CPUUsage    string `json:"cpu_usage"`
	MemoryUsage string `json:"memory_usage"`
}

type MetricsResponse struct {
	Items []SandboxMetrics `json:"items"`
}

// StatusTransition is one recorded state change, oldest first in history
// responses.
type StatusTransition struct {
	From   SandboxStatus `json:"from"`
	To     SandboxStatus `json:"to"`
	Reason string        `json:"reason,omitempty"`
	At     time.Time     `json:"at"`
}

type HistoryResponse struct {
	Items []StatusTransition `json:"items"`
}
