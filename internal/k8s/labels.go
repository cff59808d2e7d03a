package k8s

// Label and naming conventions shared by every object the engine creates.
// All objects belonging to a sandbox carry LabelSandbox with the sandbox
// name as value; isolation policies select on it.
const (
	LabelSandbox = "katakate.org/sandbox"
	LabelApp     = "app"
	LabelRuntime = "runtime"

	// RuntimeClassName is the VM-isolated runtime class sandboxes run under.
	// The installer guarantees it exists before the daemon starts.
	RuntimeClassName = "kata"

	ContainerName = "sandbox"
)

// EnvSecretName returns the name of the Secret carrying a sandbox's
// injected environment.
func EnvSecretName(sandbox string) string {
	return sandbox + "-env"
}

// EgressPolicyName returns the name of a sandbox's egress whitelist policy.
func EgressPolicyName(sandbox string) string {
	return sandbox + "-netpol"
}

// DenyIngressPolicyName returns the name of a sandbox's ingress lockdown
// policy.
func DenyIngressPolicyName(sandbox string) string {
	return sandbox + "-deny-ingress"
}

// SandboxSelector returns the label selector string matching exactly one
// sandbox's pods.
func SandboxSelector(sandbox string) string {
	return LabelApp + "=" + sandbox
}
