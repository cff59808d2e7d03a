package k8s

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	netv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
	metricsv1beta1 "k8s.io/metrics/pkg/apis/metrics/v1beta1"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"
)

// ErrNoRunningPod is returned when an operation needs a live pod and the
// sandbox has none.
var ErrNoRunningPod = errors.New("no running pod")

// Client wraps the Kubernetes clientsets behind the handful of operations the
// engine needs. All sandbox state lives in the cluster; this layer never
// caches.
type Client struct {
	clientset kubernetes.Interface
	metrics   metricsclient.Interface
	config    *rest.Config
}

func NewClient(kubeconfigPath string) (*Client, error) {
	var config *rest.Config
	var err error

	if kubeconfigPath != "" {
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	} else {
		config, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get kubernetes config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	metricsClient, err := metricsclient.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics client: %w", err)
	}

	return &Client{
		clientset: clientset,
		metrics:   metricsClient,
		config:    config,
	}, nil
}

// NewWithClientsets wires pre-built clientsets. Exec and log streaming need a
// rest config, so they are unavailable on clients built this way; everything
// else works, which is what fake-backed tests rely on.
func NewWithClientsets(cs kubernetes.Interface, mc metricsclient.Interface) *Client {
	return &Client{clientset: cs, metrics: mc}
}

func (c *Client) EnsureNamespace(ctx context.Context, namespace string) error {
	_, err := c.clientset.CoreV1().Namespaces().Get(ctx, namespace, metav1.GetOptions{})
	if err == nil {
		return nil
	}

	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name: namespace,
		},
	}
	_, err = c.clientset.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	return err
}

// CreateDeployment submits the workload. An AlreadyExists error surfaces to
// the caller: a sandbox name collision is a conflict, not something to paper
// over.
func (c *Client) CreateDeployment(ctx context.Context, d *appsv1.Deployment) error {
	_, err := c.clientset.AppsV1().Deployments(d.Namespace).Create(ctx, d, metav1.CreateOptions{})
	return err
}

func (c *Client) GetDeployment(ctx context.Context, namespace, name string) (*appsv1.Deployment, error) {
	return c.clientset.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
}

func (c *Client) DeleteDeployment(ctx context.Context, namespace, name string) error {
	return c.clientset.AppsV1().Deployments(namespace).Delete(ctx, name, metav1.DeleteOptions{})
}

// listPageSize bounds each page pulled from the API server. Namespace-wide
// reads follow Continue tokens so a crowded namespace never arrives as one
// giant response.
const listPageSize = 500

// ListSandboxDeployments returns every deployment carrying the sandbox label
// in the namespace.
func (c *Client) ListSandboxDeployments(ctx context.Context, namespace string) ([]appsv1.Deployment, error) {
	var items []appsv1.Deployment
	opts := metav1.ListOptions{
		LabelSelector: LabelSandbox,
		Limit:         listPageSize,
	}
	for {
		list, err := c.clientset.AppsV1().Deployments(namespace).List(ctx, opts)
		if err != nil {
			return nil, err
		}
		items = append(items, list.Items...)
		if list.Continue == "" {
			return items, nil
		}
		opts.Continue = list.Continue
	}
}

// CreateSecret tolerates AlreadyExists so retried creates converge instead of
// failing halfway through the object set.
func (c *Client) CreateSecret(ctx context.Context, secret *corev1.Secret) error {
	_, err := c.clientset.CoreV1().Secrets(secret.Namespace).Create(ctx, secret, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	return err
}

func (c *Client) DeleteSecret(ctx context.Context, namespace, name string) error {
	return c.clientset.CoreV1().Secrets(namespace).Delete(ctx, name, metav1.DeleteOptions{})
}

// EnsureNetworkPolicy creates the policy, falling back to an update with the
// live ResourceVersion when it already exists.
func (c *Client) EnsureNetworkPolicy(ctx context.Context, policy *netv1.NetworkPolicy) error {
	_, err := c.clientset.NetworkingV1().NetworkPolicies(policy.Namespace).Create(ctx, policy, metav1.CreateOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return err
	}

	existing, err := c.clientset.NetworkingV1().NetworkPolicies(policy.Namespace).Get(ctx, policy.Name, metav1.GetOptions{})
	if err != nil {
		return err
	}
	updated := policy.DeepCopy()
	updated.ResourceVersion = existing.ResourceVersion
	_, err = c.clientset.NetworkingV1().NetworkPolicies(policy.Namespace).Update(ctx, updated, metav1.UpdateOptions{})
	return err
}

func (c *Client) DeleteNetworkPolicy(ctx context.Context, namespace, name string) error {
	return c.clientset.NetworkingV1().NetworkPolicies(namespace).Delete(ctx, name, metav1.DeleteOptions{})
}

// AllSandboxPods lists every sandbox-owned pod in the namespace, for callers
// that merge state across many sandboxes.
func (c *Client) AllSandboxPods(ctx context.Context, namespace string) ([]corev1.Pod, error) {
	var pods []corev1.Pod
	opts := metav1.ListOptions{
		LabelSelector: LabelSandbox,
		Limit:         listPageSize,
	}
	for {
		list, err := c.clientset.CoreV1().Pods(namespace).List(ctx, opts)
		if err != nil {
			return nil, err
		}
		pods = append(pods, list.Items...)
		if list.Continue == "" {
			return pods, nil
		}
		opts.Continue = list.Continue
	}
}

// SandboxPods lists the pods belonging to one sandbox, newest first.
func (c *Client) SandboxPods(ctx context.Context, namespace, name string) ([]corev1.Pod, error) {
	list, err := c.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: SandboxSelector(name),
	})
	if err != nil {
		return nil, err
	}
	pods := list.Items
	sort.Slice(pods, func(i, j int) bool {
		return pods[j].CreationTimestamp.Before(&pods[i].CreationTimestamp)
	})
	return pods, nil
}

// RunningPod picks the pod exec and logs should target. Ready pods win over
// merely running ones.
func (c *Client) RunningPod(ctx context.Context, namespace, name string) (*corev1.Pod, error) {
	pods, err := c.SandboxPods(ctx, namespace, name)
	if err != nil {
		return nil, err
	}

	var running *corev1.Pod
	for i := range pods {
		if pods[i].Status.Phase != corev1.PodRunning {
			continue
		}
		if IsPodReady(&pods[i]) {
			return &pods[i], nil
		}
		if running == nil {
			running = &pods[i]
		}
	}
	if running != nil {
		return running, nil
	}
	return nil, fmt.Errorf("%w for sandbox %s", ErrNoRunningPod, name)
}

func IsPodReady(pod *corev1.Pod) bool {
	if pod.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

func PodRestarts(pod *corev1.Pod) int32 {
	var restarts int32
	for _, cs := range pod.Status.ContainerStatuses {
		restarts += cs.RestartCount
	}
	return restarts
}

type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Exec runs a one-shot command in the sandbox container and captures its
// output. A non-zero exit is reported in the result, not as an error.
func (c *Client) Exec(ctx context.Context, namespace, name string, command []string) (*ExecResult, error) {
	pod, err := c.RunningPod(ctx, namespace, name)
	if err != nil {
		return nil, err
	}
	if c.config == nil {
		return nil, fmt.Errorf("exec requires a rest config")
	}

	req := c.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(pod.Name).
		Namespace(namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: ContainerName,
			Command:   command,
			Stdin:     false,
			Stdout:    true,
			Stderr:    true,
			TTY:       false,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(c.config, "POST", req.URL())
	if err != nil {
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}

	var stdout, stderr bytes.Buffer
	err = exec.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: &stdout,
		Stderr: &stderr,
	})

	result := &ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		if exitErr, ok := err.(interface{ ExitStatus() int }); ok {
			result.ExitCode = exitErr.ExitStatus()
		} else if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		} else {
			result.ExitCode = 1
			result.Stderr = result.Stderr + "\n" + err.Error()
		}
	}

	return result, nil
}

type ExecInteractiveOptions struct {
	Command           []string
	TTY               bool
	Stdin             io.Reader
	Stdout            io.Writer
	Stderr            io.Writer
	TerminalSizeQueue remotecommand.TerminalSizeQueue
}

// ExecInteractive attaches a bidirectional stream to the sandbox container.
// It blocks until the remote process exits or the context is cancelled.
func (c *Client) ExecInteractive(ctx context.Context, namespace, name string, opts ExecInteractiveOptions) error {
	pod, err := c.RunningPod(ctx, namespace, name)
	if err != nil {
		return err
	}
	if c.config == nil {
		return fmt.Errorf("exec requires a rest config")
	}

	req := c.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(pod.Name).
		Namespace(namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: ContainerName,
			Command:   opts.Command,
			Stdin:     opts.Stdin != nil,
			Stdout:    opts.Stdout != nil,
			Stderr:    opts.Stderr != nil,
			TTY:       opts.TTY,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(c.config, "POST", req.URL())
	if err != nil {
		return fmt.Errorf("failed to create executor: %w", err)
	}

	return exec.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdin:             opts.Stdin,
		Stdout:            opts.Stdout,
		Stderr:            opts.Stderr,
		Tty:               opts.TTY,
		TerminalSizeQueue: opts.TerminalSizeQueue,
	})
}

func (c *Client) GetLogs(ctx context.Context, namespace, name string, tailLines int64) (string, error) {
	pod, err := c.RunningPod(ctx, namespace, name)
	if err != nil {
		pods, listErr := c.SandboxPods(ctx, namespace, name)
		if listErr != nil || len(pods) == 0 {
			return "", fmt.Errorf("failed to get logs: %w", err)
		}
		pod = &pods[0]
	}

	opts := &corev1.PodLogOptions{
		Container: ContainerName,
	}
	if tailLines > 0 {
		opts.TailLines = &tailLines
	}

	req := c.clientset.CoreV1().Pods(namespace).GetLogs(pod.Name, opts)
	stream, err := req.Stream(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get logs: %w", err)
	}
	defer stream.Close()

	logs, err := io.ReadAll(stream)
	if err != nil {
		return "", fmt.Errorf("failed to read logs: %w", err)
	}

	return string(logs), nil
}

func (c *Client) GetPodEvents(ctx context.Context, namespace, podName string) ([]string, error) {
	events, err := c.clientset.CoreV1().Events(namespace).List(ctx, metav1.ListOptions{
		FieldSelector: fmt.Sprintf("involvedObject.name=%s", podName),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}

	var result []string
	for _, event := range events.Items {
		result = append(result, fmt.Sprintf("[%s] %s: %s", event.Type, event.Reason, event.Message))
	}
	return result, nil
}

// SandboxPodMetrics returns live usage for every sandbox pod in the
// namespace, as reported by the metrics API.
func (c *Client) SandboxPodMetrics(ctx context.Context, namespace string) ([]metricsv1beta1.PodMetrics, error) {
	var items []metricsv1beta1.PodMetrics
	opts := metav1.ListOptions{
		LabelSelector: LabelSandbox,
		Limit:         listPageSize,
	}
	for {
		list, err := c.metrics.MetricsV1beta1().PodMetricses(namespace).List(ctx, opts)
		if err != nil {
			return nil, err
		}
		items = append(items, list.Items...)
		if list.Continue == "" {
			return items, nil
		}
		opts.Continue = list.Continue
	}
}

// IsUnavailable classifies an error from a clientset call as "the control
// plane cannot be reached right now", the retryable kind. API errors that
// carry a definite answer (NotFound, Conflict, Forbidden) are not retryable
// and return false.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if apierrors.IsServiceUnavailable(err) ||
		apierrors.IsServerTimeout(err) ||
		apierrors.IsTimeout(err) ||
		apierrors.IsTooManyRequests(err) ||
		apierrors.IsInternalError(err) {
		return true
	}
	// Anything that never produced an API status never reached the API
	// server: connection refused, DNS failure, TLS trouble.
	var statusErr *apierrors.StatusError
	return !errors.As(err, &statusErr)
}
