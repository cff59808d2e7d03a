package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spullara/k7/internal/k8s"
	"github.com/spullara/k7/pkg/model"
)

// DefaultExecTimeout bounds one-shot exec when the request does not say.
const DefaultExecTimeout = 60 * time.Second

// Exec runs a shell command inside the sandbox and waits for it. The command
// string goes through /bin/sh -c, matching what the sandbox's own scripts
// see. Non-zero exits are results, not errors.
func (c *Controller) Exec(ctx context.Context, namespace, name string, req *model.ExecRequest) (*model.ExecResponse, error) {
	timeout := DefaultExecTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := c.client.Exec(execCtx, namespace, name, []string{"/bin/sh", "-c", req.Command})
	if err != nil {
		if errors.Is(err, k8s.ErrNoRunningPod) {
			return nil, fmt.Errorf("%w: %s", ErrNotRunning, name)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("exec timed out after %s: %w", timeout, err)
		}
		if k8s.IsUnavailable(err) {
			return nil, fmt.Errorf("exec: %w: %v", ErrUnavailable, err)
		}
		return nil, fmt.Errorf("failed to exec: %w", err)
	}

	return &model.ExecResponse{
		ExitCode:   result.ExitCode,
		Stdout:     result.Stdout,
		Stderr:     result.Stderr,
		DurationMS: time.Since(start).Milliseconds(),
	}, nil
}

// Shell attaches an interactive stream to the sandbox. The caller owns the
// transport; this blocks until the remote shell exits or ctx ends. Sessions
// register with the drain manager so shutdown waits for them.
func (c *Controller) Shell(ctx context.Context, namespace, name string, opts k8s.ExecInteractiveOptions) error {
	if len(opts.Command) == 0 {
		opts.Command = []string{"/bin/sh"}
	}

	release := func() {}
	if c.drainMgr != nil {
		release = c.drainMgr.Track()
	}
	defer release()

	err := c.client.ExecInteractive(ctx, namespace, name, opts)
	if errors.Is(err, k8s.ErrNoRunningPod) {
		return fmt.Errorf("%w: %s", ErrNotRunning, name)
	}
	return err
}
