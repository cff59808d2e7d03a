package client

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spullara/k7/pkg/model"
)

// SandboxService handles sandbox lifecycle operations.
type SandboxService struct {
	client *Client
}

// nsParams builds query parameters carrying the namespace, which every
// per-sandbox route accepts. Empty means the daemon's default.
func nsParams(namespace string) map[string]string {
	if namespace == "" {
		return nil
	}
	return map[string]string{"namespace": namespace}
}

// Create submits a sandbox spec. The returned state is Pending; readiness is
// asynchronous, poll with Get or use WaitForReady.
func (s *SandboxService) Create(ctx context.Context, spec model.SandboxSpec) (*model.SandboxState, error) {
	var state model.SandboxState
	if err := s.client.doJSON(ctx, "POST", s.client.buildPath("sandboxes"), spec, &state, nil); err != nil {
		return nil, err
	}
	return &state, nil
}

// List returns every sandbox in the namespace, live and recently deleted.
func (s *SandboxService) List(ctx context.Context, namespace string) ([]model.SandboxState, error) {
	var resp model.SandboxListResponse
	if err := s.client.doJSON(ctx, "GET", s.client.buildPath("sandboxes"), nil, &resp, nsParams(namespace)); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// Get returns the current state of one sandbox.
func (s *SandboxService) Get(ctx context.Context, namespace, name string) (*model.SandboxState, error) {
	var state model.SandboxState
	if err := s.client.doJSON(ctx, "GET", s.client.buildPath("sandboxes", name), nil, &state, nsParams(namespace)); err != nil {
		return nil, err
	}
	return &state, nil
}

// Delete tears a sandbox down. Deleting a sandbox that is already gone
// succeeds.
func (s *SandboxService) Delete(ctx context.Context, namespace, name string) error {
	return s.client.doJSON(ctx, "DELETE", s.client.buildPath("sandboxes", name), nil, nil, nsParams(namespace))
}

// DeleteAll tears down every sandbox in the namespace. The daemon refuses
// unless confirm is true.
func (s *SandboxService) DeleteAll(ctx context.Context, namespace string, confirm bool) (*model.DeleteAllResult, error) {
	params := nsParams(namespace)
	if params == nil {
		params = map[string]string{}
	}
	params["confirm"] = strconv.FormatBool(confirm)

	var result model.DeleteAllResult
	if err := s.client.doJSON(ctx, "DELETE", s.client.buildPath("sandboxes"), nil, &result, params); err != nil {
		return nil, err
	}
	return &result, nil
}

// Exec runs a command to completion inside the sandbox and returns its
// output. timeoutSeconds of zero uses the daemon's default.
func (s *SandboxService) Exec(ctx context.Context, namespace, name, command string, timeoutSeconds int) (*model.ExecResponse, error) {
	req := model.ExecRequest{Command: command, TimeoutSeconds: timeoutSeconds}
	var resp model.ExecResponse
	if err := s.client.doJSON(ctx, "POST", s.client.buildPath("sandboxes", name, "exec"), req, &resp, nsParams(namespace)); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Logs returns the sandbox's container logs, plus pod events when the
// container has produced none. tail of zero returns everything.
func (s *SandboxService) Logs(ctx context.Context, namespace, name string, tail int) (*model.LogsResponse, error) {
	params := nsParams(namespace)
	if tail > 0 {
		if params == nil {
			params = map[string]string{}
		}
		params["tail"] = strconv.Itoa(tail)
	}

	var resp model.LogsResponse
	if err := s.client.doJSON(ctx, "GET", s.client.buildPath("sandboxes", name, "logs"), nil, &resp, params); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Metrics returns live resource usage for every sandbox in the namespace.
func (s *SandboxService) Metrics(ctx context.Context, namespace string) ([]model.SandboxMetrics, error) {
	var resp model.MetricsResponse
	if err := s.client.doJSON(ctx, "GET", s.client.buildPath("sandboxes", "metrics"), nil, &resp, nsParams(namespace)); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// MetricsFor returns live resource usage for one sandbox.
func (s *SandboxService) MetricsFor(ctx context.Context, namespace, name string) (*model.SandboxMetrics, error) {
	var m model.SandboxMetrics
	if err := s.client.doJSON(ctx, "GET", s.client.buildPath("sandboxes", name, "metrics"), nil, &m, nsParams(namespace)); err != nil {
		return nil, err
	}
	return &m, nil
}

// History returns the sandbox's recorded status transitions, oldest first.
// limit of zero uses the daemon's default.
func (s *SandboxService) History(ctx context.Context, namespace, name string, limit int) ([]model.StatusTransition, error) {
	params := nsParams(namespace)
	if limit > 0 {
		if params == nil {
			params = map[string]string{}
		}
		params["limit"] = strconv.Itoa(limit)
	}

	var resp model.HistoryResponse
	if err := s.client.doJSON(ctx, "GET", s.client.buildPath("sandboxes", name, "history"), nil, &resp, params); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// SandboxFailedError reports a sandbox that entered Failed while the caller
// was waiting on it. Code classifies the recorded reason.
type SandboxFailedError struct {
	Name   string
	Reason string
	Code   model.ErrorCode
}

func (e *SandboxFailedError) Error() string {
	return fmt.Sprintf("sandbox %s failed: %s", e.Name, e.Reason)
}

// WaitForReady polls until the sandbox reaches Running. pollInterval defaults
// to 2s, timeout to 5m. A sandbox that parks in Failed returns a
// *SandboxFailedError immediately.
func (s *SandboxService) WaitForReady(ctx context.Context, namespace, name string, pollInterval, timeout time.Duration) (*model.SandboxState, error) {
	if pollInterval == 0 {
		pollInterval = 2 * time.Second
	}
	if timeout == 0 {
		timeout = 5 * time.Minute
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for sandbox %s to become ready", name)
		case <-ticker.C:
			state, err := s.Get(ctx, namespace, name)
			if err != nil {
				return nil, err
			}
			switch state.Status {
			case model.StatusRunning:
				return state, nil
			case model.StatusFailed:
				return nil, &SandboxFailedError{
					Name:   name,
					Reason: state.Reason,
					Code:   model.FailureCode(state.Reason),
				}
			}
		}
	}
}
