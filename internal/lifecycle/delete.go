package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/spullara/k7/internal/k8s"
	"github.com/spullara/k7/internal/metrics"
	"github.com/spullara/k7/pkg/model"
)

// Delete tears down the sandbox's full object set. Every object delete
// tolerates NotFound, so retrying a half-finished delete converges; the
// sandbox as a whole is NotFound only when nothing existed to begin with.
func (c *Controller) Delete(ctx context.Context, namespace, name string) error {
	unlock := c.locks.lock(lockKey(namespace, name))
	defer unlock()
	return c.deleteLocked(ctx, namespace, name)
}

func (c *Controller) deleteLocked(ctx context.Context, namespace, name string) error {
	rec, err := c.sandboxes.Get(ctx, namespace, name)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if recordLive(rec) {
		if err := c.sandboxes.SetDesiredDeleted(ctx, namespace, name, now); err != nil {
			return err
		}
		if rec.LifecycleStatus != string(model.StatusTerminating) {
			_ = c.sandboxes.AppendStatusHistory(ctx, namespace, name, sourceAPI, rec.LifecycleStatus, string(model.StatusTerminating), "delete requested", now)
		}
	}

	var found bool
	var errs []error
	del := func(what string, fn func() error) {
		err := c.withRetry(ctx, "delete "+what, fn)
		switch {
		case err == nil:
			found = true
		case apierrors.IsNotFound(err):
		default:
			errs = append(errs, fmt.Errorf("%s: %w", what, err))
		}
	}

	del("workload", func() error {
		return c.client.DeleteDeployment(ctx, namespace, name)
	})
	del("env secret", func() error {
		return c.client.DeleteSecret(ctx, namespace, k8s.EnvSecretName(name))
	})
	del("egress policy", func() error {
		return c.client.DeleteNetworkPolicy(ctx, namespace, k8s.EgressPolicyName(name))
	})
	del("deny-ingress policy", func() error {
		return c.client.DeleteNetworkPolicy(ctx, namespace, k8s.DenyIngressPolicyName(name))
	})

	if len(errs) > 0 {
		err := errors.Join(errs...)
		if recordLive(rec) {
			_ = c.sandboxes.UpdateStatus(ctx, namespace, name, string(model.StatusTerminating), err.Error(), time.Now().UTC())
		}
		return err
	}

	if !found && !recordLive(rec) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	if rec != nil {
		now = time.Now().UTC()
		_ = c.sandboxes.AppendStatusHistory(ctx, namespace, name, sourceAPI, string(model.StatusTerminating), string(model.StatusDeleted), "delete completed", now)
		if err := c.sandboxes.MarkDeleted(ctx, namespace, name, "deleted by request", now); err != nil {
			return err
		}
	}
	metrics.SandboxesDeleted.Inc()
	return nil
}

// DeleteAll tears down every sandbox the namespace knows about, recorded or
// merely observed. Deletions run concurrently under a worker bound; one
// failure never stops the rest, it lands in the result instead.
func (c *Controller) DeleteAll(ctx context.Context, namespace string) (*model.DeleteAllResult, error) {
	deps, err := c.client.ListSandboxDeployments(ctx, namespace)
	if err != nil {
		if k8s.IsUnavailable(err) {
			return nil, fmt.Errorf("list workloads: %w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	records, err := c.sandboxes.ListActive(ctx, namespace)
	if err != nil {
		return nil, err
	}

	nameSet := make(map[string]struct{})
	for _, dep := range deps {
		nameSet[dep.Name] = struct{}{}
	}
	for _, rec := range records {
		nameSet[rec.Name] = struct{}{}
	}
	names := make([]string, 0, len(nameSet))
	for name := range nameSet {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make([]model.DeleteResult, 0, len(names))
	)
	sem := make(chan struct{}, c.deleteWorkers)

	for _, name := range names {
		wg.Add(1)
		sem <- struct{}{}
		go func(name string) {
			defer wg.Done()
			defer func() { <-sem }()

			err := c.Delete(ctx, namespace, name)
			// Someone else finishing the delete first is still success.
			if errors.Is(err, ErrNotFound) {
				err = nil
			}

			res := model.DeleteResult{Name: name}
			if err != nil {
				res.Error = err.Error()
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}(name)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	out := &model.DeleteAllResult{Results: results}
	for _, res := range results {
		if res.Error == "" {
			out.Deleted++
		} else {
			out.Failed++
		}
	}
	return out, nil
}
