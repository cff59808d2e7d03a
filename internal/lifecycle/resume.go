package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/spullara/k7/internal/logx"
	"github.com/spullara/k7/internal/store"
	"github.com/spullara/k7/pkg/model"
)

// Resume re-adopts work a daemon restart interrupted. Sandboxes whose delete
// never finished get the delete re-run; sandboxes that never reached Running,
// or reached it without the egress whitelist confirmed, get their readiness
// watch restarted with a fresh ready window. Failed sandboxes stay failed.
func (c *Controller) Resume(ctx context.Context) error {
	recs, err := c.sandboxes.ListUnfinished(ctx)
	if err != nil {
		return err
	}

	logger := logx.LoggerWithRequestID(ctx).With("component", "lifecycle")
	var watches, deletes int

	for i := range recs {
		rec := &recs[i]

		if rec.DesiredState == store.DesiredStateDeleted {
			c.resumeDelete(rec.Namespace, rec.Name)
			deletes++
			continue
		}

		switch model.SandboxStatus(rec.LifecycleStatus) {
		case model.StatusPending, model.StatusInitializing:
		case model.StatusRunning:
			if rec.EgressApplied {
				continue
			}
		default:
			continue
		}

		spec := rec.Spec()
		if spec.Name == "" {
			logger.Warn("skipping sandbox with unreadable stored spec",
				"sandbox", rec.Name, "namespace", rec.Namespace)
			continue
		}
		set, err := c.builder.Build(&spec)
		if err != nil {
			logger.Warn("skipping sandbox whose stored spec no longer builds",
				"sandbox", rec.Name, "namespace", rec.Namespace, "error", err)
			continue
		}

		from := model.SandboxStatus(rec.LifecycleStatus)
		if from == model.StatusRunning {
			from = model.StatusInitializing
		}
		_ = c.sandboxes.AppendStatusHistory(ctx, rec.Namespace, rec.Name, sourceResume,
			rec.LifecycleStatus, rec.LifecycleStatus, "readiness watch resumed", time.Now().UTC())
		c.spawnWatcher(ctx, spec, set, from)
		watches++
	}

	if watches > 0 || deletes > 0 {
		logger.Info("resumed interrupted sandboxes", "watchers", watches, "deletes", deletes)
	}
	return nil
}

func (c *Controller) resumeDelete(namespace, name string) {
	release := func() {}
	if c.drainMgr != nil {
		release = c.drainMgr.Track()
	}
	go func() {
		defer release()
		err := c.Delete(c.watchCtx, namespace, name)
		if err != nil && !errors.Is(err, ErrNotFound) {
			logx.LoggerWithRequestID(c.watchCtx).Warn("resumed delete failed",
				"component", "lifecycle", "sandbox", name, "namespace", namespace, "error", err)
		}
	}()
}
