package scheduler

import (
	"context"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/errdefs"
	"go.uber.org/zap"

	"github.com/bosondata/badwolf/internal/builder"
	"github.com/bosondata/badwolf/internal/ci"
	"github.com/bosondata/badwolf/internal/common"
)

// ContainerAPI lists and removes build containers. *client.Client implements it.
type ContainerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Canceller stops pipelines superseded by a newer event.
type Canceller struct {
	docker   ContainerAPI
	registry *Registry
}

func NewCanceller(docker ContainerAPI, registry *Registry) *Canceller {
	return &Canceller{docker: docker, registry: registry}
}

// Outdated reports whether a running build is superseded by the event of
// bctx. Tag builds are never superseded.
func Outdated(labels map[string]string, bctx *ci.Context) bool {
	if _, isTag := labels[builder.LabelTag]; isTag {
		return false
	}
	if bctx.PRID > 0 {
		return labels[builder.LabelPullRequest] == strconv.Itoa(bctx.PRID)
	}
	branch, ok := labels[builder.LabelBranch]
	return ok && branch == bctx.Source.Branch
}

// CancelOutdated force-removes the containers of superseded pipelines and
// cancels their futures. It returns how many pipelines were cancelled.
func (c *Canceller) CancelOutdated(ctx context.Context, bctx *ci.Context) (int, error) {
	if bctx.Type == ci.EventTag {
		return 0, nil
	}
	logger := common.GetLogger().With(zap.String("repo", bctx.Repository), zap.String("task_id", bctx.TaskID))

	containers, err := c.docker.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", builder.LabelRepo+"="+bctx.Repository)),
	})
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for _, ctr := range containers {
		if !Outdated(ctr.Labels, bctx) {
			continue
		}
		taskID := ctr.Labels[builder.LabelTaskID]
		if taskID == bctx.TaskID {
			continue
		}
		future, ok := c.registry.Get(taskID)
		if !ok || future.Cancelled() {
			continue
		}

		logger.Info("cancelling outdated pipeline", zap.String("container", ctr.ID), zap.String("outdated_task_id", taskID))
		err := c.docker.ContainerRemove(ctx, ctr.ID, container.RemoveOptions{Force: true})
		if err != nil && !errdefs.IsNotFound(err) && !strings.Contains(err.Error(), "already in progress") {
			logger.Error("remove outdated container failed", zap.String("container", ctr.ID), zap.Error(err))
			continue
		}
		if future.Cancel() {
			cancelled++
		}
	}
	return cancelled, nil
}
