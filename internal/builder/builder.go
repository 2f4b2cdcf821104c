package builder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/bosondata/badwolf/internal/bitbucket"
	"github.com/bosondata/badwolf/internal/ci"
	"github.com/bosondata/badwolf/internal/common"
	"github.com/bosondata/badwolf/internal/spec"
)

// ExitCancelled is the exit code of a build container killed by the
// outdated-pipeline canceller. A script that exits 137 on its own, or a
// container OOM-killed by the kernel, is indistinguishable and is reported
// as cancelled too.
const ExitCancelled = 137

// ExitNoImage marks a build that never ran because no image was available.
const ExitNoImage = -1

// Container labels used to find and attribute running builds.
const (
	LabelRepo        = "repo"
	LabelCommit      = "commit"
	LabelTaskID      = "task_id"
	LabelBranch      = "branch"
	LabelTag         = "tag"
	LabelPullRequest = "pull_request"
)

// StatusReporter posts the badwolf/test commit status. Failures are the
// reporter's business. *bitbucket.BuildStatus implements it.
type StatusReporter interface {
	Report(ctx context.Context, state bitbucket.BuildState, description string)
}

// Notifier delivers build notifications.
type Notifier interface {
	SendMail(ctx context.Context, recipients []string, subject, html string) error
	TriggerSlack(ctx context.Context, webhooks []string, message string) error
}

type Options struct {
	RunnerImage string
	APITimeout  time.Duration
	RunTimeout  time.Duration
	LogDir      string
	// ServerName is the external base URL build logs are linked under.
	ServerName string
}

// Result is the outcome of one build.
type Result struct {
	ExitCode int
	Output   string
	BuildLog string
	Elapsed  time.Duration
}

func (r Result) Succeeded() bool { return r.ExitCode == 0 }
func (r Result) Cancelled() bool { return r.ExitCode == ExitCancelled }

type Builder struct {
	docker   DockerAPI
	status   StatusReporter
	notifier Notifier
	opts     Options
}

func New(docker DockerAPI, status StatusReporter, notifier Notifier, opts Options) *Builder {
	if opts.APITimeout <= 0 {
		opts.APITimeout = 10 * time.Minute
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = time.Hour
	}
	return &Builder{docker: docker, status: status, notifier: notifier, opts: opts}
}

// Run builds the image and runs the build script in a container.
// The returned error is a container runtime failure; script failures are
// reported through Result.ExitCode.
func (b *Builder) Run(ctx context.Context, bctx *ci.Context, s *spec.Specification) (Result, error) {
	logger := common.GetLogger().With(
		zap.String("repo", bctx.Repository),
		zap.String("commit", bctx.Source.Commit),
		zap.String("task_id", bctx.TaskID),
	)
	start := time.Now()
	b.status.Report(ctx, bitbucket.StateInProgress, "Test in progress")

	img, err := b.resolveImage(ctx, bctx, s)
	if err != nil {
		return Result{}, err
	}
	if img.Name == "" {
		b.status.Report(ctx, bitbucket.StateFailed, "Build or get Docker image failed")
		res := Result{ExitCode: ExitNoImage, BuildLog: img.BuildLog, Elapsed: time.Since(start)}
		b.finish(ctx, bctx, s, res)
		return res, nil
	}

	exitCode, output, err := b.runContainer(ctx, bctx, s, img.Name)
	if err != nil {
		return Result{}, err
	}
	res := Result{ExitCode: exitCode, Output: output, BuildLog: img.BuildLog, Elapsed: time.Since(start)}

	switch {
	case res.Succeeded():
		logger.Info("test succeed")
		b.status.Report(ctx, bitbucket.StateSuccessful, "1 of 1 test succeed")
	case res.Cancelled():
		logger.Info("test cancelled")
		b.status.Report(ctx, bitbucket.StateStopped, "Test cancelled")
	default:
		logger.Info("test failed", zap.Int("exit_code", exitCode))
		b.status.Report(ctx, bitbucket.StateFailed, "1 of 1 test failed")
	}
	b.finish(ctx, bctx, s, res)
	return res, nil
}

// containerEnv merges the spec environment with the CI variables of the context.
func containerEnv(bctx *ci.Context, s *spec.Specification) []string {
	env := s.Environment()
	for k, v := range bctx.Environment {
		env[k] = v
	}
	env["DEBIAN_FRONTEND"] = "noninteractive"
	env[spec.ScriptEnv] = s.EncodedScript()

	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	sort.Strings(list)
	return list
}

func Labels(bctx *ci.Context) map[string]string {
	labels := map[string]string{
		LabelRepo:   bctx.Repository,
		LabelCommit: bctx.Source.Commit,
		LabelTaskID: bctx.TaskID,
	}
	switch {
	case bctx.PRID > 0:
		labels[LabelPullRequest] = strconv.Itoa(bctx.PRID)
	case bctx.Type == ci.EventTag:
		labels[LabelTag] = bctx.Source.Branch
	default:
		labels[LabelBranch] = bctx.Source.Branch
	}
	return labels
}

func (b *Builder) runContainer(ctx context.Context, bctx *ci.Context, s *spec.Specification, imageName string) (int, string, error) {
	logger := common.GetLogger().With(zap.String("repo", bctx.Repository), zap.String("task_id", bctx.TaskID))

	binds := []string{bctx.ClonePath + ":" + ci.BuildDir + ":rw"}
	if s.Docker {
		binds = append(binds, "/var/run/docker.sock:/var/run/docker.sock")
	}

	apiCtx, cancel := context.WithTimeout(ctx, b.opts.APITimeout)
	created, err := b.docker.ContainerCreate(apiCtx,
		&container.Config{
			Image:      imageName,
			Cmd:        s.Entrypoint(),
			Env:        containerEnv(bctx, s),
			WorkingDir: ci.BuildDir,
			Labels:     Labels(bctx),
		},
		&container.HostConfig{
			Binds:      binds,
			Privileged: s.Privileged,
		},
		nil, nil, "",
	)
	cancel()
	if err != nil {
		return 0, "", err
	}
	containerID := created.ID
	logger = logger.With(zap.String("container", containerID))
	logger.Info("created container", zap.String("image", imageName))

	var output bytes.Buffer
	defer func() {
		rmCtx, rmCancel := context.WithTimeout(context.Background(), b.opts.APITimeout)
		defer rmCancel()
		err := b.docker.ContainerRemove(rmCtx, containerID, container.RemoveOptions{Force: true})
		if err != nil && !errdefs.IsNotFound(err) {
			logger.Warn("fail to remove container", zap.Error(err))
		}
	}()

	exitCode := b.waitContainer(ctx, containerID, &output, logger)

	logCtx, logCancel := context.WithTimeout(context.Background(), b.opts.APITimeout)
	defer logCancel()
	logs, err := b.docker.ContainerLogs(logCtx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		if errdefs.IsNotFound(err) {
			exitCode = ExitCancelled
		} else {
			logger.Warn("fail to get container logs", zap.Error(err))
		}
		return exitCode, output.String(), nil
	}
	defer logs.Close()

	var captured bytes.Buffer
	if _, err := stdcopy.StdCopy(&captured, &captured, logs); err != nil && err != io.EOF {
		logger.Warn("fail to copy container logs", zap.Error(err))
	}
	return exitCode, stripANSI(captured.String()) + output.String(), nil
}

// waitContainer starts the container and waits for it within RunTimeout.
// Runtime errors and timeouts yield -1 with the error appended to output;
// a container removed underneath us counts as cancelled.
func (b *Builder) waitContainer(ctx context.Context, containerID string, output *bytes.Buffer, logger *zap.Logger) int {
	startCtx, cancel := context.WithTimeout(ctx, b.opts.APITimeout)
	err := b.docker.ContainerStart(startCtx, containerID, container.StartOptions{})
	cancel()
	if err != nil {
		logger.Error("docker error", zap.Error(err))
		fmt.Fprintf(output, "\n%v\n", err)
		return -1
	}
	b.status.Report(ctx, bitbucket.StateInProgress, "Running tests in Docker container")

	runCtx, runCancel := context.WithTimeout(ctx, b.opts.RunTimeout)
	defer runCancel()
	statusCh, errCh := b.docker.ContainerWait(runCtx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if errdefs.IsNotFound(err) {
			return ExitCancelled
		}
		if runCtx.Err() == context.DeadlineExceeded {
			logger.Warn("container run timeout", zap.Duration("timeout", b.opts.RunTimeout))
			fmt.Fprintf(output, "\nbuild timed out after %s\n", b.opts.RunTimeout)
		} else {
			logger.Error("docker error", zap.Error(err))
			fmt.Fprintf(output, "\n%v\n", err)
		}
		return -1
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			fmt.Fprintf(output, "\n%s\n", status.Error.Message)
		}
		logger.Info("container exited", zap.Int64("exit_code", status.StatusCode))
		return int(status.StatusCode)
	}
}
