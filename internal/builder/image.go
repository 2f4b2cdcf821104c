package builder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"go.uber.org/zap"

	"github.com/bosondata/badwolf/internal/bitbucket"
	"github.com/bosondata/badwolf/internal/ci"
	"github.com/bosondata/badwolf/internal/common"
	"github.com/bosondata/badwolf/internal/spec"
)

const successMarker = "Successfully built"

// ImageName is the per-repository image tag, e.g. "deepanalyzer-badwolf".
func ImageName(repository string) string {
	return strings.ReplaceAll(repository, "/", "-")
}

// imageResult is the image a build runs in. Name is empty when the image
// could not be built; BuildLog then holds the reason.
type imageResult struct {
	Name     string
	BuildLog string
}

func (b *Builder) resolveImage(ctx context.Context, bctx *ci.Context, s *spec.Specification) (imageResult, error) {
	logger := common.GetLogger().With(zap.String("repo", bctx.Repository), zap.String("task_id", bctx.TaskID))
	name := ImageName(bctx.Repository)

	if !bctx.Rebuild && !bctx.NoCache {
		images, err := b.docker.ImageList(ctx, image.ListOptions{
			Filters: filters.NewArgs(filters.Arg("reference", name)),
		})
		if err != nil {
			return imageResult{}, err
		}
		if len(images) > 0 {
			logger.Info("reuse docker image", zap.String("image", name))
			return imageResult{Name: name}, nil
		}
	}

	var (
		buildContext io.Reader
		dockerfile   = "Dockerfile"
		log          strings.Builder
	)
	dockerfilePath := filepath.Join(bctx.ClonePath, s.Dockerfile)
	switch {
	case s.Image != "":
		if err := b.pullImage(ctx, s.Image, &log); err != nil {
			var streamErr *StreamError
			if errors.As(err, &streamErr) {
				logger.Warn("pull docker image failed", zap.String("image", s.Image), zap.Error(err))
				return imageResult{BuildLog: log.String()}, nil
			}
			return imageResult{}, err
		}
		tarball, err := archive.Generate("Dockerfile", fmt.Sprintf("FROM %s\n", s.Image))
		if err != nil {
			return imageResult{}, err
		}
		buildContext = tarball
	case fileExists(dockerfilePath):
		tarball, err := archive.TarWithOptions(bctx.ClonePath, &archive.TarOptions{})
		if err != nil {
			return imageResult{}, err
		}
		defer tarball.Close()
		buildContext = tarball
		dockerfile = s.Dockerfile
	default:
		logger.Warn("no Dockerfile found, using runner image",
			zap.String("dockerfile", s.Dockerfile), zap.String("image", b.opts.RunnerImage))
		tarball, err := archive.Generate("Dockerfile", fmt.Sprintf("FROM %s\n", b.opts.RunnerImage))
		if err != nil {
			return imageResult{}, err
		}
		buildContext = tarball
	}

	logger.Info("building docker image", zap.String("image", name))
	b.status.Report(ctx, bitbucket.StateInProgress, "Building Docker image")
	resp, err := b.docker.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:        []string{name},
		Dockerfile:  dockerfile,
		Remove:      true,
		ForceRemove: true,
		NoCache:     bctx.NoCache,
		PullParent:  bctx.NoCache,
	})
	if err != nil {
		return imageResult{}, err
	}
	defer resp.Body.Close()

	built, _, err := scanBuildLog(resp.Body, &log)
	if err != nil {
		return imageResult{}, err
	}
	if !built {
		return imageResult{BuildLog: log.String()}, nil
	}
	return imageResult{Name: name, BuildLog: log.String()}, nil
}

func (b *Builder) pullImage(ctx context.Context, ref string, log *strings.Builder) error {
	common.GetLogger().Info("pulling docker image", zap.String("image", ref))
	body, err := b.docker.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer body.Close()
	_, failure, err := scanBuildLog(body, log)
	if err != nil {
		return err
	}
	if failure != "" {
		return &StreamError{Image: ref, Message: failure}
	}
	return nil
}

// StreamError is an error message reported inside a Docker progress stream.
type StreamError struct {
	Image   string
	Message string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("docker image %s: %s", e.Image, e.Message)
}

// scanBuildLog copies a JSON message stream into log and reports whether
// the success marker was seen, along with the last error message of the
// stream. Error messages in the stream end the build.
func scanBuildLog(r io.Reader, log *strings.Builder) (built bool, failure string, err error) {
	decoder := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return built, failure, nil
			}
			return built, failure, fmt.Errorf("decoding docker build output: %w", err)
		}
		var line string
		switch {
		case msg.Error != nil:
			line = msg.Error.Message + "\n"
		case msg.ErrorMessage != "":
			line = msg.ErrorMessage + "\n"
		case msg.Stream != "":
			line = msg.Stream
		case msg.Status != "":
			line = strings.TrimSpace(msg.ID+" "+msg.Status) + "\n"
		default:
			continue
		}
		if msg.Error != nil || msg.ErrorMessage != "" {
			built = false
			failure = strings.TrimSpace(line)
		} else if strings.Contains(line, successMarker) {
			built = true
		}
		log.WriteString(stripANSI(line))
		common.GetLogger().Debug("docker build", zap.String("line", strings.TrimSpace(line)))
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
