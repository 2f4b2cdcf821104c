// Package dockertest provides an in-memory Docker engine for tests.
package dockertest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Container is a container known to the fake engine.
type Container struct {
	ID      string
	Config  *container.Config
	Host    *container.HostConfig
	Running bool
	Removed bool
}

type Fake struct {
	mu         sync.Mutex
	seq        int
	images     map[string]bool
	containers map[string]*Container
	order      []string

	// ExitCode is returned by ContainerWait.
	ExitCode int64
	// Output is written to the container stdout.
	Output string
	// BuildFails makes ImageBuild stream an error instead of the success marker.
	BuildFails bool
	// PullFails makes ImagePull stream an error message.
	PullFails bool
	// CreateErr fails ContainerCreate.
	CreateErr error
	// Block makes ContainerWait wait until the container is removed.
	Block bool

	Built   []types.ImageBuildOptions
	Pulled  []string
	started chan string
	removed map[string]chan struct{}
}

func New() *Fake {
	return &Fake{
		images:     make(map[string]bool),
		containers: make(map[string]*Container),
		started:    make(chan string, 16),
		removed:    make(map[string]chan struct{}),
	}
}

// AddImage marks an image as present.
func (f *Fake) AddImage(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[name] = true
}

// Started delivers the id of each started container.
func (f *Fake) Started() <-chan string {
	return f.started
}

// AddRunning registers a running container carrying labels.
func (f *Fake) AddRunning(labels map[string]string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID()
	f.containers[id] = &Container{ID: id, Config: &container.Config{Labels: labels}, Running: true}
	f.order = append(f.order, id)
	f.removed[id] = make(chan struct{})
	return id
}

func (f *Fake) Container(id string) (Container, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return Container{}, false
	}
	return *c, true
}

// Containers lists every container ever created, in creation order.
func (f *Fake) Containers() []Container {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := make([]Container, 0, len(f.order))
	for _, id := range f.order {
		list = append(list, *f.containers[id])
	}
	return list
}

func (f *Fake) nextID() string {
	f.seq++
	return fmt.Sprintf("container-%d", f.seq)
}

func (f *Fake) ImageList(_ context.Context, options image.ListOptions) ([]image.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var list []image.Summary
	for _, ref := range options.Filters.Get("reference") {
		if f.images[ref] {
			list = append(list, image.Summary{ID: ref, RepoTags: []string{ref + ":latest"}})
		}
	}
	return list, nil
}

func (f *Fake) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	f.Pulled = append(f.Pulled, ref)
	fails := f.PullFails
	f.mu.Unlock()
	if fails {
		return stream(
			jsonmessage.JSONMessage{Status: "Pulling from " + ref},
			jsonmessage.JSONMessage{Error: &jsonmessage.JSONError{Message: "manifest for " + ref + " not found"}},
		), nil
	}
	return stream(jsonmessage.JSONMessage{Status: "Pulling from " + ref}), nil
}

func (f *Fake) ImageBuild(_ context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error) {
	_, _ = io.Copy(io.Discard, buildContext)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Built = append(f.Built, options)
	if f.BuildFails {
		return types.ImageBuildResponse{Body: stream(
			jsonmessage.JSONMessage{Stream: "Step 1/1 : FROM nothing\n"},
			jsonmessage.JSONMessage{Error: &jsonmessage.JSONError{Message: "pull access denied"}},
		)}, nil
	}
	for _, tag := range options.Tags {
		f.images[tag] = true
	}
	return types.ImageBuildResponse{Body: stream(
		jsonmessage.JSONMessage{Stream: "Step 1/1 : FROM base\n"},
		jsonmessage.JSONMessage{Stream: "Successfully built 0123456789ab\n"},
	)}, nil
}

func (f *Fake) ContainerCreate(_ context.Context, config *container.Config, hostConfig *container.HostConfig,
	_ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return container.CreateResponse{}, f.CreateErr
	}
	id := f.nextID()
	f.containers[id] = &Container{ID: id, Config: config, Host: hostConfig}
	f.order = append(f.order, id)
	f.removed[id] = make(chan struct{})
	return container.CreateResponse{ID: id}, nil
}

func (f *Fake) ContainerStart(_ context.Context, containerID string, _ container.StartOptions) error {
	f.mu.Lock()
	c, ok := f.containers[containerID]
	if !ok || c.Removed {
		f.mu.Unlock()
		return errdefs.NotFound(fmt.Errorf("no such container: %s", containerID))
	}
	c.Running = true
	f.mu.Unlock()
	select {
	case f.started <- containerID:
	default:
	}
	return nil
}

func (f *Fake) ContainerWait(ctx context.Context, containerID string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)

	f.mu.Lock()
	removed, ok := f.removed[containerID]
	block := f.Block
	exitCode := f.ExitCode
	f.mu.Unlock()
	if !ok {
		errCh <- errdefs.NotFound(fmt.Errorf("no such container: %s", containerID))
		return statusCh, errCh
	}
	if !block {
		f.stop(containerID)
		statusCh <- container.WaitResponse{StatusCode: exitCode}
		return statusCh, errCh
	}
	go func() {
		select {
		case <-removed:
			errCh <- errdefs.NotFound(fmt.Errorf("no such container: %s", containerID))
		case <-ctx.Done():
			errCh <- ctx.Err()
		}
	}()
	return statusCh, errCh
}

func (f *Fake) stop(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		c.Running = false
	}
}

func (f *Fake) ContainerLogs(_ context.Context, containerID string, _ container.LogsOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok || c.Removed {
		return nil, errdefs.NotFound(fmt.Errorf("no such container: %s", containerID))
	}
	var buf bytes.Buffer
	_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.Output))
	return io.NopCloser(&buf), nil
}

func (f *Fake) ContainerRemove(_ context.Context, containerID string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok || c.Removed {
		return errdefs.NotFound(fmt.Errorf("no such container: %s", containerID))
	}
	c.Removed = true
	c.Running = false
	close(f.removed[containerID])
	return nil
}

// ContainerList supports the "label" filter with key=value terms.
func (f *Fake) ContainerList(_ context.Context, options container.ListOptions) ([]types.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var list []types.Container
	for _, id := range f.order {
		c := f.containers[id]
		if c.Removed || (!c.Running && !options.All) {
			continue
		}
		if !matchLabels(c.Config.Labels, options.Filters.Get("label")) {
			continue
		}
		labels := make(map[string]string, len(c.Config.Labels))
		for k, v := range c.Config.Labels {
			labels[k] = v
		}
		list = append(list, types.Container{ID: id, Labels: labels, State: "running"})
	}
	return list, nil
}

func matchLabels(labels map[string]string, terms []string) bool {
	for _, term := range terms {
		key, value, hasValue := strings.Cut(term, "=")
		got, ok := labels[key]
		if !ok || (hasValue && got != value) {
			return false
		}
	}
	return true
}

func stream(msgs ...jsonmessage.JSONMessage) io.ReadCloser {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, m := range msgs {
		_ = enc.Encode(m)
	}
	return io.NopCloser(&buf)
}
