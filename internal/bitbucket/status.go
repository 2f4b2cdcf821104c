package bitbucket

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"go.uber.org/zap"

	"github.com/bosondata/badwolf/internal/common"
)

type BuildState string

const (
	StateInProgress BuildState = "INPROGRESS"
	StateSuccessful BuildState = "SUCCESSFUL"
	StateFailed     BuildState = "FAILED"
	StateStopped    BuildState = "STOPPED"
)

type Status struct {
	Key         string     `json:"key"`
	State       BuildState `json:"state"`
	URL         string     `json:"url"`
	Name        string     `json:"name,omitempty"`
	Description string     `json:"description,omitempty"`
}

// BuildStatus is the commit status of one key (badwolf/test, badwolf/lint...).
type BuildStatus struct {
	client   *Client
	Repo     string
	Revision string
	Key      string
	URL      string

	mu   sync.Mutex
	last *Status
}

func NewBuildStatus(client *Client, repo, revision, key, statusURL string) *BuildStatus {
	return &BuildStatus{client: client, Repo: repo, Revision: revision, Key: key, URL: statusURL}
}

func (s *BuildStatus) Get(ctx context.Context) (*Status, error) {
	var status Status
	path := fmt.Sprintf("2.0/repositories/%s/commit/%s/statuses/build/%s", s.Repo, s.Revision, url.PathEscape(s.Key))
	if err := s.client.Get(ctx, path, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (s *BuildStatus) Update(ctx context.Context, state BuildState, description string) error {
	status := Status{Key: s.Key, State: state, URL: s.URL, Description: description}
	path := fmt.Sprintf("2.0/repositories/%s/commit/%s/statuses/build", s.Repo, s.Revision)
	if err := s.client.Post(ctx, path, status, nil); err != nil {
		return err
	}
	s.mu.Lock()
	s.last = &status
	s.mu.Unlock()
	return nil
}

// Report updates the status and logs failures instead of returning them.
// Re-reporting the last successfully posted state and description is a no-op.
func (s *BuildStatus) Report(ctx context.Context, state BuildState, description string) {
	s.mu.Lock()
	same := s.last != nil && s.last.State == state && s.last.Description == description
	s.mu.Unlock()
	if same {
		return
	}
	if err := s.Update(ctx, state, description); err != nil {
		common.GetLogger().Error("update build status failed",
			zap.String("repo", s.Repo),
			zap.String("commit", s.Revision),
			zap.String("key", s.Key),
			zap.String("state", string(state)),
			zap.Error(err),
		)
	}
}
