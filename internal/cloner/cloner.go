package cloner

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/bosondata/badwolf/internal/ci"
	"github.com/bosondata/badwolf/internal/common"
)

// URLResolver builds authenticated clone URLs. *bitbucket.Client implements it.
type URLResolver interface {
	GitURL(fullName string) (string, error)
}

// RepositoryCloner materializes the tree a pipeline builds: the pushed
// commit, or the pull request source merged into its destination.
type RepositoryCloner struct {
	resolver URLResolver
}

func New(resolver URLResolver) *RepositoryCloner {
	return &RepositoryCloner{resolver: resolver}
}

func (c *RepositoryCloner) Clone(ctx context.Context, bctx *ci.Context) error {
	logger := common.GetLogger().With(zap.String("repo", bctx.Repository), zap.String("task_id", bctx.TaskID))

	url, err := c.resolver.GitURL(bctx.Source.Repository)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(bctx.ClonePath), 0o755); err != nil {
		return err
	}

	branch := ""
	if bctx.CloneDepth > 0 {
		branch = bctx.Source.Branch
	}
	repo, err := Clone(ctx, url, bctx.ClonePath, bctx.CloneDepth, branch)
	if err != nil {
		return err
	}

	if bctx.Target != nil {
		if err := c.mergePullRequest(ctx, repo, bctx); err != nil {
			return err
		}
	} else {
		logger.Info("checkout commit", zap.String("commit", bctx.Source.Commit))
		if err := repo.Checkout(ctx, bctx.Source.Commit); err != nil {
			// the commit may be older than the shallow history
			if unshallowErr := repo.Unshallow(ctx); unshallowErr != nil {
				return err
			}
			if err := repo.Checkout(ctx, bctx.Source.Commit); err != nil {
				return err
			}
		}
	}

	if _, err := os.Stat(filepath.Join(bctx.ClonePath, ".gitmodules")); err == nil {
		if err := repo.SubmoduleUpdate(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (c *RepositoryCloner) mergePullRequest(ctx context.Context, repo *Repository, bctx *ci.Context) error {
	targetRemote := "origin"
	if bctx.Target.Repository != bctx.Source.Repository {
		// 跨 fork 的 PR
		targetRemote, _, _ = strings.Cut(bctx.Target.Repository, "/")
		url, err := c.resolver.GitURL(bctx.Target.Repository)
		if err != nil {
			return err
		}
		if err := repo.AddRemote(ctx, targetRemote, url); err != nil {
			return err
		}
	}
	if err := repo.Fetch(ctx, targetRemote, bctx.Target.Branch); err != nil {
		return err
	}
	if err := repo.Checkout(ctx, "FETCH_HEAD"); err != nil {
		return err
	}
	return repo.Merge(ctx, "origin/"+bctx.Source.Branch)
}

// ConflictedFiles lists conflicting paths left in a clone by a failed merge.
func ConflictedFiles(ctx context.Context, dir string) ([]string, error) {
	return NewRepository(dir).ConflictedFiles(ctx)
}
