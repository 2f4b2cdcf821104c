package ci

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewContextSeedsEnvironment(t *testing.T) {
	root := t.TempDir()
	ctx := NewContext(Options{
		Repository: "deepanalyzer/badwolf",
		Type:       EventPullRequest,
		Message:    "add feature",
		Source:     Ref{Branch: "feature", Commit: "abc123"},
		Target:     &Ref{Repository: "deepanalyzer/badwolf", Branch: "master"},
		PRID:       42,
		CloneDepth: 50,
		CloneRoot:  root,
	})

	require.NotEmpty(t, ctx.TaskID)
	assert.Equal(t, "deepanalyzer", ctx.RepoOwner)
	assert.Equal(t, "badwolf", ctx.RepoName)
	assert.Equal(t, "deepanalyzer/badwolf", ctx.Source.Repository)
	assert.Equal(t, filepath.Join(root, "badwolf", ctx.TaskID, "badwolf"), ctx.ClonePath)
	assert.Equal(t, "true", ctx.Environment["CI"])
	assert.Equal(t, "abc123", ctx.Environment["BADWOLF_COMMIT"])
	assert.Equal(t, "feature", ctx.Environment["BADWOLF_BRANCH"])
	assert.Equal(t, "deepanalyzer/badwolf", ctx.Environment["BADWOLF_REPO_SLUG"])
	assert.Equal(t, "42", ctx.Environment["BADWOLF_PULL_REQUEST"])
	assert.True(t, ctx.IsPullRequest())
}

func TestTagContextEnvironment(t *testing.T) {
	ctx := NewContext(Options{
		Repository: "a/b",
		Type:       EventTag,
		Source:     Ref{Branch: "v1.0.0", Commit: "c"},
	})
	assert.Equal(t, "v1.0.0", ctx.Environment["BADWOLF_TAG"])
	_, ok := ctx.Environment["BADWOLF_BRANCH"]
	assert.False(t, ok)
	assert.False(t, ctx.IsPullRequest())
}

func TestTaskIDsAreUnique(t *testing.T) {
	a := NewContext(Options{Repository: "a/b"})
	b := NewContext(Options{Repository: "a/b"})
	assert.NotEqual(t, a.TaskID, b.TaskID)
	assert.NotEqual(t, a.ClonePath, b.ClonePath)
}

func TestSetEnvKeepsExisting(t *testing.T) {
	ctx := NewContext(Options{Repository: "a/b", Source: Ref{Commit: "c"}})
	ctx.SetEnv("BADWOLF_COMMIT", "other")
	ctx.SetEnv("SECRET", "s3cr3t")
	assert.Equal(t, "c", ctx.Environment["BADWOLF_COMMIT"])
	assert.Equal(t, "s3cr3t", ctx.Environment["SECRET"])
}

func TestSkipRequested(t *testing.T) {
	ctx := NewContext(Options{Repository: "a/b", Type: EventCommit, Message: "fix bug [ci skip]", Source: Ref{Branch: "master"}})
	assert.True(t, ctx.SkipRequested())
	assert.False(t, SkipRequested("fix bug"))
	assert.True(t, SkipRequested("[CI SKIP] docs"))
}
