package ci

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

type EventType string

const (
	EventCommit      EventType = "commit"
	EventBranch      EventType = "branch"
	EventTag         EventType = "tag"
	EventPullRequest EventType = "pullrequest"
)

// BuildDir is where the clone is mounted inside build containers.
const BuildDir = "/mnt/src"

// DefaultCloneDepth is the shallow clone depth of webhook-triggered builds.
const DefaultCloneDepth = 50

// Ref points at a commit on a branch (or tag) of a repository.
type Ref struct {
	Repository string `json:"repository"`
	Branch     string `json:"branch"`
	Commit     string `json:"commit"`
}

// Context describes one triggering event. It is shared by reference across
// all pipeline stages; only Environment is mutated after construction.
type Context struct {
	TaskID     string
	Repository string
	RepoOwner  string
	RepoName   string
	Actor      string
	Type       EventType
	Message    string
	Source     Ref
	Target     *Ref
	PRID       int
	Rebuild    bool
	NoCache    bool
	SkipLint   bool
	CloneDepth int
	ClonePath  string

	Environment map[string]string
}

type Options struct {
	Repository string
	Actor      string
	Type       EventType
	Message    string
	Source     Ref
	Target     *Ref
	PRID       int
	Rebuild    bool
	NoCache    bool
	SkipLint   bool
	CloneDepth int
	// CloneRoot is the directory clones are placed under.
	CloneRoot string
}

func NewContext(opts Options) *Context {
	taskID := uuid.New().String()
	owner, name := splitRepository(opts.Repository)
	if opts.Source.Repository == "" {
		opts.Source.Repository = opts.Repository
	}
	depth := opts.CloneDepth
	if depth < 0 {
		depth = 0
	}

	ctx := &Context{
		TaskID:      taskID,
		Repository:  opts.Repository,
		RepoOwner:   owner,
		RepoName:    name,
		Actor:       opts.Actor,
		Type:        opts.Type,
		Message:     opts.Message,
		Source:      opts.Source,
		Target:      opts.Target,
		PRID:        opts.PRID,
		Rebuild:     opts.Rebuild,
		NoCache:     opts.NoCache,
		SkipLint:    opts.SkipLint,
		CloneDepth:  depth,
		ClonePath:   filepath.Join(opts.CloneRoot, "badwolf", taskID, name),
		Environment: make(map[string]string),
	}
	ctx.seedEnvironment()
	return ctx
}

func (c *Context) seedEnvironment() {
	c.Environment["CI"] = "true"
	c.Environment["CI_NAME"] = "badwolf"
	c.Environment["BADWOLF_COMMIT"] = c.Source.Commit
	c.Environment["BADWOLF_BUILD_DIR"] = BuildDir
	c.Environment["BADWOLF_REPO_SLUG"] = c.Repository
	if c.Type == EventTag {
		c.Environment["BADWOLF_TAG"] = c.Source.Branch
	} else {
		c.Environment["BADWOLF_BRANCH"] = c.Source.Branch
	}
	if c.PRID > 0 {
		c.Environment["BADWOLF_PULL_REQUEST"] = strconv.Itoa(c.PRID)
	}
}

// SetEnv injects a variable unless it is already defined.
func (c *Context) SetEnv(name, value string) {
	if _, ok := c.Environment[name]; ok {
		return
	}
	c.Environment[name] = value
}

func (c *Context) IsPullRequest() bool {
	return c.Type == EventPullRequest && c.PRID > 0
}

// SkipRequested reports whether the event message asks CI to skip the build.
func (c *Context) SkipRequested() bool {
	return SkipRequested(c.Message)
}

func SkipRequested(message string) bool {
	return strings.Contains(strings.ToLower(message), "ci skip")
}

func splitRepository(full string) (string, string) {
	owner, name, ok := strings.Cut(full, "/")
	if !ok {
		return "", full
	}
	return owner, name
}
