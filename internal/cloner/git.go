package cloner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/bosondata/badwolf/internal/common"
)

// GitError is a failed git command. Output holds stdout and stderr since
// git reports merge conflicts on stdout.
type GitError struct {
	Args   []string
	Output string
	Err    error
}

func (e *GitError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Output != "" {
		msg += "\n" + e.Output
	}
	return common.SanitizeSensitiveData(msg)
}

func (e *GitError) Unwrap() error {
	return e.Err
}

func IsGitError(err error) bool {
	var gitErr *GitError
	return errors.As(err, &gitErr)
}

// IsMergeConflict reports whether err is a git merge stopped by conflicts.
func IsMergeConflict(err error) bool {
	var gitErr *GitError
	return errors.As(err, &gitErr) && strings.Contains(gitErr.Output, "Merge conflict")
}

// Repository runs git commands inside one working tree via "git -C".
type Repository struct {
	dir string
}

func NewRepository(dir string) *Repository {
	return &Repository{dir: dir}
}

func (r *Repository) Dir() string {
	return r.dir
}

// Run executes git in the repository and returns trimmed stdout.
func (r *Repository) Run(ctx context.Context, args ...string) (string, error) {
	return run(ctx, append([]string{"-C", r.dir}, args...)...)
}

func run(ctx context.Context, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(cmd.Environ(), "GIT_TERMINAL_PROMPT=0")
	if err := cmd.Run(); err != nil {
		output := strings.TrimSpace(stdout.String() + "\n" + stderr.String())
		return "", &GitError{Args: args, Output: output, Err: err}
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Clone clones url into dir. depth > 0 makes a shallow clone of branch.
func Clone(ctx context.Context, url, dir string, depth int, branch string) (*Repository, error) {
	args := []string{"clone"}
	if depth > 0 {
		args = append(args, "--depth", strconv.Itoa(depth))
		if branch != "" {
			args = append(args, "--branch", branch)
		}
	}
	args = append(args, url, dir)
	if _, err := run(ctx, args...); err != nil {
		return nil, err
	}
	return NewRepository(dir), nil
}

func (r *Repository) Checkout(ctx context.Context, ref string) error {
	_, err := r.Run(ctx, "checkout", "--quiet", ref)
	return err
}

func (r *Repository) Fetch(ctx context.Context, remote, branch string) error {
	_, err := r.Run(ctx, "fetch", remote, branch)
	return err
}

// Unshallow converts a shallow clone into a complete one.
func (r *Repository) Unshallow(ctx context.Context) error {
	shallow, err := r.Run(ctx, "rev-parse", "--is-shallow-repository")
	if err != nil {
		return err
	}
	if shallow != "true" {
		return nil
	}
	_, err = r.Run(ctx, "fetch", "--unshallow")
	return err
}

func (r *Repository) AddRemote(ctx context.Context, name, url string) error {
	_, err := r.Run(ctx, "remote", "add", name, url)
	return err
}

func (r *Repository) Merge(ctx context.Context, ref string) error {
	_, err := r.Run(ctx,
		"-c", "user.name=badwolf", "-c", "user.email=badwolf@localhost",
		"merge", "--no-edit", ref)
	return err
}

// ConflictedFiles lists paths with unresolved merge conflicts.
func (r *Repository) ConflictedFiles(ctx context.Context) ([]string, error) {
	out, err := r.Run(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

func (r *Repository) SubmoduleUpdate(ctx context.Context) error {
	_, err := r.Run(ctx, "submodule", "update", "--init", "--recursive")
	return err
}

func (r *Repository) Head(ctx context.Context) (string, error) {
	return r.Run(ctx, "rev-parse", "HEAD")
}
