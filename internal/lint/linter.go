package lint

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/bosondata/badwolf/internal/spec"
)

// Linter runs one static analysis tool over the changed files of a
// pull request.
type Linter interface {
	Name() string
	// Usable reports whether the tool is installed.
	Usable(workDir string) bool
	Match(file string) bool
	Lint(ctx context.Context, workDir string, files []string) ([]Problem, error)
}

type factory func(conf spec.Linter) Linter

var registry = map[string]factory{
	"flake8":      newFlake8,
	"pycodestyle": newPycodestyle,
	"pep8":        newPycodestyle,
	"pylint":      newPylint,
	"mypy":        newMypy,
	"bandit":      newBandit,
	"yamllint":    newYamllint,
	"shellcheck":  newShellcheck,
	"eslint":      newESLint,
	"hadolint":    newHadolint,
	"jsonlint":    newJSONLint,
}

// New returns the linter configured by conf, or false for unknown names.
func New(conf spec.Linter) (Linter, bool) {
	f, ok := registry[conf.Name]
	if !ok {
		return nil, false
	}
	return f(conf), true
}

// Names lists the supported linters.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// matcher selects files by space separated patterns. Each pattern is tried as
// a glob first and as a regular expression when the glob does not match.
type matcher struct {
	patterns []string
}

func newMatcher(pattern, defaultPattern string) matcher {
	if strings.TrimSpace(pattern) == "" {
		pattern = defaultPattern
	}
	return matcher{patterns: strings.Fields(pattern)}
}

func (m matcher) Match(file string) bool {
	if len(m.patterns) == 0 {
		return true
	}
	file = filepath.ToSlash(file)
	for _, p := range m.patterns {
		if globMatch(p, file) || regexMatch(p, file) {
			return true
		}
	}
	return false
}

func globMatch(pattern, file string) bool {
	if ok, err := doublestar.Match(pattern, file); err == nil && ok {
		return true
	}
	if !strings.Contains(pattern, "/") {
		ok, err := doublestar.Match(pattern, path.Base(file))
		return err == nil && ok
	}
	return false
}

func regexMatch(pattern, file string) bool {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(file)
}

// base carries what every linter shares.
type base struct {
	name string
	matcher
	conf spec.Linter
}

func newBase(name, defaultPattern string, conf spec.Linter) base {
	return base{name: name, matcher: newMatcher(conf.Pattern, defaultPattern), conf: conf}
}

func (b base) Name() string { return b.name }

func inPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// npmBin returns the node_modules/.bin path of tool under workDir, if any.
func npmBin(workDir, tool string) string {
	p := filepath.Join(workDir, "node_modules", ".bin", tool)
	if info, err := os.Stat(p); err == nil && !info.IsDir() {
		return p
	}
	return ""
}

// runCommand runs a linter and returns its stdout, or stdout and stderr
// combined when includeErrors is set. Linters exit non-zero when they find
// problems, so exit errors are not failures.
func runCommand(ctx context.Context, workDir string, includeErrors bool, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = workDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	if includeErrors {
		cmd.Stderr = &stdout
	} else {
		cmd.Stderr = &stderr
	}
	err := cmd.Run()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return "", err
	}
	return stdout.String(), nil
}

func lines(output string) []string {
	var out []string
	for _, l := range strings.Split(output, "\n") {
		if strings.TrimSpace(l) != "" {
			out = append(out, strings.TrimRight(l, "\r"))
		}
	}
	return out
}

// relativize strips workDir from absolute paths reported by a tool.
func relativize(workDir, file string) string {
	if !filepath.IsAbs(file) {
		return strings.TrimPrefix(file, "./")
	}
	if rel, err := filepath.Rel(workDir, file); err == nil {
		return filepath.ToSlash(rel)
	}
	return file
}
