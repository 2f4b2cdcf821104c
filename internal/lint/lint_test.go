package lint

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosondata/badwolf/internal/bitbucket"
	"github.com/bosondata/badwolf/internal/ci"
	"github.com/bosondata/badwolf/internal/logpage"
	"github.com/bosondata/badwolf/internal/spec"
)

const appDiff = `diff --git a/app.py b/app.py
index 1111111..2222222 100644
--- a/app.py
+++ b/app.py
@@ -1,8 +1,9 @@
 import os
 import sys
 
-def main():
+def main(argv):
+    print(argv)
     pass
 
 
 x = 1
diff --git a/README.md b/README.md
index 3333333..4444444 100644
--- a/README.md
+++ b/README.md
@@ -1 +1 @@
-old
+new
`

func TestLimitToChanges(t *testing.T) {
	changes, err := ParseDiff(appDiff)
	require.NoError(t, err)

	set := NewProblemSet()
	set.Add(
		Problem{Filename: "app.py", Line: 4, Message: "added", Linter: "flake8", IsError: true},
		Problem{Filename: "app.py", Line: 5, Message: "added too", Linter: "flake8", IsError: true},
		Problem{Filename: "app.py", Line: 7, Message: "context", Linter: "flake8", IsError: true},
		Problem{Filename: "app.py", Line: 9, Message: "far away", Linter: "flake8", IsError: true},
		Problem{Filename: "app.py", Line: 40, Message: "outside hunk", Linter: "flake8", IsError: true},
		Problem{Filename: "other.py", Line: 1, Message: "unchanged file", Linter: "flake8", IsError: true},
	)
	set.Add(Problem{Filename: "app.py", Line: 4, Message: "added", Linter: "flake8", IsError: true})
	require.Equal(t, 6, set.Len())

	set.SetChanges(changes)
	set.LimitToChanges()
	items := set.Items()
	require.Len(t, items, 3)

	assert.Equal(t, Problem{Filename: "app.py", Line: 4, Message: "added", Linter: "flake8", IsError: true, HasLineChange: true}, items[0])
	assert.Equal(t, 5, items[1].Line)
	assert.True(t, items[1].HasLineChange)
	// new line 7 is old line 6
	assert.Equal(t, "context", items[2].Message)
	assert.Equal(t, 6, items[2].Line)
	assert.False(t, items[2].HasLineChange)
}

const deletionDiff = `diff --git a/app.py b/app.py
index 1111111..2222222 100644
--- a/app.py
+++ b/app.py
@@ -1,10 +1,9 @@
 import os
 import sys
-import json
 
 
 def main():
     pass
 
 
 x = 1
`

func TestLimitToChangesDeletionOnly(t *testing.T) {
	changes, err := ParseDiff(deletionDiff)
	require.NoError(t, err)

	set := NewProblemSet()
	set.Add(
		Problem{Filename: "app.py", Line: 4, Message: "after deletion", Linter: "flake8", IsError: true},
		Problem{Filename: "app.py", Line: 2, Message: "before deletion", Linter: "flake8", IsError: true},
		Problem{Filename: "app.py", Line: 9, Message: "far away", Linter: "flake8", IsError: true},
	)
	set.SetChanges(changes)
	set.LimitToChanges()
	items := set.Items()
	require.Len(t, items, 2)

	byMessage := make(map[string]Problem)
	for _, p := range items {
		byMessage[p.Message] = p
	}
	// new line 4 is old line 5
	assert.Equal(t, 5, byMessage["after deletion"].Line)
	assert.False(t, byMessage["after deletion"].HasLineChange)
	assert.Equal(t, 2, byMessage["before deletion"].Line)
	assert.NotContains(t, byMessage, "far away")
}

func TestLimitToChangesWithoutDiff(t *testing.T) {
	set := NewProblemSet()
	set.Add(Problem{Filename: "a.py", Line: 1, Message: "m", Linter: "flake8"})
	set.LimitToChanges()
	assert.Equal(t, 1, set.Len())
}

func TestChangedFiles(t *testing.T) {
	changes, err := ParseDiff(appDiff + `diff --git a/gone.py b/gone.py
deleted file mode 100644
index 5555555..0000000
--- a/gone.py
+++ /dev/null
@@ -1 +0,0 @@
-x = 1
`)
	require.NoError(t, err)
	assert.Equal(t, []string{"app.py", "README.md"}, ChangedFiles(changes))
}

func TestMatcher(t *testing.T) {
	m := newMatcher("", "*.py")
	assert.True(t, m.Match("app.py"))
	assert.True(t, m.Match("pkg/sub/app.py"))
	assert.False(t, m.Match("README.md"))

	m = newMatcher("src/**/*.js *.jsx", "*.js")
	assert.True(t, m.Match("src/a/b/c.js"))
	assert.True(t, m.Match("web/app.jsx"))
	assert.False(t, m.Match("lib/c.js"))

	m = newMatcher(`^scripts/.+\.sh$`, "*.sh")
	assert.True(t, m.Match("scripts/deploy.sh"))
	assert.False(t, m.Match("deploy.sh"))
}

func TestParseCheckstyle(t *testing.T) {
	output := `<?xml version="1.0" encoding="utf-8"?>
<checkstyle version="4.3">
<file name="/work/src/a.sh">
<error line="3" column="1" severity="error" message="Double quote" source="SC2086" />
<error line="4,6" column="1" severity="warning" message="Unused" source="SC2034" />
<error line="9" column="1" severity="info" message="Style" source="SC2001" />
<error line="undefined" column="1" severity="error" message="bad" source="x" />
</file>
</checkstyle>`
	problems, err := parseCheckstyle("shellcheck", "/work", output)
	require.NoError(t, err)
	require.Len(t, problems, 3)
	assert.Equal(t, Problem{Filename: "src/a.sh", Line: 3, Message: "Double quote", Linter: "shellcheck", IsError: true}, problems[0])
	assert.Equal(t, 6, problems[2].Line)
	assert.False(t, problems[2].IsError)
}

func TestParseLines(t *testing.T) {
	p, ok := parseColonError("app.py:12:5: E501 line too long (90 > 79 characters)")
	require.True(t, ok)
	assert.Equal(t, Problem{Filename: "app.py", Line: 12, Message: "E501 line too long (90 > 79 characters)", IsError: true}, p)

	p, ok = parseColonError("app.py:3: [C0111] Missing docstring")
	require.True(t, ok)
	assert.Equal(t, "[C0111] Missing docstring", p.Message)

	_, ok = parseColonError("************* Module app")
	assert.False(t, ok)

	problems, err := parseBanditCSV("bandit", "/work", "filename,test_name,test_id,issue_severity,issue_confidence,issue_text,line_number,line_range\n"+
		"app.py,assert_used,B101,LOW,HIGH,Use of assert detected.,10,[10]\n")
	require.NoError(t, err)
	require.Len(t, problems, 1)
	assert.Equal(t, "[assert_used] Use of assert detected.", problems[0].Message)
	assert.False(t, problems[0].IsError)
}

func TestResultDescription(t *testing.T) {
	assert.Equal(t, "No code issues found", Result{}.Description())
	assert.Equal(t, "Found 2 new issues", Result{Total: 2, InDiff: 2}.Description())
	assert.Equal(t, "Found 5 issues, 2 issues in diff, 1 new issues 3 issues fixed",
		Result{Total: 5, InDiff: 2, Submitted: 1, Fixed: 3}.Description())
}

type fakePR struct {
	diff     string
	comments []bitbucket.Comment
	seq      int
	posted   int
	deleted  []int
}

func (f *fakePR) Diff(context.Context, int) (string, error) { return f.diff, nil }

func (f *fakePR) AllComments(context.Context, int) ([]bitbucket.Comment, error) {
	return append([]bitbucket.Comment(nil), f.comments...), nil
}

func (f *fakePR) Comment(_ context.Context, _ int, content string, opts bitbucket.CommentOptions) (*bitbucket.Comment, error) {
	f.seq++
	f.posted++
	inline := &bitbucket.Inline{Path: opts.Path}
	if opts.LineTo > 0 {
		to := opts.LineTo
		inline.To = &to
	} else {
		from := opts.LineFrom
		inline.From = &from
	}
	c := bitbucket.Comment{ID: f.seq, Content: bitbucket.Content{Raw: content}, Inline: inline}
	f.comments = append(f.comments, c)
	return &c, nil
}

func (f *fakePR) DeleteComment(_ context.Context, _ int, commentID int) error {
	f.deleted = append(f.deleted, commentID)
	for i, c := range f.comments {
		if c.ID == commentID {
			f.comments = append(f.comments[:i], f.comments[i+1:]...)
			break
		}
	}
	return nil
}

type statusLog struct {
	states []bitbucket.BuildState
	descs  []string
}

func (s *statusLog) Report(_ context.Context, state bitbucket.BuildState, description string) {
	s.states = append(s.states, state)
	s.descs = append(s.descs, description)
}

// stubLinter reports fixed problems for every matched file.
type stubLinter struct {
	matcher
	problems []Problem
}

func (s *stubLinter) Name() string       { return "flake8" }
func (s *stubLinter) Usable(string) bool { return true }
func (s *stubLinter) Lint(_ context.Context, _ string, files []string) ([]Problem, error) {
	return s.problems, nil
}

func prContext(t *testing.T) *ci.Context {
	return ci.NewContext(ci.Options{
		Repository: "deepanalyzer/badwolf",
		Type:       ci.EventPullRequest,
		Source:     ci.Ref{Branch: "feature", Commit: "abc123"},
		Target:     &ci.Ref{Repository: "deepanalyzer/badwolf", Branch: "master"},
		PRID:       7,
		CloneRoot:  t.TempDir(),
	})
}

func TestProcessIdempotent(t *testing.T) {
	pr := &fakePR{diff: appDiff}
	linter := &stubLinter{matcher: newMatcher("", "*.py"), problems: []Problem{
		{Filename: "app.py", Line: 4, Message: "E302 expected 2 blank lines", Linter: "flake8", IsError: true},
		{Filename: "app.py", Line: 7, Message: "W291 trailing whitespace", Linter: "flake8", IsError: true},
	}}
	s := &spec.Specification{Linters: []spec.Linter{{Name: "flake8"}}}
	opts := ProcessorOptions{LogDir: t.TempDir(), Linters: func(spec.Linter) (Linter, bool) { return linter, true }}
	bctx := prContext(t)

	status := &statusLog{}
	res := NewProcessor(bctx, s, pr, status, opts).Process(context.Background())
	assert.Equal(t, 2, res.Submitted)
	assert.Equal(t, 0, res.Fixed)
	assert.Equal(t, []bitbucket.BuildState{bitbucket.StateInProgress, bitbucket.StateFailed}, status.states)
	assert.Equal(t, "Found 2 new issues", status.descs[1])
	require.Len(t, pr.comments, 2)
	assert.Equal(t, ":broken_heart: **flake8**: E302 expected 2 blank lines", pr.comments[0].Content.Raw)
	assert.NotNil(t, pr.comments[0].Inline.To)
	assert.NotNil(t, pr.comments[1].Inline.From)
	assert.FileExists(t, logpage.Path(opts.LogDir, bctx.Source.Commit, bctx.TaskID, logpage.LintLog))

	res = NewProcessor(bctx, s, pr, &statusLog{}, opts).Process(context.Background())
	assert.Equal(t, 0, res.Submitted)
	assert.Equal(t, 0, res.Fixed)
	assert.Equal(t, 2, pr.posted)
	assert.Empty(t, pr.deleted)

	// one finding fixed
	linter.problems = linter.problems[:1]
	res = NewProcessor(bctx, s, pr, &statusLog{}, opts).Process(context.Background())
	assert.Equal(t, 0, res.Submitted)
	assert.Equal(t, 1, res.Fixed)
	assert.Equal(t, []int{2}, pr.deleted)
}

func TestProcessReadmeOnly(t *testing.T) {
	pr := &fakePR{diff: `diff --git a/README.md b/README.md
index 3333333..4444444 100644
--- a/README.md
+++ b/README.md
@@ -1 +1 @@
-old
+new
`}
	bctx := prContext(t)
	require.NoError(t, os.MkdirAll(bctx.ClonePath, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bctx.ClonePath, "README.md"), []byte("new\n"), 0o644))
	s := &spec.Specification{Linters: []spec.Linter{{Name: "flake8"}}}
	linter := &stubLinter{matcher: newMatcher("", "*.py"), problems: []Problem{{Filename: "x.py", Line: 1, Message: "m", Linter: "flake8"}}}

	status := &statusLog{}
	res := NewProcessor(bctx, s, pr, status, ProcessorOptions{
		Linters: func(spec.Linter) (Linter, bool) { return linter, true },
	}).Process(context.Background())
	assert.True(t, res.Ran)
	assert.Equal(t, 0, res.Total)
	assert.Equal(t, bitbucket.StateSuccessful, status.states[len(status.states)-1])
	assert.Equal(t, "No code issues found", status.descs[len(status.descs)-1])
	assert.Zero(t, pr.posted)
}

func TestProcessNoLinters(t *testing.T) {
	status := &statusLog{}
	res := NewProcessor(prContext(t), &spec.Specification{}, &fakePR{diff: appDiff}, status, ProcessorOptions{}).Process(context.Background())
	assert.False(t, res.Ran)
	assert.Empty(t, status.states)
}

func TestNewLinter(t *testing.T) {
	l, ok := New(spec.Linter{Name: "pep8"})
	require.True(t, ok)
	assert.Equal(t, "pycodestyle", l.Name())
	_, ok = New(spec.Linter{Name: "nope"})
	assert.False(t, ok)

	eslint, _ := New(spec.Linter{Name: "eslint"})
	assert.True(t, eslint.Match("web/app.js"))
	assert.False(t, eslint.Match("web/app.min.js"))
}
