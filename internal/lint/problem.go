package lint

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// ChangeWindow is how far, in lines, a finding may sit from an added or
// deleted line and still be reported.
const ChangeWindow = 3

// Problem is one lint finding.
type Problem struct {
	Filename string
	Line     int
	Message  string
	Linter   string
	IsError  bool
	// HasLineChange is set when Line is an added line of the diff. Otherwise
	// Line refers to the file before the change.
	HasLineChange bool
}

func (p Problem) String() string {
	return fmt.Sprintf("%s:%d %s", p.Filename, p.Line, p.Message)
}

type problemKey struct {
	filename string
	line     int
	message  string
	linter   string
}

func (p Problem) key() problemKey {
	return problemKey{p.Filename, p.Line, p.Message, p.Linter}
}

// ProblemSet collects findings of all linters for one pull request.
type ProblemSet struct {
	items   []Problem
	seen    map[problemKey]struct{}
	changes []*diff.FileDiff
}

func NewProblemSet() *ProblemSet {
	return &ProblemSet{seen: make(map[problemKey]struct{})}
}

// Add records a finding; duplicates are dropped.
func (s *ProblemSet) Add(problems ...Problem) {
	for _, p := range problems {
		k := p.key()
		if _, ok := s.seen[k]; ok {
			continue
		}
		s.seen[k] = struct{}{}
		s.items = append(s.items, p)
	}
}

func (s *ProblemSet) SetChanges(changes []*diff.FileDiff) {
	s.changes = changes
}

func (s *ProblemSet) Len() int { return len(s.items) }

// Items returns the findings ordered by file and line.
func (s *ProblemSet) Items() []Problem {
	items := append([]Problem(nil), s.items...)
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Filename != items[j].Filename {
			return items[i].Filename < items[j].Filename
		}
		return items[i].Line < items[j].Line
	})
	return items
}

func (s *ProblemSet) HasError() bool {
	for _, p := range s.items {
		if p.IsError {
			return true
		}
	}
	return false
}

// LimitToChanges drops findings away from the changed lines. A finding on an
// added line keeps its new-file line. A finding on a context line within
// ChangeWindow of an added or deleted line is moved to its pre-change line
// number.
// Without changes the set is left untouched.
func (s *ProblemSet) LimitToChanges() {
	if len(s.changes) == 0 {
		return
	}
	index := make(map[string][]hunkLines)
	for _, fd := range s.changes {
		name := FileName(fd)
		if name == "" {
			continue
		}
		for _, h := range fd.Hunks {
			index[name] = append(index[name], parseHunk(h))
		}
	}

	kept := s.items[:0]
	for _, p := range s.items {
		if limited, ok := limit(p, index[p.Filename]); ok {
			kept = append(kept, limited)
		}
	}
	s.items = kept
	s.seen = make(map[problemKey]struct{}, len(kept))
	for _, p := range kept {
		s.seen[p.key()] = struct{}{}
	}
}

func limit(p Problem, hunks []hunkLines) (Problem, bool) {
	for _, h := range hunks {
		for _, l := range h.lines {
			if l.target != p.Line {
				continue
			}
			if l.added {
				p.HasLineChange = true
				return p, true
			}
			if h.nearChange(l.target) {
				p.HasLineChange = false
				p.Line = l.source
				return p, true
			}
			return p, false
		}
	}
	return p, false
}

type diffLine struct {
	source int
	target int
	added  bool
}

// hunkLines holds the lines of a hunk that exist in the new file. changed
// are new-file positions of added lines and of the line a deletion sits
// before.
type hunkLines struct {
	lines   []diffLine
	changed []int
}

func (h hunkLines) nearChange(target int) bool {
	for _, c := range h.changed {
		if abs(c-target) <= ChangeWindow {
			return true
		}
	}
	return false
}

func parseHunk(h *diff.Hunk) hunkLines {
	var out hunkLines
	source, target := int(h.OrigStartLine), int(h.NewStartLine)
	for _, raw := range bytes.Split(h.Body, []byte("\n")) {
		if len(raw) == 0 {
			continue
		}
		switch raw[0] {
		case '+':
			out.lines = append(out.lines, diffLine{target: target, added: true})
			out.changed = append(out.changed, target)
			target++
		case '-':
			out.changed = append(out.changed, target)
			source++
		case ' ':
			out.lines = append(out.lines, diffLine{source: source, target: target})
			source++
			target++
		}
	}
	return out
}

// FileName is the path of a changed file in the new tree, or "" when the
// file was deleted.
func FileName(fd *diff.FileDiff) string {
	if fd.NewName == "/dev/null" || fd.NewName == "" {
		return ""
	}
	return strings.TrimPrefix(fd.NewName, "b/")
}

// ChangedFiles lists the added and modified files of a diff.
func ChangedFiles(changes []*diff.FileDiff) []string {
	var files []string
	seen := make(map[string]bool)
	for _, fd := range changes {
		name := FileName(fd)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		files = append(files, name)
	}
	return files
}

// ParseDiff parses a unified multi-file diff.
func ParseDiff(raw string) ([]*diff.FileDiff, error) {
	return diff.ParseMultiFileDiff([]byte(raw))
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
