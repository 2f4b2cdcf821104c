package lint

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/bosondata/badwolf/internal/bitbucket"
	"github.com/bosondata/badwolf/internal/ci"
	"github.com/bosondata/badwolf/internal/common"
	"github.com/bosondata/badwolf/internal/logpage"
	"github.com/bosondata/badwolf/internal/spec"
)

// CommentMarker starts every comment posted for a finding.
const CommentMarker = ":broken_heart: **"

// MaxComments bounds the new comments posted per run.
const MaxComments = 50

// PullRequestAPI is the pull request surface lint needs.
// *bitbucket.PullRequests implements it.
type PullRequestAPI interface {
	Diff(ctx context.Context, id int) (string, error)
	AllComments(ctx context.Context, id int) ([]bitbucket.Comment, error)
	Comment(ctx context.Context, id int, content string, opts bitbucket.CommentOptions) (*bitbucket.Comment, error)
	DeleteComment(ctx context.Context, id, commentID int) error
}

// StatusReporter posts the badwolf/lint commit status.
type StatusReporter interface {
	Report(ctx context.Context, state bitbucket.BuildState, description string)
}

// Result summarizes one lint run.
type Result struct {
	Total     int
	InDiff    int
	Submitted int
	Fixed     int
	HasError  bool
	Ran       bool
}

// Description is the status text of a finished run.
func (r Result) Description() string {
	if r.Total == 0 {
		return "No code issues found"
	}
	var desc string
	if r.InDiff == r.Total {
		desc = fmt.Sprintf("Found %d new issues", r.Total)
	} else {
		desc = fmt.Sprintf("Found %d issues, %d issues in diff", r.Total, r.InDiff)
		if r.Submitted > 0 {
			desc += fmt.Sprintf(", %d new issues", r.Submitted)
		}
	}
	if r.Fixed > 0 {
		desc += fmt.Sprintf(" %d issues fixed", r.Fixed)
	}
	return desc
}

type ProcessorOptions struct {
	LogDir string
	// Linters overrides the linter lookup, mostly for tests.
	Linters func(conf spec.Linter) (Linter, bool)
}

// Processor lints a pull request and reconciles its inline comments.
type Processor struct {
	bctx     *ci.Context
	spec     *spec.Specification
	pr       PullRequestAPI
	status   StatusReporter
	opts     ProcessorOptions
	problems *ProblemSet
}

func NewProcessor(bctx *ci.Context, s *spec.Specification, pr PullRequestAPI, status StatusReporter, opts ProcessorOptions) *Processor {
	if opts.Linters == nil {
		opts.Linters = New
	}
	return &Processor{bctx: bctx, spec: s, pr: pr, status: status, opts: opts, problems: NewProblemSet()}
}

func (p *Processor) Problems() *ProblemSet { return p.problems }

func (p *Processor) Process(ctx context.Context) Result {
	logger := common.GetLogger().With(
		zap.String("repo", p.bctx.Repository),
		zap.Int("pr", p.bctx.PRID),
		zap.String("task_id", p.bctx.TaskID),
	)
	if len(p.spec.Linters) == 0 {
		logger.Info("no linters configured, ignore lint")
		return Result{}
	}

	logger.Info("running code linting")
	raw, err := p.pr.Diff(ctx, p.bctx.PRID)
	if err != nil {
		logger.Error("get pull request diff failed, ignore lint", zap.Error(err))
		return Result{}
	}
	changes, err := ParseDiff(raw)
	if err != nil {
		logger.Error("parse pull request diff failed, ignore lint", zap.Error(err))
		return Result{}
	}
	p.problems.SetChanges(changes)
	files := ChangedFiles(changes)
	if len(files) == 0 {
		logger.Info("no changed files found, ignore lint")
		return Result{}
	}

	p.status.Report(ctx, bitbucket.StateInProgress, "Lint in progress")
	p.execute(ctx, files, logger)

	res := Result{Ran: true, Total: p.problems.Len()}
	p.problems.LimitToChanges()
	res.InDiff = p.problems.Len()
	res.Submitted, res.Fixed = p.reconcile(ctx, logger)
	res.HasError = p.problems.HasError()

	desc := res.Description()
	if res.HasError {
		logger.Info("lint failed", zap.String("description", desc))
		p.status.Report(ctx, bitbucket.StateFailed, desc)
	} else {
		logger.Info("lint successful", zap.String("description", desc))
		p.status.Report(ctx, bitbucket.StateSuccessful, desc)
	}
	p.saveLog(res, logger)
	return res
}

func (p *Processor) execute(ctx context.Context, files []string, logger *zap.Logger) {
	for _, conf := range p.spec.Linters {
		linter, ok := p.opts.Linters(conf)
		if !ok {
			logger.Info("linter not found, ignore", zap.String("linter", conf.Name))
			continue
		}
		if !linter.Usable(p.bctx.ClonePath) {
			logger.Info("linter is not usable, ignore", zap.String("linter", conf.Name))
			continue
		}
		var matched []string
		for _, f := range files {
			if linter.Match(f) {
				matched = append(matched, f)
			}
		}
		if len(matched) == 0 {
			logger.Info("no matched files found for linter", zap.String("linter", conf.Name))
			continue
		}
		logger.Info("running linter", zap.String("linter", conf.Name), zap.Int("files", len(matched)))
		problems, err := linter.Lint(ctx, p.bctx.ClonePath, matched)
		if err != nil {
			logger.Error("linter failed", zap.String("linter", conf.Name), zap.Error(err))
		}
		p.problems.Add(problems...)
	}
}

// CommentContent renders the inline comment of a finding.
func CommentContent(problem Problem) string {
	return fmt.Sprintf("%s%s**: %s", CommentMarker, problem.Linter, problem.Message)
}

type commentKey struct {
	filename string
	line     int
	content  string
}

// reconcile posts comments for new findings and deletes those of findings
// that no longer reproduce.
func (p *Processor) reconcile(ctx context.Context, logger *zap.Logger) (submitted, fixed int) {
	comments, err := p.pr.AllComments(ctx, p.bctx.PRID)
	if err != nil {
		logger.Error("fetch pull request comments failed", zap.Error(err))
		comments = nil
	}

	existing := make(map[commentKey]int)
	var existingOrder []commentKey
	for _, c := range comments {
		if c.Inline == nil || c.Deleted || !strings.HasPrefix(c.Content.Raw, CommentMarker) {
			continue
		}
		line := c.Inline.Line()
		if line == 0 {
			continue
		}
		k := commentKey{c.Inline.Path, line, c.Content.Raw}
		if _, ok := existing[k]; !ok {
			existingOrder = append(existingOrder, k)
		}
		existing[k] = c.ID
	}

	current := make(map[commentKey]bool)
	for _, problem := range p.problems.Items() {
		content := CommentContent(problem)
		k := commentKey{problem.Filename, problem.Line, content}
		current[k] = true
		if _, ok := existing[k]; ok {
			continue
		}
		if submitted >= MaxComments {
			continue
		}
		opts := bitbucket.CommentOptions{Path: problem.Filename}
		if problem.HasLineChange {
			opts.LineTo = problem.Line
		} else {
			opts.LineFrom = problem.Line
		}
		if _, err := p.pr.Comment(ctx, p.bctx.PRID, content, opts); err != nil {
			logger.Error("create inline comment failed", zap.String("problem", problem.String()), zap.Error(err))
			continue
		}
		submitted++
	}
	logger.Info("code lint result", zap.Int("problems", p.problems.Len()), zap.Int("submitted", submitted))

	for _, k := range existingOrder {
		if current[k] {
			continue
		}
		if err := p.pr.DeleteComment(ctx, p.bctx.PRID, existing[k]); err != nil {
			logger.Error("delete outdated comment failed", zap.Int("comment", existing[k]), zap.Error(err))
			continue
		}
		fixed++
	}
	return submitted, fixed
}

func (p *Processor) saveLog(res Result, logger *zap.Logger) {
	if p.opts.LogDir == "" {
		return
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "**Pull request**: #%d of %s\n\n**Result**: %s\n", p.bctx.PRID, p.bctx.Repository, res.Description())
	var text strings.Builder
	for _, problem := range p.problems.Items() {
		fmt.Fprintf(&text, "%s [%s]\n", problem, problem.Linter)
	}
	page := logpage.Page{
		Title:   fmt.Sprintf("Lint log of %s", p.bctx.Repository),
		Summary: sb.String(),
	}
	if text.Len() > 0 {
		page.Sections = []logpage.Section{{Name: "Problems in diff", Text: text.String()}}
	}
	if _, err := logpage.Save(p.opts.LogDir, p.bctx.Source.Commit, p.bctx.TaskID, logpage.LintLog, page); err != nil {
		logger.Error("save lint log failed", zap.Error(err))
	}
}
