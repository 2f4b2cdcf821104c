package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bosondata/badwolf/internal/artifacts"
	"github.com/bosondata/badwolf/internal/bitbucket"
	"github.com/bosondata/badwolf/internal/builder"
	"github.com/bosondata/badwolf/internal/ci"
	"github.com/bosondata/badwolf/internal/cloner"
	"github.com/bosondata/badwolf/internal/common"
	"github.com/bosondata/badwolf/internal/deploy"
	"github.com/bosondata/badwolf/internal/lint"
	"github.com/bosondata/badwolf/internal/secret"
	"github.com/bosondata/badwolf/internal/spec"
)

// Commit status keys.
const (
	StatusTest      = "badwolf/test"
	StatusLint      = "badwolf/lint"
	StatusArtifacts = "badwolf/artifacts"
)

// Stage names, in execution order.
const (
	StageClone     = "clone"
	StageParseSpec = "parse-spec"
	StageBuild     = "build"
	StageArtifacts = "save-artifacts"
	StageLint      = "lint"
	StageDeploy    = "deploy"
	StageDone      = "done"
)

// Cloner fetches the source tree of a context into its clone path.
type Cloner interface {
	Clone(ctx context.Context, bctx *ci.Context) error
}

// Cancellation is the in-process abandon flag of a task.
// *scheduler.Future implements it.
type Cancellation interface {
	Cancelled() bool
}

type Config struct {
	ProjectConf  string
	LogDir       string
	ArtifactsDir string
	ServerName   string
	RunnerImage  string
	APITimeout   time.Duration
	RunTimeout   time.Duration
	VaultURL     string
	VaultToken   string
}

// ConfigFrom picks the pipeline settings out of the process configuration.
func ConfigFrom(c common.Config) Config {
	return Config{
		ProjectConf:  c.ProjectConf,
		LogDir:       c.LogDir,
		ArtifactsDir: c.ArtifactsDir,
		ServerName:   c.ServerName,
		RunnerImage:  c.RunnerImage,
		APITimeout:   c.DockerAPITimeout,
		RunTimeout:   c.DockerRunTimeout,
		VaultURL:     c.VaultURL,
		VaultToken:   c.VaultToken,
	}
}

// Services are the collaborators shared by every pipeline of the process.
type Services struct {
	Bitbucket *bitbucket.Client
	Cloner    Cloner
	Docker    builder.DockerAPI
	Notifier  builder.Notifier
	Decrypter spec.Decrypter
	// SecretReader opens a secret store; defaults to Vault.
	SecretReader func(address, token string) (secret.Reader, error)
	// ArtifactURL links an archive for download; defaults to an unsigned URL.
	ArtifactURL func(repository, ref, name string) string
	// Run executes shell commands for artifacts and deploys.
	Run     common.CommandRunner
	Linters func(conf spec.Linter) (lint.Linter, bool)
	Config  Config
}

// Result is the outcome of one pipeline run.
type Result struct {
	// Stage is the last stage entered.
	Stage    string
	ExitCode int
	Success  bool
}

// Pipeline runs one context through clone, spec parsing, build, artifacts,
// lint and deploy. A Pipeline is used once.
type Pipeline struct {
	bctx   *ci.Context
	svc    *Services
	spec   *spec.Specification
	status *bitbucket.BuildStatus
	logger *zap.Logger
}

func New(bctx *ci.Context, shared *Services) *Pipeline {
	svc := *shared
	if svc.SecretReader == nil {
		svc.SecretReader = func(address, token string) (secret.Reader, error) {
			return secret.NewVaultReader(address, token)
		}
	}
	if svc.Run == nil {
		svc.Run = common.RunCommand
	}
	if svc.ArtifactURL == nil {
		serverName := strings.TrimRight(svc.Config.ServerName, "/")
		svc.ArtifactURL = func(repository, ref, name string) string {
			return fmt.Sprintf("%s/artifacts/%s/%s/%s", serverName, repository, ref, name)
		}
	}
	logURL := builder.LogURL(svc.Config.ServerName, bctx.Source.Commit, bctx.TaskID)
	return &Pipeline{
		bctx:   bctx,
		svc:    &svc,
		status: bitbucket.NewBuildStatus(svc.Bitbucket, bctx.Repository, bctx.Source.Commit, StatusTest, logURL),
		logger: common.GetLogger().With(
			zap.String("repo", bctx.Repository),
			zap.String("commit", bctx.Source.Commit),
			zap.String("task_id", bctx.TaskID),
		),
	}
}

// Spec is the parsed specification, nil before parse-spec succeeded.
func (p *Pipeline) Spec() *spec.Specification { return p.spec }

// Start runs every stage in order. The clone directory is removed on
// every exit path. cancel may be nil.
func (p *Pipeline) Start(ctx context.Context, cancel Cancellation) (res Result) {
	start := time.Now()
	defer p.clean()
	defer func() {
		p.logger.Info("pipeline finished",
			zap.String("stage", res.Stage),
			zap.Bool("success", res.Success),
			zap.Duration("elapsed", time.Since(start)),
		)
	}()

	res.Stage = StageClone
	if err := p.clone(ctx); err != nil {
		p.reportGitError(ctx, err)
		return res
	}

	res.Stage = StageParseSpec
	if !p.parseSpec(ctx) {
		return res
	}

	res.Stage = StageBuild
	exitCode, buildOK := p.build(ctx)
	res.ExitCode = exitCode
	buildSuccess := buildOK && exitCode == 0
	if cancel != nil && cancel.Cancelled() {
		p.logger.Info("pipeline cancelled, abandon remaining stages")
		return res
	}

	res.Stage = StageArtifacts
	p.saveArtifacts(ctx, buildSuccess)

	res.Stage = StageLint
	lintOK := true
	if p.shouldLint(exitCode) {
		lintOK = p.lint(ctx)
	}

	res.Stage = StageDeploy
	deployOK := true
	if buildSuccess && (p.bctx.Type == ci.EventBranch || p.bctx.Type == ci.EventTag) {
		deployOK = p.deploy(ctx)
	}

	res.Stage = StageDone
	res.Success = buildSuccess && lintOK && deployOK
	return res
}

func (p *Pipeline) clone(ctx context.Context) error {
	p.logger.Info("cloning repository", zap.String("path", p.bctx.ClonePath))
	if err := os.MkdirAll(filepath.Dir(p.bctx.ClonePath), 0o755); err != nil {
		return err
	}
	return p.svc.Cloner.Clone(ctx, p.bctx)
}

func (p *Pipeline) reportGitError(ctx context.Context, err error) {
	p.logger.Error("git clone repository failed", zap.Error(err))
	p.status.Report(ctx, bitbucket.StateFailed, "Git clone repository failed")

	var content string
	if cloner.IsMergeConflict(err) {
		files, ferr := cloner.ConflictedFiles(ctx, p.bctx.ClonePath)
		if ferr != nil {
			p.logger.Warn("list conflicted files failed", zap.Error(ferr))
		}
		content = ConflictMessage(files)
	} else {
		content = ":broken_heart: **Git error**: " + common.SanitizeSensitiveData(err.Error())
	}
	p.comment(ctx, content)
}

// ConflictMessage lists conflicting files with links to their diff anchors.
func ConflictMessage(files []string) string {
	var b strings.Builder
	b.WriteString(":broken_heart: This branch has conflicts that must be resolved\n\n")
	b.WriteString("**Conflicting files**\n\n")
	for _, name := range files {
		fmt.Fprintf(&b, "* [`%s`](#chg-%s)\n", name, name)
	}
	return b.String()
}

// parseSpec loads the specification and resolves its secrets. It reports
// whether the pipeline should go on.
func (p *Pipeline) parseSpec(ctx context.Context) bool {
	opts := []spec.ParseOption{
		spec.WithWarning(func(msg string) { p.logger.Warn("specification warning", zap.String("warning", msg)) }),
	}
	if p.svc.Decrypter != nil {
		opts = append(opts, spec.WithDecrypter(p.svc.Decrypter))
	}
	s, outcome, err := spec.Load(spec.LoadRequest{
		CloneDir:   p.bctx.ClonePath,
		FileName:   p.svc.Config.ProjectConf,
		Branch:     p.bctx.Source.Branch,
		BranchPush: p.bctx.Type == ci.EventBranch,
	}, opts...)

	switch outcome {
	case spec.OutcomeNotFound:
		p.logger.Info("no project configuration found, ignore", zap.String("file", p.svc.Config.ProjectConf))
		return false
	case spec.OutcomeBranchDisabled:
		p.logger.Info("ignore branch not in allow-list",
			zap.String("branch", p.bctx.Source.Branch), zap.Strings("branches", s.Branch))
		return false
	case spec.OutcomeInvalid:
		p.reportInvalidSpec(ctx, err)
		return false
	}

	if err := p.populateSecrets(ctx, s); err != nil {
		p.reportInvalidSpec(ctx, err)
		return false
	}
	p.spec = s
	return true
}

func (p *Pipeline) reportInvalidSpec(ctx context.Context, err error) {
	p.logger.Warn("invalid project configuration", zap.Error(err))
	p.comment(ctx, ":umbrella: Invalid badwolf configuration: "+common.SanitizeSensitiveData(err.Error()))
}

func (p *Pipeline) populateSecrets(ctx context.Context, s *spec.Specification) error {
	if len(s.Vault.Env) == 0 {
		return nil
	}
	address, token := s.Vault.URL, s.Vault.Token
	if address == "" {
		address = p.svc.Config.VaultURL
	}
	if token == "" {
		token = p.svc.Config.VaultToken
	}
	if address == "" || token == "" {
		return &secret.Error{Path: "vault", Reason: "vault url or token not configured"}
	}
	reader, err := p.svc.SecretReader(address, token)
	if err != nil {
		return &secret.Error{Path: address, Reason: err.Error()}
	}
	values, err := secret.Resolve(ctx, reader, s.Vault.Env)
	if err != nil {
		return err
	}
	for name, value := range values {
		p.bctx.SetEnv(name, value)
	}
	p.logger.Info("populated secrets from vault", zap.Int("count", len(values)))
	return nil
}

// build runs the scripts and returns the exit code. ok is false on a
// container runtime error. A specification without scripts succeeds.
func (p *Pipeline) build(ctx context.Context) (int, bool) {
	if len(p.spec.Scripts) == 0 {
		p.logger.Info("no script to run, skip build")
		return 0, true
	}
	b := builder.New(p.svc.Docker, p.status, p.svc.Notifier, builder.Options{
		RunnerImage: p.svc.Config.RunnerImage,
		APITimeout:  p.svc.Config.APITimeout,
		RunTimeout:  p.svc.Config.RunTimeout,
		LogDir:      p.svc.Config.LogDir,
		ServerName:  p.svc.Config.ServerName,
	})
	res, err := b.Run(ctx, p.bctx, p.spec)
	if err != nil {
		p.logger.Error("docker error", zap.Error(err))
		p.status.Report(ctx, bitbucket.StateFailed, "Docker error occurred")
		p.comment(ctx, ":broken_heart: **Docker error**: "+common.SanitizeSensitiveData(err.Error()))
		return builder.ExitNoImage, false
	}
	return res.ExitCode, true
}

func (p *Pipeline) saveArtifacts(ctx context.Context, buildSuccess bool) {
	if len(p.spec.Artifacts.Paths) == 0 {
		return
	}
	saver := artifacts.NewSaver(p.svc.Config.ArtifactsDir, p.svc.Run)
	res, err := saver.Save(ctx, p.bctx, p.spec.Artifacts, buildSuccess)
	if err != nil {
		p.logger.Error("save artifacts failed", zap.Error(err))
		return
	}
	if res == nil {
		return
	}
	statusURL := p.svc.ArtifactURL(p.bctx.Repository, p.bctx.Source.Commit, artifacts.ArchiveName)
	status := bitbucket.NewBuildStatus(p.svc.Bitbucket, p.bctx.Repository, p.bctx.Source.Commit, StatusArtifacts, statusURL)
	status.Report(ctx, bitbucket.StateSuccessful, "Build artifacts saved")
}

func (p *Pipeline) shouldLint(exitCode int) bool {
	switch {
	case p.bctx.SkipLint:
		p.logger.Info("lint skipped by request")
		return false
	case !p.bctx.IsPullRequest():
		return false
	case len(p.spec.Linters) == 0:
		return false
	case exitCode == builder.ExitCancelled:
		p.logger.Info("build cancelled, skip lint")
		return false
	}
	return true
}

func (p *Pipeline) lint(ctx context.Context) bool {
	statusURL := fmt.Sprintf("https://bitbucket.org/%s/pull-requests/%d", p.bctx.Repository, p.bctx.PRID)
	status := bitbucket.NewBuildStatus(p.svc.Bitbucket, p.bctx.Repository, p.bctx.Source.Commit, StatusLint, statusURL)
	processor := lint.NewProcessor(p.bctx, p.spec,
		bitbucket.NewPullRequests(p.svc.Bitbucket, p.bctx.Repository), status,
		lint.ProcessorOptions{LogDir: p.svc.Config.LogDir, Linters: p.svc.Linters},
	)
	res := processor.Process(ctx)
	return !res.HasError
}

func (p *Pipeline) deploy(ctx context.Context) bool {
	isTag := p.bctx.Type == ci.EventTag
	providers := p.spec.DeployProvidersFor(p.bctx.Source.Branch, isTag)
	if len(providers) == 0 {
		return true
	}
	statuses := func(key, statusURL string) deploy.StatusReporter {
		return bitbucket.NewBuildStatus(p.svc.Bitbucket, p.bctx.Repository, p.bctx.Source.Commit, key, statusURL)
	}
	d := deploy.New(p.bctx, p.spec, statuses, deploy.Options{
		Run:    p.svc.Run,
		LogURL: builder.LogURL(p.svc.Config.ServerName, p.bctx.Source.Commit, p.bctx.TaskID),
	})
	return d.Deploy(ctx, providers)
}

// comment posts content on the pull request, or on the commit otherwise.
func (p *Pipeline) comment(ctx context.Context, content string) {
	var err error
	if p.bctx.PRID > 0 {
		_, err = bitbucket.NewPullRequests(p.svc.Bitbucket, p.bctx.Repository).
			Comment(ctx, p.bctx.PRID, content, bitbucket.CommentOptions{})
	} else {
		_, err = bitbucket.NewChangesets(p.svc.Bitbucket, p.bctx.Repository).
			Comment(ctx, p.bctx.Source.Commit, content, bitbucket.CommentOptions{})
	}
	if err != nil {
		p.logger.Error("post comment failed",
			zap.String("target", commentTarget(p.bctx)), zap.Error(err))
	}
}

func commentTarget(bctx *ci.Context) string {
	if bctx.PRID > 0 {
		return "pull_request:" + strconv.Itoa(bctx.PRID)
	}
	return "commit:" + bctx.Source.Commit
}

// clean removes the task directory holding the clone.
func (p *Pipeline) clean() {
	dir := filepath.Dir(p.bctx.ClonePath)
	if err := os.RemoveAll(dir); err != nil {
		p.logger.Warn("remove clone directory failed", zap.String("path", dir), zap.Error(err))
	}
}
