package deploy

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/bosondata/badwolf/internal/bitbucket"
	"github.com/bosondata/badwolf/internal/ci"
	"github.com/bosondata/badwolf/internal/common"
	"github.com/bosondata/badwolf/internal/spec"
)

const StatusKeyPrefix = "badwolf/deploy/"

// StatusReporter posts one deploy status.
type StatusReporter interface {
	Report(ctx context.Context, state bitbucket.BuildState, description string)
}

// StatusFactory returns the reporter of a status key, linking to url.
type StatusFactory func(key, url string) StatusReporter

// Provider deploys the built tree somewhere.
type Provider interface {
	Name() string
	Usable() bool
	Deploy(ctx context.Context) (bool, string)
	// URL is where the deployed result can be seen; may be empty.
	URL() string
}

type Options struct {
	// Run executes commands; defaults to common.RunCommand.
	Run common.CommandRunner
	// LogURL links statuses of providers without their own URL.
	LogURL string
}

type Deployer struct {
	bctx     *ci.Context
	spec     *spec.Specification
	statuses StatusFactory
	opts     Options
}

func New(bctx *ci.Context, s *spec.Specification, statuses StatusFactory, opts Options) *Deployer {
	if opts.Run == nil {
		opts.Run = common.RunCommand
	}
	return &Deployer{bctx: bctx, spec: s, statuses: statuses, opts: opts}
}

func (d *Deployer) provider(conf spec.DeployProvider) (Provider, bool) {
	switch conf.Provider {
	case "script":
		return &scriptProvider{conf: conf, bctx: d.bctx, run: d.opts.Run, url: d.opts.LogURL}, true
	case "pypi":
		return &pypiProvider{conf: conf, bctx: d.bctx, run: d.opts.Run}, true
	}
	return nil, false
}

// Deploy runs each provider in order and then the after_deploy commands if
// every provider succeeded. It reports whether all deployments succeeded.
func (d *Deployer) Deploy(ctx context.Context, providers []spec.DeployProvider) bool {
	logger := common.GetLogger().With(zap.String("repo", d.bctx.Repository), zap.String("task_id", d.bctx.TaskID))
	if len(providers) == 0 {
		logger.Info("no deploy provider configured")
		return true
	}

	allSucceed := true
	for _, conf := range providers {
		provider, ok := d.provider(conf)
		if !ok {
			logger.Warn("deploy provider not found", zap.String("provider", conf.Provider))
			continue
		}
		if !provider.Usable() {
			logger.Warn("deploy provider is not usable", zap.String("provider", conf.Provider))
			continue
		}

		status := d.statuses(StatusKeyPrefix+provider.Name(), provider.URL())
		status.Report(ctx, bitbucket.StateInProgress, fmt.Sprintf("Deploying to %s", provider.Name()))
		succeed, output := provider.Deploy(ctx)
		output = common.SanitizeSensitiveData(output)
		if succeed {
			logger.Info("deploy succeed", zap.String("provider", provider.Name()), zap.String("output", output))
			status.Report(ctx, bitbucket.StateSuccessful, fmt.Sprintf("Deploy to %s succeed", provider.Name()))
		} else {
			allSucceed = false
			logger.Warn("deploy failed", zap.String("provider", provider.Name()), zap.String("output", output))
			status.Report(ctx, bitbucket.StateFailed, fmt.Sprintf("Deploy to %s failed", provider.Name()))
		}
	}

	if allSucceed && len(d.spec.AfterDeploy) > 0 {
		succeed, output := runScripts(ctx, d.opts.Run, d.bctx, d.spec.AfterDeploy)
		logger.Info("after_deploy finished", zap.Bool("succeed", succeed), zap.String("output", common.SanitizeSensitiveData(output)))
		allSucceed = succeed
	}
	return allSucceed
}

func runScripts(ctx context.Context, run common.CommandRunner, bctx *ci.Context, scripts []string) (bool, string) {
	succeed := true
	outputs := make([]string, 0, len(scripts))
	for _, script := range scripts {
		code, output, err := run(ctx, common.ShellCommand(bctx.ClonePath, script, bctx.Environment))
		if err != nil {
			output += err.Error()
		}
		if code != 0 || err != nil {
			succeed = false
		}
		outputs = append(outputs, output)
	}
	return succeed, strings.Join(outputs, "\n\n")
}

type scriptProvider struct {
	conf spec.DeployProvider
	bctx *ci.Context
	run  common.CommandRunner
	url  string
}

func (p *scriptProvider) Name() string { return "script" }
func (p *scriptProvider) Usable() bool { return len(p.conf.Script) > 0 }
func (p *scriptProvider) URL() string  { return p.url }

func (p *scriptProvider) Deploy(ctx context.Context) (bool, string) {
	return runScripts(ctx, p.run, p.bctx, p.conf.Script)
}

type pypiProvider struct {
	conf spec.DeployProvider
	bctx *ci.Context
	run  common.CommandRunner
}

func (p *pypiProvider) Name() string { return "pypi" }

func (p *pypiProvider) Usable() bool {
	_, err := exec.LookPath("twine")
	return err == nil
}

func (p *pypiProvider) URL() string {
	pkg := p.conf.Package
	if pkg == "" {
		pkg = p.bctx.RepoName
	}
	return fmt.Sprintf("%s/pypi/%s", strings.TrimRight(p.conf.Repository, "/"), pkg)
}

func (p *pypiProvider) Command() []string {
	args := []string{"upload"}
	if p.conf.Repository != "" {
		args = append(args, "--repository", p.conf.Repository, "--repository-url", p.conf.Repository)
	}
	if p.conf.Username != "" {
		args = append(args, "--username", p.conf.Username)
	}
	if p.conf.Password != "" {
		args = append(args, "--password", p.conf.Password)
	}
	return append(args, "--skip-existing", p.conf.Distributions)
}

func (p *pypiProvider) Deploy(ctx context.Context) (bool, string) {
	// distributions is a glob, so expand it through the shell
	args := p.Command()
	quoted := make([]string, 0, len(args)+1)
	quoted = append(quoted, "twine")
	for i, arg := range args {
		if i == len(args)-1 {
			quoted = append(quoted, arg)
			continue
		}
		quoted = append(quoted, spec.ShellQuote(arg))
	}
	code, output, err := p.run(ctx, common.ShellCommand(p.bctx.ClonePath, strings.Join(quoted, " "), p.bctx.Environment))
	if err != nil {
		return false, output + err.Error()
	}
	return code == 0, output
}
