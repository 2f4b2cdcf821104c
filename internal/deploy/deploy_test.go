package deploy

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosondata/badwolf/internal/bitbucket"
	"github.com/bosondata/badwolf/internal/ci"
	"github.com/bosondata/badwolf/internal/common"
	"github.com/bosondata/badwolf/internal/spec"
)

type status struct {
	key, url string
	states   []bitbucket.BuildState
}

func (s *status) Report(_ context.Context, state bitbucket.BuildState, _ string) {
	s.states = append(s.states, state)
}

type fakeRunner struct {
	mu       sync.Mutex
	commands []common.Command
	fail     map[string]bool
}

func (f *fakeRunner) run(_ context.Context, cmd common.Command) (int, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	script := cmd.Args[len(cmd.Args)-1]
	if f.fail[script] {
		return 1, "boom", nil
	}
	return 0, "ok", nil
}

func newDeployer(t *testing.T, s *spec.Specification, runner *fakeRunner) (*Deployer, map[string]*status) {
	bctx := ci.NewContext(ci.Options{
		Repository: "deepanalyzer/badwolf",
		Type:       ci.EventBranch,
		Source:     ci.Ref{Branch: "master", Commit: "abc"},
		CloneRoot:  t.TempDir(),
	})
	statuses := make(map[string]*status)
	factory := func(key, url string) StatusReporter {
		st := &status{key: key, url: url}
		statuses[key] = st
		return st
	}
	return New(bctx, s, factory, Options{Run: runner.run, LogURL: "http://badwolf.test/log"}), statuses
}

func TestDeployScript(t *testing.T) {
	s, err := spec.Parse([]byte(`
script: make
deploy:
  - provider: script
    branch: master
    script:
      - make release
      - make publish
after_deploy: make notify
`))
	require.NoError(t, err)
	runner := &fakeRunner{}
	d, statuses := newDeployer(t, s, runner)

	ok := d.Deploy(context.Background(), s.DeployProvidersFor("master", false))
	assert.True(t, ok)
	st := statuses["badwolf/deploy/script"]
	require.NotNil(t, st)
	assert.Equal(t, "http://badwolf.test/log", st.url)
	assert.Equal(t, []bitbucket.BuildState{bitbucket.StateInProgress, bitbucket.StateSuccessful}, st.states)

	require.Len(t, runner.commands, 3)
	assert.Equal(t, []string{"-c", "make release"}, runner.commands[0].Args)
	assert.Equal(t, "make notify", runner.commands[2].Args[1])
	assert.Equal(t, "true", runner.commands[0].Env["CI"])
}

func TestDeployScriptFailureSkipsAfterDeploy(t *testing.T) {
	s, err := spec.Parse([]byte(`
script: make
deploy:
  - provider: script
    tag: true
    script: make release
after_deploy: make notify
`))
	require.NoError(t, err)
	runner := &fakeRunner{fail: map[string]bool{"make release": true}}
	d, statuses := newDeployer(t, s, runner)

	assert.Empty(t, s.DeployProvidersFor("master", false))
	ok := d.Deploy(context.Background(), s.DeployProvidersFor("v1.0", true))
	assert.False(t, ok)
	assert.Equal(t, bitbucket.StateFailed, statuses["badwolf/deploy/script"].states[1])
	assert.Len(t, runner.commands, 1)
}

func TestPypiProvider(t *testing.T) {
	p := &pypiProvider{
		conf: spec.DeployProvider{
			Provider:      "pypi",
			Username:      "user",
			Password:      "p@ss word",
			Repository:    "https://pypi.python.org",
			Distributions: "dist/*",
		},
		bctx: ci.NewContext(ci.Options{Repository: "deepanalyzer/badwolf"}),
	}
	assert.Equal(t, "https://pypi.python.org/pypi/badwolf", p.URL())
	assert.Equal(t, []string{
		"upload",
		"--repository", "https://pypi.python.org",
		"--repository-url", "https://pypi.python.org",
		"--username", "user",
		"--password", "p@ss word",
		"--skip-existing", "dist/*",
	}, p.Command())

	runner := &fakeRunner{}
	p.run = runner.run
	ok, _ := p.Deploy(context.Background())
	assert.True(t, ok)
	assert.Contains(t, runner.commands[0].Args[1], "'p@ss word'")
	assert.Contains(t, runner.commands[0].Args[1], "dist/*")
}
