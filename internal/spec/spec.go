package spec

import "slices"

const (
	TriggerAlways = "always"
	TriggerNever  = "never"
)

// Specification is the validated .badwolf.yml of one commit.
type Specification struct {
	Image        string
	Shell        string
	Dockerfile   string
	Docker       bool // bind the Docker socket into the build container
	Privileged   bool
	Services     []string
	Branch       []string
	Environments []map[string]string
	Scripts      []string
	AfterSuccess []string
	AfterFailure []string
	Notification Notification
	Linters      []Linter
	Deploy       []DeployProvider
	AfterDeploy  []string
	Artifacts    Artifacts
	Vault        Vault
}

type Notification struct {
	Email        EmailNotification
	SlackWebhook SlackNotification
}

type EmailNotification struct {
	Recipients []string
	OnSuccess  string
	OnFailure  string
}

type SlackNotification struct {
	Webhooks  []string
	OnSuccess string
	OnFailure string
}

// Linter is one configured linter. Keys other than name and pattern are kept
// verbatim in Options for the linter implementation to interpret.
type Linter struct {
	Name    string
	Pattern string
	Options map[string]any
}

func (l Linter) Option(key string) (any, bool) {
	v, ok := l.Options[key]
	return v, ok
}

func (l Linter) StringOption(key string) string {
	if s, ok := l.Options[key].(string); ok {
		return s
	}
	return ""
}

type DeployProvider struct {
	Provider string
	Branch   []string
	Tag      bool

	// script provider
	Script []string

	// pypi provider
	Package       string
	Username      string
	Password      string
	Repository    string
	Distributions string
}

// Matches reports whether the provider is enabled for a push to branch
// (isTag false) or a tag push (isTag true).
func (d DeployProvider) Matches(branch string, isTag bool) bool {
	if isTag {
		return d.Tag
	}
	return slices.Contains(d.Branch, branch)
}

type Artifacts struct {
	Paths    []string
	Excludes []string
}

type SecretRef struct {
	Path string
	Key  string
}

type Vault struct {
	URL        string
	Token      string
	Env        map[string]SecretRef
	Secretfile bool
}

func New() *Specification {
	return &Specification{
		Shell:      "bash",
		Dockerfile: "Dockerfile",
		Notification: Notification{
			Email:        EmailNotification{OnSuccess: TriggerNever, OnFailure: TriggerAlways},
			SlackWebhook: SlackNotification{OnSuccess: TriggerAlways, OnFailure: TriggerAlways},
		},
		Vault: Vault{Env: make(map[string]SecretRef), Secretfile: true},
	}
}

func (s *Specification) IsBranchEnabled(branch string) bool {
	if len(s.Branch) == 0 {
		return true
	}
	return slices.Contains(s.Branch, branch)
}

// Environment returns the first configured environment set, if any.
func (s *Specification) Environment() map[string]string {
	env := make(map[string]string)
	if len(s.Environments) > 0 {
		for k, v := range s.Environments[0] {
			env[k] = v
		}
	}
	return env
}

// DeployProvidersFor selects the providers enabled for branch or tag pushes.
func (s *Specification) DeployProvidersFor(branch string, isTag bool) []DeployProvider {
	var providers []DeployProvider
	for _, p := range s.Deploy {
		if p.Matches(branch, isTag) {
			providers = append(providers, p)
		}
	}
	return providers
}
