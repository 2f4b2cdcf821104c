package spec

import (
	"errors"
	"fmt"
	"net/mail"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// InvalidError is a schema or syntax error in a repository specification.
type InvalidError struct {
	Reason string
}

func (e *InvalidError) Error() string {
	return e.Reason
}

func invalidf(format string, args ...any) error {
	return &InvalidError{Reason: fmt.Sprintf(format, args...)}
}

// IsInvalid reports whether err is a specification error.
func IsInvalid(err error) bool {
	var invalid *InvalidError
	return errors.As(err, &invalid)
}

// Decrypter opens {secure: <token>} values.
type Decrypter interface {
	Decrypt(token string) (string, error)
}

type parser struct {
	decrypter Decrypter
	warn      func(msg string)
}

type ParseOption func(*parser)

func WithDecrypter(d Decrypter) ParseOption {
	return func(p *parser) { p.decrypter = d }
}

// WithWarning receives non-fatal problems such as undecryptable secure values.
func WithWarning(fn func(msg string)) ParseOption {
	return func(p *parser) { p.warn = fn }
}

func ParseFile(path string, opts ...ParseOption) (*Specification, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data, opts...)
}

func Parse(data []byte, opts ...ParseOption) (*Specification, error) {
	p := &parser{warn: func(string) {}}
	for _, opt := range opts {
		opt(p)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, invalidf("%v", err)
	}
	s := New()
	if len(doc.Content) == 0 {
		return s, nil
	}
	root := resolve(doc.Content[0])
	if root.Kind == yaml.ScalarNode && root.Tag == "!!null" {
		return s, nil
	}
	if root.Kind != yaml.MappingNode {
		return nil, invalidf("line %d: configuration must be a mapping", root.Line)
	}
	if err := p.parseRoot(root, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *parser) parseRoot(root *yaml.Node, s *Specification) error {
	return eachPair(root, func(key string, value *yaml.Node) error {
		var err error
		switch key {
		case "image":
			s.Image, err = p.str(key, value)
			s.Image = normalizeImage(s.Image)
		case "shell":
			s.Shell, err = p.str(key, value)
		case "dockerfile":
			s.Dockerfile, err = p.str(key, value)
		case "docker":
			s.Docker, err = boolean(key, value)
		case "privileged":
			s.Privileged, err = boolean(key, value)
		case "service":
			s.Services, err = p.strList(key, value)
		case "branch":
			s.Branch, err = p.strList(key, value)
			s.Branch = dedupe(s.Branch)
		case "env":
			s.Environments, err = p.environments(value)
		case "script":
			s.Scripts, err = p.strList(key, value)
		case "after_success":
			s.AfterSuccess, err = p.strList(key, value)
		case "after_failure":
			s.AfterFailure, err = p.strList(key, value)
		case "after_deploy":
			s.AfterDeploy, err = p.strList(key, value)
		case "notification":
			err = p.notification(value, &s.Notification)
		case "linter":
			s.Linters, err = p.linters(value)
		case "deploy":
			s.Deploy, err = p.deploy(value)
		case "artifacts":
			s.Artifacts, err = p.artifacts(value)
		case "vault":
			err = p.vault(value, &s.Vault)
		default:
			err = invalidf("line %d: unknown field %q", value.Line, key)
		}
		return err
	})
}

func (p *parser) environments(value *yaml.Node) ([]map[string]string, error) {
	items, err := p.strList("env", value)
	if err != nil {
		return nil, err
	}
	var envs []map[string]string
	for _, item := range items {
		env := make(map[string]string)
		for _, pair := range strings.Fields(item) {
			k, v, ok := strings.Cut(pair, "=")
			if !ok || k == "" {
				return nil, invalidf("env: invalid variable %q", pair)
			}
			env[k] = v
		}
		envs = append(envs, env)
	}
	return envs, nil
}

func (p *parser) notification(value *yaml.Node, n *Notification) error {
	if isNull(value) {
		return nil
	}
	if value.Kind != yaml.MappingNode {
		return invalidf("line %d: notification must be a mapping", value.Line)
	}
	return eachPair(value, func(key string, v *yaml.Node) error {
		switch key {
		case "email":
			return p.email(v, &n.Email)
		case "slack_webhook":
			return p.slack(v, &n.SlackWebhook)
		}
		return invalidf("line %d: unknown notification %q", v.Line, key)
	})
}

func (p *parser) email(value *yaml.Node, e *EmailNotification) error {
	var err error
	if value.Kind != yaml.MappingNode || isSecure(value) {
		e.Recipients, err = p.strList("email", value)
	} else {
		err = eachPair(value, func(key string, v *yaml.Node) error {
			var err error
			switch key {
			case "recipients":
				e.Recipients, err = p.strList(key, v)
			case "on_success":
				e.OnSuccess, err = trigger(key, v)
			case "on_failure":
				e.OnFailure, err = trigger(key, v)
			default:
				err = invalidf("line %d: unknown email option %q", v.Line, key)
			}
			return err
		})
	}
	if err != nil {
		return err
	}
	for _, addr := range e.Recipients {
		if _, err := mail.ParseAddress(addr); err != nil {
			return invalidf("email: %q is not a valid email address", addr)
		}
	}
	return nil
}

func (p *parser) slack(value *yaml.Node, s *SlackNotification) error {
	if value.Kind != yaml.MappingNode || isSecure(value) {
		var err error
		s.Webhooks, err = p.strList("slack_webhook", value)
		return err
	}
	return eachPair(value, func(key string, v *yaml.Node) error {
		var err error
		switch key {
		case "webhooks":
			s.Webhooks, err = p.strList(key, v)
		case "on_success":
			s.OnSuccess, err = trigger(key, v)
		case "on_failure":
			s.OnFailure, err = trigger(key, v)
		default:
			err = invalidf("line %d: unknown slack_webhook option %q", v.Line, key)
		}
		return err
	})
}

func (p *parser) linters(value *yaml.Node) ([]Linter, error) {
	value = resolve(value)
	if isNull(value) {
		return nil, nil
	}
	nodes := []*yaml.Node{value}
	if value.Kind == yaml.SequenceNode {
		nodes = value.Content
	}
	var linters []Linter
	for _, node := range nodes {
		node = resolve(node)
		linter := Linter{Options: make(map[string]any)}
		switch node.Kind {
		case yaml.ScalarNode:
			linter.Name = strings.TrimSpace(node.Value)
		case yaml.MappingNode:
			err := eachPair(node, func(key string, v *yaml.Node) error {
				switch key {
				case "name":
					name, err := p.str(key, v)
					linter.Name = strings.TrimSpace(name)
					return err
				case "pattern":
					pattern, err := p.str(key, v)
					linter.Pattern = pattern
					return err
				}
				var option any
				if err := v.Decode(&option); err != nil {
					return invalidf("line %d: linter option %q: %v", v.Line, key, err)
				}
				linter.Options[key] = option
				return nil
			})
			if err != nil {
				return nil, err
			}
		default:
			return nil, invalidf("line %d: linter must be a name or a mapping", node.Line)
		}
		if linter.Name == "" {
			return nil, invalidf("line %d: linter name is required", node.Line)
		}
		linters = append(linters, linter)
	}
	return linters, nil
}

func (p *parser) deploy(value *yaml.Node) ([]DeployProvider, error) {
	value = resolve(value)
	if isNull(value) {
		return nil, nil
	}
	nodes := []*yaml.Node{value}
	if value.Kind == yaml.SequenceNode {
		nodes = value.Content
	}
	var providers []DeployProvider
	for _, node := range nodes {
		node = resolve(node)
		if node.Kind != yaml.MappingNode {
			return nil, invalidf("line %d: deploy item must be a mapping", node.Line)
		}
		d := DeployProvider{Repository: "https://pypi.python.org", Distributions: "dist/*"}
		err := eachPair(node, func(key string, v *yaml.Node) error {
			var err error
			switch key {
			case "provider":
				d.Provider, err = p.str(key, v)
			case "branch":
				d.Branch, err = p.strList(key, v)
				d.Branch = dedupe(d.Branch)
			case "tag":
				d.Tag, err = boolean(key, v)
			case "script":
				d.Script, err = p.strList(key, v)
			case "package":
				d.Package, err = p.str(key, v)
			case "username":
				d.Username, err = p.str(key, v)
			case "password":
				d.Password, err = p.str(key, v)
			case "repository":
				d.Repository, err = p.str(key, v)
			case "distributions":
				d.Distributions, err = p.str(key, v)
			default:
				err = invalidf("line %d: unknown deploy option %q", v.Line, key)
			}
			return err
		})
		if err != nil {
			return nil, err
		}
		switch d.Provider {
		case "script":
			if len(d.Script) == 0 {
				return nil, invalidf("line %d: script deploy provider requires script", node.Line)
			}
		case "pypi":
		case "":
			return nil, invalidf("line %d: deploy provider is required", node.Line)
		default:
			return nil, invalidf("line %d: unsupported deploy provider %q", node.Line, d.Provider)
		}
		providers = append(providers, d)
	}
	return providers, nil
}

func (p *parser) artifacts(value *yaml.Node) (Artifacts, error) {
	var a Artifacts
	value = resolve(value)
	if value.Kind == yaml.ScalarNode && value.Tag == "!!bool" {
		enabled, err := boolean("artifacts", value)
		if err != nil {
			return a, err
		}
		if enabled {
			a.Paths = []string{`$(git ls-files -o | tr "\n" ":")`}
		}
		return a, nil
	}
	if isNull(value) {
		return a, nil
	}
	if value.Kind != yaml.MappingNode {
		return a, invalidf("line %d: artifacts must be a boolean or a mapping", value.Line)
	}
	err := eachPair(value, func(key string, v *yaml.Node) error {
		var err error
		switch key {
		case "paths":
			a.Paths, err = p.strList(key, v)
		case "excludes":
			a.Excludes, err = p.strList(key, v)
		default:
			err = invalidf("line %d: unknown artifacts option %q", v.Line, key)
		}
		return err
	})
	return a, err
}

func (p *parser) vault(value *yaml.Node, vault *Vault) error {
	if isNull(value) {
		return nil
	}
	if value.Kind != yaml.MappingNode {
		return invalidf("line %d: vault must be a mapping", value.Line)
	}
	return eachPair(value, func(key string, v *yaml.Node) error {
		var err error
		switch key {
		case "url":
			vault.URL, err = p.str(key, v)
		case "token":
			vault.Token, err = p.str(key, v)
		case "secretfile":
			vault.Secretfile, err = boolean(key, v)
		case "env":
			var items []string
			items, err = p.strList(key, v)
			for _, item := range items {
				name, ref, perr := ParseSecretRef(item)
				if perr != nil {
					return perr
				}
				vault.Env[name] = ref
			}
		default:
			err = invalidf("line %d: unknown vault option %q", v.Line, key)
		}
		return err
	})
}

// ParseSecretRef parses "NAME secret/path:key".
func ParseSecretRef(line string) (string, SecretRef, error) {
	name, pathKey, ok := strings.Cut(strings.TrimSpace(line), " ")
	if !ok {
		return "", SecretRef{}, invalidf("invalid vault env %q", line)
	}
	path, key, ok := strings.Cut(strings.TrimSpace(pathKey), ":")
	if !ok || path == "" || key == "" {
		return "", SecretRef{}, invalidf("invalid vault env %q", line)
	}
	return name, SecretRef{Path: path, Key: key}, nil
}

// str decodes a scalar or a {secure: token} mapping.
func (p *parser) str(key string, value *yaml.Node) (string, error) {
	value = resolve(value)
	if isSecure(value) {
		return p.decrypt(value), nil
	}
	if value.Kind != yaml.ScalarNode {
		return "", invalidf("line %d: %s must be a string", value.Line, key)
	}
	if value.Tag == "!!null" {
		return "", nil
	}
	return value.Value, nil
}

func (p *parser) strList(key string, value *yaml.Node) ([]string, error) {
	value = resolve(value)
	if isNull(value) {
		return nil, nil
	}
	nodes := []*yaml.Node{value}
	if value.Kind == yaml.SequenceNode {
		nodes = value.Content
	}
	out := make([]string, 0, len(nodes))
	for _, node := range nodes {
		s, err := p.str(key, node)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (p *parser) decrypt(value *yaml.Node) string {
	var token string
	for i := 0; i+1 < len(value.Content); i += 2 {
		if value.Content[i].Value == "secure" {
			token = value.Content[i+1].Value
		}
	}
	if p.decrypter == nil {
		p.warn("secure value found but no secure token key configured")
		return ""
	}
	plain, err := p.decrypter.Decrypt(token)
	if err != nil {
		p.warn(fmt.Sprintf("invalid secure token at line %d: %v", value.Line, err))
		return ""
	}
	return plain
}

func boolean(key string, value *yaml.Node) (bool, error) {
	value = resolve(value)
	var b bool
	if value.Kind != yaml.ScalarNode || value.Decode(&b) != nil {
		return false, invalidf("line %d: %s must be a boolean", value.Line, key)
	}
	return b, nil
}

func trigger(key string, value *yaml.Node) (string, error) {
	value = resolve(value)
	if value.Kind == yaml.ScalarNode && (value.Value == TriggerAlways || value.Value == TriggerNever) {
		return value.Value, nil
	}
	return "", invalidf("line %d: %s must be one of always, never", value.Line, key)
}

func eachPair(node *yaml.Node, fn func(key string, value *yaml.Node) error) error {
	node = resolve(node)
	for i := 0; i+1 < len(node.Content); i += 2 {
		if err := fn(node.Content[i].Value, resolve(node.Content[i+1])); err != nil {
			return err
		}
	}
	return nil
}

func resolve(node *yaml.Node) *yaml.Node {
	for node.Kind == yaml.AliasNode && node.Alias != nil {
		node = node.Alias
	}
	return node
}

func isNull(node *yaml.Node) bool {
	return node.Kind == yaml.ScalarNode && node.Tag == "!!null"
}

func isSecure(node *yaml.Node) bool {
	return node.Kind == yaml.MappingNode && len(node.Content) == 2 && node.Content[0].Value == "secure"
}

func normalizeImage(image string) string {
	if image == "" {
		return ""
	}
	name := image
	if i := strings.LastIndex(image, "/"); i >= 0 {
		name = image[i+1:]
	}
	if !strings.Contains(name, ":") && !strings.Contains(name, "@") {
		image += ":latest"
	}
	return image
}

func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := items[:0]
	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}
