package spec

import (
	"bufio"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Outcome is the result of loading a repository specification.
type Outcome int

const (
	OutcomeOK Outcome = iota
	// OutcomeNotFound: the repository has no configuration file and opted out.
	OutcomeNotFound
	// OutcomeBranchDisabled: the pushed branch is not in the branch allow-list.
	OutcomeBranchDisabled
	OutcomeInvalid
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeBranchDisabled:
		return "branch_disabled"
	case OutcomeInvalid:
		return "invalid"
	}
	return "unknown"
}

const SecretfileName = "Secretfile"

// LoadRequest locates a specification inside a clone.
type LoadRequest struct {
	CloneDir string
	FileName string
	// Branch is checked against the allow-list when BranchPush is true.
	Branch     string
	BranchPush bool
}

// Load parses the configuration file of a clone and classifies the result.
// The returned error is set only with OutcomeInvalid.
func Load(req LoadRequest, opts ...ParseOption) (*Specification, Outcome, error) {
	s, err := ParseFile(filepath.Join(req.CloneDir, req.FileName), opts...)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, OutcomeNotFound, nil
		}
		if !IsInvalid(err) {
			err = &InvalidError{Reason: err.Error()}
		}
		return nil, OutcomeInvalid, err
	}

	if s.Vault.Secretfile {
		secretfile := filepath.Join(req.CloneDir, SecretfileName)
		if _, statErr := os.Stat(secretfile); statErr == nil {
			if err := s.ParseSecretfile(secretfile); err != nil {
				return nil, OutcomeInvalid, err
			}
		}
	}

	if req.BranchPush && !s.IsBranchEnabled(req.Branch) {
		return s, OutcomeBranchDisabled, nil
	}
	if len(s.Scripts) == 0 && len(s.Linters) == 0 {
		return s, OutcomeInvalid, &InvalidError{Reason: "No script or linter to run"}
	}
	return s, OutcomeOK, nil
}

// ParseSecretfile merges "NAME path:key" lines into the vault env map.
func (s *Specification) ParseSecretfile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	refs, err := ReadSecretfile(f)
	if err != nil {
		return err
	}
	if s.Vault.Env == nil {
		s.Vault.Env = make(map[string]SecretRef)
	}
	for name, ref := range refs {
		s.Vault.Env[name] = ref
	}
	return nil
}

// ReadSecretfile parses Secretfile content. Blank lines and # comments are
// ignored and ${VAR} references are expanded from the process environment.
func ReadSecretfile(r io.Reader) (map[string]SecretRef, error) {
	refs := make(map[string]SecretRef)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = os.ExpandEnv(line)
		name, ref, err := ParseSecretRef(line)
		if err != nil {
			return nil, invalidf("invalid Secretfile env %q", line)
		}
		refs[name] = ref
	}
	return refs, scanner.Err()
}
