// Package secret resolves environment variables from a Vault server.
package secret

import (
	"context"
	"fmt"
	"sort"

	vault "github.com/hashicorp/vault/api"

	"github.com/bosondata/badwolf/internal/spec"
)

// Reader reads the key/value data stored at a path. Missing paths yield nil
// data and no error.
type Reader interface {
	Read(ctx context.Context, path string) (map[string]any, error)
}

type VaultReader struct {
	client *vault.Client
}

func NewVaultReader(address, token string) (*VaultReader, error) {
	conf := vault.DefaultConfig()
	conf.Address = address
	client, err := vault.NewClient(conf)
	if err != nil {
		return nil, err
	}
	client.SetToken(token)
	return &VaultReader{client: client}, nil
}

func (r *VaultReader) Read(ctx context.Context, path string) (map[string]any, error) {
	s, err := r.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, nil
	}
	// kv version 2 nests the values
	if inner, ok := s.Data["data"].(map[string]any); ok {
		if _, hasMeta := s.Data["metadata"]; hasMeta {
			return inner, nil
		}
	}
	return s.Data, nil
}

// Error is a failed secret lookup.
type Error struct {
	Path   string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("Error reading %s from Vault: %s", e.Path, e.Reason)
}

// Resolve reads every referenced path once and returns the variables whose
// keys exist. Any failed or missing path is an error.
func Resolve(ctx context.Context, r Reader, env map[string]spec.SecretRef) (map[string]string, error) {
	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	sort.Strings(names)

	secrets := make(map[string]map[string]any)
	for _, name := range names {
		path := env[name].Path
		if _, ok := secrets[path]; ok {
			continue
		}
		data, err := r.Read(ctx, path)
		if err != nil {
			return nil, &Error{Path: path, Reason: err.Error()}
		}
		if data == nil {
			return nil, &Error{Path: path, Reason: "not found"}
		}
		secrets[path] = data
	}

	values := make(map[string]string, len(env))
	for _, name := range names {
		ref := env[name]
		v, ok := secrets[ref.Path][ref.Key]
		if !ok || v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			values[name] = s
		} else {
			values[name] = fmt.Sprint(v)
		}
	}
	return values, nil
}
