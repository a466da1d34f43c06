// Package secret resolves credentials by scope and key, the way notebook code
// reads them from a platform secret scope.
package secret

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrSecretNotFound is returned when a scope/key pair has no value.
var ErrSecretNotFound = eris.New("secret not found")

// Store looks up secret values.
type Store interface {
	Get(ctx context.Context, scope, key string) (string, error)
}

// EnvStore reads secrets from environment variables named
// <Prefix>_<SCOPE>_<KEY>.
type EnvStore struct {
	Prefix string
	lookup func(string) (string, bool)
}

// NewEnvStore creates an EnvStore with the given variable prefix.
func NewEnvStore(prefix string) *EnvStore {
	return &EnvStore{Prefix: prefix, lookup: os.LookupEnv}
}

// VarName returns the environment variable consulted for scope/key.
func (s *EnvStore) VarName(scope, key string) string {
	parts := []string{envToken(scope), envToken(key)}
	if s.Prefix != "" {
		parts = append([]string{envToken(s.Prefix)}, parts...)
	}
	return strings.Join(parts, "_")
}

// Get returns the value of the scope/key variable.
func (s *EnvStore) Get(_ context.Context, scope, key string) (string, error) {
	if err := checkName(scope, key); err != nil {
		return "", err
	}
	v, ok := s.lookup(s.VarName(scope, key))
	if !ok || v == "" {
		return "", eris.Wrapf(ErrSecretNotFound, "secret: %s/%s", scope, key)
	}
	return v, nil
}

// FileStore reads secrets from <Dir>/<scope>/<key>.
type FileStore struct {
	Dir string
}

// Get returns the file contents with trailing newlines removed.
func (s *FileStore) Get(_ context.Context, scope, key string) (string, error) {
	if err := checkName(scope, key); err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(s.Dir, scope, key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", eris.Wrapf(ErrSecretNotFound, "secret: %s/%s", scope, key)
		}
		return "", eris.Wrapf(err, "secret: read %s/%s", scope, key)
	}
	v := strings.TrimRight(string(data), "\r\n")
	if v == "" {
		return "", eris.Wrapf(ErrSecretNotFound, "secret: %s/%s is empty", scope, key)
	}
	return v, nil
}

// MapStore serves secrets from memory; keys are "scope/key".
type MapStore map[string]string

// Get returns the stored value.
func (m MapStore) Get(_ context.Context, scope, key string) (string, error) {
	v, ok := m[scope+"/"+key]
	if !ok {
		return "", eris.Wrapf(ErrSecretNotFound, "secret: %s/%s", scope, key)
	}
	return v, nil
}

// New returns the store for a provider name: "env" or "file".
func New(provider, dir string) (Store, error) {
	switch provider {
	case "", "env":
		return NewEnvStore("LAKE_SECRET"), nil
	case "file":
		if dir == "" {
			return nil, eris.New("secret: file provider requires secrets.dir")
		}
		return &FileStore{Dir: dir}, nil
	default:
		return nil, eris.Errorf("secret: unknown provider %q (valid: env, file)", provider)
	}
}

func checkName(scope, key string) error {
	for _, part := range []string{scope, key} {
		if part == "" || strings.ContainsAny(part, `/\`) || part == "." || part == ".." {
			return eris.Errorf("secret: invalid scope/key %q/%q", scope, key)
		}
	}
	return nil
}

func envToken(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
