package secret

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvStore_VarName(t *testing.T) {
	s := NewEnvStore("LAKE_SECRET")
	assert.Equal(t, "LAKE_SECRET_DATALAKE_ADAPPSECRET", s.VarName("datalake", "adappsecret"))
	assert.Equal(t, "LAKE_SECRET_MY_SCOPE_CLIENT_SECRET", s.VarName("my-scope", "client.secret"))
}

func TestEnvStore_Get(t *testing.T) {
	t.Setenv("LAKE_SECRET_DATALAKE_ADAPPSECRET", "s3cr3t")

	s := NewEnvStore("LAKE_SECRET")
	v, err := s.Get(context.Background(), "datalake", "adappsecret")
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", v)
}

func TestEnvStore_Missing(t *testing.T) {
	s := &EnvStore{Prefix: "X", lookup: func(string) (string, bool) { return "", false }}
	_, err := s.Get(context.Background(), "datalake", "adappsecret")
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrSecretNotFound))
	assert.Contains(t, err.Error(), "datalake/adappsecret")
}

func TestFileStore_Get(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "datalake"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "datalake", "adappsecret"), []byte("value\n"), 0o600))

	s := &FileStore{Dir: dir}
	v, err := s.Get(context.Background(), "datalake", "adappsecret")
	require.NoError(t, err)
	assert.Equal(t, "value", v)

	_, err = s.Get(context.Background(), "datalake", "other")
	assert.True(t, eris.Is(err, ErrSecretNotFound))
}

func TestFileStore_RejectsTraversal(t *testing.T) {
	s := &FileStore{Dir: t.TempDir()}
	_, err := s.Get(context.Background(), "..", "passwd")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid scope/key")
}

func TestMapStore(t *testing.T) {
	s := MapStore{"datalake/adappsecret": "abc"}
	v, err := s.Get(context.Background(), "datalake", "adappsecret")
	require.NoError(t, err)
	assert.Equal(t, "abc", v)

	_, err = s.Get(context.Background(), "datalake", "missing")
	assert.True(t, eris.Is(err, ErrSecretNotFound))
}

func TestNew(t *testing.T) {
	s, err := New("env", "")
	require.NoError(t, err)
	assert.IsType(t, &EnvStore{}, s)

	s, err = New("file", "/run/secrets")
	require.NoError(t, err)
	assert.Equal(t, &FileStore{Dir: "/run/secrets"}, s)

	_, err = New("file", "")
	assert.Error(t, err)

	_, err = New("vault", "")
	assert.Error(t, err)
}
