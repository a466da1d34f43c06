// Package blob is the object storage layer behind lake mounts. A Store is
// rooted at a URL (file://, mem://, s3://, abfss://, gs://) and addresses
// objects by slash-separated keys relative to that root.
package blob

import (
	"context"
	"io"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Store is an object store rooted at a prefix.
type Store interface {
	// Path returns the URL this store is rooted at.
	Path() string
	Exists(ctx context.Context, key string) (bool, error)
	// Get returns the object body. Missing keys return NotFound.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Put creates or replaces the object.
	Put(ctx context.Context, key string, data []byte) error
	// PutIfAbsent creates the object only when no object exists under key,
	// returning AlreadyExists otherwise. It is atomic with respect to other
	// writers of the same backend.
	PutIfAbsent(ctx context.Context, key string, data []byte) error
	// List returns every object whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	// Delete removes the object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every object whose key starts with prefix.
	DeletePrefix(ctx context.Context, prefix string) error
}

// Credentials carries the secrets a backend needs. Backends ignore the
// fields they do not use.
type Credentials struct {
	// ClientID and ClientSecret are an Azure service principal or an S3
	// access key pair.
	ClientID     string
	ClientSecret string
	// TokenEndpoint is the OAuth token URL of the Azure tenant,
	// e.g. https://login.microsoftonline.com/<tenant>/oauth2/token.
	TokenEndpoint string
	// ConnectionString selects shared-key auth for Azure (Azurite, tests).
	ConnectionString string
	// CredentialsJSON is a GCS service account key.
	CredentialsJSON []byte
}

// Factory opens a Store for a parsed URL.
type Factory func(ctx context.Context, u *url.URL, creds Credentials) (Store, error)

var factories = map[string]Factory{
	"file":  openFile,
	"mem":   openMem,
	"s3":    openS3,
	"s3a":   openS3,
	"abfs":  openAzure,
	"abfss": openAzure,
	"wasb":  openAzure,
	"wasbs": openAzure,
	"gs":    openGCS,
}

// Schemes lists the URL schemes Open understands.
func Schemes() []string {
	out := make([]string, 0, len(factories))
	for s := range factories {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Open returns the Store for rawURL.
func Open(ctx context.Context, rawURL string, creds Credentials) (Store, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrapf(err, "blob: parse url %q", rawURL)
	}
	f, ok := factories[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, eris.Errorf("blob: unsupported scheme %q", u.Scheme)
	}
	return f(ctx, u, creds)
}

// ReadAll reads the full object stored under key.
func ReadAll(ctx context.Context, s Store, key string) ([]byte, error) {
	rc, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close() //nolint:errcheck

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, eris.Wrapf(err, "blob: read %s", key)
	}
	return data, nil
}

// Join joins key elements with slashes and strips leading slashes.
func Join(elem ...string) string {
	return strings.TrimLeft(path.Join(elem...), "/")
}

// DirPrefix returns key with exactly one trailing slash, or "" for the root.
func DirPrefix(key string) string {
	key = strings.Trim(key, "/")
	if key == "" {
		return ""
	}
	return key + "/"
}

// normalizePrefix strips leading slashes from a store root prefix.
func normalizePrefix(prefix string) string {
	return strings.Trim(prefix, "/")
}

// relKey maps an absolute backend key back to a key relative to root.
func relKey(root, abs string) string {
	if root == "" {
		return abs
	}
	return strings.TrimPrefix(strings.TrimPrefix(abs, root), "/")
}

func sortInfos(infos []ObjectInfo) []ObjectInfo {
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos
}

// absPrefix prepends root to a listing prefix, keeping any trailing slash.
func absPrefix(root, prefix string) string {
	prefix = strings.TrimLeft(prefix, "/")
	if root == "" {
		return prefix
	}
	return root + "/" + prefix
}

// URL returns the full URL of key inside s.
func URL(s Store, key string) string {
	key = strings.Trim(key, "/")
	if key == "" {
		return s.Path()
	}
	return strings.TrimRight(s.Path(), "/") + "/" + key
}

// localPather is implemented by stores whose objects are plain files on the
// local disk.
type localPather interface {
	LocalPath(key string) (string, bool)
}

// LocalPath returns the OS path of key when s keeps it on the local disk.
func LocalPath(s Store, key string) (string, bool) {
	if lp, ok := s.(localPather); ok {
		return lp.LocalPath(key)
	}
	return "", false
}
