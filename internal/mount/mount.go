// Package mount keeps the table of lake mounts: local-looking paths under
// /mnt/ bound to object storage URLs. Secret values are never persisted;
// a mount records where to fetch its secret from.
package mount

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/lake-cli/internal/blob"
	"github.com/sells-group/lake-cli/internal/secret"
)

var (
	// ErrAlreadyMounted is returned when the mount point is taken.
	ErrAlreadyMounted = eris.New("mount: directory already mounted")
	// ErrNotMounted is returned when no mount covers a path.
	ErrNotMounted = eris.New("mount: not mounted")
	// ErrInvalidMountPoint is returned for mount points outside /mnt/.
	ErrInvalidMountPoint = eris.New("mount: mount point must be an absolute path under /mnt/")
)

// Mount is one persisted mount.
type Mount struct {
	MountPoint    string    `yaml:"mount_point" json:"mount_point"`
	Source        string    `yaml:"source" json:"source"`
	ClientID      string    `yaml:"client_id,omitempty" json:"client_id,omitempty"`
	TokenEndpoint string    `yaml:"token_endpoint,omitempty" json:"token_endpoint,omitempty"`
	SecretScope   string    `yaml:"secret_scope,omitempty" json:"secret_scope,omitempty"`
	SecretKey     string    `yaml:"secret_key,omitempty" json:"secret_key,omitempty"`
	CreatedAt     time.Time `yaml:"created_at" json:"created_at"`
}

// Options controls Table.Mount.
type Options struct {
	// Force replaces an existing mount at the same point.
	Force bool
	// SkipProbe persists the mount without listing the backend first.
	SkipProbe bool
}

// Opener opens the store behind a mount.
type Opener func(ctx context.Context, rawURL string, creds blob.Credentials) (blob.Store, error)

type tableFile struct {
	Mounts []Mount `yaml:"mounts"`
}

// Table is the YAML-backed mount table.
type Table struct {
	path    string
	secrets secret.Store
	open    Opener

	mu sync.Mutex
}

// NewTable returns a table persisted at path that resolves secrets through
// secrets and opens stores with blob.Open.
func NewTable(path string, secrets secret.Store) *Table {
	return &Table{path: path, secrets: secrets, open: blob.Open}
}

// WithOpener replaces the store opener. Used by tests.
func (t *Table) WithOpener(o Opener) *Table {
	t.open = o
	return t
}

// NormalizeMountPoint cleans p and checks that it lies under /mnt/.
func NormalizeMountPoint(p string) (string, error) {
	if !strings.HasPrefix(p, "/") {
		return "", eris.Wrapf(ErrInvalidMountPoint, "mount point %q", p)
	}
	p = path.Clean(p)
	if !strings.HasPrefix(p, "/mnt/") {
		return "", eris.Wrapf(ErrInvalidMountPoint, "mount point %q", p)
	}
	return p, nil
}

func (t *Table) load() (tableFile, error) {
	var tf tableFile
	data, err := os.ReadFile(t.path)
	if os.IsNotExist(err) {
		return tf, nil
	}
	if err != nil {
		return tf, eris.Wrapf(err, "mount: read table %s", t.path)
	}
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return tf, eris.Wrapf(err, "mount: parse table %s", t.path)
	}
	return tf, nil
}

func (t *Table) save(tf tableFile) error {
	sort.Slice(tf.Mounts, func(i, j int) bool { return tf.Mounts[i].MountPoint < tf.Mounts[j].MountPoint })
	data, err := yaml.Marshal(tf)
	if err != nil {
		return eris.Wrap(err, "mount: encode table")
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return eris.Wrapf(err, "mount: create table dir")
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return eris.Wrapf(err, "mount: write table %s", t.path)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return eris.Wrapf(err, "mount: replace table %s", t.path)
	}
	return nil
}

// List returns all mounts sorted by mount point.
func (t *Table) List() ([]Mount, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tf, err := t.load()
	if err != nil {
		return nil, err
	}
	sort.Slice(tf.Mounts, func(i, j int) bool { return tf.Mounts[i].MountPoint < tf.Mounts[j].MountPoint })
	return tf.Mounts, nil
}

// Get returns the mount at exactly point.
func (t *Table) Get(point string) (Mount, error) {
	point, err := NormalizeMountPoint(point)
	if err != nil {
		return Mount{}, err
	}
	mounts, err := t.List()
	if err != nil {
		return Mount{}, err
	}
	for _, m := range mounts {
		if m.MountPoint == point {
			return m, nil
		}
	}
	return Mount{}, eris.Wrapf(ErrNotMounted, "mount point %s", point)
}

// Mount validates m, probes its backend and persists it. A taken mount
// point fails with ErrAlreadyMounted unless opts.Force is set, in which case
// the old mount is replaced.
func (t *Table) Mount(ctx context.Context, m Mount, opts Options) error {
	point, err := NormalizeMountPoint(m.MountPoint)
	if err != nil {
		return err
	}
	m.MountPoint = point
	if m.Source == "" {
		return eris.New("mount: source is required")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	if !opts.SkipProbe {
		store, err := t.OpenStore(ctx, m)
		if err != nil {
			return err
		}
		if _, err := store.List(ctx, "_lake_probe/"); err != nil {
			return eris.Wrapf(err, "mount: probe %s", m.Source)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	tf, err := t.load()
	if err != nil {
		return err
	}
	kept := tf.Mounts[:0]
	for _, existing := range tf.Mounts {
		if existing.MountPoint != point {
			kept = append(kept, existing)
			continue
		}
		if !opts.Force {
			return eris.Wrapf(ErrAlreadyMounted, "%s is mounted from %s", point, existing.Source)
		}
		zap.L().Info("replacing existing mount",
			zap.String("component", "mount"),
			zap.String("mount_point", point),
			zap.String("old_source", existing.Source),
		)
	}
	tf.Mounts = append(kept, m)
	if err := t.save(tf); err != nil {
		return err
	}

	zap.L().Info("mounted",
		zap.String("component", "mount"),
		zap.String("mount_point", point),
		zap.String("source", m.Source),
	)
	return nil
}

// Unmount removes the mount at point.
func (t *Table) Unmount(point string) error {
	point, err := NormalizeMountPoint(point)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	tf, err := t.load()
	if err != nil {
		return err
	}
	kept := tf.Mounts[:0]
	found := false
	for _, m := range tf.Mounts {
		if m.MountPoint == point {
			found = true
			continue
		}
		kept = append(kept, m)
	}
	if !found {
		return eris.Wrapf(ErrNotMounted, "mount point %s", point)
	}
	tf.Mounts = kept
	if err := t.save(tf); err != nil {
		return err
	}
	zap.L().Info("unmounted", zap.String("component", "mount"), zap.String("mount_point", point))
	return nil
}

// OpenStore opens the backend of m, fetching its secret when it names one.
func (t *Table) OpenStore(ctx context.Context, m Mount) (blob.Store, error) {
	creds := blob.Credentials{ClientID: m.ClientID, TokenEndpoint: m.TokenEndpoint}
	if m.SecretScope != "" && m.SecretKey != "" {
		if t.secrets == nil {
			return nil, eris.Errorf("mount: %s needs secret %s/%s but no secret store is configured", m.MountPoint, m.SecretScope, m.SecretKey)
		}
		value, err := t.secrets.Get(ctx, m.SecretScope, m.SecretKey)
		if err != nil {
			return nil, eris.Wrapf(err, "mount: secret for %s", m.MountPoint)
		}
		creds.ClientSecret = value
	}
	store, err := t.open(ctx, m.Source, creds)
	if err != nil {
		return nil, eris.Wrapf(err, "mount: open %s", m.Source)
	}
	return store, nil
}

// MountDataLake mounts an Azure container with a service principal whose
// secret lives in the secret store under scope/key. The bundle is checked
// with the secret resolved before anything is persisted.
func (t *Table) MountDataLake(ctx context.Context, point string, creds Credentials, scope, key string, opts Options) error {
	if creds.ClientSecret == "" && t.secrets != nil {
		value, err := t.secrets.Get(ctx, scope, key)
		if err != nil {
			return eris.Wrapf(err, "mount: secret %s/%s", scope, key)
		}
		creds.ClientSecret = value
	}
	if err := creds.Validate(); err != nil {
		return err
	}
	return t.Mount(ctx, Mount{
		MountPoint:    point,
		Source:        creds.Source(),
		ClientID:      creds.ClientID,
		TokenEndpoint: creds.TokenEndpoint,
		SecretScope:   scope,
		SecretKey:     key,
	}, opts)
}
