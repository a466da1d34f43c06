package blob

import (
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/afero"
)

// AferoStore keeps objects as files in an afero file system. It backs
// file:// mounts (OS file system) and mem:// mounts (shared in-memory file
// systems, one per host name).
type AferoStore struct {
	fs   afero.Fs
	root string
	url  string
}

var (
	memMu  sync.Mutex
	memFSs = map[string]afero.Fs{}

	// exclMu serialises PutIfAbsent on non-OS file systems.
	exclMu sync.Mutex
)

// MemFS returns the process-wide in-memory file system named name.
func MemFS(name string) afero.Fs {
	memMu.Lock()
	defer memMu.Unlock()
	fs, ok := memFSs[name]
	if !ok {
		fs = afero.NewMemMapFs()
		memFSs[name] = fs
	}
	return fs
}

// NewAferoStore returns a store rooted at root inside fs.
func NewAferoStore(fs afero.Fs, root, displayURL string) *AferoStore {
	root = path.Clean("/" + filepath.ToSlash(root))
	return &AferoStore{fs: fs, root: root, url: displayURL}
}

func openFile(_ context.Context, u *url.URL, _ Credentials) (Store, error) {
	if u.Host != "" && u.Host != "localhost" {
		return nil, eris.Errorf("blob: file url must not name a host, got %q", u.Host)
	}
	if u.Path == "" {
		return nil, eris.New("blob: file url needs an absolute path")
	}
	return NewAferoStore(afero.NewOsFs(), u.Path, "file://"+u.Path), nil
}

func openMem(_ context.Context, u *url.URL, _ Credentials) (Store, error) {
	if u.Host == "" {
		return nil, eris.New("blob: mem url needs a name, e.g. mem://scratch/")
	}
	p := path.Clean("/" + u.Path)
	return NewAferoStore(MemFS(u.Host), p, "mem://"+u.Host+p), nil
}

func (s *AferoStore) Path() string { return s.url }

// FS exposes the underlying file system and the root directory inside it.
func (s *AferoStore) FS() (afero.Fs, string) { return s.fs, s.root }

func (s *AferoStore) abs(key string) string {
	return path.Join(s.root, key)
}

// LocalPath returns the OS path of key on file:// stores.
func (s *AferoStore) LocalPath(key string) (string, bool) {
	if _, ok := s.fs.(*afero.OsFs); !ok {
		return "", false
	}
	return filepath.FromSlash(s.abs(key)), true
}

func (s *AferoStore) Exists(_ context.Context, key string) (bool, error) {
	fi, err := s.fs.Stat(s.abs(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, eris.Wrapf(err, "blob: stat %s", key)
	}
	return !fi.IsDir(), nil
}

func (s *AferoStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := s.fs.Open(s.abs(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NotFound{Key: key}
		}
		return nil, eris.Wrapf(err, "blob: open %s", key)
	}
	if fi, err := f.Stat(); err == nil && fi.IsDir() {
		_ = f.Close()
		return nil, NotFound{Key: key}
	}
	return f, nil
}

// Put writes to a temporary sibling and renames it into place so readers
// never observe a partial object.
func (s *AferoStore) Put(_ context.Context, key string, data []byte) error {
	dst := s.abs(key)
	if err := s.fs.MkdirAll(path.Dir(dst), 0o755); err != nil {
		return eris.Wrapf(err, "blob: mkdir for %s", key)
	}
	tmp := path.Join(path.Dir(dst), ".tmp-"+uuid.NewString())
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		_ = s.fs.Remove(tmp)
		return eris.Wrapf(err, "blob: write %s", key)
	}
	if err := s.fs.Rename(tmp, dst); err != nil {
		_ = s.fs.Remove(tmp)
		return eris.Wrapf(err, "blob: rename into %s", key)
	}
	return nil
}

// PutIfAbsent writes to a temporary file first so readers never observe a
// partial object. On the OS file system the temporary file is hard linked
// into place, which fails atomically when the key exists; other file systems
// check and rename under a process-wide lock.
func (s *AferoStore) PutIfAbsent(_ context.Context, key string, data []byte) error {
	dst := s.abs(key)
	if err := s.fs.MkdirAll(path.Dir(dst), 0o755); err != nil {
		return eris.Wrapf(err, "blob: mkdir for %s", key)
	}
	tmp := path.Join(path.Dir(dst), ".tmp-"+uuid.NewString())
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		_ = s.fs.Remove(tmp)
		return eris.Wrapf(err, "blob: write %s", key)
	}
	defer s.fs.Remove(tmp) //nolint:errcheck

	if _, ok := s.fs.(*afero.OsFs); ok {
		if err := os.Link(tmp, dst); err != nil {
			if os.IsExist(err) {
				return AlreadyExists{Key: key}
			}
			return eris.Wrapf(err, "blob: link into %s", key)
		}
		return nil
	}

	exclMu.Lock()
	defer exclMu.Unlock()
	if _, err := s.fs.Stat(dst); err == nil {
		return AlreadyExists{Key: key}
	} else if !os.IsNotExist(err) {
		return eris.Wrapf(err, "blob: stat %s", key)
	}
	if err := s.fs.Rename(tmp, dst); err != nil {
		return eris.Wrapf(err, "blob: rename into %s", key)
	}
	return nil
}

func (s *AferoStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	prefix = strings.TrimLeft(prefix, "/")
	// Walk from the deepest directory the prefix fully names.
	start := s.root
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		start = s.abs(prefix[:i])
	}

	var out []ObjectInfo
	err := afero.Walk(s.fs, start, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if fi.IsDir() || strings.HasPrefix(fi.Name(), ".tmp-") {
			return nil
		}
		key := relKey(strings.TrimPrefix(s.root, "/"), strings.TrimPrefix(filepath.ToSlash(p), "/"))
		if strings.HasPrefix(key, prefix) {
			out = append(out, ObjectInfo{Key: key, Size: fi.Size(), ModTime: fi.ModTime()})
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "blob: list %s", prefix)
	}
	return sortInfos(out), nil
}

func (s *AferoStore) Delete(_ context.Context, key string) error {
	if err := s.fs.Remove(s.abs(key)); err != nil && !os.IsNotExist(err) {
		return eris.Wrapf(err, "blob: delete %s", key)
	}
	return nil
}

func (s *AferoStore) DeletePrefix(ctx context.Context, prefix string) error {
	infos, err := s.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if err := s.Delete(ctx, info.Key); err != nil {
			return err
		}
	}
	// Drop the directory itself when the prefix names one.
	if dir := strings.Trim(prefix, "/"); dir != "" {
		if fi, err := s.fs.Stat(s.abs(dir)); err == nil && fi.IsDir() {
			if err := s.fs.RemoveAll(s.abs(dir)); err != nil {
				return eris.Wrapf(err, "blob: remove %s", dir)
			}
		}
	}
	return nil
}
