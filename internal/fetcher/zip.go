package fetcher

import (
	"archive/zip"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// MaxZIPBytes caps the total uncompressed size ExtractZIP will write.
const MaxZIPBytes = 2 << 30

// ExtractZIP unpacks the archive at zipPath under destDir and returns the
// extracted file paths in archive-name order. Directory entries, macOS
// resource forks (__MACOSX/, ._*) and members that would land outside
// destDir are not written; the latter is an error.
func ExtractZIP(zipPath, destDir string) ([]string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, eris.Wrap(err, "zip: open archive")
	}
	defer r.Close() //nolint:errcheck

	members := make([]*zip.File, 0, len(r.File))
	for _, f := range r.File {
		if f.FileInfo().IsDir() || isResourceFork(f.Name) {
			continue
		}
		members = append(members, f)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })

	root := filepath.Clean(destDir)
	var (
		out     []string
		written int64
	)
	for _, f := range members {
		dest := filepath.Join(root, filepath.FromSlash(f.Name))
		if !strings.HasPrefix(dest, root+string(os.PathSeparator)) {
			return out, eris.Errorf("zip: illegal path %q (zip slip attempt)", f.Name)
		}
		n, err := extractMember(f, dest, MaxZIPBytes-written)
		if err != nil {
			return out, eris.Wrapf(err, "zip: extract %s", f.Name)
		}
		written += n
		out = append(out, dest)
	}
	return out, nil
}

func isResourceFork(name string) bool {
	return strings.HasPrefix(name, "__MACOSX/") || strings.HasPrefix(path.Base(name), "._")
}

// extractMember writes f to dest, failing once more than budget bytes
// have been copied.
func extractMember(f *zip.File, dest string, budget int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, eris.Wrap(err, "create parent directory")
	}
	rc, err := f.Open()
	if err != nil {
		return 0, eris.Wrap(err, "open entry")
	}
	defer rc.Close() //nolint:errcheck

	file, err := os.Create(dest)
	if err != nil {
		return 0, eris.Wrap(err, "create file")
	}
	defer file.Close() //nolint:errcheck

	n, err := io.Copy(file, io.LimitReader(rc, budget+1))
	if err != nil {
		return n, eris.Wrap(err, "write file")
	}
	if n > budget {
		return n, eris.Errorf("archive exceeds %d uncompressed bytes", int64(MaxZIPBytes))
	}
	return n, nil
}
