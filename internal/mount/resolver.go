package mount

import (
	"context"
	"path"
	"strings"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lake-cli/internal/blob"
)

// Resolver maps absolute lake paths to the store of the mount that covers
// them. Stores are opened on first use and cached.
type Resolver struct {
	table *Table

	mu     sync.Mutex
	mounts []Mount
	loaded bool
	stores map[string]blob.Store
}

// NewResolver returns a resolver over the mounts of t.
func NewResolver(t *Table) *Resolver {
	return &Resolver{table: t, stores: map[string]blob.Store{}}
}

// Location is a resolved lake path.
type Location struct {
	Store blob.Store
	// Key is the path relative to the store root, without leading slash.
	Key   string
	Mount Mount
}

// Resolve finds the mount with the longest mount point covering p.
func (r *Resolver) Resolve(ctx context.Context, p string) (Location, error) {
	if !strings.HasPrefix(p, "/") {
		return Location{}, eris.Wrapf(ErrNotMounted, "path %q is not absolute", p)
	}
	p = path.Clean(p)

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.loaded {
		mounts, err := r.table.List()
		if err != nil {
			return Location{}, err
		}
		r.mounts = mounts
		r.loaded = true
	}

	var best *Mount
	for i := range r.mounts {
		m := &r.mounts[i]
		if p != m.MountPoint && !strings.HasPrefix(p, m.MountPoint+"/") {
			continue
		}
		if best == nil || len(m.MountPoint) > len(best.MountPoint) {
			best = m
		}
	}
	if best == nil {
		return Location{}, eris.Wrapf(ErrNotMounted, "no mount covers %s", p)
	}

	store, ok := r.stores[best.MountPoint]
	if !ok {
		var err error
		store, err = r.table.OpenStore(ctx, *best)
		if err != nil {
			return Location{}, err
		}
		r.stores[best.MountPoint] = store
	}

	key := strings.TrimPrefix(strings.TrimPrefix(p, best.MountPoint), "/")
	return Location{Store: store, Key: key, Mount: *best}, nil
}

// Reload drops cached mounts and stores so the next Resolve re-reads the table.
func (r *Resolver) Reload() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaded = false
	r.mounts = nil
	r.stores = map[string]blob.Store{}
}
