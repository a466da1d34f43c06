package ingest

import (
	"slices"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lake-cli/internal/config"
)

// ErrUnknownDataset is returned when a dataset name is not registered.
var ErrUnknownDataset = eris.New("ingest: unknown dataset")

// Registry holds the datasets the engine can run, in the order they were
// registered.
type Registry struct {
	datasets []Dataset
}

// NewRegistry registers the lake's datasets with their configured sources.
func NewRegistry(cfg *config.Config) *Registry {
	r := &Registry{}
	r.Register(&ZoneLookup{URL: cfg.Source.ZoneLookupURL})
	r.Register(&ZoneShapes{URL: cfg.Source.ZoneShapesURL})
	return r
}

// Register adds d, replacing a dataset of the same name in its old slot.
func (r *Registry) Register(d Dataset) {
	if i := r.index(d.Name()); i >= 0 {
		r.datasets[i] = d
		return
	}
	r.datasets = append(r.datasets, d)
}

func (r *Registry) index(name string) int {
	return slices.IndexFunc(r.datasets, func(d Dataset) bool { return d.Name() == name })
}

// Get returns the dataset called name.
func (r *Registry) Get(name string) (Dataset, error) {
	i := r.index(name)
	if i < 0 {
		return nil, eris.Wrapf(ErrUnknownDataset, "%q (known: %s)", name, strings.Join(r.Names(), ", "))
	}
	return r.datasets[i], nil
}

// Select resolves names in the given order, skipping repeats. No names
// selects every dataset.
func (r *Registry) Select(names []string) ([]Dataset, error) {
	if len(names) == 0 {
		return r.All(), nil
	}
	out := make([]Dataset, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		d, err := r.Get(name)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// All returns every dataset.
func (r *Registry) All() []Dataset {
	return slices.Clone(r.datasets)
}

// Names returns every dataset name.
func (r *Registry) Names() []string {
	names := make([]string, len(r.datasets))
	for i, d := range r.datasets {
		names[i] = d.Name()
	}
	return names
}
