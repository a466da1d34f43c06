package catalog

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lake-cli/internal/delta"
	"github.com/sells-group/lake-cli/internal/mount"
)

// DeltaSchemas reads table schemas from the Delta logs of mounted paths.
func DeltaSchemas(r *mount.Resolver) SchemaLookup {
	return func(ctx context.Context, location string) (string, bool, error) {
		loc, err := r.Resolve(ctx, location)
		if err != nil {
			return "", false, err
		}
		snap, err := delta.Open(loc.Store, loc.Key).Snapshot(ctx)
		if eris.Is(err, delta.ErrNotATable) {
			return "", false, nil
		}
		if err != nil {
			return "", false, err
		}
		return snap.Metadata.SchemaString, true, nil
	}
}
