package main

import (
	"context"
	"os"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lake-cli/internal/catalog"
	"github.com/sells-group/lake-cli/internal/config"
	"github.com/sells-group/lake-cli/internal/fetcher"
	"github.com/sells-group/lake-cli/internal/ingest"
	"github.com/sells-group/lake-cli/internal/mount"
	"github.com/sells-group/lake-cli/internal/secret"
)

// openCatalog connects to the configured metastore and applies pending
// migrations.
func openCatalog(ctx context.Context, c *config.Config) (catalog.Store, error) {
	if err := c.Validate("catalog"); err != nil {
		return nil, err
	}
	store, err := catalog.Open(ctx, c.Catalog.Driver, c.Catalog.DatabaseURL)
	if err != nil {
		return nil, eris.Wrap(err, "open catalog")
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "migrate catalog")
	}
	return store, nil
}

// openMounts returns the persisted mount table with the configured secret
// store.
func openMounts(c *config.Config) (*mount.Table, error) {
	secrets, err := secret.New(c.Secrets.Provider, c.Secrets.Dir)
	if err != nil {
		return nil, eris.Wrap(err, "open secret store")
	}
	return mount.NewTable(c.Lake.MountTable, secrets), nil
}

// openResolver maps lake paths through the mount table.
func openResolver(c *config.Config) (*mount.Resolver, error) {
	mounts, err := openMounts(c)
	if err != nil {
		return nil, err
	}
	return mount.NewResolver(mounts), nil
}

// newFetcher returns a fetcher for every configured source URL.
func newFetcher(c *config.Config) (fetcher.Fetcher, error) {
	opts := fetcher.Options{
		HTTP: fetcher.HTTPOptions{
			UserAgent:  c.Source.UserAgent,
			Timeout:    time.Duration(c.Source.TimeoutSecs) * time.Second,
			MaxRetries: c.Source.MaxRetries,
		},
		FTP: fetcher.FTPOptions{
			Timeout:    time.Duration(c.Source.TimeoutSecs) * time.Second,
			MaxRetries: c.Source.MaxRetries,
		},
	}
	for _, u := range []string{c.Source.ZoneLookupURL, c.Source.ZoneShapesURL} {
		if u == "" {
			continue
		}
		if _, err := fetcher.ForURL(u, opts); err != nil {
			return nil, err
		}
	}
	return fetcher.NewRouter(opts), nil
}

// newIngestEnv wires the dataset environment over store.
func newIngestEnv(c *config.Config, store catalog.Store) (*ingest.Env, error) {
	if err := c.Validate("ingest"); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(c.Lake.TempDir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "create temp dir %s", c.Lake.TempDir)
	}
	resolver, err := openResolver(c)
	if err != nil {
		return nil, err
	}
	f, err := newFetcher(c)
	if err != nil {
		return nil, err
	}
	return &ingest.Env{
		Locator:        resolver,
		Fetcher:        f,
		Catalog:        store,
		Schemas:        catalog.DeltaSchemas(resolver),
		Root:           c.Lake.Root,
		TempDir:        c.Lake.TempDir,
		MaxRowsPerFile: c.Lake.MaxRowsPerFile,
		Concurrency:    c.Lake.WriteConcurrency,
	}, nil
}
