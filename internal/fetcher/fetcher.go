// Package fetcher downloads source files over HTTP(S) or FTP and streams
// delimited text out of them.
package fetcher

import (
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// Fetcher defines the interface for downloading remote data.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL and writes it to the given path. Returns bytes written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}

// Options bundles the per-scheme fetcher options used by ForURL.
type Options struct {
	HTTP HTTPOptions
	FTP  FTPOptions
}

// ForURL returns a fetcher able to download rawURL, chosen by its scheme.
func ForURL(rawURL string, opts Options) (Fetcher, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: parse url %q", rawURL)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return NewHTTPFetcher(opts.HTTP), nil
	case "ftp":
		return NewFTPFetcher(opts.FTP), nil
	default:
		return nil, eris.Errorf("fetcher: unsupported scheme %q", u.Scheme)
	}
}

// Router sends each request to the fetcher for its URL scheme, so datasets
// with http and ftp sources can share one Fetcher.
type Router struct {
	http *HTTPFetcher
	ftp  *FTPFetcher
}

// NewRouter creates a Router with one fetcher per supported scheme.
func NewRouter(opts Options) *Router {
	return &Router{http: NewHTTPFetcher(opts.HTTP), ftp: NewFTPFetcher(opts.FTP)}
}

func (r *Router) pick(rawURL string) (Fetcher, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: parse url %q", rawURL)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return r.http, nil
	case "ftp":
		return r.ftp, nil
	}
	return nil, eris.Errorf("fetcher: unsupported scheme %q", u.Scheme)
}

// Download implements Fetcher.
func (r *Router) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	f, err := r.pick(rawURL)
	if err != nil {
		return nil, err
	}
	return f.Download(ctx, rawURL)
}

// DownloadToFile implements Fetcher.
func (r *Router) DownloadToFile(ctx context.Context, rawURL, path string) (int64, error) {
	f, err := r.pick(rawURL)
	if err != nil {
		return 0, err
	}
	return f.DownloadToFile(ctx, rawURL, path)
}

// HeadETag reads the ETag of http sources. Other schemes have none.
func (r *Router) HeadETag(ctx context.Context, rawURL string) (string, error) {
	f, err := r.pick(rawURL)
	if err != nil {
		return "", err
	}
	if h, ok := f.(*HTTPFetcher); ok {
		return h.HeadETag(ctx, rawURL)
	}
	return "", nil
}

// copyToFile drains body into path, creating parent directories.
func copyToFile(body io.Reader, path string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, eris.Wrap(err, "create file")
	}
	file, err := os.Create(path)
	if err != nil {
		return 0, eris.Wrap(err, "create file")
	}
	defer file.Close() //nolint:errcheck

	n, err := io.Copy(file, body)
	if err != nil {
		return n, eris.Wrap(err, "write file")
	}
	return n, nil
}
