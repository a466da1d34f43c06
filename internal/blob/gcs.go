package blob

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"

	"cloud.google.com/go/storage"
	"github.com/rotisserie/eris"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/sells-group/lake-cli/internal/resilience"
)

// GCSStore keeps objects in a Google Cloud Storage bucket under a prefix.
type GCSStore struct {
	bucket *storage.BucketHandle
	name   string
	prefix string
	retry  resilience.RetryConfig
}

// gcsClientOptions builds client options from the gs:// URL query and
// credentials. An endpoint (fake-gcs-server, emulators) disables auth.
func gcsClientOptions(u *url.URL, creds Credentials) []option.ClientOption {
	var opts []option.ClientOption
	if ep := u.Query().Get("endpoint"); ep != "" {
		opts = append(opts, option.WithEndpoint(ep), option.WithoutAuthentication())
	} else if len(creds.CredentialsJSON) > 0 {
		opts = append(opts, option.WithCredentialsJSON(creds.CredentialsJSON))
	}
	return opts
}

func openGCS(ctx context.Context, u *url.URL, creds Credentials) (Store, error) {
	if u.Host == "" {
		return nil, eris.New("blob: gs url needs a bucket")
	}
	client, err := storage.NewClient(ctx, gcsClientOptions(u, creds)...)
	if err != nil {
		return nil, eris.Wrap(err, "blob: gcs client")
	}
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("blob.gcs", u.Host)
	retry.ShouldRetry = isGCSTransient
	return &GCSStore{
		bucket: client.Bucket(u.Host),
		name:   u.Host,
		prefix: normalizePrefix(u.Path),
		retry:  retry,
	}, nil
}

func gcsStatus(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return 0
}

func isGCSTransient(err error) bool {
	if code := gcsStatus(err); code != 0 {
		return resilience.IsTransientHTTPStatus(code)
	}
	return resilience.IsTransient(err)
}

func (s *GCSStore) Path() string {
	return "gs://" + Join(s.name, s.prefix)
}

func (s *GCSStore) abs(key string) string {
	return Join(s.prefix, key)
}

func (s *GCSStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := resilience.DoVal(ctx, s.retry, func(ctx context.Context) (*storage.ObjectAttrs, error) {
		return s.bucket.Object(s.abs(key)).Attrs(ctx)
	})
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "blob: gcs attrs %s", key)
	}
	return true, nil
}

func (s *GCSStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := resilience.DoVal(ctx, s.retry, func(ctx context.Context) (*storage.Reader, error) {
		return s.bucket.Object(s.abs(key)).NewReader(ctx)
	})
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, NotFound{Key: key}
	}
	if err != nil {
		return nil, eris.Wrapf(err, "blob: gcs read %s", key)
	}
	return r, nil
}

func (s *GCSStore) write(ctx context.Context, obj *storage.ObjectHandle, data []byte) error {
	w := obj.NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (s *GCSStore) Put(ctx context.Context, key string, data []byte) error {
	err := resilience.Do(ctx, s.retry, func(ctx context.Context) error {
		return s.write(ctx, s.bucket.Object(s.abs(key)), data)
	})
	return eris.Wrapf(err, "blob: gcs write %s", key)
}

func (s *GCSStore) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	obj := s.bucket.Object(s.abs(key)).If(storage.Conditions{DoesNotExist: true})
	err := s.write(ctx, obj, data)
	if gcsStatus(err) == http.StatusPreconditionFailed {
		return AlreadyExists{Key: key}
	}
	return eris.Wrapf(err, "blob: gcs conditional write %s", key)
}

func (s *GCSStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: absPrefix(s.prefix, prefix)})
	var out []ObjectInfo
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "blob: gcs list %s", prefix)
		}
		out = append(out, ObjectInfo{Key: relKey(s.prefix, attrs.Name), Size: attrs.Size, ModTime: attrs.Updated})
	}
	return sortInfos(out), nil
}

func (s *GCSStore) Delete(ctx context.Context, key string) error {
	err := resilience.Do(ctx, s.retry, func(ctx context.Context) error {
		return s.bucket.Object(s.abs(key)).Delete(ctx)
	})
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return eris.Wrapf(err, "blob: gcs delete %s", key)
	}
	return nil
}

func (s *GCSStore) DeletePrefix(ctx context.Context, prefix string) error {
	infos, err := s.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if err := s.Delete(ctx, info.Key); err != nil {
			return err
		}
	}
	return nil
}
