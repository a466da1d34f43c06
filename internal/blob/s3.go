package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lake-cli/internal/resilience"
)

// s3API is the subset of *s3.Client the store uses.
type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Store keeps objects in an S3 (or S3-compatible) bucket under a prefix.
// PutIfAbsent relies on conditional writes (If-None-Match: *).
type S3Store struct {
	client s3API
	bucket string
	prefix string
	retry  resilience.RetryConfig
}

// S3Options are read from the s3:// URL query.
type S3Options struct {
	Region    string
	Endpoint  string
	PathStyle bool
}

func parseS3Options(q url.Values) (S3Options, error) {
	opts := S3Options{Region: q.Get("region"), Endpoint: q.Get("endpoint")}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	if v := q.Get("path_style"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return opts, eris.Wrapf(err, "blob: path_style %q", v)
		}
		opts.PathStyle = b
	}
	return opts, nil
}

func openS3(ctx context.Context, u *url.URL, creds Credentials) (Store, error) {
	if u.Host == "" {
		return nil, eris.New("blob: s3 url needs a bucket")
	}
	opts, err := parseS3Options(u.Query())
	if err != nil {
		return nil, err
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if creds.ClientID != "" && creds.ClientSecret != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.ClientID, creds.ClientSecret, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, eris.Wrap(err, "blob: load aws config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	})
	return newS3Store(client, u.Host, u.Path), nil
}

func newS3Store(client s3API, bucket, prefix string) *S3Store {
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("blob.s3", bucket)
	return &S3Store{client: client, bucket: bucket, prefix: normalizePrefix(prefix), retry: retry}
}

func (s *S3Store) Path() string {
	return "s3://" + Join(s.bucket, s.prefix)
}

func (s *S3Store) abs(key string) string {
	return Join(s.prefix, key)
}

func s3ErrorCode(err error) string {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return ae.ErrorCode()
	}
	return ""
}

func isS3NotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	switch s3ErrorCode(err) {
	case "NoSuchKey", "NotFound":
		return true
	}
	return false
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := resilience.DoVal(ctx, s.retry, func(ctx context.Context) (*s3.HeadObjectOutput, error) {
		return s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.abs(key))})
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, eris.Wrapf(err, "blob: head s3 object %s", key)
	}
	return true, nil
}

func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := resilience.DoVal(ctx, s.retry, func(ctx context.Context) (*s3.GetObjectOutput, error) {
		return s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.abs(key))})
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, NotFound{Key: key}
		}
		return nil, eris.Wrapf(err, "blob: get s3 object %s", key)
	}
	return out.Body, nil
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte) error {
	err := resilience.Do(ctx, s.retry, func(ctx context.Context) error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(s.abs(key)),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
		})
		return err
	})
	return eris.Wrapf(err, "blob: put s3 object %s", key)
}

func (s *S3Store) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.abs(key)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		IfNoneMatch:   aws.String("*"),
	})
	if err == nil {
		return nil
	}
	switch s3ErrorCode(err) {
	case "PreconditionFailed", "ConditionalRequestConflict":
		return AlreadyExists{Key: key}
	}
	return eris.Wrapf(err, "blob: conditional put s3 object %s", key)
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	in := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(absPrefix(s.prefix, prefix)),
	}
	var out []ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(s.client, in)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, eris.Wrapf(err, "blob: list s3 prefix %s", prefix)
		}
		for _, obj := range page.Contents {
			out = append(out, ObjectInfo{
				Key:     relKey(s.prefix, aws.ToString(obj.Key)),
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
		}
	}
	return sortInfos(out), nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	err := resilience.Do(ctx, s.retry, func(ctx context.Context) error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.abs(key))})
		return err
	})
	if err != nil && !isS3NotFound(err) {
		return eris.Wrapf(err, "blob: delete s3 object %s", key)
	}
	return nil
}

// s3DeleteBatch is the DeleteObjects per-request limit.
const s3DeleteBatch = 1000

func (s *S3Store) DeletePrefix(ctx context.Context, prefix string) error {
	infos, err := s.List(ctx, prefix)
	if err != nil {
		return err
	}
	for start := 0; start < len(infos); start += s3DeleteBatch {
		end := min(start+s3DeleteBatch, len(infos))
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, info := range infos[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(s.abs(info.Key))})
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return eris.Wrapf(err, "blob: delete s3 prefix %s", prefix)
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return eris.Errorf("blob: delete s3 object %s: %s", aws.ToString(e.Key), aws.ToString(e.Message))
		}
	}
	return nil
}
