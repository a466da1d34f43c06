package blob

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/stretchr/testify/assert"
)

func azureError(status int, code string) error {
	req := httptest.NewRequest(http.MethodGet, "https://acct.blob.core.windows.net/data/x", nil)
	return &azcore.ResponseError{
		ErrorCode:   code,
		StatusCode:  status,
		RawResponse: &http.Response{StatusCode: status, Request: req, Body: http.NoBody},
	}
}

// fakeAzure is an in-memory container honouring If-None-Match: *.
type fakeAzure struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func (f *fakeAzure) DownloadStream(_ context.Context, _, name string, _ *azblob.DownloadStreamOptions) (azblob.DownloadStreamResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[name]
	if !ok {
		return azblob.DownloadStreamResponse{}, azureError(http.StatusNotFound, "BlobNotFound")
	}
	var resp azblob.DownloadStreamResponse
	resp.Body = io.NopCloser(bytes.NewReader(data))
	return resp, nil
}

func (f *fakeAzure) UploadBuffer(_ context.Context, _, name string, buf []byte, o *azblob.UploadBufferOptions) (azblob.UploadBufferResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o != nil && o.AccessConditions != nil && o.AccessConditions.ModifiedAccessConditions != nil &&
		o.AccessConditions.ModifiedAccessConditions.IfNoneMatch != nil {
		if _, ok := f.blobs[name]; ok {
			return azblob.UploadBufferResponse{}, azureError(http.StatusConflict, "BlobAlreadyExists")
		}
	}
	f.blobs[name] = append([]byte(nil), buf...)
	return azblob.UploadBufferResponse{}, nil
}

func (f *fakeAzure) DeleteBlob(_ context.Context, _, name string, _ *azblob.DeleteBlobOptions) (azblob.DeleteBlobResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.blobs[name]; !ok {
		return azblob.DeleteBlobResponse{}, azureError(http.StatusNotFound, "BlobNotFound")
	}
	delete(f.blobs, name)
	return azblob.DeleteBlobResponse{}, nil
}

func (f *fakeAzure) GetProperties(_ context.Context, _, name string) (blob.GetPropertiesResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.blobs[name]; !ok {
		return blob.GetPropertiesResponse{}, azureError(http.StatusNotFound, "BlobNotFound")
	}
	return blob.GetPropertiesResponse{}, nil
}

func (f *fakeAzure) NewListBlobsFlatPager(_ string, o *azblob.ListBlobsFlatOptions) *runtime.Pager[azblob.ListBlobsFlatResponse] {
	prefix := ""
	if o != nil && o.Prefix != nil {
		prefix = *o.Prefix
	}
	return runtime.NewPager(runtime.PagingHandler[azblob.ListBlobsFlatResponse]{
		More: func(azblob.ListBlobsFlatResponse) bool { return false },
		Fetcher: func(context.Context, *azblob.ListBlobsFlatResponse) (azblob.ListBlobsFlatResponse, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			var names []string
			for name := range f.blobs {
				if strings.HasPrefix(name, prefix) {
					names = append(names, name)
				}
			}
			sort.Strings(names)
			now := time.Now()
			seg := &container.BlobFlatListSegment{}
			for _, name := range names {
				size := int64(len(f.blobs[name]))
				seg.BlobItems = append(seg.BlobItems, &container.BlobItem{
					Name:       &name,
					Properties: &container.BlobProperties{ContentLength: &size, LastModified: &now},
				})
			}
			var resp azblob.ListBlobsFlatResponse
			resp.Segment = seg
			return resp, nil
		},
	})
}

func TestAzureStore(t *testing.T) {
	fake := &fakeAzure{blobs: map[string][]byte{}}
	s := newAzureStore(fake, AzureLocation{Container: "data", Account: "datalake", Prefix: "nyc"})
	assert.Equal(t, "abfss://data@datalake.dfs.core.windows.net/nyc", s.Path())

	exerciseStore(t, s)
}

func TestAzureStore_NotFoundClassification(t *testing.T) {
	assert.True(t, isAzureNotFound(azureError(http.StatusNotFound, "BlobNotFound")))
	assert.False(t, isAzureNotFound(azureError(http.StatusForbidden, "AuthorizationFailure")))
	assert.True(t, isAzureTransient(azureError(http.StatusServiceUnavailable, "ServerBusy")))
	assert.False(t, isAzureTransient(azureError(http.StatusForbidden, "AuthorizationFailure")))
}
