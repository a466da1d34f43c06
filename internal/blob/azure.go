package blob

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/cloud"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lake-cli/internal/resilience"
)

// azureAPI is the subset of the azblob client the store uses.
type azureAPI interface {
	DownloadStream(ctx context.Context, containerName, blobName string, o *azblob.DownloadStreamOptions) (azblob.DownloadStreamResponse, error)
	UploadBuffer(ctx context.Context, containerName, blobName string, buffer []byte, o *azblob.UploadBufferOptions) (azblob.UploadBufferResponse, error)
	DeleteBlob(ctx context.Context, containerName, blobName string, o *azblob.DeleteBlobOptions) (azblob.DeleteBlobResponse, error)
	NewListBlobsFlatPager(containerName string, o *azblob.ListBlobsFlatOptions) *runtime.Pager[azblob.ListBlobsFlatResponse]
	GetProperties(ctx context.Context, containerName, blobName string) (blob.GetPropertiesResponse, error)
}

// azClient adds blob property lookups to *azblob.Client.
type azClient struct {
	*azblob.Client
}

func (c azClient) GetProperties(ctx context.Context, containerName, blobName string) (blob.GetPropertiesResponse, error) {
	return c.ServiceClient().NewContainerClient(containerName).NewBlobClient(blobName).GetProperties(ctx, nil)
}

// AzureStore keeps objects in an Azure storage container (ADLS Gen2 or
// plain blob storage) under a prefix.
type AzureStore struct {
	client    azureAPI
	account   string
	container string
	prefix    string
	retry     resilience.RetryConfig
}

// AzureLocation is a parsed abfss:// or wasbs:// URL.
type AzureLocation struct {
	Container  string
	Account    string
	Prefix     string
	ServiceURL string
}

// ParseAzureURL splits container@account.dfs.core.windows.net/prefix. The
// optional endpoint query parameter overrides the blob service URL.
func ParseAzureURL(u *url.URL) (AzureLocation, error) {
	container := u.User.Username()
	if u.User == nil || container == "" {
		return AzureLocation{}, eris.Errorf("blob: azure url %q needs container@account", u.Redacted())
	}
	host := u.Hostname()
	account, _, ok := strings.Cut(host, ".")
	if !ok || account == "" {
		return AzureLocation{}, eris.Errorf("blob: azure url host %q is not <account>.<endpoint>", host)
	}
	loc := AzureLocation{
		Container:  container,
		Account:    account,
		Prefix:     normalizePrefix(u.Path),
		ServiceURL: "https://" + account + ".blob.core.windows.net/",
	}
	if ep := u.Query().Get("endpoint"); ep != "" {
		loc.ServiceURL = strings.TrimRight(ep, "/") + "/"
	}
	return loc, nil
}

// ParseTokenEndpoint splits an Azure AD token URL such as
// https://login.microsoftonline.com/<tenant>/oauth2/token into the authority
// host and the tenant ID.
func ParseTokenEndpoint(endpoint string) (authorityHost, tenantID string, err error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", "", eris.Wrapf(err, "blob: parse token endpoint")
	}
	if u.Scheme == "" || u.Host == "" {
		return "", "", eris.Errorf("blob: token endpoint %q is not an absolute url", endpoint)
	}
	tenantID, _, _ = strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	if tenantID == "" {
		return "", "", eris.Errorf("blob: token endpoint %q has no tenant", endpoint)
	}
	return u.Scheme + "://" + u.Host + "/", tenantID, nil
}

func openAzure(_ context.Context, u *url.URL, creds Credentials) (Store, error) {
	if u.User == nil {
		return nil, eris.Errorf("blob: azure url %q needs container@account", u.Redacted())
	}
	loc, err := ParseAzureURL(u)
	if err != nil {
		return nil, err
	}

	var client *azblob.Client
	switch {
	case creds.ConnectionString != "":
		client, err = azblob.NewClientFromConnectionString(creds.ConnectionString, nil)
	case creds.ClientID != "" && creds.ClientSecret != "":
		authority, tenant, perr := ParseTokenEndpoint(creds.TokenEndpoint)
		if perr != nil {
			return nil, perr
		}
		cred, cerr := azidentity.NewClientSecretCredential(tenant, creds.ClientID, creds.ClientSecret,
			&azidentity.ClientSecretCredentialOptions{
				ClientOptions: azcore.ClientOptions{
					Cloud: cloud.Configuration{ActiveDirectoryAuthorityHost: authority},
				},
			})
		if cerr != nil {
			return nil, eris.Wrap(cerr, "blob: azure service principal credential")
		}
		client, err = azblob.NewClient(loc.ServiceURL, cred, nil)
	default:
		cred, cerr := azidentity.NewDefaultAzureCredential(nil)
		if cerr != nil {
			return nil, eris.Wrap(cerr, "blob: azure default credential")
		}
		client, err = azblob.NewClient(loc.ServiceURL, cred, nil)
	}
	if err != nil {
		return nil, eris.Wrap(err, "blob: azure client")
	}
	return newAzureStore(azClient{client}, loc), nil
}

func newAzureStore(client azureAPI, loc AzureLocation) *AzureStore {
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("blob.azure", loc.Container)
	retry.ShouldRetry = isAzureTransient
	return &AzureStore{
		client:    client,
		account:   loc.Account,
		container: loc.Container,
		prefix:    loc.Prefix,
		retry:     retry,
	}
}

func (s *AzureStore) Path() string {
	return "abfss://" + s.container + "@" + s.account + ".dfs.core.windows.net/" + s.prefix
}

func (s *AzureStore) abs(key string) string {
	return Join(s.prefix, key)
}

func azureStatus(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}

func isAzureNotFound(err error) bool {
	return bloberror.HasCode(err, bloberror.BlobNotFound) || azureStatus(err) == http.StatusNotFound
}

func isAzureTransient(err error) bool {
	if code := azureStatus(err); code != 0 {
		return resilience.IsTransientHTTPStatus(code)
	}
	return resilience.IsTransient(err)
}

func (s *AzureStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := resilience.DoVal(ctx, s.retry, func(ctx context.Context) (blob.GetPropertiesResponse, error) {
		return s.client.GetProperties(ctx, s.container, s.abs(key))
	})
	if err != nil {
		if isAzureNotFound(err) {
			return false, nil
		}
		return false, eris.Wrapf(err, "blob: azure properties %s", key)
	}
	return true, nil
}

func (s *AzureStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := resilience.DoVal(ctx, s.retry, func(ctx context.Context) (azblob.DownloadStreamResponse, error) {
		return s.client.DownloadStream(ctx, s.container, s.abs(key), nil)
	})
	if err != nil {
		if isAzureNotFound(err) {
			return nil, NotFound{Key: key}
		}
		return nil, eris.Wrapf(err, "blob: azure download %s", key)
	}
	return resp.Body, nil
}

func (s *AzureStore) Put(ctx context.Context, key string, data []byte) error {
	err := resilience.Do(ctx, s.retry, func(ctx context.Context) error {
		_, err := s.client.UploadBuffer(ctx, s.container, s.abs(key), data, nil)
		return err
	})
	return eris.Wrapf(err, "blob: azure upload %s", key)
}

func (s *AzureStore) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	_, err := s.client.UploadBuffer(ctx, s.container, s.abs(key), data, &azblob.UploadBufferOptions{
		AccessConditions: &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{
				IfNoneMatch: to.Ptr(azcore.ETagAny),
			},
		},
	})
	if err == nil {
		return nil
	}
	switch azureStatus(err) {
	case http.StatusConflict, http.StatusPreconditionFailed:
		return AlreadyExists{Key: key}
	}
	return eris.Wrapf(err, "blob: azure conditional upload %s", key)
}

func (s *AzureStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	p := absPrefix(s.prefix, prefix)
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{Prefix: &p})

	var out []ObjectInfo
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, eris.Wrapf(err, "blob: azure list %s", prefix)
		}
		if resp.Segment == nil {
			continue
		}
		for _, item := range resp.Segment.BlobItems {
			if item == nil || item.Name == nil {
				continue
			}
			info := ObjectInfo{Key: relKey(s.prefix, *item.Name)}
			if props := item.Properties; props != nil {
				if props.ContentLength != nil {
					info.Size = *props.ContentLength
				}
				if props.LastModified != nil {
					info.ModTime = *props.LastModified
				}
			}
			out = append(out, info)
		}
	}
	return sortInfos(out), nil
}

func (s *AzureStore) Delete(ctx context.Context, key string) error {
	err := resilience.Do(ctx, s.retry, func(ctx context.Context) error {
		_, err := s.client.DeleteBlob(ctx, s.container, s.abs(key), nil)
		return err
	})
	if err != nil && !isAzureNotFound(err) {
		return eris.Wrapf(err, "blob: azure delete %s", key)
	}
	return nil
}

func (s *AzureStore) DeletePrefix(ctx context.Context, prefix string) error {
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
