package mount

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lake-cli/internal/blob"
)

// Credentials is the service-principal bundle used to mount a data lake
// container.
type Credentials struct {
	ClientID           string
	ClientSecret       string
	TokenEndpoint      string
	StorageAccountName string
	ContainerName      string
}

// Validate reports every missing or malformed field.
func (c Credentials) Validate() error {
	var errs []string
	if c.ClientID == "" {
		errs = append(errs, "client id is required")
	}
	if c.ClientSecret == "" {
		errs = append(errs, "client secret is required")
	}
	if c.TokenEndpoint == "" {
		errs = append(errs, "token endpoint is required")
	} else if _, _, err := blob.ParseTokenEndpoint(c.TokenEndpoint); err != nil {
		errs = append(errs, fmt.Sprintf("token endpoint: %v", err))
	}
	if c.StorageAccountName == "" {
		errs = append(errs, "storage account name is required")
	}
	if c.ContainerName == "" {
		errs = append(errs, "container name is required")
	}
	if len(errs) > 0 {
		return eris.Errorf("mount: invalid credentials: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Source is the root URL of the container.
func (c Credentials) Source() string {
	return fmt.Sprintf("abfss://%s@%s.dfs.core.windows.net/", c.ContainerName, c.StorageAccountName)
}

// TenantID is the directory tenant named in the token endpoint.
func (c Credentials) TenantID() (string, error) {
	_, tenant, err := blob.ParseTokenEndpoint(c.TokenEndpoint)
	return tenant, err
}
