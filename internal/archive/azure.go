package archive

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/sirupsen/logrus"
)

// AzureArchive stores report snapshots in Azure Blob Storage.
type AzureArchive struct {
	client    *azblob.Client
	container string
}

var _ Archiver = (*AzureArchive)(nil)

// NewAzureArchive creates a blob archiver authenticated via the default
// credential chain (managed identity in production).
func NewAzureArchive(accountName, container string) (*AzureArchive, error) {
	if accountName == "" {
		return nil, fmt.Errorf("storage account name is required")
	}

	credential, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("create Azure credential: %w", err)
	}

	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", accountName)
	client, err := azblob.NewClient(serviceURL, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("create Azure blob client: %w", err)
	}

	a := &AzureArchive{client: client, container: container}
	if err := a.ensureContainer(); err != nil {
		return nil, fmt.Errorf("ensure container: %w", err)
	}
	return a, nil
}

func (a *AzureArchive) ensureContainer() error {
	_, err := a.client.CreateContainer(context.Background(), a.container, nil)
	if err != nil {
		if !strings.Contains(err.Error(), "ContainerAlreadyExists") {
			return err
		}
		logrus.Debugf("Container %s already exists", a.container)
	} else {
		logrus.Infof("Created archive container %s", a.container)
	}
	return nil
}

// Store uploads a snapshot blob.
func (a *AzureArchive) Store(name string, data []byte) error {
	_, err := a.client.UploadBuffer(context.Background(), a.container, name, data, &azblob.UploadBufferOptions{
		BlockSize:   int64(1024 * 1024),
		Concurrency: 3,
	})
	if err != nil {
		return fmt.Errorf("upload snapshot %s: %w", name, err)
	}
	logrus.Infof("Archived snapshot %s", name)
	return nil
}

// Retrieve downloads a snapshot blob.
func (a *AzureArchive) Retrieve(name string) ([]byte, error) {
	resp, err := a.client.DownloadStream(context.Background(), a.container, name, nil)
	if err != nil {
		return nil, fmt.Errorf("download snapshot %s: %w", name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", name, err)
	}
	return data, nil
}

// List returns snapshot names under prefix.
func (a *AzureArchive) List(prefix string) ([]string, error) {
	var names []string
	pager := a.client.NewListBlobsFlatPager(a.container, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	for pager.More() {
		page, err := pager.NextPage(context.Background())
		if err != nil {
			return nil, fmt.Errorf("list snapshots: %w", err)
		}
		for _, blob := range page.Segment.BlobItems {
			if blob.Name != nil {
				names = append(names, *blob.Name)
			}
		}
	}
	return names, nil
}

// Delete removes a snapshot blob.
func (a *AzureArchive) Delete(name string) error {
	if _, err := a.client.DeleteBlob(context.Background(), a.container, name, nil); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", name, err)
	}
	return nil
}
