package blobs

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"k8s.io/klog/v2"
)

// ModuleServer reads module blobs from a module-store HTTP server, which
// serves each blob at <base>/<hash>.
type ModuleServer struct {
	// BlobserverURL is the base URL to the blobserver, typically http://blobserver
	BlobserverURL *url.URL

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

var _ BlobReader = &ModuleServer{}

func (l *ModuleServer) Download(ctx context.Context, info BlobInfo, destPath string) error {
	log := klog.FromContext(ctx)

	url := l.BlobserverURL.JoinPath(info.Hash).String()
	log.Info("downloading from url", "url", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	startedAt := time.Now()

	httpClient := l.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("doing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("blob %q not found: %w", info.Hash, os.ErrNotExist)
		}
		return fmt.Errorf("unexpected status downloading from upstream source: %v", resp.Status)
	}

	n, err := writeToFile(ctx, resp.Body, info, destPath)
	if err != nil {
		return fmt.Errorf("downloading from %q: %w", url, err)
	}

	log.Info("downloaded blob", "url", url, "bytes", n, "duration", time.Since(startedAt))
	return nil
}
