package blobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
)

// writeToFile copies src to destinationPath through a temp file in the same
// directory, so readers never observe a partial blob. The contents must hash
// to info.Hash.
func writeToFile(ctx context.Context, src io.Reader, info BlobInfo, destinationPath string) (int64, error) {
	log := klog.FromContext(ctx)

	dir := filepath.Dir(destinationPath)
	tempFile, err := os.CreateTemp(dir, "download")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}

	shouldDeleteTempFile := true
	defer func() {
		if shouldDeleteTempFile {
			if err := os.Remove(tempFile.Name()); err != nil {
				log.Error(err, "removing temp file", "path", tempFile.Name())
			}
		}
	}()

	shouldCloseTempFile := true
	defer func() {
		if shouldCloseTempFile {
			if err := tempFile.Close(); err != nil {
				log.Error(err, "closing temp file", "path", tempFile.Name())
			}
		}
	}()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tempFile, h), src)
	if err != nil {
		return n, fmt.Errorf("downloading from upstream source: %w", err)
	}

	if got := hex.EncodeToString(h.Sum(nil)); got != info.Hash {
		return n, status.Errorf(codes.DataLoss, "downloaded blob has hash %s, expected %s", got, info.Hash)
	}

	if err := tempFile.Close(); err != nil {
		return n, fmt.Errorf("closing temp file: %w", err)
	}
	shouldCloseTempFile = false

	if err := os.Rename(tempFile.Name(), destinationPath); err != nil {
		return n, fmt.Errorf("renaming temp file: %w", err)
	}
	shouldDeleteTempFile = false

	return n, nil
}
