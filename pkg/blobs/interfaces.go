package blobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

type BlobReader interface {
	// If no such object exists, Download should return an error for which errors.Is(err, os.ErrNotExist) is true.
	Download(ctx context.Context, info BlobInfo, destPath string) error
}

type Blobstore interface {
	BlobReader
	// Upload uploads the file at sourcePath to the blobstore, using the given hash as the object key.
	// If an object with the same hash already exists, Upload should do nothing and return no error.
	Upload(ctx context.Context, sourcePath string, info BlobInfo) error
}

// BlobInfo identifies a compiled module blob by the hex SHA-256 of its
// contents.
type BlobInfo struct {
	Hash string
}

// HashFile returns the BlobInfo of the file at path.
func HashFile(path string) (BlobInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return BlobInfo{}, fmt.Errorf("opening %q: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return BlobInfo{}, fmt.Errorf("hashing %q: %w", path, err)
	}
	return BlobInfo{Hash: hex.EncodeToString(h.Sum(nil))}, nil
}

// HashBytes returns the BlobInfo of data.
func HashBytes(data []byte) BlobInfo {
	sum := sha256.Sum256(data)
	return BlobInfo{Hash: hex.EncodeToString(sum[:])}
}

// ValidHash reports whether hash is a lowercase hex SHA-256.
func ValidHash(hash string) bool {
	if len(hash) != sha256.Size*2 {
		return false
	}
	for _, c := range hash {
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f') {
			return false
		}
	}
	return true
}
