package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/examples/AI/vmvx/pkg/blobs"
	"k8s.io/klog/v2"
)

type httpServer struct {
	blobCache *blobCache
}

func (s *httpServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tokens := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(tokens) == 1 {
		if r.Method == http.MethodGet {
			hash := tokens[0]
			s.serveGETBlob(w, r, hash)
			return
		}
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	http.Error(w, "not found", http.StatusNotFound)
}

func (s *httpServer) serveGETBlob(w http.ResponseWriter, r *http.Request, hash string) {
	ctx := r.Context()

	log := klog.FromContext(ctx)

	if !blobs.ValidHash(hash) {
		http.Error(w, "invalid blob hash", http.StatusBadRequest)
		return
	}

	f, err := s.blobCache.GetBlob(ctx, hash)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		log.Error(err, "error getting blob")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	defer f.Close()
	p := f.Name()

	klog.Infof("serving blob %q", p)
	http.ServeFile(w, r, p)
}

type blobCache struct {
	BaseDir   string
	blobstore blobs.BlobReader

	// downloads collapses concurrent misses for the same hash.
	downloads singleflight.Group
}

// GetBlob opens the cached blob, fetching it from the blobstore on a miss.
func (c *blobCache) GetBlob(ctx context.Context, hash string) (*os.File, error) {
	localPath := filepath.Join(c.BaseDir, hash)
	f, err := os.Open(localPath)
	if err == nil {
		return f, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("opening blob %q: %w", hash, err)
	}

	if c.blobstore == nil {
		return nil, status.Errorf(codes.NotFound, "blob %q not found", hash)
	}

	_, err, _ = c.downloads.Do(hash, func() (any, error) {
		return nil, c.blobstore.Download(ctx, blobs.BlobInfo{Hash: hash}, localPath)
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, status.Errorf(codes.NotFound, "blob %q not found", hash)
		}
		return nil, fmt.Errorf("fetching blob %q: %w", hash, err)
	}

	f, err = os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("opening blob %q: %w", hash, err)
	}
	return f, nil
}
