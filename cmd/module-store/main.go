package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"k8s.io/examples/AI/vmvx/pkg/blobs"
	"k8s.io/examples/AI/vmvx/pkg/bytecode"
	"k8s.io/klog/v2"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := klog.FromContext(ctx)

	listen := ":8080"
	cacheDir := os.Getenv("CACHE_DIR")
	if cacheDir == "" {
		// We expect CACHE_DIR to be set when running on kubernetes, but default sensibly for local dev
		cacheDir = "~/.cache/vmvx/modules"
	}
	publish := ""
	flag.StringVar(&listen, "listen", listen, "listen address")
	flag.StringVar(&cacheDir, "cache-dir", cacheDir, "cache directory")
	flag.StringVar(&publish, "publish", publish, "validate and upload the bytecode module at this path, print its hash and exit")

	klog.InitFlags(nil)

	flag.Parse()

	if strings.HasPrefix(cacheDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("getting home directory: %w", err)
		}
		cacheDir = filepath.Join(homeDir, strings.TrimPrefix(cacheDir, "~/"))
	}

	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return fmt.Errorf("creating cache directory %q: %w", cacheDir, err)
	}

	cacheBucket := os.Getenv("CACHE_BUCKET")
	if cacheBucket == "" {
		return fmt.Errorf("must specify CACHE_BUCKET env var")
	}
	if !strings.HasPrefix(cacheBucket, "gs://") {
		return fmt.Errorf("CACHE_BUCKET must be a GCS bucket URL (gs://<bucketName>)")
	}
	cacheBucket = strings.TrimPrefix(cacheBucket, "gs://")
	log.Info("using GCS cache", "bucket", cacheBucket)

	blobstore, err := blobs.NewGCSBlobstore(ctx, cacheBucket)
	if err != nil {
		return err
	}
	defer blobstore.Close()

	if publish != "" {
		info, err := publishModule(ctx, blobstore, publish)
		if err != nil {
			return err
		}
		fmt.Println(info.Hash)
		return nil
	}

	s := &httpServer{
		blobCache: &blobCache{
			BaseDir:   cacheDir,
			blobstore: blobstore,
		},
	}

	klog.Infof("serving on %q", listen)
	if err := http.ListenAndServe(listen, s); err != nil {
		return fmt.Errorf("serving on %q: %w", listen, err)
	}

	return nil
}

// publishModule checks that path holds a loadable bytecode module and uploads
// it under its content hash.
func publishModule(ctx context.Context, blobstore blobs.Blobstore, path string) (blobs.BlobInfo, error) {
	log := klog.FromContext(ctx)

	m, err := bytecode.LoadFile(path)
	if err != nil {
		return blobs.BlobInfo{}, err
	}
	info, err := blobs.HashFile(path)
	if err != nil {
		return blobs.BlobInfo{}, err
	}
	if err := blobstore.Upload(ctx, path, info); err != nil {
		return blobs.BlobInfo{}, fmt.Errorf("uploading module %s: %w", m.Name(), err)
	}
	log.Info("published module", "module", m.Name(), "hash", info.Hash, "functions", m.FunctionNames())
	return info, nil
}
