package blobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"k8s.io/klog/v2"
)

// GCSBlobstore stores module blobs in a GCS bucket, keyed by hash.
type GCSBlobstore struct {
	Bucket string

	// Client is used for all requests. If nil, a client is created per
	// request.
	Client *storage.Client
}

var _ Blobstore = (*GCSBlobstore)(nil)

// NewGCSBlobstore creates a blobstore with its own client. Close releases it.
func NewGCSBlobstore(ctx context.Context, bucket string) (*GCSBlobstore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS storage client: %w", err)
	}
	return &GCSBlobstore{Bucket: bucket, Client: client}, nil
}

func (j *GCSBlobstore) Close() error {
	if j.Client == nil {
		return nil
	}
	return j.Client.Close()
}

func (j *GCSBlobstore) client(ctx context.Context) (*storage.Client, func(), error) {
	if j.Client != nil {
		return j.Client, func() {}, nil
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("creating GCS storage client: %w", err)
	}
	return client, func() { client.Close() }, nil
}

func (j *GCSBlobstore) Upload(ctx context.Context, sourcePath string, info BlobInfo) error {
	log := klog.FromContext(ctx)

	src, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("opening source file: %w", err)
	}
	defer src.Close()

	objectKey := info.Hash
	gcsURL := "gs://" + j.Bucket + "/" + objectKey

	client, done, err := j.client(ctx)
	if err != nil {
		return err
	}
	defer done()

	obj := client.Bucket(j.Bucket).Object(objectKey)
	if _, err := obj.Attrs(ctx); err == nil {
		log.Info("object already exists in GCS", "url", gcsURL)
		return nil
	} else if !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("getting object attributes for %q: %w", gcsURL, err)
	}

	log.Info("uploading blob to GCS", "source", sourcePath, "destination", gcsURL)

	startedAt := time.Now()
	// DoesNotExist guards against a concurrent upload of the same blob.
	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	n, err := io.Copy(w, src)
	if err != nil {
		w.Close()
		return fmt.Errorf("uploading to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing GCS writer: %w", err)
	}

	log.Info("uploaded blob to GCS", "url", gcsURL, "bytes", n, "duration", time.Since(startedAt))
	return nil
}

func (j *GCSBlobstore) Download(ctx context.Context, info BlobInfo, destinationPath string) error {
	log := klog.FromContext(ctx)

	objectKey := info.Hash
	gcsURL := "gs://" + j.Bucket + "/" + objectKey

	client, done, err := j.client(ctx)
	if err != nil {
		return err
	}
	defer done()

	log.Info("downloading blob from GCS", "source", gcsURL, "destination", destinationPath)

	startedAt := time.Now()
	r, err := client.Bucket(j.Bucket).Object(objectKey).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("object %q not found: %w", gcsURL, os.ErrNotExist)
		}
		return fmt.Errorf("opening object from GCS %q: %w", gcsURL, err)
	}
	defer r.Close()

	n, err := writeToFile(ctx, r, info, destinationPath)
	if err != nil {
		return fmt.Errorf("downloading from GCS: %w", err)
	}

	log.Info("downloaded blob from GCS", "source", gcsURL, "destination", destinationPath, "bytes", n, "duration", time.Since(startedAt))
	return nil
}
