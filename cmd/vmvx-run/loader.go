package main

import (
	"context"
	"errors"
	"os"
	"time"

	"k8s.io/examples/AI/vmvx/pkg/blobs"
	"k8s.io/klog/v2"
)

type ModuleLoader struct {
	// reader is the interface to fetch blobs
	reader blobs.BlobReader

	// maxDownloadAttempts is the number of times to attempt a download before failing
	maxDownloadAttempts int

	// retryInterval is the delay between attempts
	retryInterval time.Duration
}

func (l *ModuleLoader) downloadToFile(ctx context.Context, info blobs.BlobInfo, destPath string) error {
	log := klog.FromContext(ctx)

	attempt := 0
	for {
		attempt++

		err := l.reader.Download(ctx, info, destPath)
		if err == nil {
			return nil
		}

		// Missing blobs will not appear on retry.
		if errors.Is(err, os.ErrNotExist) || attempt >= l.maxDownloadAttempts {
			return err
		}

		log.Error(err, "downloading module, will retry", "info", info, "attempt", attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retryInterval):
		}
	}
}
