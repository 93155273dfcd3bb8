// Package siearchive stores raw SIE uploads in a GCS bucket so an import
// can be replayed or audited after the fact.
package siearchive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
)

// Archiver writes uploaded SIE files to a bucket. A zero bucket name
// disables archiving entirely.
type Archiver struct {
	client *storage.Client
	bucket string
}

// NewArchiver creates an archiver writing to bucket. client may be nil when
// bucket is empty.
func NewArchiver(client *storage.Client, bucket string) *Archiver {
	return &Archiver{client: client, bucket: bucket}
}

// Enabled reports whether archiving is configured.
func (a *Archiver) Enabled() bool {
	return a != nil && a.bucket != "" && a.client != nil
}

// Archive uploads the raw SIE bytes and returns the gs:// URI of the stored
// object. Objects are grouped per company and named by upload time.
func (a *Archiver) Archive(ctx context.Context, company string, raw []byte) (string, error) {
	if !a.Enabled() {
		return "", fmt.Errorf("Archive: archiving is not configured")
	}

	objectName := fmt.Sprintf("sie/%s/%s-%s.se",
		company,
		time.Now().UTC().Format("20060102T150405"),
		uuid.New().String()[:8])

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := a.client.Bucket(a.bucket).Object(objectName).NewWriter(ctx)
	if _, err := io.Copy(w, bytes.NewReader(raw)); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("Archive: writing object %s: %w", objectName, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("Archive: finalizing object %s: %w", objectName, err)
	}

	return fmt.Sprintf("gs://%s/%s", a.bucket, objectName), nil
}
