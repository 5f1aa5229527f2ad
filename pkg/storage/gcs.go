package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// GCSConfig holds Google Cloud Storage settings for recording archives.
type GCSConfig struct {
	Bucket            string
	Prefix            string
	ServiceAccountKey string
}

// GCSUploader stores call recordings in a GCS bucket.
type GCSUploader struct {
	client *storage.Client
	bucket string
	prefix string
	logger *logrus.Logger
}

// NewGCSUploader creates a client using the service account key when one is
// configured, otherwise application default credentials.
func NewGCSUploader(config GCSConfig, logger *logrus.Logger) (*GCSUploader, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("GCS bucket is not configured")
	}

	var client *storage.Client
	var err error

	if config.ServiceAccountKey != "" {
		client, err = storage.NewClient(context.Background(), option.WithCredentialsFile(config.ServiceAccountKey))
	} else {
		client, err = storage.NewClient(context.Background())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &GCSUploader{
		client: client,
		bucket: config.Bucket,
		prefix: config.Prefix,
		logger: logger,
	}, nil
}

// Upload copies a local file into the bucket and returns its location.
func (g *GCSUploader) Upload(ctx context.Context, localPath, objectName string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open local file: %w", err)
	}
	defer file.Close()

	if objectName == "" {
		objectName = filepath.Base(localPath)
	}
	if g.prefix != "" {
		objectName = fmt.Sprintf("%s/%s", g.prefix, objectName)
	}

	obj := g.client.Bucket(g.bucket).Object(objectName)

	writer := obj.NewWriter(ctx)
	writer.Metadata = map[string]string{
		"uploaded": time.Now().Format(time.RFC3339),
	}

	if _, err := io.Copy(writer, file); err != nil {
		writer.Close()
		return "", fmt.Errorf("failed to upload to GCS: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close GCS writer: %w", err)
	}

	location := fmt.Sprintf("gcs://%s/%s", g.bucket, objectName)
	g.logger.WithFields(logrus.Fields{
		"bucket": g.bucket,
		"object": objectName,
	}).Info("Uploaded recording to GCS")
	return location, nil
}

// Close releases the underlying client.
func (g *GCSUploader) Close() error {
	return g.client.Close()
}
