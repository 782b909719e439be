package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
)

// GCSArchive writes rendered PDFs to a Cloud Storage bucket. Objects are
// never overwritten.
type GCSArchive struct {
	client *storage.Client
	bucket string
	prefix string
	logger zerolog.Logger
}

func NewGCSArchive(ctx context.Context, bucket, prefix string, logger zerolog.Logger) (*GCSArchive, error) {
	if bucket == "" {
		return nil, errors.New("archive bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCSArchive{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger.With().Str("component", "archive").Str("bucket", bucket).Logger(),
	}, nil
}

func (a *GCSArchive) Close() error {
	return a.client.Close()
}

// ObjectName is <prefix>/<documentID>.pdf, or <documentID>.pdf without a prefix.
func ObjectName(prefix, documentID string) string {
	name := documentID + ".pdf"
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// Save uploads pdf once. An object that already exists counts as archived.
func (a *GCSArchive) Save(ctx context.Context, documentID string, pdf []byte) error {
	objectName := ObjectName(a.prefix, documentID)
	writer := a.client.Bucket(a.bucket).Object(objectName).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = "application/pdf"
	writer.Metadata = map[string]string{"document_id": documentID}

	if _, err := io.Copy(writer, bytes.NewReader(pdf)); err != nil {
		_ = writer.Close()
		return a.finish(objectName, fmt.Errorf("failed to write to GCS: %w", err))
	}
	if err := writer.Close(); err != nil {
		return a.finish(objectName, fmt.Errorf("failed to finalize GCS write: %w", err))
	}

	a.logger.Info().Str("object", objectName).Int("bytes", len(pdf)).Msg("pdf archived")
	return nil
}

func (a *GCSArchive) finish(objectName string, err error) error {
	if isPreconditionFailed(err) {
		a.logger.Debug().Str("object", objectName).Msg("pdf already archived")
		return nil
	}
	return err
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
