package snapshot

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/solisoft/solidb/internal/sdberr"
)

// GCSArchiver implements BlobArchiver against Google Cloud Storage.
// Grounded on smarterbase/gcs_backend.go's Get/Put pair.
type GCSArchiver struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig configures a GCSArchiver. CredentialsFile is optional; when
// empty the client uses Application Default Credentials.
type GCSConfig struct {
	Bucket          string
	Prefix          string
	CredentialsFile string
}

func NewGCSArchiver(ctx context.Context, cfg GCSConfig) (*GCSArchiver, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("snapshot: gcs client: %w", err)
	}
	return &GCSArchiver{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (a *GCSArchiver) Put(ctx context.Context, key string, data []byte) error {
	obj := a.client.Bucket(a.bucket).Object(a.prefix + key)
	w := obj.NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("snapshot: gcs put %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("snapshot: gcs put %s: %w", key, err)
	}
	return nil
}

func (a *GCSArchiver) Get(ctx context.Context, key string) ([]byte, error) {
	obj := a.client.Bucket(a.bucket).Object(a.prefix + key)
	r, err := obj.NewReader(ctx)
	if err != nil {
		if err == storage.ErrObjectNotExist {
			return nil, sdberr.Wrap(sdberr.ErrNotFound, fmt.Sprintf("snapshot %s", key))
		}
		return nil, fmt.Errorf("snapshot: gcs get %s: %w", key, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}
