package snapshot

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// MinIOConfig configures an S3Archiver against a MinIO (or other
// S3-compatible) endpoint. Grounded on smarterbase/minio_backend.go:
// MinIO speaks the S3 API, so only the client construction differs from
// NewS3Archiver — path-style addressing, a custom endpoint, and static
// credentials instead of the default AWS credential chain.
type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Prefix          string
}

// NewMinIOArchiver builds an S3Archiver backed by a MinIO-configured S3
// client.
func NewMinIOArchiver(cfg MinIOConfig) *S3Archiver {
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	endpoint := fmt.Sprintf("%s://%s", scheme, cfg.Endpoint)

	client := s3.New(s3.Options{
		BaseEndpoint: aws.String(endpoint),
		Region:       "us-east-1",
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		UsePathStyle: true,
	})
	return NewS3Archiver(client, cfg.Bucket, cfg.Prefix)
}
