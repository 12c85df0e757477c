package report

import (
	"context"
	"fmt"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Uploader stores a local file under an object name.
type Uploader interface {
	Upload(ctx context.Context, object, filePath string) error
}

// UploadConfig locates the S3-compatible bucket artifacts go to.
type UploadConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
}

// MinioUploader uploads to an S3-compatible bucket.
type MinioUploader struct {
	client *minio.Client
	bucket string
	region string
}

// NewMinioUploader creates an uploader for cfg.
func NewMinioUploader(cfg UploadConfig) (*MinioUploader, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create upload client for %s: %w", cfg.Endpoint, err)
	}
	return &MinioUploader{client: client, bucket: cfg.Bucket, region: region}, nil
}

// Upload puts filePath into the bucket, creating the bucket when missing.
func (u *MinioUploader) Upload(ctx context.Context, object, filePath string) error {
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", u.bucket, err)
	}
	if !exists {
		if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{Region: u.region}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", u.bucket, err)
		}
	}

	if _, err := u.client.FPutObject(ctx, u.bucket, object, filePath, minio.PutObjectOptions{
		ContentType: contentType(filePath),
	}); err != nil {
		return fmt.Errorf("failed to upload %s to %s/%s: %w", filePath, u.bucket, object, err)
	}
	return nil
}

func contentType(filePath string) string {
	switch path.Ext(filePath) {
	case ".xml":
		return "application/xml"
	case ".yaml", ".yml":
		return "application/yaml"
	case ".json":
		return "application/json"
	}
	return "application/octet-stream"
}
