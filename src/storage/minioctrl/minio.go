package minioctrl

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const RawItemsBucket = "raw-items"

type MinioService struct {
	client *minio.Client
}

func NewMinioService(endpoint, accessKeyID, secretAccessKey string, useSSL bool) (*MinioService, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %v", err)
	}

	return &MinioService{
		client: client,
	}, nil
}

func (s *MinioService) EnsureBucketExists(ctx context.Context, bucketName string) error {
	exists, err := s.client.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %v", err)
	}

	if !exists {
		err = s.client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %v", err)
		}
	}

	return nil
}

func (s *MinioService) GetObject(ctx context.Context, bucketName, objectName string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %v", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read object data: %v", err)
	}

	return data, nil
}

func (s *MinioService) PutObject(ctx context.Context, bucketName, objectName, contentType string, data []byte) error {
	reader := bytes.NewReader(data)
	_, err := s.client.PutObject(ctx, bucketName, objectName, reader, int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to put object: %v", err)
	}

	return nil
}

// ItemArchive keeps the last raw marketplace payload of every synced item,
// one object per account and item.
type ItemArchive struct {
	minio  *MinioService
	bucket string
}

// NewItemArchive makes sure bucket exists. An empty bucket means RawItemsBucket.
func NewItemArchive(ctx context.Context, minio *MinioService, bucket string) (*ItemArchive, error) {
	if bucket == "" {
		bucket = RawItemsBucket
	}
	if err := minio.EnsureBucketExists(ctx, bucket); err != nil {
		return nil, err
	}
	return &ItemArchive{minio: minio, bucket: bucket}, nil
}

func ItemObjectName(accountID, itemID string) string {
	return path.Join(accountID, itemID+".json")
}

func (a *ItemArchive) ArchiveItem(ctx context.Context, accountID, itemID string, raw []byte) error {
	return a.minio.PutObject(ctx, a.bucket, ItemObjectName(accountID, itemID), "application/json", raw)
}

// Item returns the archived payload of an item.
func (a *ItemArchive) Item(ctx context.Context, accountID, itemID string) ([]byte, error) {
	return a.minio.GetObject(ctx, a.bucket, ItemObjectName(accountID, itemID))
}
