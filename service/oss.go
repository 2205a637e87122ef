package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"StoryFlow-server/config"

	"github.com/dustin/go-humanize"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const presignExpiry = 72 * time.Hour

var MinioClient *minio.Client

// InitMinIO connects the shared client; called from main.go.
func InitMinIO() {
	cfg := config.AppConfig.MinIO
	var err error
	MinioClient, err = minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		log.Fatalf("[OSS] MinIO init failed: %v", err)
	}
	log.Println("[OSS] MinIO connected")
}

// MinIOStorage writes generated assets and their sidecars into one bucket.
type MinIOStorage struct {
	Client *minio.Client
	Bucket string
	Expiry time.Duration

	mu          sync.Mutex
	bucketReady bool
}

func NewMinIOStorage(client *minio.Client, bucket string) *MinIOStorage {
	return &MinIOStorage{Client: client, Bucket: bucket, Expiry: presignExpiry}
}

// ensureBucket checks the bucket until one check succeeds; a failed check
// is retried on the next call.
func (s *MinIOStorage) ensureBucket(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bucketReady {
		return nil
	}
	exists, err := s.Client.BucketExists(ctx, s.Bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := s.Client.MakeBucket(ctx, s.Bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
		log.Printf("[OSS] bucket '%s' created", s.Bucket)
	}
	s.bucketReady = true
	return nil
}

// UploadBuffer stores data at objectPath and returns a presigned URL.
func (s *MinIOStorage) UploadBuffer(ctx context.Context, data []byte, objectPath, contentType string) (string, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return "", err
	}
	_, err := s.Client.PutObject(ctx, s.Bucket, objectPath, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("upload to MinIO failed: %w", err)
	}
	log.Printf("[OSS] uploaded %s (%s)", objectPath, humanize.Bytes(uint64(len(data))))
	return s.PresignedURL(ctx, objectPath)
}

// SaveMediaMetadata writes meta as JSON to <objectPath>.meta.json.
func (s *MinIOStorage) SaveMediaMetadata(ctx context.Context, objectPath string, meta MediaMetadata) error {
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	_, err = s.Client.PutObject(ctx, s.Bucket, objectPath+".meta.json", bytes.NewReader(b), int64(len(b)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("upload metadata failed: %w", err)
	}
	return nil
}

func (s *MinIOStorage) Exists(ctx context.Context, objectPath string) (bool, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return false, err
	}
	_, err := s.Client.StatObject(ctx, s.Bucket, objectPath, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, err
}

// PresignedURL refreshes the download link of a stored object.
func (s *MinIOStorage) PresignedURL(ctx context.Context, objectPath string) (string, error) {
	expiry := s.Expiry
	if expiry <= 0 {
		expiry = presignExpiry
	}
	u, err := s.Client.PresignedGetObject(ctx, s.Bucket, objectPath, expiry, make(url.Values))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", objectPath, err)
	}
	return u.String(), nil
}
