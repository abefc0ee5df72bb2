// Package uploads stores user media in an S3-compatible object store.
package uploads

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"mindhaven/api/internal/util"
)

type Service struct {
	client  *minio.Client
	bucket  string
	baseURL string
}

// New connects to the object store. baseURL is the public prefix served to
// clients; when empty, URLs are built from the endpoint itself.
func New(endpoint, accessKey, secretKey, bucket, baseURL string, useSSL bool) (*Service, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object store: %w", err)
	}

	if baseURL == "" {
		scheme := "http"
		if useSSL {
			scheme = "https"
		}
		baseURL = scheme + "://" + endpoint
	}

	return &Service{
		client:  client,
		bucket:  bucket,
		baseURL: strings.TrimRight(baseURL, "/"),
	}, nil
}

// EnsureBucket creates the bucket when missing and opens it for anonymous
// reads so stored media URLs resolve without signing.
func (s *Service) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("make bucket %s: %w", s.bucket, err)
		}
	}

	policy := fmt.Sprintf(`{
		"Version": "2012-10-17",
		"Statement": [{
			"Effect": "Allow",
			"Principal": {"AWS": ["*"]},
			"Action": ["s3:GetObject"],
			"Resource": ["arn:aws:s3:::%s/*"]
		}]
	}`, s.bucket)
	if err := s.client.SetBucketPolicy(ctx, s.bucket, policy); err != nil {
		return fmt.Errorf("set bucket policy %s: %w", s.bucket, err)
	}
	return nil
}

// Put streams one object under prefix and returns its public URL. The stored
// key gets a random component so repeated uploads never collide.
func (s *Service) Put(ctx context.Context, prefix, filename, contentType string, r io.Reader, size int64) (string, error) {
	ext := path.Ext(filename)
	key := path.Join(prefix, util.NewID("")+ext)

	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return s.baseURL + "/" + s.bucket + "/" + key, nil
}

// Remove deletes one object by the URL Put returned. Unknown URLs are
// ignored so callers can pass through externally hosted images.
func (s *Service) Remove(ctx context.Context, url string) error {
	objectPrefix := s.baseURL + "/" + s.bucket + "/"
	if !strings.HasPrefix(url, objectPrefix) {
		return nil
	}
	key := strings.TrimPrefix(url, objectPrefix)
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", key, err)
	}
	return nil
}
