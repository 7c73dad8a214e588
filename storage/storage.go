// Package storage archives flagged artifacts for later triage.
package storage

import (
	"context"
	"encoding/hex"
	"fmt"
	"path"
	"strings"

	"forksentry/hasher"
	"forksentry/logger"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// digestAlgorithms are recorded on every archived object so triage tooling
// can search threat feeds without downloading it.
var digestAlgorithms = []string{"md5", "sha1", "sha256"}

// Store keeps one artifact under a key.
type Store interface {
	Put(ctx context.Context, key string, content []byte, metadata map[string]string) error
}

// ObjectKey is the cold-storage name downstream tooling expects:
// {parentFullName}/{forkOwner}/{artifactBaseName}. Archive members use the
// base name of the member.
func ObjectKey(parentFullName, forkOwner, artifactPath string) string {
	if i := strings.LastIndex(artifactPath, "!"); i >= 0 {
		artifactPath = artifactPath[i+1:]
	}
	return parentFullName + "/" + forkOwner + "/" + path.Base(artifactPath)
}

type GCSStore struct {
	client *storage.Client
	bucket string
}

func NewGCSStore(ctx context.Context, bucket string, opts ...option.ClientOption) (*GCSStore, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage.NewClient: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket}, nil
}

func (s *GCSStore) Put(ctx context.Context, key string, content []byte, metadata map[string]string) error {
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	sums := hasher.ComputeBytes(content, digestAlgorithms)
	w.Metadata = make(map[string]string, len(metadata)+len(sums))
	for k, v := range sums {
		w.Metadata[k] = v
	}
	for k, v := range metadata {
		w.Metadata[k] = v
	}
	if sum, err := hex.DecodeString(sums["md5"]); err == nil {
		w.MD5 = sum
	}
	if _, err := w.Write(content); err != nil {
		_ = w.Close()
		return fmt.Errorf("upload %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	logger.Debugf("Archived %d bytes to gs://%s/%s", len(content), s.bucket, key)
	return nil
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}
