// Package blob stores task completion photos in S3-compatible storage.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dukerupert/homebase/internal/apperr"
	"github.com/google/uuid"
)

// ErrDisabled is returned by every operation when no bucket is configured.
var ErrDisabled = fmt.Errorf("photo storage is not configured: %w", apperr.ErrTransient)

// s3Client is the subset of the S3 API the store uses.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	// MaxBytes caps a single upload; defaults to 10 MiB.
	MaxBytes int64 `yaml:"max_bytes"`
}

func (c Config) configured() bool {
	return c.Bucket != "" && c.AccessKey != "" && c.SecretKey != ""
}

var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/gif":  ".gif",
	"image/heic": ".heic",
}

type Store struct {
	client   s3Client
	bucket   string
	maxBytes int64
	logger   *slog.Logger
}

// New returns a store for cfg. An unconfigured store is valid and reports
// ErrDisabled from every call.
func New(cfg Config, logger *slog.Logger) *Store {
	s := &Store{bucket: cfg.Bucket, maxBytes: cfg.MaxBytes, logger: logger}
	if s.maxBytes <= 0 {
		s.maxBytes = 10 << 20
	}
	if cfg.configured() {
		s.client = newS3Client(cfg)
	} else {
		logger.Info("photo storage disabled")
	}
	return s
}

func newS3Client(cfg Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

func (s *Store) Enabled() bool { return s.client != nil }

func (s *Store) MaxBytes() int64 { return s.maxBytes }

func familyPrefix(familyID string) string {
	return "families/" + familyID + "/"
}

// Put uploads a task photo and returns its key.
func (s *Store) Put(ctx context.Context, familyID, taskID, contentType string, body io.Reader, size int64) (string, error) {
	if s.client == nil {
		return "", ErrDisabled
	}
	ext, ok := extensions[contentType]
	if !ok {
		return "", apperr.Validation("unsupported photo type %q", contentType)
	}
	if size <= 0 || size > s.maxBytes {
		return "", apperr.Validation("photo must be between 1 byte and %d bytes", s.maxBytes)
	}

	key := familyPrefix(familyID) + "tasks/" + taskID + "/" + uuid.NewString() + ext
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", apperr.Transient(fmt.Errorf("upload photo: %w", err))
	}

	s.logger.Debug("photo uploaded", "key", key, "size", size)
	return key, nil
}

// Open streams a photo. Keys outside the family's prefix read as missing.
func (s *Store) Open(ctx context.Context, familyID, key string) (io.ReadCloser, string, error) {
	if s.client == nil {
		return nil, "", ErrDisabled
	}
	if !strings.HasPrefix(key, familyPrefix(familyID)) || strings.Contains(key, "..") {
		return nil, "", apperr.NotFound("photo not found")
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, "", apperr.NotFound("photo not found")
		}
		return nil, "", apperr.Transient(fmt.Errorf("download photo: %w", err))
	}
	contentType := "application/octet-stream"
	if out.ContentType != nil {
		contentType = *out.ContentType
	}
	return out.Body, contentType, nil
}

// Delete removes a photo, logging rather than failing on storage errors.
func (s *Store) Delete(ctx context.Context, familyID, key string) {
	if s.client == nil || !strings.HasPrefix(key, familyPrefix(familyID)) {
		return
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		s.logger.Warn("failed to delete photo", "key", key, "error", err)
	}
}
