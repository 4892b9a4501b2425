package ticket

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// QRStore keeps rendered QR images and hands out URLs for them.
type QRStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// S3StoreConfig configures an S3-compatible QR store.
type S3StoreConfig struct {
	BucketName      string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	Region          string        // default "auto"
	URLExpiry       time.Duration // default 7 days, the SigV4 maximum
}

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*PresignedRequest, error)
}

// PresignedRequest mirrors the fields of v4.PresignedHTTPRequest used here.
type PresignedRequest struct {
	URL string
}

type s3Presigner struct{ c *s3.PresignClient }

func (p s3Presigner) PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*PresignedRequest, error) {
	req, err := p.c.PresignGetObject(ctx, params, optFns...)
	if err != nil {
		return nil, err
	}
	return &PresignedRequest{URL: req.URL}, nil
}

// S3Store uploads QR images and returns presigned GET URLs.
type S3Store struct {
	client    s3API
	presign   presigner
	bucket    string
	urlExpiry time.Duration
}

// NewS3Store creates an S3Store with static credentials and path-style
// addressing, which works for AWS S3 and R2 alike.
func NewS3Store(cfg S3StoreConfig) (*S3Store, error) {
	switch {
	case cfg.BucketName == "":
		return nil, errors.New("bucket name is required")
	case cfg.AccessKeyID == "":
		return nil, errors.New("access key ID is required")
	case cfg.SecretAccessKey == "":
		return nil, errors.New("secret access key is required")
	}
	if cfg.Region == "" {
		cfg.Region = "auto"
	}
	if cfg.URLExpiry <= 0 {
		cfg.URLExpiry = 7 * 24 * time.Hour
	}

	opts := s3.Options{
		Region: cfg.Region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	client := s3.New(opts)

	return &S3Store{
		client:    client,
		presign:   s3Presigner{c: s3.NewPresignClient(client)},
		bucket:    cfg.BucketName,
		urlExpiry: cfg.URLExpiry,
	}, nil
}

func (s *S3Store) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}

	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, func(o *s3.PresignOptions) {
		o.Expires = s.urlExpiry
	})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}

// MemoryStore keeps objects in memory and returns memory:// URLs.
type MemoryStore struct {
	mu      sync.Mutex
	Objects map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{Objects: make(map[string][]byte)}
}

func (m *MemoryStore) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Objects[key] = append([]byte(nil), body...)
	return "memory://" + key, nil
}
