package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"unicode"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/khwj/personal-analytics/internal/sync"
)

// Config configures an S3-compatible bucket (AWS, MinIO, R2)
type Config struct {
	Bucket       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// Store implements sync.BlobStore over S3
type Store struct {
	client *s3.Client
	bucket string
}

// New builds an S3 client. Static credentials are used when AccessKey is set.
func New(ctx context.Context, cfg Config) (*Store, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, sync.NewError(sync.KindConfig, "s3", fmt.Errorf("failed to load aws config: %w", err))
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// Put uploads data under key, replacing any existing object
func (s *Store) Put(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata:      headerSafe(metadata),
	}
	if ct := metadata["mimeType"]; ct != "" {
		input.ContentType = aws.String(ct)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return sync.NewError(sync.KindStorage, "put object", fmt.Errorf("s3://%s/%s: %w", s.bucket, key, err))
	}
	return nil
}

// Get downloads the object at key
func (s *Store) Get(ctx context.Context, key string) (*sync.Blob, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, sync.ErrNotFound
		}
		return nil, sync.NewError(sync.KindStorage, "get object", fmt.Errorf("s3://%s/%s: %w", s.bucket, key, err))
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, sync.NewError(sync.KindStorage, "read object", err)
	}
	return &sync.Blob{Key: key, Data: data, Metadata: decodeMetadata(out.Metadata)}, nil
}

// headerSafe RFC 2047-encodes values that cannot travel as plain header text
func headerSafe(metadata map[string]string) map[string]string {
	if metadata == nil {
		return nil
	}
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		out[k] = v
		for _, r := range v {
			if r > unicode.MaxASCII || (r < 0x20 && r != '\t') {
				out[k] = mime.BEncoding.Encode("utf-8", v)
				break
			}
		}
	}
	return out
}

func decodeMetadata(metadata map[string]string) map[string]string {
	dec := new(mime.WordDecoder)
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		if decoded, err := dec.DecodeHeader(v); err == nil {
			v = decoded
		}
		out[k] = v
	}
	return out
}
