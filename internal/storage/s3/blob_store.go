// Package s3 provides a BlobStore backed by an S3-compatible object store.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/JakeFAU/sitewatch/internal/monitor"
)

const defaultRegion = "us-east-1"

// Config captures the parameters required to reach the object store.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

type api interface {
	PutObject(ctx context.Context, in *awss3.PutObjectInput, opts ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *awss3.GetObjectInput, opts ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
	ListObjectsV2(
		ctx context.Context,
		in *awss3.ListObjectsV2Input,
		opts ...func(*awss3.Options),
	) (*awss3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, in *awss3.HeadBucketInput, opts ...func(*awss3.Options)) (*awss3.HeadBucketOutput, error)
	CreateBucket(
		ctx context.Context,
		in *awss3.CreateBucketInput,
		opts ...func(*awss3.Options),
	) (*awss3.CreateBucketOutput, error)
}

// BlobStore reads and writes snapshot blobs through the S3 API.
type BlobStore struct {
	client api
	region string
}

// New builds a path-style S3 client for the configured endpoint.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.AccessKey) == "" || strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, fmt.Errorf("s3 access_key and secret_key are required")
	}
	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}
	opts := awss3.Options{
		Region:                     region,
		Credentials:                credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle:               true,
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
	}
	if endpoint := endpointURL(cfg.Endpoint, cfg.UseSSL); endpoint != "" {
		opts.BaseEndpoint = aws.String(endpoint)
	}
	return &BlobStore{client: awss3.New(opts), region: region}, nil
}

// NewWithClient constructs a store from an existing client (primarily for testing).
func NewWithClient(client api, region string) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("s3 client is required")
	}
	if region == "" {
		region = defaultRegion
	}
	return &BlobStore{client: client, region: region}, nil
}

// Put uploads data under bucket/key, overwriting any previous object.
func (s *BlobStore) Put(ctx context.Context, bucket, key, contentType string, data []byte) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("key is required")
	}
	in := &awss3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("put object %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Get downloads bucket/key.
func (s *BlobStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object %s/%s: %w", bucket, key, translateError(err))
	}
	defer out.Body.Close() //nolint:errcheck // read-only body
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

// List pages through every key in the bucket.
func (s *BlobStore) List(ctx context.Context, bucket string) ([]string, error) {
	var keys []string
	paginator := awss3.NewListObjectsV2Paginator(s.client, &awss3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects %s: %w", bucket, translateError(err))
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
	}
	return keys, nil
}

// EnsureBucket creates the bucket unless it already exists.
func (s *BlobStore) EnsureBucket(ctx context.Context, bucket string) error {
	_, err := s.client.HeadBucket(ctx, &awss3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return nil
	}
	if !errors.Is(translateError(err), monitor.ErrBucketNotFound) {
		return fmt.Errorf("head bucket %s: %w", bucket, err)
	}
	in := &awss3.CreateBucketInput{Bucket: aws.String(bucket)}
	if s.region != defaultRegion {
		in.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.region),
		}
	}
	if _, err := s.client.CreateBucket(ctx, in); err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return nil
}

func translateError(err error) error {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return fmt.Errorf("%w: %v", monitor.ErrBlobNotFound, err)
	}
	var noBucket *types.NoSuchBucket
	if errors.As(err, &noBucket) {
		return fmt.Errorf("%w: %v", monitor.ErrBucketNotFound, err)
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: %v", monitor.ErrBucketNotFound, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey":
			return fmt.Errorf("%w: %v", monitor.ErrBlobNotFound, err)
		case "NoSuchBucket", "NotFound":
			return fmt.Errorf("%w: %v", monitor.ErrBucketNotFound, err)
		}
	}
	return err
}

func endpointURL(endpoint string, useSSL bool) string {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return ""
	}
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}
