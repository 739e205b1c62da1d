package vectorstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config locates record objects in an S3-compatible bucket.
type S3Config struct {
	// Endpoint is optional, e.g. "http://127.0.0.1:9000" for MinIO.
	Endpoint  string
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	// PathStyle addresses the bucket in the path rather than the host name.
	PathStyle bool
}

// S3Source reads every ".jsonl" or ".json" object under a prefix and
// concatenates their records in key order.
type S3Source struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Source connects to the bucket described by cfg. Without static keys
// the client falls back to anonymous access.
func NewS3Source(cfg S3Config) *S3Source {
	client := s3.NewFromConfig(aws.Config{Region: cfg.Region}, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.AccessKey != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return &S3Source{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}
}

// List reads all record objects.
func (s *S3Source) List(ctx context.Context) ([]VectorRecord, error) {
	keys, err := s.keys(ctx)
	if err != nil {
		return nil, err
	}

	var out []VectorRecord
	for _, key := range keys {
		obj, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, fmt.Errorf("vectorstore: s3 get %s: %w", key, err)
		}
		recs, err := ReadRecords(ctx, obj.Body)
		obj.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("vectorstore: s3 %s: %w", key, err)
		}
		out = append(out, recs...)
	}
	return out, nil
}

func (s *S3Source) keys(ctx context.Context) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("vectorstore: s3 list %s/%s: %w", s.bucket, s.prefix, err)
		}
		for _, obj := range page.Contents {
			k := aws.ToString(obj.Key)
			if strings.HasSuffix(k, ".jsonl") || strings.HasSuffix(k, ".json") {
				keys = append(keys, k)
			}
		}
	}
	return keys, nil
}
