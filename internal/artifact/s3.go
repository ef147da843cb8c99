package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"content-pipeline/internal/config"
)

// S3 serves artifacts from a bucket. References are either object keys or
// s3://bucket/key URLs for the configured bucket.
type S3 struct {
	client *s3.Client
	bucket string
}

func NewS3(ctx context.Context, cfg config.ArtifactConfig) (*S3, error) {
	if cfg.S3Bucket == "" {
		return nil, errors.New("artifacts.s3_bucket is required for the s3 backend")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	})
	return NewS3FromClient(client, cfg.S3Bucket), nil
}

func NewS3FromClient(client *s3.Client, bucket string) *S3 {
	return &S3{client: client, bucket: bucket}
}

func (s *S3) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	key, err := s.key(ref)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var re *awshttp.ResponseError
		if errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound {
			return nil, fmt.Errorf("%w: s3://%s/%s", ErrMissing, s.bucket, key)
		}
		return nil, fmt.Errorf("get object: %w", err)
	}
	return out.Body, nil
}

func (s *S3) key(ref string) (string, error) {
	rest, ok := strings.CutPrefix(ref, "s3://")
	if !ok {
		return sanitizeKey(ref), nil
	}
	bucket, key, _ := strings.Cut(rest, "/")
	if bucket != s.bucket {
		return "", fmt.Errorf("%w: %s is outside bucket %s", ErrInvalid, ref, s.bucket)
	}
	return sanitizeKey(key), nil
}
