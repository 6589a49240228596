package blobstore

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Store is the production Store backed by an S3-compatible bucket.
type S3Store struct {
	client *s3.Client
}

// NewS3Store loads the default AWS SDK v2 config chain (env vars, shared
// config, instance role) and returns a ready S3Store. endpoint, when
// non-empty, overrides the resolved endpoint for S3-compatible backends.
func NewS3Store(ctx context.Context, endpoint string) (*S3Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("blobstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{client: client}, nil
}

func (s *S3Store) List(ctx context.Context, bucket, prefix, glob string) ([]Object, error) {
	prefix = strings.TrimSuffix(strings.TrimPrefix(prefix, "/"), "/") + "/"

	var out []Object
	var token *string
	for {
		resp, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("blobstore: list %s/%s: %w", bucket, prefix, err)
		}

		for _, obj := range resp.Contents {
			if aws.ToInt64(obj.Size) == 0 {
				continue
			}
			key := aws.ToString(obj.Key)
			if !matchGlob(glob, filepath.Base(key)) {
				continue
			}
			out = append(out, Object{
				Key:  key,
				Size: aws.ToInt64(obj.Size),
				ETag: strings.Trim(aws.ToString(obj.ETag), `"`),
			})
		}

		if !aws.ToBool(resp.IsTruncated) {
			break
		}
		token = resp.NextContinuationToken
	}
	return out, nil
}

func (s *S3Store) ReadRange(ctx context.Context, bucket, key string, offset, length int64) (io.ReadCloser, error) {
	in := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if length >= 0 {
		in.Range = aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	} else if offset > 0 {
		in.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := s.client.GetObject(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("blobstore: read %s/%s: %w", bucket, key, err)
	}
	return resp.Body, nil
}

func (s *S3Store) Head(ctx context.Context, bucket, key string) (Object, error) {
	resp, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NotFound") {
			return Object{}, fmt.Errorf("blobstore: %s/%s: %w", bucket, key, ErrNotFound)
		}
		return Object{}, fmt.Errorf("blobstore: head %s/%s: %w", bucket, key, err)
	}
	return Object{
		Key:  key,
		Size: aws.ToInt64(resp.ContentLength),
		ETag: strings.Trim(aws.ToString(resp.ETag), `"`),
	}, nil
}

// ErrNotFound is returned when Head targets a missing object.
var ErrNotFound = fmt.Errorf("object not found")
