// Package storage provides the S3-backed artifact store the reconciler
// probes for transcript outputs and error markers.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the S3 surface used by the artifact store.
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// ArtifactStore answers object-presence probes against the job bucket.
type ArtifactStore struct {
	api S3API
}

// NewArtifactStore creates an artifact store from an AWS config.
func NewArtifactStore(cfg aws.Config) *ArtifactStore {
	return &ArtifactStore{api: s3.NewFromConfig(cfg)}
}

// NewArtifactStoreWithAPI creates an artifact store over an explicit API,
// for tests.
func NewArtifactStoreWithAPI(api S3API) *ArtifactStore {
	return &ArtifactStore{api: api}
}

// Exists reports whether an object is present. A missing object is not an
// error; anything else is.
func (s *ArtifactStore) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to head s3://%s/%s: %w", bucket, key, err)
	}
	return true, nil
}
