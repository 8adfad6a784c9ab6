// Package store mirrors run artifacts to remote object storage. The mirror
// is optional and strictly write-only: the local out_dir tree stays the
// source of truth.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	cfg "github.com/stockbot-io/stockbot/config"
	"github.com/stockbot-io/stockbot/log"
	"github.com/stockbot-io/stockbot/paths"
)

// Mirror uploads a finished run's artifacts. Implementations must be safe
// for concurrent use.
type Mirror interface {
	// MirrorRun uploads every present artifact of the run. Missing
	// artifacts are skipped; an upload error aborts the remaining set.
	MirrorRun(ctx context.Context, runID, outDir string) error
}

// s3API is the slice of the S3 client the mirror needs; tests provide fakes.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Mirror copies artifacts under s3://bucket/prefix/<run_id>/<artifact path>.
type S3Mirror struct {
	client s3API
	bucket string
	prefix string
	logger *log.Logger
}

// NewS3Mirror builds a mirror from the daemon storage config using the AWS
// default credential chain.
func NewS3Mirror(ctx context.Context, storage cfg.StorageConfig, logger *log.Logger) (*S3Mirror, error) {
	if storage.Bucket == "" {
		return nil, errors.New("s3 mirror requires a bucket")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if storage.Region != "" {
		opts = append(opts, awsconfig.WithRegion(storage.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return &S3Mirror{
		client: s3.NewFromConfig(awsCfg),
		bucket: storage.Bucket,
		prefix: storage.Prefix,
		logger: logger,
	}, nil
}

// MirrorRun implements Mirror.
func (m *S3Mirror) MirrorRun(ctx context.Context, runID, outDir string) error {
	artifacts := paths.ExistingArtifacts(outDir)
	for name, localPath := range artifacts {
		rel, err := paths.ArtifactRel(name)
		if err != nil {
			return err
		}
		key := path.Join(m.prefix, runID, rel)
		if err := m.put(ctx, key, localPath); err != nil {
			return fmt.Errorf("mirror %s: %w", name, err)
		}
	}
	m.logger.Info("run mirrored", map[string]any{
		"run_id": runID, "bucket": m.bucket, "artifacts": len(artifacts),
	})
	return nil
}

func (m *S3Mirror) put(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &m.bucket,
		Key:    &key,
		Body:   f,
	})
	return err
}
