/*
Package documents implements the ledger's Document Store collaborator.

The ledger keeps only attachment references (subject, kind, object
key). After a mutation commits it hands each new reference to a
DocumentStore:

  S3:     verifies the referenced object exists in the configured
          bucket (HeadObject) and reports missing uploads
  Memory: records references in process, for tests and local runs
*/
package documents

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/dgt/seed-ledger/ledger"
)

// ErrMissingObject is returned when an attachment points at no object.
var ErrMissingObject = errors.New("referenced document does not exist")

// S3Config holds construction parameters. Credentials come from the
// default AWS chain unless Credentials is set.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string // optional; S3-compatible endpoint such as MinIO
	PathStyle bool

	Credentials aws.CredentialsProvider
	HTTPClient  *http.Client
}

// S3 verifies attachment references against a bucket.
type S3 struct {
	client *s3.Client
	bucket string
	log    *zap.Logger
}

// NewS3 builds an S3 document store.
func NewS3(ctx context.Context, cfg S3Config, log *zap.Logger) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.Credentials != nil {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(cfg.Credentials))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.HTTPClient != nil {
			o.HTTPClient = cfg.HTTPClient
		}
	})
	return &S3{client: client, bucket: cfg.Bucket, log: log.Named("documents.s3")}, nil
}

// Attach checks that the attachment's key exists in the bucket.
func (s *S3) Attach(ctx context.Context, a ledger.Attachment) error {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &a.Key})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return fmt.Errorf("%s %s attachment %s: %w", a.SubjectKind, a.SubjectID, a.Key, ErrMissingObject)
		}
		return fmt.Errorf("head %s: %w", a.Key, err)
	}
	s.log.Debug("attachment verified",
		zap.String("subject_kind", string(a.SubjectKind)),
		zap.String("subject", a.SubjectID),
		zap.String("key", a.Key))
	return nil
}
