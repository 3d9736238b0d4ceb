// Package archive stores settlement reports in S3-compatible object storage
// (AWS S3, MinIO, R2) so every resolution has an external audit record.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/atmx/settlement-engine/internal/model"
)

// Report is the archived record of one market resolution.
type Report struct {
	Summary    model.ResolutionSummary `json:"summary"`
	Market     model.Market            `json:"market"`
	Trades     []model.Trade           `json:"trades"`
	ArchivedAt time.Time               `json:"archived_at"`
}

// Archiver persists settlement reports outside the primary store.
type Archiver interface {
	Archive(ctx context.Context, r *Report) error
}

// Nop discards reports.
type Nop struct{}

func (Nop) Archive(context.Context, *Report) error { return nil }

// Config holds the S3 connection settings.
type Config struct {
	Endpoint       string // empty for AWS S3
	Region         string
	Bucket         string
	Prefix         string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
}

// uploader is the subset of manager.Uploader used here.
type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Archiver writes each report as a JSON object keyed by resolution date
// and market id.
type S3Archiver struct {
	up     uploader
	bucket string
	prefix string
}

// NewS3 builds an S3Archiver from cfg.
func NewS3(ctx context.Context, cfg Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket name is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("archive: region is required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		if u, err := url.Parse(endpoint); err != nil || u.Scheme == "" {
			endpoint = "https://" + endpoint
		}
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)
	return newS3Archiver(manager.NewUploader(client), cfg.Bucket, cfg.Prefix), nil
}

func newS3Archiver(up uploader, bucket, prefix string) *S3Archiver {
	if prefix == "" {
		prefix = "settlements"
	}
	return &S3Archiver{up: up, bucket: bucket, prefix: prefix}
}

// Key returns the object key a report is stored under.
func (a *S3Archiver) Key(r *Report) string {
	at := r.Summary.ResolvedAt.UTC()
	return path.Join(a.prefix, at.Format("2006/01/02"), r.Summary.MarketID+".json")
}

func (a *S3Archiver) Archive(ctx context.Context, r *Report) error {
	if r.ArchivedAt.IsZero() {
		r.ArchivedAt = time.Now().UTC()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("archive: marshal report %s: %w", r.Summary.MarketID, err)
	}

	key := a.Key(r)
	_, err = a.up.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("archive: upload %s: %w", key, err)
	}
	return nil
}

// Compile-time interface checks.
var (
	_ Archiver = Nop{}
	_ Archiver = (*S3Archiver)(nil)
)
