// Package archive uploads every cycle result as a JSON object to an
// S3-compatible bucket.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"dip-bot/internal/config"
	"dip-bot/internal/engine"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

const (
	uploadTimeout = 10 * time.Second
	queueSize     = 64
)

// Putter is the slice of the S3 API the archiver uses.
type Putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Archiver struct {
	client  Putter
	bucket  string
	prefix  string
	log     *zap.Logger
	queue   chan engine.CycleResult
	started atomic.Bool
	dropped atomic.Uint64
}

// New builds an archiver backed by AWS S3 or a compatible store. It returns
// nil when archiving is disabled.
func New(ctx context.Context, cfg config.ArchiveConfig, log *zap.Logger) (*Archiver, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}
	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := normaliseEndpoint(cfg.Endpoint)
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return NewWithClient(s3.NewFromConfig(awsCfg, s3Opts...), cfg.Bucket, cfg.Prefix, log), nil
}

func NewWithClient(client Putter, bucket, prefix string, log *zap.Logger) *Archiver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Archiver{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		log:    log,
		queue:  make(chan engine.CycleResult, queueSize),
	}
}

func (a *Archiver) Start(ctx context.Context) {
	if a == nil || !a.started.CompareAndSwap(false, true) {
		return
	}
	go a.run(ctx)
}

// ObserveCycle queues the result for upload. A full queue drops it.
func (a *Archiver) ObserveCycle(result engine.CycleResult) {
	if a == nil {
		return
	}
	select {
	case a.queue <- result:
	default:
		if a.dropped.Add(1) == 1 {
			a.log.Warn("archive queue full")
		}
	}
}

func (a *Archiver) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case result := <-a.queue:
			if err := a.Upload(ctx, result); err != nil {
				a.log.Warn("archive upload failed", zap.String("cycle_id", result.ID), zap.Error(err))
			}
		}
	}
}

// Upload writes one result synchronously.
func (a *Archiver) Upload(ctx context.Context, result engine.CycleResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("archive: encode cycle: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.Key(result)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("archive: put %s: %w", a.Key(result), err)
	}
	return nil
}

// Key returns <prefix>/YYYY/MM/DD/<cycle-id>.json using the UTC start time.
func (a *Archiver) Key(result engine.CycleResult) string {
	day := result.StartedAt.UTC().Format("2006/01/02")
	return path.Join(a.prefix, day, result.ID+".json")
}

func normaliseEndpoint(endpoint string) string {
	parsed, err := url.Parse(endpoint)
	if err == nil && parsed.Scheme != "" {
		return endpoint
	}
	return "https://" + endpoint
}
