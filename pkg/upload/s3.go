package upload

import (
	"context"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/docker/go-units"
	"github.com/ethpandaops/browserperf/pkg/config"
	"github.com/ethpandaops/browserperf/pkg/runctx"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultPrefix is used when no prefix is configured.
	DefaultPrefix = "browserperf"

	// preflightKey is the marker object written by Preflight.
	preflightKey = ".browserperf-write-test"
)

// objectAPI is the subset of the S3 client used by the uploader.
type objectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// s3Uploader implements Uploader for S3-compatible storage.
type s3Uploader struct {
	log    logrus.FieldLogger
	cfg    *config.S3UploadConfig
	client objectAPI
}

// Ensure interface compliance.
var _ Uploader = (*s3Uploader)(nil)

// NewS3Uploader creates a new S3 uploader from the given configuration.
func NewS3Uploader(log logrus.FieldLogger, cfg *config.S3UploadConfig) Uploader {
	return &s3Uploader{
		log:    log.WithField("component", "s3-uploader"),
		cfg:    cfg,
		client: newS3Client(cfg),
	}
}

func newS3Client(cfg *config.S3UploadConfig) *s3.Client {
	return s3.New(s3.Options{}, func(o *s3.Options) {
		if cfg.Region != "" {
			o.Region = cfg.Region
		} else {
			o.Region = "us-east-1"
		}

		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}

		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}

		if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, "",
			)
		}
	})
}

// Preflight verifies S3 connectivity by writing and deleting a test object.
func (u *s3Uploader) Preflight(ctx context.Context) error {
	key := u.rootPrefix() + "/" + preflightKey
	content := fmt.Sprintf("browserperf write test: %s", time.Now().UTC().Format(time.RFC3339))

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(key),
		Body:        strings.NewReader(content),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("writing test object to s3://%s: %w", u.cfg.Bucket, err)
	}

	if _, err := u.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(u.cfg.Bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("deleting test object from s3://%s: %w", u.cfg.Bucket, err)
	}

	u.log.WithField("bucket", u.cfg.Bucket).Debug("S3 preflight succeeded")

	return nil
}

// Upload walks the run directory and uploads all files in parallel.
func (u *s3Uploader) Upload(ctx context.Context, run *runctx.RunContext) (*Summary, error) {
	prefix := u.resolvePrefix(run.SuiteID, run.TestID)

	var files []string

	err := filepath.WalkDir(run.OutputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() || strings.HasSuffix(path, ".lock") {
			return nil
		}

		files = append(files, path)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory %s: %w", run.OutputDir, err)
	}

	concurrency := u.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = config.DefaultUploadConcurrency
	}

	var total atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, path := range files {
		g.Go(func() error {
			relPath, err := filepath.Rel(run.OutputDir, path)
			if err != nil {
				return fmt.Errorf("computing relative path: %w", err)
			}

			size, err := u.uploadFile(gctx, path, prefix+"/"+filepath.ToSlash(relPath))
			if err != nil {
				return fmt.Errorf("uploading %s: %w", relPath, err)
			}

			total.Add(size)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	summary := &Summary{
		Files:  len(files),
		Bytes:  total.Load(),
		Prefix: prefix,
	}

	u.log.WithFields(logrus.Fields{
		"files":  summary.Files,
		"size":   units.HumanSize(float64(summary.Bytes)),
		"bucket": u.cfg.Bucket,
		"prefix": prefix,
	}).Info("Upload completed")

	return summary, nil
}

// uploadFile uploads a single file to S3 and returns its size.
func (u *s3Uploader) uploadFile(ctx context.Context, localPath, key string) (int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("opening file: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat file: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(u.cfg.Bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(detectContentType(localPath)),
	}

	if u.cfg.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(u.cfg.StorageClass)
	}

	if u.cfg.ACL != "" {
		input.ACL = s3types.ObjectCannedACL(u.cfg.ACL)
	}

	u.log.WithFields(logrus.Fields{
		"key":    key,
		"bucket": u.cfg.Bucket,
	}).Debug("Uploading file")

	if _, err := u.client.PutObject(ctx, input); err != nil {
		return 0, fmt.Errorf("PutObject: %w", err)
	}

	return info.Size(), nil
}

func (u *s3Uploader) rootPrefix() string {
	prefix := strings.TrimRight(u.cfg.Prefix, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}

	return prefix
}

// resolvePrefix builds the S3 key prefix for a run directory.
func (u *s3Uploader) resolvePrefix(suiteID, testID string) string {
	return u.rootPrefix() + "/" + suiteID + "/" + testID
}

// detectContentType returns a MIME type based on file extension.
func detectContentType(path string) string {
	switch filepath.Ext(path) {
	case "":
		return "application/octet-stream"
	case ".har":
		return "application/json"
	}

	ct := mime.TypeByExtension(filepath.Ext(path))
	if ct == "" {
		return "application/octet-stream"
	}

	return ct
}
