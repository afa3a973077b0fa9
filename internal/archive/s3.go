package archive

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// DefaultPartSize is the multipart chunk size used when S3Config.PartSize is
// unset. Files larger than one part are uploaded in parts, which lifts the
// 5 GiB single PUT limit.
const DefaultPartSize = 64 * 1024 * 1024

// S3Config configures an S3Mirror. Credentials fall back to the default AWS
// chain when AccessKeyID is empty.
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
	HTTPClient      *http.Client

	// PartSize is clamped up to the S3 minimum of 5 MiB.
	PartSize int64
}

// S3Mirror copies archived inputs to an S3 bucket.
type S3Mirror struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
	root     string
}

// NewS3Mirror builds a mirror for files under archiveRoot. Object keys are
// the file paths relative to archiveRoot, under cfg.Prefix.
func NewS3Mirror(ctx context.Context, cfg S3Config, archiveRoot string) (*S3Mirror, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.HTTPClient != nil {
			o.HTTPClient = cfg.HTTPClient
		}
	})

	partSize := cfg.PartSize
	if partSize == 0 {
		partSize = DefaultPartSize
	}
	partSize = max(partSize, manager.MinUploadPartSize)
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = partSize
	})

	return &S3Mirror{uploader: uploader, bucket: cfg.Bucket, prefix: cfg.Prefix, root: archiveRoot}, nil
}

// Key returns the object key for a file under the archive root.
func (m *S3Mirror) Key(file string) (string, error) {
	rel, err := filepath.Rel(m.root, file)
	if err != nil {
		return "", fmt.Errorf("resolving key for %s: %w", file, err)
	}
	return path.Join(m.prefix, filepath.ToSlash(rel)), nil
}

// Mirror uploads each archived file and returns the object keys written.
func (m *S3Mirror) Mirror(ctx context.Context, files []Moved) ([]string, error) {
	keys := make([]string, 0, len(files))
	for _, f := range files {
		key, err := m.Key(f.To)
		if err != nil {
			return keys, err
		}
		if err := m.upload(ctx, key, f.To); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (m *S3Mirror) upload(ctx context.Context, key, file string) error {
	fh, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("opening %s: %w", file, err)
	}
	defer fh.Close()

	_, err = m.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        fh,
		ContentType: aws.String("text/csv"),
	})
	if err != nil {
		return fmt.Errorf("uploading s3://%s/%s: %w", m.bucket, key, err)
	}
	return nil
}
