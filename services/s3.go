package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"packager/config"
	"packager/models"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

type UploadOptions struct {
	ContentType  string
	CacheControl string
	Public       bool
}

type ObjectMetadata struct {
	UpdatedAt time.Time
	Size      int64
}

// ObjectStore is the durable blob store every published artifact lives in.
// Keys are slash separated and rooted at videos/.
type ObjectStore interface {
	Upload(ctx context.Context, localPath, key string, opts UploadOptions) error
	Exists(ctx context.Context, key string) (bool, error)
	Metadata(ctx context.Context, key string) (ObjectMetadata, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
	PublicURL(key string) string
}

type S3Service struct {
	session   *session.Session
	client    s3iface.S3API
	bucket    string
	region    string
	endpoint  string
	pathStyle bool
	publicURL string
	uploader  *s3manager.Uploader
}

func NewS3Service(cfg *config.Config) (*S3Service, error) {
	awsCfg := &aws.Config{
		Region: aws.String(cfg.S3Region),
		Credentials: credentials.NewStaticCredentials(
			cfg.AWSS3AccessKey,
			cfg.AWSS3SecretKey,
			"",
		),
	}

	if cfg.S3Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.S3Endpoint)
	}

	if cfg.S3UsePathStyle {
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 session: %w", err)
	}

	return &S3Service{
		session:   sess,
		client:    s3.New(sess),
		bucket:    cfg.S3Bucket,
		region:    cfg.S3Region,
		endpoint:  strings.TrimRight(cfg.S3Endpoint, "/"),
		pathStyle: cfg.S3UsePathStyle,
		publicURL: cfg.S3PublicBaseURL,
		uploader:  s3manager.NewUploader(sess),
	}, nil
}

func (s *S3Service) Upload(ctx context.Context, localPath, key string, opts UploadOptions) error {
	// Open file
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	input := &s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   file,
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if opts.CacheControl != "" {
		input.CacheControl = aws.String(opts.CacheControl)
	}
	if opts.Public {
		input.ACL = aws.String(s3.ObjectCannedACLPublicRead)
	}

	if _, err := s.uploader.UploadWithContext(ctx, input); err != nil {
		return fmt.Errorf("failed to upload %s to S3: %w", key, err)
	}

	return nil
}

func (s *S3Service) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.head(ctx, key)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *S3Service) Metadata(ctx context.Context, key string) (ObjectMetadata, error) {
	out, err := s.head(ctx, key)
	if err != nil {
		return ObjectMetadata{}, err
	}
	return ObjectMetadata{
		UpdatedAt: aws.TimeValue(out.LastModified).UTC(),
		Size:      aws.Int64Value(out.ContentLength),
	}, nil
}

func (s *S3Service) head(ctx context.Context, key string) (*s3.HeadObjectOutput, error) {
	out, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("object %s: %w", key, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to head %s: %w", key, err)
	}
	return out, nil
}

func (s *S3Service) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			keys = append(keys, aws.StringValue(obj.Key))
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	return keys, nil
}

func (s *S3Service) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// PublicURL is where players fetch key from: the configured CDN base when
// set, otherwise the bucket's own address.
func (s *S3Service) PublicURL(key string) string {
	key = strings.TrimLeft(key, "/")
	if s.publicURL != "" {
		return s.publicURL + "/" + escapeKey(key)
	}
	if s.endpoint != "" {
		base := s.endpoint
		if !strings.Contains(base, "://") {
			base = "https://" + base
		}
		if s.pathStyle {
			return base + "/" + s.bucket + "/" + escapeKey(key)
		}
		if u, err := url.Parse(base); err == nil {
			u.Host = s.bucket + "." + u.Host
			return strings.TrimRight(u.String(), "/") + "/" + escapeKey(key)
		}
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, escapeKey(key))
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func isNotFound(err error) bool {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
		return true
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}

// Cleanup removes a local path left behind by a job, file or directory.
func Cleanup(path string) error {
	if path == "" {
		return nil
	}
	return os.RemoveAll(path)
}
