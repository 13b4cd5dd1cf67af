package s3

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	awss3 "github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"go.uber.org/zap"

	"github.com/turbolytics/patina/internal"
)

type Option func(*Repository)

func WithRegion(region string) Option {
	return func(r *Repository) {
		r.Region = region
	}
}

func WithBucket(bucket string) Option {
	return func(r *Repository) {
		r.Bucket = bucket
	}
}

func WithPrefix(prefix string) Option {
	return func(r *Repository) {
		r.Prefix = prefix
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Repository) {
		r.logger = l
	}
}

func WithForcePathStyle(forcePathStyle bool) Option {
	return func(r *Repository) {
		r.ForcePathStyle = forcePathStyle
	}
}

func WithEndpoint(endpoint string) Option {
	return func(r *Repository) {
		r.Endpoint = endpoint
	}
}

// WithClient replaces the client built from the session, mostly for tests.
func WithClient(c s3iface.S3API) Option {
	return func(r *Repository) {
		r.client = c
	}
}

// Repository stores objects in an S3 compatible bucket.
type Repository struct {
	logger   *zap.Logger
	client   s3iface.S3API
	uploader *s3manager.Uploader

	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	ForcePathStyle bool
}

func New(opts ...Option) (*Repository, error) {
	r := &Repository{
		logger: zap.NewNop(),
	}

	for _, o := range opts {
		o(r)
	}

	if r.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	if r.client == nil {
		awsConfig := &aws.Config{
			S3ForcePathStyle: aws.Bool(r.ForcePathStyle),
		}
		if r.Region != "" {
			awsConfig.Region = aws.String(r.Region)
		}
		if r.Endpoint != "" {
			awsConfig.Endpoint = aws.String(r.Endpoint)
		}

		sess, err := session.NewSession(awsConfig)
		if err != nil {
			return nil, err
		}
		r.client = awss3.New(sess)
	}
	r.uploader = s3manager.NewUploaderWithClient(r.client)

	return r, nil
}

func (r *Repository) objectKey(key string) (string, error) {
	if err := internal.ValidateKey(key); err != nil {
		return "", err
	}
	return path.Join(r.Prefix, key), nil
}

func (r *Repository) Put(ctx context.Context, key string, body io.Reader, metadata map[string]string) error {
	objPath, err := r.objectKey(key)
	if err != nil {
		return err
	}

	r.logger.Debug(
		"s3 put",
		zap.String("key", key),
		zap.String("object_path", objPath),
		zap.String("bucket", r.Bucket),
	)

	input := &s3manager.UploadInput{
		Bucket:      aws.String(r.Bucket),
		Key:         aws.String(objPath),
		Body:        body,
		ContentType: aws.String("application/sql"),
	}
	if len(metadata) > 0 {
		input.Metadata = aws.StringMap(metadata)
	}

	_, err = r.uploader.UploadWithContext(ctx, input)
	return err
}

func (r *Repository) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	objPath, err := r.objectKey(key)
	if err != nil {
		return nil, err
	}

	out, err := r.client.GetObjectWithContext(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(r.Bucket),
		Key:    aws.String(objPath),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, internal.ErrNotFound
		}
		return nil, err
	}
	return out.Body, nil
}

// Metadata returns the user metadata of key. S3 canonicalizes metadata
// names on write, so they are lower-cased to match what Put was given.
func (r *Repository) Metadata(ctx context.Context, key string) (map[string]string, error) {
	objPath, err := r.objectKey(key)
	if err != nil {
		return nil, err
	}

	out, err := r.client.HeadObjectWithContext(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(r.Bucket),
		Key:    aws.String(objPath),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, internal.ErrNotFound
		}
		return nil, err
	}

	md := make(map[string]string, len(out.Metadata))
	for k, v := range out.Metadata {
		md[strings.ToLower(k)] = aws.StringValue(v)
	}
	return md, nil
}

// List pages through the bucket until limit objects are collected.
// A limit of 0 or less lists everything under prefix.
func (r *Repository) List(ctx context.Context, prefix string, limit int) ([]internal.Object, error) {
	fullPrefix := r.Prefix
	if fullPrefix != "" {
		fullPrefix = strings.TrimSuffix(fullPrefix, "/") + "/"
	}
	fullPrefix += prefix

	input := &awss3.ListObjectsV2Input{
		Bucket: aws.String(r.Bucket),
		Prefix: aws.String(fullPrefix),
	}
	if limit > 0 && limit < 1000 {
		input.MaxKeys = aws.Int64(int64(limit))
	}

	var objects []internal.Object
	err := r.client.ListObjectsV2PagesWithContext(ctx, input, func(page *awss3.ListObjectsV2Output, last bool) bool {
		for _, o := range page.Contents {
			key := aws.StringValue(o.Key)
			if r.Prefix != "" {
				key = strings.TrimPrefix(key, strings.TrimSuffix(r.Prefix, "/")+"/")
			}
			objects = append(objects, internal.Object{
				Key:          key,
				Size:         aws.Int64Value(o.Size),
				LastModified: aws.TimeValue(o.LastModified),
			})
			if limit > 0 && len(objects) >= limit {
				return false
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return objects, nil
}

// Delete removes key. S3 does not report missing keys on delete.
func (r *Repository) Delete(ctx context.Context, key string) error {
	objPath, err := r.objectKey(key)
	if err != nil {
		return err
	}

	r.logger.Debug(
		"s3 delete",
		zap.String("object_path", objPath),
		zap.String("bucket", r.Bucket),
	)

	_, err = r.client.DeleteObjectWithContext(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(r.Bucket),
		Key:    aws.String(objPath),
	})
	if err != nil && isNotFound(err) {
		return nil
	}
	return err
}

func isNotFound(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case awss3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}
