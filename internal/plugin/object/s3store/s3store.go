// Package s3store implements the object store on S3-compatible storage.
// Document keys are content-derived so re-uploading identical bytes lands on
// the same key, and every access check happens against the caller's
// namespace prefix before any request leaves the process.
package s3store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/chirino/graph-memory-service/internal/config"
	"github.com/chirino/graph-memory-service/internal/faults"
	registryobject "github.com/chirino/graph-memory-service/internal/registry/object"
)

func init() {
	registryobject.Register(registryobject.Plugin{
		Name:   "s3",
		Loader: load,
	})
}

func load(ctx context.Context) (registryobject.ObjectStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3store: S3_BUCKET is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
		awsconfig.WithRequestChecksumCalculation(aws.RequestChecksumCalculationWhenRequired),
	}
	if cfg.S3AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3store: load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3UsePathStyle
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
	})
	return &Store{
		client:        client,
		presigner:     s3.NewPresignClient(client),
		bucket:        cfg.S3Bucket,
		uploadTimeout: cfg.S3UploadTimeout,
	}, nil
}

// Store implements the object store on S3.
type Store struct {
	client        *s3.Client
	presigner     *s3.PresignClient
	bucket        string
	uploadTimeout time.Duration
}

func (s *Store) Put(ctx context.Context, namespace string, filename string, data []byte) (*registryobject.PutResult, error) {
	if namespace == "" {
		return nil, &faults.ValidationError{Field: "namespace", Message: "must not be empty"}
	}
	hash := fmt.Sprintf("%x", sha256.Sum256(data))
	key := DocumentKey(namespace, filename, hash)

	if s.uploadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.uploadTimeout)
		defer cancel()
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           &key,
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return nil, s.failure("put object", err)
	}
	return &registryobject.PutResult{
		URI:  s.uri(key),
		Key:  key,
		Hash: hash,
		Size: int64(len(data)),
	}, nil
}

func (s *Store) Get(ctx context.Context, namespace string, keyOrURI string) ([]byte, error) {
	key, err := s.authorizedKey(namespace, keyOrURI)
	if err != nil {
		return nil, err
	}
	return s.GetRaw(ctx, key)
}

func (s *Store) Delete(ctx context.Context, namespace string, keyOrURI string) (bool, error) {
	key, err := s.authorizedKey(namespace, keyOrURI)
	if err != nil {
		return false, err
	}
	exists, err := s.Exists(ctx, key)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}
	if err := s.DeleteRaw(ctx, key); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Exists(ctx context.Context, keyOrURI string) (bool, error) {
	key := s.resolveKey(keyOrURI)
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		if isMissingObject(err) {
			return false, nil
		}
		return false, s.failure("head object", err)
	}
	return true, nil
}

func (s *Store) SignedURL(ctx context.Context, keyOrURI string, expiry time.Duration) (*url.URL, error) {
	key := s.resolveKey(keyOrURI)
	resp, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return nil, s.failure("presign", err)
	}
	return url.Parse(resp.URL)
}

func (s *Store) List(ctx context.Context, prefix string) ([]registryobject.ObjectInfo, error) {
	var objects []registryobject.ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: &prefix,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, s.failure("list objects", err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, registryobject.ObjectInfo{
				Key:  aws.ToString(obj.Key),
				Size: aws.ToInt64(obj.Size),
			})
		}
	}
	return objects, nil
}

func (s *Store) PutRaw(ctx context.Context, key string, data []byte) error {
	if s.uploadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.uploadTimeout)
		defer cancel()
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           &key,
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return s.failure("put object", err)
	}
	return nil
}

func (s *Store) GetRaw(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		if isMissingObject(err) {
			return nil, &faults.NotFoundError{Resource: "object", ID: key}
		}
		return nil, s.failure("get object", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, s.failure("read object body", err)
	}
	return data, nil
}

func (s *Store) DeleteRaw(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		return s.failure("delete object", err)
	}
	return nil
}

func (s *Store) uri(key string) string {
	return "s3://" + s.bucket + "/" + key
}

// resolveKey accepts either a bare key or an s3:// URI for this bucket.
func (s *Store) resolveKey(keyOrURI string) string {
	return ResolveKey(s.bucket, keyOrURI)
}

// authorizedKey resolves the key and fails closed when it falls outside the
// caller's namespace, without revealing whether the object exists.
func (s *Store) authorizedKey(namespace string, keyOrURI string) (string, error) {
	key := s.resolveKey(keyOrURI)
	if namespace == "" || !strings.HasPrefix(key, namespace+"/") {
		return "", &faults.PermissionDeniedError{Reason: "object is outside the caller's namespace"}
	}
	return key, nil
}

func (s *Store) failure(op string, err error) error {
	switch faults.Classify(err) {
	case faults.ClassUnavailable, faults.ClassTransientDisconnect:
		return &faults.UnavailableError{Store: "s3", Cause: fmt.Errorf("%s: %w", op, err)}
	}
	return fmt.Errorf("s3store: %s: %w", op, err)
}

func isMissingObject(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	return errors.As(err, &notFound)
}
