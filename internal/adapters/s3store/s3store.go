// Package s3store implements object.Store (C1, §4.1) over S3-compatible
// object storage using aws-sdk-go-v2, the presign/head/copy/delete idiom the
// upload coordinator's two-phase protocol needs.
package s3store

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sony/gobreaker"

	"github.com/blacklake-io/blacklake/internal/domain/object"
	"github.com/blacklake-io/blacklake/internal/platform/errkind"
	"github.com/blacklake-io/blacklake/internal/platform/log"
)

// Store wraps an S3 client plus a presign client, trip-breaking outbound
// calls the same way the teacher wraps flaky downstream dependencies —
// object storage availability directly gates the upload coordinator's
// finalize path, so a string of backend errors should fail fast instead of
// piling up latency.
type Store struct {
	client   *s3.Client
	presign  *s3.PresignClient
	bucket   string
	breaker  *gobreaker.CircuitBreaker
	log      log.Logger
}

type Config struct {
	Bucket          string
	BreakerName     string
	BreakerMaxFails uint32
}

func New(client *s3.Client, cfg Config, logger log.Logger) *Store {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.BreakerName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerMaxFails
		},
	})

	return &Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		breaker: breaker,
		log:     logger,
	}
}

func (s *Store) PresignPut(ctx context.Context, key string, size int64, contentType string, expiry time.Duration) (string, error) {
	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", errkind.Wrap(errkind.BackendUnavailable, err, "presign put")
	}

	return req.URL, nil
}

func (s *Store) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", errkind.Wrap(errkind.BackendUnavailable, err, "presign get")
	}

	return req.URL, nil
}

func (s *Store) Head(ctx context.Context, key string) (object.HeadResult, error) {
	out, err := s.breaker.Execute(func() (any, error) {
		return s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
	})
	if err != nil {
		var notFound *types.NotFound

		if errors.As(err, &notFound) {
			return object.HeadResult{Exists: false}, nil
		}

		return object.HeadResult{}, errkind.Wrap(errkind.BackendUnavailable, err, "head object")
	}

	head := out.(*s3.HeadObjectOutput)

	result := object.HeadResult{Exists: true}
	if head.ContentLength != nil {
		result.Size = *head.ContentLength
	}

	if head.ETag != nil {
		result.ETag = *head.ETag
	}

	return result, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.breaker.Execute(func() (any, error) {
		return s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
	})
	if err != nil {
		return errkind.Wrap(errkind.BackendUnavailable, err, "delete object")
	}

	return nil
}

// Fetch opens a streaming read of key's content, satisfying
// internal/services/export.BlobFetcher for archive assembly.
func (s *Store) Fetch(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.breaker.Execute(func() (any, error) {
		return s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
	})
	if err != nil {
		return nil, errkind.Wrap(errkind.BackendUnavailable, err, "get object")
	}

	return out.(*s3.GetObjectOutput).Body, nil
}

// CopyThenDelete rebinds a staging key to its content-addressed destination
// key, the server-side move the finalize step uses instead of a
// download/re-upload round trip.
func (s *Store) CopyThenDelete(ctx context.Context, srcKey, dstKey string) error {
	_, err := s.breaker.Execute(func() (any, error) {
		return s.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(s.bucket),
			Key:        aws.String(dstKey),
			CopySource: aws.String(s.bucket + "/" + srcKey),
		})
	})
	if err != nil {
		return errkind.Wrap(errkind.BackendUnavailable, err, "copy object")
	}

	if err := s.Delete(ctx, srcKey); err != nil {
		s.log.Warn("failed to remove staging key after copy", "key", srcKey, "error", err)
	}

	return nil
}
