// Package blobstore hands out presigned URLs for recording uploads and
// downloads. The relay never proxies recording bytes; devices and controllers
// talk to the object store directly.
package blobstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// Presigner issues time-limited URLs for direct blob access.
type Presigner interface {
	// PresignUpload returns a PUT URL and the object key it will create.
	PresignUpload(ctx context.Context, deviceID, recordingType, contentType string) (url, objectKey string, err error)
	// PresignDownload returns a GET URL for an existing object.
	PresignDownload(ctx context.Context, objectKey string) (string, error)
}

// S3 presigns against any S3-compatible endpoint, including R2.
type S3 struct {
	presign *s3.PresignClient
	bucket  string
	urlTTL  time.Duration
	now     func() time.Time
}

type Options struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	URLTTL    time.Duration
}

func NewS3(ctx context.Context, opts Options) (*S3, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(opts.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("blobstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = &opts.Endpoint
		}
		o.UsePathStyle = true
	})

	return &S3{
		presign: s3.NewPresignClient(client),
		bucket:  opts.Bucket,
		urlTTL:  opts.URLTTL,
		now:     time.Now,
	}, nil
}

// ObjectKey builds the canonical key for a new recording: one prefix per
// device, date-bucketed, collision-free.
func ObjectKey(deviceID, recordingType string, now time.Time) string {
	return fmt.Sprintf("recordings/%s/%s/%s-%s",
		deviceID, now.UTC().Format("2006-01-02"), recordingType, uuid.NewString())
}

func (p *S3) PresignUpload(ctx context.Context, deviceID, recordingType, contentType string) (string, string, error) {
	key := ObjectKey(deviceID, recordingType, p.now())

	req, err := p.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      &p.bucket,
		Key:         &key,
		ContentType: &contentType,
	}, s3.WithPresignExpires(p.urlTTL))
	if err != nil {
		return "", "", fmt.Errorf("blobstore: presign upload: %w", err)
	}
	return req.URL, key, nil
}

func (p *S3) PresignDownload(ctx context.Context, objectKey string) (string, error) {
	if strings.TrimSpace(objectKey) == "" {
		return "", fmt.Errorf("blobstore: empty object key")
	}

	req, err := p.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &p.bucket,
		Key:    &objectKey,
	}, s3.WithPresignExpires(p.urlTTL))
	if err != nil {
		return "", fmt.Errorf("blobstore: presign download: %w", err)
	}
	return req.URL, nil
}
