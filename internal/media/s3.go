// Package media stores inbound attachments in object storage and hands back a public URL.
package media

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/oklog/ulid/v2"
)

type Uploader interface {
	Upload(ctx context.Context, data []byte, contentType string) (url string, err error)
}

type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Uploader struct {
	Client putObjectAPI
	Bucket string
	Prefix string
	Region string
	// PublicBaseURL, when set, replaces the bucket URL in returned links (CDN or LocalStack).
	PublicBaseURL string
	Now           func() time.Time
}

func NewS3Uploader(client *s3.Client, bucket, prefix, region, publicBaseURL string) *S3Uploader {
	return &S3Uploader{Client: client, Bucket: bucket, Prefix: prefix, Region: region, PublicBaseURL: publicBaseURL}
}

func (u *S3Uploader) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	key := u.key(contentType)
	_, err := u.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return u.url(key), nil
}

func (u *S3Uploader) key(contentType string) string {
	now := time.Now
	if u.Now != nil {
		now = u.Now
	}
	prefix := u.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix + now().UTC().Format("2006/01/02") + "/" + strings.ToLower(ulid.Make().String()) + extension(contentType)
}

func (u *S3Uploader) url(key string) string {
	if u.PublicBaseURL != "" {
		return strings.TrimRight(u.PublicBaseURL, "/") + "/" + key
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", u.Bucket, u.Region, key)
}

func extension(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	}
	if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
