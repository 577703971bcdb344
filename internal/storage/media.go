// Package storage archives media sent through the WhatsApp bridge in S3.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/rs/zerolog/log"
)

// Options configures the S3 connection
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	BaseURL   string
}

// MediaStorage uploads outbound media files to a bucket
type MediaStorage struct {
	client  s3iface.S3API
	bucket  string
	baseURL string
}

// NewMediaStorage creates an S3 backed media storage
func NewMediaStorage(opts Options) (*MediaStorage, error) {
	if opts.Bucket == "" {
		return nil, errors.New("S3 bucket is required")
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}

	cfg := &aws.Config{Region: aws.String(opts.Region)}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(opts.AccessKey, opts.SecretKey, "")
	}
	if opts.Endpoint != "" {
		cfg.Endpoint = aws.String(opts.Endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
		cfg.DisableSSL = aws.Bool(strings.HasPrefix(opts.Endpoint, "http://"))
	}

	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	baseURL := opts.BaseURL
	if baseURL == "" {
		if opts.Endpoint != "" {
			baseURL = fmt.Sprintf("%s/%s", strings.TrimRight(opts.Endpoint, "/"), opts.Bucket)
		} else {
			baseURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", opts.Bucket, opts.Region)
		}
	}

	return NewMediaStorageFromClient(s3.New(sess), opts.Bucket, baseURL), nil
}

// NewMediaStorageFromClient wraps an existing S3 client
func NewMediaStorageFromClient(client s3iface.S3API, bucket, baseURL string) *MediaStorage {
	return &MediaStorage{
		client:  client,
		bucket:  bucket,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Upload stores body under tenant/media/<messageID><ext> and returns its public URL.
// body is rewound to its start before returning.
func (s *MediaStorage) Upload(ctx context.Context, tenantID, messageID, filename string, body io.ReadSeeker) (string, error) {
	contentType, err := detectContentType(body)
	if err != nil {
		return "", err
	}

	ext := filepath.Ext(filename)
	if ext == "" {
		ext = ".bin"
	}
	key := fmt.Sprintf("%s/media/%s%s", tenantID, messageID, ext)

	_, err = s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("failed to rewind media: %w", err)
	}

	url := s.baseURL + "/" + key
	log.Debug().Str("tenant_id", tenantID).Str("message_id", messageID).Str("url", url).Msg("Media archived")
	return url, nil
}

func detectContentType(body io.ReadSeeker) (string, error) {
	buffer := make([]byte, 512)
	n, err := body.Read(buffer)
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read media for content type detection: %w", err)
	}
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("failed to rewind media: %w", err)
	}
	return http.DetectContentType(buffer[:n]), nil
}
