package integrations

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"regpay/backend/internal/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ArchiveClient stores raw gateway notification bodies for audit and
// replay. Archival is best-effort: the webhook path never fails on it.
type ArchiveClient struct {
	bucket string
	client *s3.Client
}

// NewArchive creates the notification archive client.
func NewArchive(cfg config.S3Config) (*ArchiveClient, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3_BUCKET is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	options := s3.Options{
		Region:       region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if endpoint := normalizeEndpoint(cfg.Endpoint, cfg.UseSSL); endpoint != "" {
		options.BaseEndpoint = aws.String(endpoint)
	}

	return &ArchiveClient{
		bucket: cfg.Bucket,
		client: s3.New(options),
	}, nil
}

// ArchiveNotification writes a raw webhook body under a timestamped key.
func (a *ArchiveClient) ArchiveNotification(ctx context.Context, regID string, body []byte) (string, error) {
	key := buildNotificationKey(regID)
	input := &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/octet-stream"),
	}
	if _, err := a.client.PutObject(ctx, input); err != nil {
		return "", err
	}
	return key, nil
}

// buildNotificationKey builds notification key.
func buildNotificationKey(regID string) string {
	regID = strings.TrimSpace(regID)
	if regID == "" {
		regID = "unknown"
	}
	safe := url.PathEscape(regID)
	return fmt.Sprintf("notifications/%s/%d", safe, time.Now().UnixNano())
}

// normalizeEndpoint normalizes endpoint.
func normalizeEndpoint(endpoint string, useSSL bool) string {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return ""
	}
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return strings.TrimRight(endpoint, "/")
	}
	scheme := "https"
	if !useSSL {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s", scheme, strings.TrimRight(endpoint, "/"))
}
