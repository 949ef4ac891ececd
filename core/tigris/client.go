package tigris

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/jasonchiu/dvirmail/core/config"
	"github.com/jasonchiu/dvirmail/feature/export"
)

var ErrObjectNotFound = errors.New("object not found")

// Client stores export files in one bucket.
type Client struct {
	s3     *s3.Client
	bucket string
}

var _ export.ObjectStore = (*Client)(nil)

type Options struct {
	Bucket    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

func New(opts Options) (*Client, error) {
	if opts.AccessKey == "" || opts.SecretKey == "" {
		return nil, errors.New("missing Tigris credentials (set TIGRIS_ACCESS_KEY and TIGRIS_SECRET_KEY)")
	}
	if opts.Endpoint == "" {
		return nil, errors.New("missing Tigris endpoint (set TIGRIS_ENDPOINT or [export] endpoint)")
	}
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, errors.New("export bucket is required")
	}
	if opts.Region == "" {
		opts.Region = "auto"
	}
	cfg := aws.Config{
		Region: opts.Region,
		Credentials: aws.NewCredentialsCache(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		),
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String(opts.Endpoint)
	})
	return &Client{s3: client, bucket: strings.TrimSpace(opts.Bucket)}, nil
}

// NewFromExport combines the [export] section with TIGRIS_* credentials. The
// environment endpoint wins over the project file.
func NewFromExport(exp config.ExportConfig) (*Client, error) {
	creds, err := config.LoadObjectStoreCredentials()
	if err != nil {
		return nil, err
	}
	endpoint := creds.Endpoint
	if endpoint == "" {
		endpoint = strings.TrimSpace(exp.Endpoint)
	}
	return New(Options{
		Bucket:    exp.Bucket,
		Endpoint:  endpoint,
		Region:    creds.Region,
		AccessKey: creds.AccessKey,
		SecretKey: creds.SecretKey,
	})
}

func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (c *Client) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	return err
}

func (c *Client) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	p := s3.NewListObjectsV2Paginator(c.s3, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})
	keys := []string{}
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Contents {
			if k := aws.ToString(item.Key); k != "" {
				keys = append(keys, k)
			}
		}
	}
	return keys, nil
}

func isNotFound(err error) bool {
	var noSuchKey *s3types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch strings.TrimSpace(apiErr.ErrorCode()) {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	return false
}
