package fetch

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Client fetches MRF payloads published as s3:// URLs, which some payers
// hand out instead of signed HTTPS links.
type S3Client struct {
	client *s3.Client
}

// NewS3Client builds a client from the default AWS credential chain.
func NewS3Client(ctx context.Context, region string) (*S3Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &S3Client{client: s3.NewFromConfig(cfg)}, nil
}

// Download streams the object behind an s3://bucket/key URL into w.
func (c *S3Client) Download(ctx context.Context, rawURL string, w io.Writer) (int64, error) {
	bucket, key, err := splitS3URL(rawURL)
	if err != nil {
		return 0, err
	}

	resp, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, fmt.Errorf("getting S3 object %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("reading S3 object %s: %w", rawURL, err)
	}
	return n, nil
}

func splitS3URL(rawURL string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(rawURL, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 URL: %s", rawURL)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed s3 URL: %s", rawURL)
	}
	return bucket, key, nil
}
