package upload

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/netmonhq/netmon-go/pkg/record"
)

// PutObjectAPI is the subset of the S3 client used by S3Transport.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Transport writes each page as one gzip JSON lines object.
type S3Transport struct {
	Client PutObjectAPI
	Bucket string
	Prefix string
	// Timeout bounds a single PutObject call. Zero means no extra bound.
	Timeout time.Duration
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// ParseS3Endpoint splits "s3://bucket/prefix" into its parts.
func ParseS3Endpoint(endpoint string) (bucket, prefix string, ok bool) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme != "s3" || u.Host == "" {
		return "", "", false
	}
	return u.Host, strings.Trim(u.Path, "/"), true
}

// NewS3Transport builds a transport for an "s3://bucket/prefix" endpoint
// using the default AWS credential chain.
func NewS3Transport(ctx context.Context, endpoint, region string) (*S3Transport, error) {
	bucket, prefix, ok := ParseS3Endpoint(endpoint)
	if !ok {
		return nil, fmt.Errorf("netmon: invalid S3 endpoint %q", endpoint)
	}
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("netmon: loading AWS config: %w", err)
	}
	return &S3Transport{
		Client:  s3.NewFromConfig(cfg),
		Bucket:  bucket,
		Prefix:  prefix,
		Timeout: 30 * time.Second,
	}, nil
}

// Key returns the object key for a batch written at now.
func (t *S3Transport) Key(now time.Time, batchID string) string {
	now = now.UTC()
	name := fmt.Sprintf("%d_%s.jsonl.gz", now.UnixMilli(), batchID)
	return path.Join(t.Prefix, now.Format("2006/01/02"), name)
}

func (t *S3Transport) UploadBatch(ctx context.Context, batch []*record.Exchange) error {
	data, err := EncodeJSONLGzip(batch)
	if err != nil {
		return fmt.Errorf("netmon: encoding batch: %w", err)
	}

	clock := t.Clock
	if clock == nil {
		clock = time.Now
	}
	key := t.Key(clock(), uuid.NewString())

	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}
	_, err = t.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(t.Bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(data),
		ContentLength:   aws.Int64(int64(len(data))),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		return fmt.Errorf("netmon: put s3://%s/%s: %w", t.Bucket, key, err)
	}
	return nil
}
