package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/config"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/pool"
)

const defaultKeyTemplate = "{{.Year}}/{{.Month}}/{{.Day}}/{{.Hour}}/{{.Stream}}-{{.UnixNano}}.ndjson"

// s3API is the subset of the S3 client the sink uses
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// s3Line is one archived entry
type s3Line struct {
	Timestamp string            `json:"ts"`
	Line      string            `json:"line"`
	Labels    map[string]string `json:"labels"`
}

// S3Sink archives each batch as one newline-delimited JSON object
type S3Sink struct {
	bucket       string
	prefix       string
	keyTemplate  string
	storageClass string
	compressor   Compressor
	client       s3API
}

// NewS3Sink creates a sink using the default AWS credential chain
func NewS3Sink(cfg config.ClientConfig) (*S3Sink, error) {
	sc := cfg.S3
	if sc == nil || sc.Bucket == "" {
		return nil, fmt.Errorf("no bucket specified")
	}
	if sc.Region == "" {
		return nil, fmt.Errorf("no region specified")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(sc.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var opts []func(*s3.Options)
	if sc.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(sc.Endpoint)
			o.UsePathStyle = sc.UsePathStyle
		})
	}

	return newS3Sink(cfg, s3.NewFromConfig(awsCfg, opts...))
}

func newS3Sink(cfg config.ClientConfig, client s3API) (*S3Sink, error) {
	compressor, err := GetCompressor(CompressionType(cfg.Compression))
	if err != nil {
		return nil, err
	}

	keyTemplate := cfg.S3.KeyTemplate
	if keyTemplate == "" {
		keyTemplate = defaultKeyTemplate
	}

	return &S3Sink{
		bucket:       cfg.S3.Bucket,
		prefix:       cfg.S3.Prefix,
		keyTemplate:  keyTemplate,
		storageClass: cfg.S3.StorageClass,
		compressor:   compressor,
		client:       client,
	}, nil
}

// Send uploads the batch as a single object
func (s *S3Sink) Send(ctx context.Context, batch *Batch) error {
	if batch.Len() == 0 {
		return nil
	}

	buf := pool.GetByteBuffer()
	defer pool.PutByteBuffer(buf)
	enc := json.NewEncoder(buf)
	for _, e := range batch.Entries {
		if err := enc.Encode(s3Line{
			Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
			Line:      e.Line,
			Labels:    batch.Labels,
		}); err != nil {
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
	}

	data, err := s.compressor.Compress(buf.Bytes())
	if err != nil {
		return fmt.Errorf("failed to compress data: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.generateKey(batch)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/x-ndjson"),
	}
	if s.storageClass != "" {
		input.StorageClass = s3types.StorageClass(s.storageClass)
	}
	if encoding := s.compressor.Encoding(); encoding != "" {
		input.ContentEncoding = aws.String(encoding)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	return nil
}

// generateKey renders the key template for the batch's first entry
func (s *S3Sink) generateKey(batch *Batch) string {
	ts := batch.Entries[0].Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	ts = ts.UTC()

	replacements := []string{
		"{{.Year}}", fmt.Sprintf("%04d", ts.Year()),
		"{{.Month}}", fmt.Sprintf("%02d", ts.Month()),
		"{{.Day}}", fmt.Sprintf("%02d", ts.Day()),
		"{{.Hour}}", fmt.Sprintf("%02d", ts.Hour()),
		"{{.Minute}}", fmt.Sprintf("%02d", ts.Minute()),
		"{{.Timestamp}}", strconv.FormatInt(ts.Unix(), 10),
		"{{.UnixNano}}", strconv.FormatInt(ts.UnixNano(), 10),
		"{{.Stream}}", strconv.FormatUint(batch.Labels.Fingerprint(), 16),
		"{{.Tenant}}", batch.Tenant,
	}
	key := strings.NewReplacer(replacements...).Replace(s.keyTemplate)

	return s.prefix + key + s.compressor.Extension()
}

// Type returns the sink type
func (s *S3Sink) Type() string {
	return "s3"
}

// Close is a no-op
func (s *S3Sink) Close() error {
	return nil
}
