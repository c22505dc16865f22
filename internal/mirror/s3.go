package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/l0p7/sheetsync/internal/source"
)

const updatedAtMetaKey = "updated_at"

// S3API is the subset of *s3.Client the mirror uses.
type S3API interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	// MaxAge drops snapshots older than this on load. Zero keeps them.
	MaxAge time.Duration
}

// NewS3Client builds an S3 client. Static credentials are used when both keys
// are set, otherwise the default AWS credential chain applies. A custom
// endpoint switches to path-style addressing for MinIO and similar stores.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("mirror: load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.UsePathStyle = true
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

type s3Mirror struct {
	bucket   string
	client   S3API
	uploader *manager.Uploader
	keyspace *Keyspace
	maxAge   time.Duration
}

// NewS3 stores snapshots as JSON objects in bucket.
func NewS3(cfg S3Config, client S3API, keyspace *Keyspace) (Mirror, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("mirror: s3 bucket required")
	}
	if client == nil {
		return nil, errors.New("mirror: s3 client required")
	}
	if keyspace == nil {
		return nil, errors.New("mirror: keyspace required")
	}
	return &s3Mirror{
		bucket:   cfg.Bucket,
		client:   client,
		uploader: manager.NewUploader(client),
		keyspace: keyspace,
		maxAge:   cfg.MaxAge,
	}, nil
}

func (m *s3Mirror) Load(ctx context.Context, key source.CacheKey) (Snapshot, bool, error) {
	name, err := m.keyspace.Key(key)
	if err != nil {
		return Snapshot{}, false, err
	}
	out, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		if isNotFound(err) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("mirror: s3 get %s: %w", name, err)
	}
	defer out.Body.Close()

	if updated := parseUpdatedAt(out.Metadata); !updated.IsZero() && m.maxAge > 0 && time.Since(updated) > m.maxAge {
		return Snapshot{}, false, nil
	}
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("mirror: s3 read %s: %w", name, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("mirror: s3 unmarshal %s: %w", name, err)
	}
	if snap.Key != key {
		return Snapshot{}, false, fmt.Errorf("mirror: s3 object %s holds snapshot for %s", name, snap.Key)
	}
	if expired(snap, m.maxAge) {
		return Snapshot{}, false, nil
	}
	return snap, true, nil
}

func (m *s3Mirror) Save(ctx context.Context, snap Snapshot) error {
	if snap.FetchedAt.IsZero() {
		return errors.New("mirror: snapshot fetch time required")
	}
	name, err := m.keyspace.Key(snap.Key)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("mirror: s3 marshal: %w", err)
	}
	_, err = m.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(name),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			updatedAtMetaKey: strconv.FormatInt(snap.FetchedAt.Unix(), 10),
		},
	})
	if err != nil {
		return fmt.Errorf("mirror: s3 upload %s: %w", name, err)
	}
	return nil
}

func (m *s3Mirror) Close(context.Context) error { return nil }

func parseUpdatedAt(meta map[string]string) time.Time {
	val, ok := meta[updatedAtMetaKey]
	if !ok {
		return time.Time{}
	}
	unix, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(unix, 0)
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	return errors.As(err, &nsk)
}
