package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/oszuidwest/zwfm-tabboost/internal/util"
)

// S3Config addresses an S3-compatible bucket.
type S3Config struct {
	Endpoint        string `json:"endpoint,omitempty"`
	Bucket          string `json:"bucket"`
	Prefix          string `json:"prefix,omitempty"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
}

// IsConfigured reports whether the bucket and credentials are set.
func (c *S3Config) IsConfigured() bool {
	return c.Bucket != "" && c.AccessKeyID != "" && c.SecretAccessKey != ""
}

// objectAPI is the part of *s3.Client the store uses.
type objectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store keeps each key as the object <prefix><key>.json.
type S3Store struct {
	client objectAPI
	bucket string
	prefix string
}

// NewS3Store returns a store for the bucket in cfg.
func NewS3Store(cfg *S3Config) *S3Store {
	return &S3Store{client: newS3Client(cfg), bucket: cfg.Bucket, prefix: cfg.Prefix}
}

// newS3Client creates an S3 client with static credentials. A custom
// endpoint switches to path-style addressing for S3-compatible services.
func newS3Client(cfg *S3Config) *s3.Client {
	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")

	options := []func(*s3.Options){
		func(o *s3.Options) {
			o.Credentials = creds
			o.Region = "auto"
		},
	}
	if cfg.Endpoint != "" {
		options = append(options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}
	return s3.New(s3.Options{}, options...)
}

func (s *S3Store) objectKey(key string) string {
	return s.prefix + key + ".json"
}

// Get implements Store.
func (s *S3Store) Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		obj, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.objectKey(k)),
		})
		if err != nil {
			var missing *s3types.NoSuchKey
			if errors.As(err, &missing) {
				continue
			}
			return nil, util.WrapError("get "+k, err)
		}
		data, err := io.ReadAll(obj.Body)
		_ = obj.Body.Close()
		if err != nil {
			return nil, util.WrapError("read "+k, err)
		}
		if !json.Valid(data) {
			return nil, util.WrapError("parse "+k, errors.New("object is not valid JSON"))
		}
		out[k] = data
	}
	return out, nil
}

// Set implements Store. Keys are written one object at a time.
func (s *S3Store) Set(ctx context.Context, items map[string]any) error {
	encoded, err := encodeItems(items)
	if err != nil {
		return err
	}
	for k, data := range encoded {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(s.objectKey(k)),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
			ContentType:   aws.String("application/json"),
		})
		if err != nil {
			return util.WrapError("put "+k, err)
		}
	}
	return nil
}
