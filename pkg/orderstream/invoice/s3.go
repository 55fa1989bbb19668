package invoice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the part of the S3 client the store uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Presigner signs direct-to-bucket uploads.
type S3Presigner interface {
	PresignPutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Config configures S3Objects.
type S3Config struct {
	Bucket string

	// Prefix is prepended to every key, e.g. "imports/".
	Prefix string

	// Now stamps presigned URL expiry. Default: time.Now
	Now func() time.Time
}

// S3Objects stores invoice uploads in an S3 bucket. Presigned URLs point at
// the bucket, so the import is triggered by the bucket's ObjectCreated
// notification rather than by the upload route.
type S3Objects struct {
	cfg     S3Config
	client  S3API
	presign S3Presigner
}

// NewS3Objects returns a store over an S3 client built from awsCfg.
func NewS3Objects(awsCfg aws.Config, cfg S3Config) (*S3Objects, error) {
	client := s3.NewFromConfig(awsCfg)
	return NewS3ObjectsWithClient(client, s3.NewPresignClient(client), cfg)
}

// NewS3ObjectsWithClient returns a store over client and presign.
func NewS3ObjectsWithClient(client S3API, presign S3Presigner, cfg S3Config) (*S3Objects, error) {
	switch {
	case client == nil:
		return nil, errors.New("s3 objects require a client")
	case presign == nil:
		return nil, errors.New("s3 objects require a presigner")
	case cfg.Bucket == "":
		return nil, errors.New("s3 objects require a bucket")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &S3Objects{cfg: cfg, client: client, presign: presign}, nil
}

type s3Notification struct {
	Records []struct {
		EventName string `json:"eventName"`
		S3        struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key string `json:"key"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// ObjectsCreated decodes a bucket event notification into the uploads it
// reports. Records for other buckets, other prefixes or other event types
// are skipped.
func (o *S3Objects) ObjectsCreated(body []byte) ([]ObjectCreated, error) {
	var n s3Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("decode bucket notification: %w", err)
	}
	var out []ObjectCreated
	for _, rec := range n.Records {
		if !strings.HasPrefix(rec.EventName, "ObjectCreated:") || rec.S3.Bucket.Name != o.cfg.Bucket {
			continue
		}
		raw, err := url.QueryUnescape(rec.S3.Object.Key)
		if err != nil {
			return nil, fmt.Errorf("decode object key %q: %w", rec.S3.Object.Key, err)
		}
		key, ok := strings.CutPrefix(raw, o.cfg.Prefix)
		if !ok {
			continue
		}
		out = append(out, ObjectCreated{Key: key})
	}
	return out, nil
}

func (o *S3Objects) objectKey(key string) *string {
	return aws.String(o.cfg.Prefix + key)
}

// Put implements Objects.
func (o *S3Objects) Put(ctx context.Context, key string, data []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	_, err := o.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(o.cfg.Bucket),
		Key:    o.objectKey(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Get implements Objects.
func (o *S3Objects) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	out, err := o.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.cfg.Bucket),
		Key:    o.objectKey(key),
	})
	var missing *types.NoSuchKey
	if errors.As(err, &missing) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Delete implements Objects. S3 treats deleting a missing key as success.
func (o *S3Objects) Delete(ctx context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	_, err := o.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(o.cfg.Bucket),
		Key:    o.objectKey(key),
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// PresignPut implements Objects.
func (o *S3Objects) PresignPut(ctx context.Context, key string, ttl time.Duration) (string, time.Time, error) {
	if err := validKey(key); err != nil {
		return "", time.Time{}, err
	}
	exp := o.cfg.Now().Add(ttl).Truncate(time.Second)
	req, err := o.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(o.cfg.Bucket),
		Key:    o.objectKey(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, exp, nil
}

var _ Objects = (*S3Objects)(nil)
