package mediastore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const defaultLinkExpiry = 15 * time.Minute

// s3API is the minimal S3 interface required by Client. *s3.Client
// satisfies it.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Presigner creates time-limited fetch links for stored objects. The
// cmd wiring adapts *s3.PresignClient to this interface.
type Presigner interface {
	PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (string, error)
}

// Client stores synthesized audio artifacts in an S3 bucket and hands
// back a link the messaging gateway can deliver.
type Client struct {
	api        s3API
	presigner  Presigner
	bucketName string
	keyPrefix  string
	linkExpiry time.Duration
}

func New(api s3API, presigner Presigner, bucketName, keyPrefix string) (*Client, error) {
	if api == nil {
		return nil, errors.New("mediastore: api must not be nil")
	}
	if presigner == nil {
		return nil, errors.New("mediastore: presigner must not be nil")
	}
	if strings.TrimSpace(bucketName) == "" {
		return nil, errors.New("mediastore: bucket name must not be empty")
	}
	return &Client{
		api:        api,
		presigner:  presigner,
		bucketName: bucketName,
		keyPrefix:  strings.Trim(keyPrefix, "/"),
		linkExpiry: defaultLinkExpiry,
	}, nil
}

// Store uploads the artifact and returns a presigned link to it.
func (c *Client) Store(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("mediastore: key must not be empty")
	}
	if len(body) == 0 {
		return "", errors.New("mediastore: body must not be empty")
	}

	objectKey := key
	if c.keyPrefix != "" {
		objectKey = c.keyPrefix + "/" + key
	}

	_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucketName),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("mediastore: put object %q: %w", objectKey, err)
	}

	link, err := c.presigner.PresignGet(ctx, c.bucketName, objectKey, c.linkExpiry)
	if err != nil {
		return "", fmt.Errorf("mediastore: presign %q: %w", objectKey, err)
	}
	return link, nil
}
