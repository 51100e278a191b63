package recording

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Client abstracts the S3 API operations used by [Store].
// The [s3.Client] type satisfies this interface.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Store uploads finished call recordings to S3 or any S3-compatible
// object store and resolves their public URLs.
type Store struct {
	client  S3Client
	bucket  string
	prefix  string
	baseURL string
}

// NewStore creates an S3-backed recording store. The client should be
// pre-configured with credentials, region, and endpoint. BaseURL is the
// externally reachable root under which keys resolve.
func NewStore(client S3Client, bucket, prefix, baseURL string) *Store {
	return &Store{
		client:  client,
		bucket:  bucket,
		prefix:  prefix,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

func (s *Store) key(callID string) string {
	name := callID + ".wav"
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

// URL resolves the public location of a call's recording.
func (s *Store) URL(callID string) string {
	return s.baseURL + "/" + s.key(callID)
}

// Upload stores one finished recording and returns its public URL.
func (s *Store) Upload(ctx context.Context, callID string, wav []byte) (string, error) {
	key := s.key(callID)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(wav),
		ContentType:   aws.String("audio/wav"),
		ContentLength: aws.Int64(int64(len(wav))),
	})
	if err != nil {
		return "", fmt.Errorf("upload recording %s: %w", key, err)
	}
	return s.URL(callID), nil
}

// Delete removes a call's recording, for retention enforcement.
func (s *Store) Delete(ctx context.Context, callID string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(callID)),
	})
	if err != nil {
		return fmt.Errorf("delete recording %s: %w", s.key(callID), err)
	}
	return nil
}
