package store

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectURL returns the canonical public URL for a bucket key. This URL
// form is what work orders and events record.
func (s *Store) ObjectURL(key string) string {
	return "https://" + s.bucket + "/" + key
}

// ObjectKeyFromURL inverts ObjectURL; unrecognized URLs are returned
// unchanged so plain keys pass through.
func (s *Store) ObjectKeyFromURL(url string) string {
	return strings.TrimPrefix(url, "https://"+s.bucket+"/")
}

// GetObjectContent fetches a rendered campaign body from the HTML
// bucket.
func (s *Store) GetObjectContent(ctx context.Context, key string) (string, error) {
	out, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: strPtr(s.bucket),
		Key:    strPtr(key),
	})
	if err != nil {
		return "", unavailable("getting object "+key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return "", unavailable("reading object "+key, err)
	}
	return string(data), nil
}

// PutHTMLObject stores a rendered campaign body.
func (s *Store) PutHTMLObject(ctx context.Context, key, html string) error {
	_, err := s.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      strPtr(s.bucket),
		Key:         strPtr(key),
		Body:        bytes.NewReader([]byte(html)),
		ContentType: strPtr("text/html; charset=utf-8"),
	})
	if err != nil {
		return unavailable("putting object "+key, err)
	}
	return nil
}
