package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
)

const defaultSignedURLTTL = 15 * time.Minute

// GCSReceiptStore writes receipts to a Cloud Storage bucket whose objects are publicly
// readable, returning their public URL.
type GCSReceiptStore struct {
	client      *gcs.Client
	bucket      string
	signer      Signer
	signerEmail string
	now         func() time.Time
}

// GCSOption customises a GCSReceiptStore.
type GCSOption func(*GCSReceiptStore)

// WithSigner signs download URLs locally with a service account key.
func WithSigner(signer Signer) GCSOption {
	return func(s *GCSReceiptStore) { s.signer = signer }
}

// WithSignerEmail signs download URLs through the IAM credentials API as this account.
func WithSignerEmail(email string) GCSOption {
	return func(s *GCSReceiptStore) { s.signerEmail = strings.TrimSpace(email) }
}

func WithClock(now func() time.Time) GCSOption {
	return func(s *GCSReceiptStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewGCSReceiptStore builds a store for bucket.
func NewGCSReceiptStore(client *gcs.Client, bucket string, opts ...GCSOption) (*GCSReceiptStore, error) {
	if client == nil {
		return nil, errors.New("storage: client is required")
	}
	if bucket = strings.TrimSpace(bucket); bucket == "" {
		return nil, errors.New("storage: bucket name is required")
	}
	store := &GCSReceiptStore{client: client, bucket: bucket, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

// Put uploads body in a single request, replacing any object with the same key.
func (s *GCSReceiptStore) Put(ctx context.Context, key, contentType string, body io.Reader) (string, error) {
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "public, max-age=3600"
	w.ChunkSize = 0
	if _, err := io.Copy(w, body); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("storage: upload %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("storage: upload %s: %w", key, err)
	}
	return PublicObjectURL(s.bucket, key), nil
}

// Delete removes key. A missing object is not an error.
func (s *GCSReceiptStore) Delete(ctx context.Context, key string) error {
	err := s.client.Bucket(s.bucket).Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("storage: delete %s: %w", key, err)
	}
	return nil
}

// SignedURL returns a time-limited GET URL for staff to view a receipt.
func (s *GCSReceiptStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = defaultSignedURLTTL
	}
	expires := s.now().Add(ttl)
	opts := &gcs.SignedURLOptions{
		Method:  http.MethodGet,
		Expires: expires,
		Scheme:  gcs.SigningSchemeV4,
	}
	var (
		signed string
		err    error
	)
	if s.signer != nil {
		opts.GoogleAccessID = s.signer.Email()
		opts.SignBytes = func(payload []byte) ([]byte, error) { return s.signer.SignBytes(ctx, payload) }
		signed, err = gcs.SignedURL(s.bucket, key, opts)
	} else {
		opts.GoogleAccessID = s.signerEmail
		signed, err = s.client.Bucket(s.bucket).SignedURL(key, opts)
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("storage: sign url for %s: %w", key, err)
	}
	return signed, expires, nil
}

// Check verifies the bucket is reachable.
func (s *GCSReceiptStore) Check(ctx context.Context) error {
	if _, err := s.client.Bucket(s.bucket).Attrs(ctx); err != nil {
		return fmt.Errorf("storage: bucket %s: %w", s.bucket, err)
	}
	return nil
}
