package storage

import (
	"context"
	"errors"
	"testing"
)

func TestS3Storage_RetryWithBackoff(t *testing.T) {
	s := NewS3StorageWithClient(nil, "bucket", S3Config{})
	s.maxRetries = 2

	calls := 0
	err := s.retryWithBackoff(context.Background(), func() error {
		calls++
		if calls < 2 {
			return errors.New("throttled")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestS3Storage_RetryStopsOnNotFound(t *testing.T) {
	s := NewS3StorageWithClient(nil, "bucket", S3Config{})

	calls := 0
	err := s.retryWithBackoff(context.Background(), func() error {
		calls++
		return ErrObjectNotFound
	})
	if !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
	if calls != 1 {
		t.Errorf("not-found must not be retried, got %d calls", calls)
	}
}

func TestS3Storage_RetryHonorsContext(t *testing.T) {
	s := NewS3StorageWithClient(nil, "bucket", S3Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.retryWithBackoff(ctx, func() error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestS3Storage_DefaultPartSize(t *testing.T) {
	s := NewS3StorageWithClient(nil, "bucket", S3Config{})
	if s.config.MultipartConfig.PartSize != DefaultMultipartConfig().PartSize {
		t.Errorf("expected default part size, got %d", s.config.MultipartConfig.PartSize)
	}
	if _, err := NewS3Storage(context.Background(), "", DefaultS3Config()); err == nil {
		t.Error("expected missing bucket to be rejected")
	}
}
