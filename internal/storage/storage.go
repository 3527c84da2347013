package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"
)

type Uploader interface {
	Upload(ctx context.Context, objectName string, contentType string, r io.Reader) (storedKey string, err error)
}

const (
	uploadRetries   = 2
	uploadBaseDelay = 2 * time.Second
)

// UploadWithRetry retries failed uploads with exponential backoff (2s, 4s)
// and reports how many retries it spent. Context cancellation is terminal
// and is never retried. The payload is buffered once so each attempt reads
// from the start.
func UploadWithRetry(ctx context.Context, u Uploader, objectName, contentType string, data []byte) (key string, retries int, err error) {
	var lastErr error
	for attempt := 0; attempt <= uploadRetries; attempt++ {
		if attempt > 0 {
			delay := uploadBaseDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				return "", attempt - 1, ctx.Err()
			case <-time.After(delay):
			}
		}

		key, err := u.Upload(ctx, objectName, contentType, bytes.NewReader(data))
		if err == nil {
			return key, attempt, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", attempt, err
		}
		lastErr = err
	}
	return "", uploadRetries, lastErr
}
