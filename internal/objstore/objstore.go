package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Kind classifies object store failures so callers can branch on a
// typed value instead of sniffing error message substrings.
type Kind int

const (
	KindOther Kind = iota
	KindNotFound
	KindTimeout
)

// Error wraps an underlying store failure with its classification.
type Error struct {
	Kind Kind
	Op   string
	Key  string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("objstore: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a missing-object error.
func IsNotFound(err error) bool {
	var oe *Error
	return errors.As(err, &oe) && oe.Kind == KindNotFound
}

// IsTimeout reports whether err is a timeout/cancellation error.
func IsTimeout(err error) bool {
	var oe *Error
	return errors.As(err, &oe) && oe.Kind == KindTimeout
}

// ObjectInfo describes one listed object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Store is the capability interface the pipeline requires from an
// object store. Implemented by S3Store for production and MemStore for
// tests and local development.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// Multipart is the optional large-object upload capability.
type Multipart interface {
	CreateMultipart(ctx context.Context, key, contentType string) (uploadID string, err error)
	UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body []byte) (etag string, err error)
	CompleteMultipart(ctx context.Context, key, uploadID string, etags []string) error
	AbortMultipart(ctx context.Context, key, uploadID string) error
}

// MinPartSize is the smallest part S3 accepts for any part but the last.
const MinPartSize = 5 * 1024 * 1024

// UploadLarge streams r into key using multipart parts of partSize
// bytes, aborting the upload on any failure.
func UploadLarge(ctx context.Context, m Multipart, key string, r io.Reader, partSize int64, contentType string) error {
	if partSize < MinPartSize {
		partSize = MinPartSize
	}
	uploadID, err := m.CreateMultipart(ctx, key, contentType)
	if err != nil {
		return err
	}

	var etags []string
	buf := make([]byte, partSize)
	part := int32(1)
	for {
		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			etag, err := m.UploadPart(ctx, key, uploadID, part, buf[:n])
			if err != nil {
				_ = m.AbortMultipart(ctx, key, uploadID)
				return err
			}
			etags = append(etags, etag)
			part++
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			_ = m.AbortMultipart(ctx, key, uploadID)
			return fmt.Errorf("read upload body: %w", readErr)
		}
	}

	if len(etags) == 0 {
		_ = m.AbortMultipart(ctx, key, uploadID)
		return errors.New("objstore: empty multipart upload")
	}
	return m.CompleteMultipart(ctx, key, uploadID, etags)
}
