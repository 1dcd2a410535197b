// Package staging moves tile payloads and inference results through an S3-style
// object store with bounded, exponential retries.
package staging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"path"
	"strings"
	"time"
)

// ObjectClient is the object-store backend. Implementations report a missing
// object with ErrMissingKey and unrecoverable failures with ErrPermanent; any other
// error is treated as transient.
type ObjectClient interface {
	PutObject(ctx context.Context, bucket, key string, data []byte, contentType string) error
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
	RemoveObject(ctx context.Context, bucket, key string) error
	StatObject(ctx context.Context, bucket, key string) error
}

// Options configures a Store.
type Options struct {
	Bucket string
	Prefix string
	// MaxRetries is the number of attempts for transient errors.
	MaxRetries int
	// RetryBase is the first retry delay; each later retry doubles it.
	RetryBase time.Duration
	// MissingKeyRetries is the number of extra attempts granted to ErrMissingKey.
	MissingKeyRetries int
}

// Store is the staging store. URIs have the form s3://bucket/key.
type Store struct {
	client ObjectClient
	opts   Options
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithSleep replaces the wait between retries.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Store) { s.sleep = fn }
}

func New(client ObjectClient, opts Options, options ...Option) *Store {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	if opts.MissingKeyRetries < 0 {
		opts.MissingKeyRetries = 0
	}
	s := &Store{
		client: client,
		opts:   opts,
		logger: slog.Default(),
		sleep:  sleepContext,
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Key joins parts under the configured prefix.
func (s *Store) Key(parts ...string) string {
	return path.Join(append([]string{s.opts.Prefix}, parts...)...)
}

// URI returns the staging URI of key in the configured bucket.
func (s *Store) URI(key string) string {
	return "s3://" + s.opts.Bucket + "/" + key
}

// ParseURI splits an s3://bucket/key URI.
func ParseURI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}
	return bucket, key, nil
}

// Upload stores data under key in the staging bucket and returns its URI.
func (s *Store) Upload(ctx context.Context, data []byte, key string) (string, error) {
	uri := s.URI(key)
	if err := s.UploadURI(ctx, data, uri); err != nil {
		return "", err
	}
	return uri, nil
}

// UploadURI stores data at an explicit s3:// URI, which may name another bucket.
func (s *Store) UploadURI(ctx context.Context, data []byte, uri string) error {
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return err
	}
	contentType := mime.TypeByExtension(path.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return s.retry(ctx, "upload", uri, func(ctx context.Context) error {
		return s.client.PutObject(ctx, bucket, key, data, contentType)
	})
}

// Download fetches the object at uri.
func (s *Store) Download(ctx context.Context, uri string) ([]byte, error) {
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = s.retry(ctx, "download", uri, func(ctx context.Context) error {
		var err error
		data, err = s.client.GetObject(ctx, bucket, key)
		return err
	})
	return data, err
}

// Exists reports whether the object at uri exists. A missing object is not retried.
func (s *Store) Exists(ctx context.Context, uri string) (bool, error) {
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return false, err
	}
	missing := false
	err = s.retry(ctx, "stat", uri, func(ctx context.Context) error {
		err := s.client.StatObject(ctx, bucket, key)
		if errors.Is(err, ErrMissingKey) {
			missing = true
			return nil
		}
		return err
	})
	if err != nil {
		return false, err
	}
	return !missing, nil
}

// Delete removes the object at uri. Failures are logged and swallowed.
func (s *Store) Delete(ctx context.Context, uri string) {
	bucket, key, err := ParseURI(uri)
	if err != nil {
		s.logger.Warn("skipping delete of invalid staging uri", "uri", uri, "error", err)
		return
	}
	if err := s.client.RemoveObject(ctx, bucket, key); err != nil && !errors.Is(err, ErrMissingKey) {
		s.logger.Warn("staging delete failed", "uri", uri, "error", err)
	}
}

// retry runs fn until it succeeds, fails permanently, or exhausts its budget.
// Transient errors get MaxRetries attempts in total; ErrMissingKey gets
// MissingKeyRetries extra attempts. The n-th wait is RetryBase * 2^n.
func (s *Store) retry(ctx context.Context, op, uri string, fn func(ctx context.Context) error) error {
	var transient, missing int
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		fail := &OperationError{Op: op, URI: uri, Attempts: transient + missing + 1, Err: err}
		var delay time.Duration
		switch {
		case errors.Is(err, ErrPermanent), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return fail
		case errors.Is(err, ErrMissingKey):
			if missing >= s.opts.MissingKeyRetries {
				return fail
			}
			delay = s.backoff(missing)
			missing++
		default:
			transient++
			if transient >= s.opts.MaxRetries {
				return fail
			}
			delay = s.backoff(transient - 1)
		}

		s.logger.Warn("staging operation failed, retrying",
			"op", op, "uri", uri, "attempt", fail.Attempts, "delay", delay, "error", err)
		if err := s.sleep(ctx, delay); err != nil {
			fail.Err = err
			return fail
		}
	}
}

func (s *Store) backoff(n int) time.Duration {
	return s.opts.RetryBase * time.Duration(1<<n)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
