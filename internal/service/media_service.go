package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/codeGROOVE-dev/retry"
	"github.com/h2non/filetype"
	"github.com/h2non/filetype/types"
	config "github.com/maheshrc27/brandflow/configs"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const maxMediaBytes = 10 << 20

// ObjectStore keeps uploaded media.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	URL(key string) string
}

// R2Store is an ObjectStore backed by a Cloudflare R2 bucket.
type R2Store struct {
	client    *s3.Client
	bucket    string
	publicURL string
}

func NewR2Store(ctx context.Context, cfg config.R2) (*R2Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
		awsconfig.WithRegion("auto"),
	)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID))
	})
	return &R2Store{client: client, bucket: cfg.BucketName, publicURL: strings.TrimSuffix(cfg.PublicURL, "/")}, nil
}

func (r *R2Store) Put(ctx context.Context, key string, body []byte, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(r.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	}

	if _, err := r.client.PutObject(ctx, input); err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}

func (r *R2Store) URL(key string) string {
	return r.publicURL + "/" + key
}

// MediaService copies remote images into our own bucket, so published posts
// do not depend on a client's website staying up.
type MediaService struct {
	store ObjectStore
	http  *http.Client
}

// NewMediaService returns a service that mirrors into store. A nil store
// turns Mirror into a no-op.
func NewMediaService(store ObjectStore, hc *http.Client) *MediaService {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &MediaService{store: store, http: hc}
}

var errNotImage = errors.New("not an image")

// Mirror downloads src and stores it under media/{clientID}/. It returns the
// public URL of the copy, or src itself when no store is configured.
func (s *MediaService) Mirror(ctx context.Context, clientID, src string) (string, error) {
	if s.store == nil || src == "" {
		return src, nil
	}

	body, err := s.download(ctx, src)
	if err != nil {
		return "", err
	}

	kind, err := filetype.Match(body)
	if err != nil || kind == types.Unknown || !filetype.IsImage(body) {
		return "", fmt.Errorf("mirror %s: %w", src, errNotImage)
	}

	id, err := gonanoid.New()
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("media/%s/%s.%s", clientID, id, kind.Extension)
	if err := s.store.Put(ctx, key, body, kind.MIME.Value); err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}

	slog.Info("media mirrored", "client_id", clientID, "source", src, "key", key)
	return s.store.URL(key), nil
}

func (s *MediaService) download(ctx context.Context, src string) ([]byte, error) {
	var body []byte
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			resp, err := s.http.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}
			if resp.StatusCode != http.StatusOK {
				return retry.Unrecoverable(fmt.Errorf("HTTP %d", resp.StatusCode))
			}

			body, err = io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
			if err != nil {
				return err
			}
			if len(body) > maxMediaBytes {
				return retry.Unrecoverable(fmt.Errorf("media larger than %d bytes", maxMediaBytes))
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			slog.Info("retrying media download", "url", src, "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", src, err)
	}
	return body, nil
}
