package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	uploadPath  = "api/v1/agent"
	contentType = "text/plain; charset=utf-8"
)

// RepoUploader posts the agent answer to a remote collector.
type RepoUploader struct {
	requestURL *url.URL
	client     *http.Client
	// MaxElapsedTime bounds the retries of one upload
	MaxElapsedTime time.Duration
}

func NewRepoUploader(serverURL string) (*RepoUploader, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")

	if parsedURL.Scheme == "" || parsedURL.Host == "" || parsedURL.Path != "" {
		return nil, errors.New("please define the server url with a scheme and without path, e.g. `http://some-url.com`")
	}
	parsedURL.Path = uploadPath

	return &RepoUploader{
		requestURL:     parsedURL,
		client:         &http.Client{Timeout: 30 * time.Second},
		MaxElapsedTime: 30 * time.Second,
	}, nil
}

// Upload retries on transport errors and 5xx answers, other statuses fail immediately.
func (c *RepoUploader) Upload(ctx context.Context, raw []byte) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = c.MaxElapsedTime

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := c.post(ctx, raw)
		if err != nil {
			slog.DebugContext(ctx, "upload attempt failed", "attempt", attempt, "error", err)
		}
		return err
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return fmt.Errorf("uploading to %s: %w", c.requestURL.Host, err)
	}
	slog.DebugContext(ctx, "agent output uploaded", "bytes", len(raw), "attempts", attempt)
	return nil
}

func (c *RepoUploader) post(ctx context.Context, raw []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.requestURL.String(), bytes.NewReader(raw))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	case resp.StatusCode >= 500:
		return fmt.Errorf("status code: %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return backoff.Permanent(fmt.Errorf("status code: %d, body: %s", resp.StatusCode, strings.TrimSpace(string(body))))
}
