// Package fetcher downloads report images from the upload service.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/apex/log"
)

const (
	backoffStep = 1500 * time.Millisecond

	// maxImageBytes bounds the response read; anything larger than this
	// is not a report photo.
	maxImageBytes = 20 << 20
)

// Fetcher retrieves image bytes over HTTP with retries. Requests to the
// upload origin carry the service bearer token; any other host is
// fetched anonymously so the token never leaks to third parties.
type Fetcher struct {
	client      *http.Client
	uploadHost  string
	accessToken string
	maxAttempts int
	sleep       func(time.Duration)
}

// New creates a fetcher. uploadURL is the origin whose requests are
// authenticated; an empty token disables authentication entirely.
func New(uploadURL, accessToken string, timeout time.Duration, maxAttempts int) (*Fetcher, error) {
	var host string
	if uploadURL != "" {
		u, err := url.Parse(uploadURL)
		if err != nil {
			return nil, fmt.Errorf("bad upload url: %w", err)
		}
		host = u.Host
	}

	return &Fetcher{
		client:      &http.Client{Timeout: timeout},
		uploadHost:  host,
		accessToken: accessToken,
		maxAttempts: maxAttempts,
		sleep:       time.Sleep,
	}, nil
}

// Fetch downloads the image at imageURL. Transient failures are retried
// with linear backoff; client errors (4xx) fail immediately because a
// retry cannot fix them.
func (f *Fetcher) Fetch(ctx context.Context, imageURL string) ([]byte, error) {
	u, err := url.Parse(imageURL)
	if err != nil {
		return nil, fmt.Errorf("bad image url: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		if attempt > 1 {
			f.sleep(time.Duration(attempt-1) * backoffStep)
		}

		data, retryable, err := f.fetchOnce(ctx, u)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
		log.Warnf("Fetch attempt %d/%d for %s failed: %v", attempt, f.maxAttempts, imageURL, err)
	}

	return nil, fmt.Errorf("failed to fetch image after %d attempts: %w", f.maxAttempts, lastErr)
}

func (f *Fetcher) fetchOnce(ctx context.Context, u *url.URL) (data []byte, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to build request: %w", err)
	}
	if f.accessToken != "" && u.Host == f.uploadHost {
		req.Header.Set("Authorization", "Bearer "+f.accessToken)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return nil, false, fmt.Errorf("image fetch rejected with status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, true, fmt.Errorf("image fetch returned status %d", resp.StatusCode)
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" &&
		!strings.HasPrefix(ct, "image/") && ct != "application/octet-stream" {
		return nil, false, fmt.Errorf("unexpected content type %q", ct)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, true, fmt.Errorf("failed to read image body: %w", err)
	}
	if len(body) > maxImageBytes {
		return nil, false, fmt.Errorf("image exceeds %d bytes", maxImageBytes)
	}
	return body, false, nil
}
