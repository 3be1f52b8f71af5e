package uriworker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const maxRedirects = 3

// ErrOversize marks a document larger than metadata_max_bytes.
var ErrOversize = errors.New("metadata document too large")

func newFetchClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext:         safeDialContext,
			MaxIdleConns:        16,
			MaxConnsPerHost:     4,
			ForceAttemptHTTP2:   true,
			TLSHandshakeTimeout: 10 * time.Second,
		},
		// Redirects are walked manually so every hop goes back through
		// the URL guard.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// fetch retrieves the document at rawURL, revalidating every redirect
// target and capping the body both by declared and by streamed size.
func (w *Worker) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := w.validateURL(rawURL)
	if err != nil {
		return nil, err
	}

	for hop := 0; ; hop++ {
		body, redirect, err := w.fetchOnce(ctx, u)
		if err != nil {
			return nil, err
		}
		if redirect == "" {
			return body, nil
		}
		if hop >= maxRedirects {
			return nil, fmt.Errorf("%w: more than %d redirects", ErrBlocked, maxRedirects)
		}
		next, err := u.Parse(redirect)
		if err != nil {
			return nil, fmt.Errorf("%w: unparseable redirect", ErrBlocked)
		}
		u, err = w.validateURL(next.String())
		if err != nil {
			return nil, err
		}
	}
}

func (w *Worker) fetchOnce(ctx context.Context, u *url.URL) (body []byte, redirect string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "8004-solana-indexer/1.0")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		loc := resp.Header.Get("Location")
		if loc == "" {
			return nil, "", fmt.Errorf("redirect status %d without location", resp.StatusCode)
		}
		return nil, loc, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	maxBytes := int64(w.cfg.Metadata.MaxBytes)
	if resp.ContentLength > maxBytes {
		return nil, "", fmt.Errorf("%w: declared %d bytes", ErrOversize, resp.ContentLength)
	}
	// The declared length is advisory; the stream is capped regardless.
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, "", err
	}
	if int64(len(data)) > maxBytes {
		return nil, "", fmt.Errorf("%w: body exceeds %d bytes", ErrOversize, maxBytes)
	}
	return data, "", nil
}
