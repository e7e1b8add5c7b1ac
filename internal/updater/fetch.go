package updater

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/austindbirch/dbip_updater/internal/metrics"
)

// maxBodyBytes caps the descriptor size; real responses are a few hundred bytes.
const maxBodyBytes = 1 << 20

// HTTPClient is satisfied by *http.Client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type fetchResult struct {
	body       []byte
	statusLine string
}

func (t *Task) fetch(ctx context.Context, cfg TaskConfig) (res fetchResult, err error) {
	start := t.now()
	defer func() {
		metrics.RecordFetch(err == nil, t.now().Sub(start))
	}()

	if cfg.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectionTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.SourceURL, nil)
	if err != nil {
		return res, &Error{Kind: KindConfiguration, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("User-Agent", t.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return res, &Error{Kind: KindTransient, Err: fmt.Errorf("request %s: %w", cfg.SourceURL, err)}
	}
	defer resp.Body.Close()

	res.statusLine = resp.Proto + " " + resp.Status

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return res, &Error{
			Kind:       KindAuthentication,
			StatusCode: resp.StatusCode,
			Err: fmt.Errorf("authentication failure (%d) when accessing %s; check your DB-IP account credentials or the API key in the URL",
				resp.StatusCode, cfg.SourceURL),
		}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return res, &Error{
			Kind:       KindHTTP,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("HTTP error: %s when accessing %s", res.statusLine, cfg.SourceURL),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return res, &Error{Kind: KindTransient, Err: fmt.Errorf("read response body: %w", err)}
	}
	if len(body) > maxBodyBytes {
		return res, newError(KindParse, "response body from %s exceeds %d bytes", cfg.SourceURL, maxBodyBytes)
	}
	res.body = body
	return res, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
