package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Fetcher downloads model artifacts that are missing on disk.
type Fetcher struct {
	Client *http.Client
	// MaxElapsed bounds the total time spent retrying one download.
	MaxElapsed time.Duration
	// InitialInterval is the first retry delay. Zero uses the backoff default.
	InitialInterval time.Duration
}

func NewFetcher(maxElapsed time.Duration) *Fetcher {
	return &Fetcher{Client: &http.Client{Timeout: maxElapsed}, MaxElapsed: maxElapsed}
}

// Ensure makes sure path exists. If it does not and url is set, the file is
// downloaded, retrying network errors and 5xx responses with exponential
// backoff. 4xx responses fail immediately.
func (f *Fetcher) Ensure(ctx context.Context, path, url string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if url == "" {
		return fmt.Errorf("model file %s not found and no model_url configured", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = f.MaxElapsed
	if f.InitialInterval > 0 {
		b.InitialInterval = f.InitialInterval
	}
	b.Reset()

	slog.Info("Downloading model", slog.String("url", url), slog.String("path", path))
	op := func() error { return f.download(ctx, path, url) }
	notify := func(err error, wait time.Duration) {
		slog.Warn("Model download failed, retrying",
			slog.String("url", url),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	return nil
}

func (f *Fetcher) download(ctx context.Context, path, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("unexpected status %s", resp.Status)
	case resp.StatusCode != http.StatusOK:
		return backoff.Permanent(fmt.Errorf("unexpected status %s", resp.Status))
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.part")
	if err != nil {
		return backoff.Permanent(err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
