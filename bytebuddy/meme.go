package bytebuddy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// memeResponseLimit caps how much of a meme API response is read
const memeResponseLimit = 1 << 20

// MemeFetcher returns the URL of a random meme
type MemeFetcher interface {
	Fetch(ctx context.Context) (string, error)
}

// HTTPMemeFetcher gets memes from a meme-api.com compatible endpoint,
// which returns a JSON object with a `url` field.
type HTTPMemeFetcher struct {
	URL    string
	Client *http.Client
}

// NewHTTPMemeFetcher returns a fetcher for config.URL. If client is
// nil, one is created with config.Timeout.
func NewHTTPMemeFetcher(config *MemeConfig, client *http.Client) *HTTPMemeFetcher {
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	return &HTTPMemeFetcher{URL: config.URL, Client: client}
}

type memeResponse struct {
	URL       string `json:"url"`
	Title     string `json:"title"`
	Subreddit string `json:"subreddit"`
	NSFW      bool   `json:"nsfw"`
}

func (f *HTTPMemeFetcher) Fetch(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("unexpected status: %s", resp.Status)
	}

	var data memeResponse
	if err = json.NewDecoder(io.LimitReader(resp.Body, memeResponseLimit)).Decode(&data); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if data.URL == "" {
		return "", ErrNoMeme
	}
	return data.URL, nil
}

// FetchMeme calls fetcher off the caller's goroutine, giving up after
// timeout. Errors are [ErrNoMeme], [ErrMemeTimeout] or [ErrMemeFailure].
func FetchMeme(
	ctx context.Context,
	fetcher MemeFetcher,
	timeout time.Duration,
) (string, error) {
	url, err := callWithTimeout(ctx, timeout, fetcher.Fetch)
	switch {
	case errors.Is(err, errCallTimeout):
		return "", fmt.Errorf("%w: %w", ErrMemeTimeout, err)
	case errors.Is(err, ErrNoMeme):
		return "", err
	case err != nil:
		return "", fmt.Errorf("%w: %w", ErrMemeFailure, err)
	case url == "":
		return "", ErrNoMeme
	}
	return url, nil
}

// memeOutcome labels the result of [FetchMeme] for metrics
func memeOutcome(err error) string {
	switch {
	case err == nil:
		return "succeeded"
	case errors.Is(err, ErrNoMeme):
		return "no_meme"
	case errors.Is(err, ErrMemeTimeout):
		return "timed_out"
	default:
		return "failed"
	}
}
