package subtitle

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Caption files are small text; anything bigger is not a subtitle.
const maxCaptionBytes = 5 << 20

// Fetcher downloads caption files.
type Fetcher struct {
	httpClient *http.Client
}

func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Fetcher{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Fetch retrieves the raw text of a caption file. A failure here
// disables captions for the track; it never fails playback.
func (f *Fetcher) Fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("caption fetch failed: %d %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxCaptionBytes))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
