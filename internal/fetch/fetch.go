// Package fetch retrieves raw feed documents over HTTP. It owns the
// protocol-guessing policy for user-supplied sources, so the rest of the
// program only ever sees fully resolved URLs and document bytes.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	log "gopkg.in/inconshreveable/log15.v2"
)

// maxBodySize caps how much of a response is read. Feeds larger than
// this are broken or hostile.
const maxBodySize = 10 << 20

type Client struct {
	httpClient *http.Client
	logger     log.Logger
}

func NewClient(timeout time.Duration, logger log.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Candidates lists the URL forms tried for a user-supplied source. A
// source that already names an http(s) scheme is taken as is; anything
// else (typically a bare hostname) is tried as given, then with https,
// then with http. remove uses the same list so that a channel added as
// "example.org/feed" can be removed by the same spelling.
func Candidates(source string) []string {
	if u, err := url.Parse(source); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return []string{source}
	}
	return []string{source, "https://" + source, "http://" + source}
}

// Fetch retrieves the document at url. Any status other than 200 is an
// error.
func (c *Client) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bad HTTP response: %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("unable to read response body: %w", err)
	}
	return body, nil
}

// Resolve fetches the first reachable candidate form of source and
// returns the URL that worked along with the document. The resolved URL
// is what gets stored as the channel's canonical link.
func (c *Client) Resolve(ctx context.Context, source string) (string, []byte, error) {
	var lastErr error
	for _, candidate := range Candidates(source) {
		body, err := c.Fetch(ctx, candidate)
		if err == nil {
			return candidate, body, nil
		}
		c.logger.Debug("candidate fetch failed", "url", candidate, "error", err)
		lastErr = err
	}
	return "", nil, fmt.Errorf("no reachable form of %q: %w", source, lastErr)
}
