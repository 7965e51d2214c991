package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPProbe treats any HTTP response as reachable. The status code is not
// inspected, so a 500 still counts as healthy. Redirects are not followed.
type HTTPProbe struct {
	url    string
	client *http.Client
}

func NewHTTPProbe(url string, requestTimeout time.Duration) HTTPProbe {
	return HTTPProbe{
		url:    url,
		client: &http.Client{
			Timeout: requestTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (p HTTPProbe) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("invalid health endpoint %q: %w", p.url, err)
	}

	res, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	// Drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64*1024))
	return nil
}
