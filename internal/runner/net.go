package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ppiankov/toolgate/internal/model"
)

// maxResponseBytes caps how much of an HTTP response body is read.
const maxResponseBytes = 256 * 1024

// domainAllowed re-checks the URL at execution time. The engine matched
// substrings over the whole target; here the parsed hostname itself must
// sit inside an allowed domain.
func (r *Runner) domainAllowed(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	for _, d := range r.cfg.AllowedDomains {
		d = strings.ToLower(strings.TrimPrefix(d, "."))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return nil
		}
	}
	return fmt.Errorf("host %q is not in the domain allowlist", host)
}

func (r *Runner) callAPI(ctx context.Context, p model.CallAPIParams) (string, error) {
	if err := r.domainAllowed(p.URL); err != nil {
		return "", err
	}

	var body io.Reader
	if p.Body != "" {
		body = strings.NewReader(p.Body)
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(p.Method), p.URL, body)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call %s: %w", p.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return string(data), fmt.Errorf("API returned HTTP %d", resp.StatusCode)
	}
	return string(data), nil
}

// searchWeb issues the query against the first allowlisted engine.
func (r *Runner) searchWeb(ctx context.Context, p model.SearchWebParams) (string, error) {
	if len(r.cfg.AllowedEngines) == 0 {
		return "", errors.New("no search engine configured")
	}
	u, err := url.Parse(r.cfg.AllowedEngines[0])
	if err != nil {
		return "", fmt.Errorf("parse engine url: %w", err)
	}
	q := u.Query()
	q.Set("q", p.Query)
	if p.MaxResults > 0 {
		q.Set("n", strconv.Itoa(p.MaxResults))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("build search request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("search: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read search response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return string(data), fmt.Errorf("search engine returned HTTP %d", resp.StatusCode)
	}
	return string(data), nil
}
