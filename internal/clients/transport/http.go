package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// snippetLimit caps how much of an error body is kept for logs.
const snippetLimit = 8 << 10

// StatusError is returned for any non-2xx response.
type StatusError struct {
	URL     string
	Code    int
	Status  string
	Snippet string
}

func (e *StatusError) Error() string {
	msg := "http " + e.URL + ": " + e.Status
	if e.Snippet != "" {
		msg += ": " + e.Snippet
	}
	return msg
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	if se := (*StatusError)(nil); errors.As(err, &se) {
		return se.Code
	}
	return 0
}

func snippet(b []byte) string {
	if len(b) > snippetLimit {
		b = b[:snippetLimit]
	}
	return strings.TrimSpace(string(b))
}

// open issues a GET and returns the response only when it is 2xx. On any
// other status the body is consumed into a StatusError.
func open(h *http.Client, ctx context.Context, url string, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := h.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 == 2 {
		return resp, nil
	}

	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, snippetLimit))
	return nil, &StatusError{URL: url, Code: resp.StatusCode, Status: resp.Status, Snippet: snippet(body)}
}

// Get fetches url and decodes the JSON body into T.
func Get[T any](h *http.Client, ctx context.Context, url string, headers map[string]string) (T, error) {
	var out T
	resp, err := open(h, ctx, url, headers)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return out, fmt.Errorf("read %s: %w", url, err)
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("decode %s: %w: %s", url, err, snippet(body))
	}
	return out, nil
}

// Download returns the open response; the caller closes the body.
func Download(h *http.Client, ctx context.Context, url string, headers map[string]string) (*http.Response, error) {
	return open(h, ctx, url, headers)
}
