// Package fetcher downloads recipe pages.
package fetcher

import (
	"context"
	"fmt"
)

// Page is a downloaded HTML document, decoded to UTF-8.
type Page struct {
	URL         string `json:"url"`
	FinalURL    string `json:"final_url"`
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"-"`
	Truncated   bool   `json:"truncated"`
}

// HTML returns the page body as a string.
func (p *Page) HTML() string {
	return string(p.Body)
}

// PageFetcher fetches a single recipe page.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (*Page, error)
}

// StatusError is a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetcher: status %d from %s", e.StatusCode, e.URL)
}

// BlockedError means the site answered with an anti-bot page.
type BlockedError struct {
	URL  string
	Kind BlockType
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("fetcher: blocked (%s) at %s", e.Kind, e.URL)
}
