package message

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// maxAttachmentSize bounds how much of a remote attachment is read.
const maxAttachmentSize = 25 << 20

var defaultHTTPClient = &http.Client{Timeout: 30 * time.Second}

// Read downloads the attachment body. A nil client uses a default client
// with a 30 second timeout.
func (a Attachment) Read(ctx context.Context, client *http.Client) ([]byte, error) {
	if a.URL == "" {
		return nil, fmt.Errorf("attachment has no url")
	}
	if client == nil {
		client = defaultHTTPClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build attachment request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download attachment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download attachment: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentSize))
	if err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	return data, nil
}

// Filename derives a file name from the attachment URL.
func (a Attachment) Filename() string {
	u, err := url.Parse(a.URL)
	if err != nil {
		return "file"
	}
	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		return "file"
	}
	return name
}
