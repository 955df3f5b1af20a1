package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/netmonhq/netmon-go/pkg/record"
)

// BatchIDHeader carries a unique id per upload attempt so the collector can
// spot retried pages.
const BatchIDHeader = "X-Netmon-Batch-Id"

// HTTPTransport posts each page as a JSON array to the collector.
type HTTPTransport struct {
	Endpoint string
	APIKey   string
	// Client defaults to http.DefaultClient. It must not be a client wrapped
	// by the capturing service.
	Client *http.Client
	// Compress gzips the body and sets Content-Encoding.
	Compress bool
}

func (t *HTTPTransport) UploadBatch(ctx context.Context, batch []*record.Exchange) error {
	body, err := EncodeJSON(batch, t.Compress)
	if err != nil {
		return fmt.Errorf("netmon: encoding batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(BatchIDHeader, uuid.NewString())
	if t.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.APIKey)
	}
	if t.Compress {
		req.Header.Set("Content-Encoding", "gzip")
	}

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("netmon: invalid API key")
	} else if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("netmon: got HTTP %v posting to %v", resp.Status, t.Endpoint)
	}
	return nil
}
