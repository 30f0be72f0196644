// Package ocr defines the output contract of the external text-extraction
// collaborator. The engine itself is out of scope; everything here treats it
// as fallible and latency-bound.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	dErrors "matricula/pkg/domain-errors"
)

// Extracted is what the engine read off the document.
type Extracted struct {
	Name            string `json:"name"`
	ExternalID      string `json:"external_id"`
	InstitutionName string `json:"institution_name"`
	// ExpiryDate is the document's own printed expiry, RFC 3339 date, empty
	// when the card carries none or the engine could not read it.
	ExpiryDate string `json:"expiry_date"`
}

// DocumentExpiry parses the printed expiry, reporting ok=false when absent or
// unreadable.
func (e Extracted) DocumentExpiry() (time.Time, bool) {
	if e.ExpiryDate == "" {
		return time.Time{}, false
	}
	t, err := time.Parse("2006-01-02", e.ExpiryDate)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Client extracts fields from a document. Implementations must respect ctx
// cancellation; callers enforce the timeout.
type Client interface {
	Extract(ctx context.Context, document []byte, contentType string) (Extracted, error)
}

// HTTPClient calls an OCR service over HTTP. All failures come back as
// external_service domain errors so the worker can absorb them uniformly.
type HTTPClient struct {
	url    string
	client *http.Client
}

func NewHTTPClient(url string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Extract(ctx context.Context, document []byte, contentType string) (Extracted, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(document))
	if err != nil {
		return Extracted{}, dErrors.Wrap(err, dErrors.CodeExternalService, "build ocr request")
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return Extracted{}, dErrors.Wrap(err, dErrors.CodeExternalService, "ocr request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Extracted{}, dErrors.New(dErrors.CodeExternalService,
			fmt.Sprintf("ocr service returned %d", resp.StatusCode))
	}

	var extracted Extracted
	if err := json.NewDecoder(resp.Body).Decode(&extracted); err != nil {
		return Extracted{}, dErrors.Wrap(err, dErrors.CodeExternalService, "decode ocr response")
	}
	return extracted, nil
}

// Static returns fixed output; used by tests and local development when no
// engine is configured.
type Static struct {
	Result Extracted
	Err    error
}

func (s Static) Extract(context.Context, []byte, string) (Extracted, error) {
	return s.Result, s.Err
}
