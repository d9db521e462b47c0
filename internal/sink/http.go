// internal/sink/http.go
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/user/agentlens/internal/types"
)

// HTTP posts audit events to a remote durable backend exposing a single
// insert endpoint.
type HTTP struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTP creates an HTTP sink for the given base URL. token, if set, is
// sent as a bearer credential.
func NewHTTP(baseURL, token string) *HTTP {
	return &HTTP{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Insert writes one audit event. Any non-2xx status is an error.
func (h *HTTP) Insert(ctx context.Context, event *types.AuditEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/events", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create insert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sink rejected event (status %d): %s", resp.StatusCode, string(msg))
	}
	return nil
}
