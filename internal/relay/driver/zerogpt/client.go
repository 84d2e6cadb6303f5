// Package zerogpt forwards detection requests to the ZeroGPT API.
package zerogpt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/textgate/textgate/internal/core"
	"github.com/textgate/textgate/internal/relay/driver"
)

const driverName = "zerogpt"

// Client calls the detection endpoint. Headers and Cookie come from
// configuration; nothing is hard-coded.
type Client struct {
	URL        string
	Headers    map[string]string
	Cookie     string
	HTTPClient *http.Client
	Timeout    time.Duration
	Pacer      *driver.Pacer
	Observer   driver.Observer
}

// NewClient returns a client for url.
func NewClient(url, cookie string) *Client {
	return &Client{
		URL:     strings.TrimSpace(url),
		Cookie:  strings.TrimSpace(cookie),
		Timeout: 30 * time.Second,
	}
}

// Name returns the driver identifier.
func (c *Client) Name() string {
	return driverName
}

// Detect posts {"input_text": ...} and returns the upstream JSON body.
func (c *Client) Detect(ctx context.Context, req core.ZeroGPTRequest) (json.RawMessage, error) {
	if c == nil || c.URL == "" {
		return nil, fmt.Errorf("zerogpt client not configured")
	}

	payload, err := json.Marshal(core.ZeroGPTRequest{InputText: req.InputText})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	set := http.Header{"Content-Type": []string{"application/json"}}
	if c.Cookie != "" {
		set.Set("Cookie", c.Cookie)
	}

	reply, err := driver.Do(ctx, driver.Call{
		Driver:     driverName,
		Operation:  "detect",
		Method:     http.MethodPost,
		URL:        c.URL,
		Body:       payload,
		Headers:    c.Headers,
		Set:        set,
		HTTPClient: c.HTTPClient,
		Timeout:    c.Timeout,
		Pacer:      c.Pacer,
		Observer:   c.Observer,
	})
	if err != nil {
		return nil, err
	}

	body := bytes.TrimSpace(reply.Body)
	if len(body) == 0 || !json.Valid(body) {
		return nil, &driver.ProviderError{
			Provider:    driverName,
			Operation:   "detect",
			StatusCode:  reply.StatusCode,
			Message:     "response is not JSON",
			RawResponse: reply.Body,
		}
	}
	return json.RawMessage(body), nil
}
