// Package httpstore implements the execution store over the tenant-scoped
// REST persistence contract:
//
//	GET    /playbooks/executions?customer_id=<id>
//	POST   /playbooks/executions
//	DELETE /playbooks/executions/{id}
//
// Every request carries the tenant header.
package httpstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kingrea/playbooks/internal/playbook"
	"github.com/kingrea/playbooks/internal/store"
)

// DefaultTenantHeader names the header carrying the customer id.
const DefaultTenantHeader = "X-Customer-ID"

// Client is a store.Store talking to a remote persistence service.
type Client struct {
	baseURL      string
	tenantHeader string
	http         *http.Client
}

// Option customises the client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithTenantHeader(name string) Option {
	return func(c *Client) {
		if strings.TrimSpace(name) != "" {
			c.tenantHeader = strings.TrimSpace(name)
		}
	}
}

// New builds a client for baseURL.
func New(baseURL string, timeout time.Duration, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("httpstore: base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("httpstore: base url: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		baseURL:      baseURL,
		tenantHeader: DefaultTenantHeader,
		http:         &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

func (c *Client) List(ctx context.Context, customerID int64) ([]playbook.Execution, error) {
	endpoint := c.baseURL + "/playbooks/executions?customer_id=" + strconv.FormatInt(customerID, 10)
	var envelope playbook.ExecutionsEnvelope
	if err := c.do(ctx, http.MethodGet, endpoint, customerID, nil, &envelope); err != nil {
		return nil, err
	}
	out := make([]playbook.Execution, 0, len(envelope.Executions))
	for _, exec := range envelope.Executions {
		if exec.CustomerID != customerID {
			continue
		}
		if err := exec.CheckShape(); err != nil {
			return nil, fmt.Errorf("httpstore: %w", err)
		}
		out = append(out, exec)
	}
	store.SortExecutions(out)
	return out, nil
}

func (c *Client) Save(ctx context.Context, exec playbook.Execution) error {
	if err := exec.CheckShape(); err != nil {
		return err
	}
	body, err := playbook.EncodeExecution(exec)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, c.baseURL+"/playbooks/executions", exec.CustomerID, body, nil)
}

func (c *Client) Delete(ctx context.Context, customerID int64, id string) error {
	endpoint := c.baseURL + "/playbooks/executions/" + url.PathEscape(id)
	return c.do(ctx, http.MethodDelete, endpoint, customerID, nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, customerID int64, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("httpstore: build request: %w", err)
	}
	req.Header.Set(c.tenantHeader, strconv.FormatInt(customerID, 10))
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("httpstore: %s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeFailure(method, resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("httpstore: decode %s response: %w", method, err)
	}
	return nil
}

// decodeFailure maps a non-2xx response to a typed error. The structured
// error body wins; otherwise the status code decides the kind.
func decodeFailure(method string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var envelope struct {
		Error playbook.ErrorBody `json:"error"`
	}
	op := "httpstore " + strings.ToLower(method)
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Kind != "" {
		return playbook.FromBody(op, envelope.Error)
	}
	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		msg = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return playbook.NotFound(op, "%s", msg)
	case http.StatusConflict, http.StatusPreconditionFailed:
		return playbook.Conflict(op, "%s", msg)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return playbook.Validation(op, "%s", msg)
	}
	return &playbook.Error{Kind: playbook.KindPersistence, Op: op, Message: msg}
}

var _ store.Store = (*Client)(nil)
