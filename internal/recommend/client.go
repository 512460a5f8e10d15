// Package recommend queries the recommendation service for accounts that
// match a playbook's trigger thresholds. The engine never evaluates
// thresholds itself.
package recommend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kingrea/playbooks/internal/playbook"
)

// DefaultTenantHeader names the header carrying the customer id.
const DefaultTenantHeader = "X-Customer-ID"

// Urgency ranks how soon an account needs the playbook.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

func (u Urgency) Valid() bool {
	switch u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyCritical:
		return true
	}
	return false
}

// Rank orders urgencies; unknown values rank lowest.
func (u Urgency) Rank() int {
	switch u {
	case UrgencyCritical:
		return 4
	case UrgencyHigh:
		return 3
	case UrgencyMedium:
		return 2
	case UrgencyLow:
		return 1
	}
	return 0
}

// AccountRecommendation is one account the service thinks needs a playbook.
type AccountRecommendation struct {
	AccountID    int64    `json:"accountId"`
	AccountName  string   `json:"accountName"`
	Needed       bool     `json:"needed"`
	UrgencyLevel Urgency  `json:"urgencyLevel"`
	Reasons      []string `json:"reasons"`
}

type request struct {
	Triggers []playbook.TriggerThreshold `json:"triggers"`
}

type response struct {
	Recommendations []AccountRecommendation `json:"recommendations"`
}

// Client calls POST /playbooks/recommendations/{playbookId}.
type Client struct {
	baseURL      string
	tenantHeader string
	http         *http.Client
	logger       *slog.Logger
}

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

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New builds a client for baseURL.
func New(baseURL string, timeout time.Duration, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("recommend: base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("recommend: base url: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		baseURL:      baseURL,
		tenantHeader: DefaultTenantHeader,
		http:         &http.Client{Timeout: timeout},
		logger:       slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Recommend sends the playbook's triggers and returns the accounts that
// need it. Recommendations with an unknown urgency are reported as low.
func (c *Client) Recommend(ctx context.Context, customerID int64, playbookID string, triggers []playbook.TriggerThreshold) ([]AccountRecommendation, error) {
	const op = "recommend"
	if customerID <= 0 {
		return nil, playbook.Validation(op, "customer id is required")
	}
	playbookID = strings.TrimSpace(playbookID)
	if playbookID == "" {
		return nil, playbook.Validation(op, "playbook id is required")
	}
	if triggers == nil {
		triggers = []playbook.TriggerThreshold{}
	}
	body, err := json.Marshal(request{Triggers: triggers})
	if err != nil {
		return nil, fmt.Errorf("recommend: encode request: %w", err)
	}
	endpoint := c.baseURL + "/playbooks/recommendations/" + url.PathEscape(playbookID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("recommend: build request: %w", err)
	}
	req.Header.Set(c.tenantHeader, strconv.FormatInt(customerID, 10))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	began := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("recommend: post %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var envelope struct {
			Error playbook.ErrorBody `json:"error"`
		}
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Kind != "" {
			return nil, playbook.FromBody(op, envelope.Error)
		}
		if resp.StatusCode == http.StatusNotFound {
			return nil, playbook.NotFound(op, "playbook %s", playbookID)
		}
		return nil, fmt.Errorf("recommend: %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("recommend: decode response: %w", err)
	}
	recs := make([]AccountRecommendation, 0, len(out.Recommendations))
	for _, rec := range out.Recommendations {
		if !rec.UrgencyLevel.Valid() {
			c.logger.Warn("unknown urgency level", "account_id", rec.AccountID, "urgency", rec.UrgencyLevel)
			rec.UrgencyLevel = UrgencyLow
		}
		if rec.Reasons == nil {
			rec.Reasons = []string{}
		}
		recs = append(recs, rec)
	}
	c.logger.Debug("recommendations fetched", "customer_id", customerID, "playbook", playbookID, "count", len(recs), "took", time.Since(began))
	return recs, nil
}
