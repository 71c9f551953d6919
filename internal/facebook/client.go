// Package facebook wraps the Graph API endpoints used by lead ads ingestion.
package facebook

import (
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

	"leadhub/internal/apperr"
	"leadhub/internal/metrics"
)

// DefaultGraphURL is the versioned Graph API root.
const DefaultGraphURL = "https://graph.facebook.com/v19.0"

// Client provides typed access to the Graph API.
type Client struct {
	logger    *slog.Logger
	baseURL   string
	appID     string
	appSecret string
	http      *http.Client
	metrics   *metrics.Metrics
}

// Config holds Graph client configuration.
type Config struct {
	GraphURL  string
	AppID     string
	AppSecret string
	Timeout   time.Duration
}

// New creates a Graph client.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Client {
	base := strings.TrimRight(cfg.GraphURL, "/")
	if base == "" {
		base = DefaultGraphURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		logger:    logger.With("component", "facebook"),
		baseURL:   base,
		appID:     cfg.AppID,
		appSecret: cfg.AppSecret,
		http:      &http.Client{Timeout: timeout},
		metrics:   m,
	}
}

// FieldData is one answered question of a lead form.
type FieldData struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// Lead is a lead ads submission.
type Lead struct {
	ID          string      `json:"id"`
	CreatedTime string      `json:"created_time"`
	FormID      string      `json:"form_id"`
	FieldData   []FieldData `json:"field_data"`
}

// Field returns the first value of the first matching field name.
func (l Lead) Field(names ...string) string {
	for _, want := range names {
		for _, f := range l.FieldData {
			if strings.EqualFold(f.Name, want) && len(f.Values) > 0 {
				if v := strings.TrimSpace(f.Values[0]); v != "" {
					return v
				}
			}
		}
	}
	return ""
}

// GetLead fetches a leadgen submission with the page access token.
func (c *Client) GetLead(ctx context.Context, leadgenID, accessToken string) (*Lead, error) {
	q := url.Values{}
	q.Set("fields", "field_data,created_time,form_id")
	q.Set("access_token", accessToken)

	var out Lead
	if err := c.get(ctx, "/"+url.PathEscape(leadgenID), "/{leadgen_id}", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Page is a page the user manages.
type Page struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	AccessToken string `json:"access_token"`
}

// ListPages returns the pages reachable with a user token.
func (c *Client) ListPages(ctx context.Context, userToken string) ([]Page, error) {
	q := url.Values{}
	q.Set("fields", "id,name,access_token")
	q.Set("access_token", userToken)

	var out struct {
		Data []Page `json:"data"`
	}
	if err := c.get(ctx, "/me/accounts", "/me/accounts", q, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// LeadForm is a lead ads form attached to a page.
type LeadForm struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// ListLeadForms returns the forms of a page.
func (c *Client) ListLeadForms(ctx context.Context, pageID, pageToken string) ([]LeadForm, error) {
	q := url.Values{}
	q.Set("fields", "id,name,status")
	q.Set("access_token", pageToken)

	var out struct {
		Data []LeadForm `json:"data"`
	}
	if err := c.get(ctx, "/"+url.PathEscape(pageID)+"/leadgen_forms", "/{page_id}/leadgen_forms", q, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// Token is an OAuth access token.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// ExchangeToken swaps a short-lived user token for a long-lived one.
func (c *Client) ExchangeToken(ctx context.Context, shortLived string) (*Token, error) {
	if c.appID == "" || c.appSecret == "" {
		return nil, apperr.New(apperr.KindConfig, "facebook exchange token", "FACEBOOK_APP_ID and FACEBOOK_APP_SECRET are required")
	}
	q := url.Values{}
	q.Set("grant_type", "fb_exchange_token")
	q.Set("client_id", c.appID)
	q.Set("client_secret", c.appSecret)
	q.Set("fb_exchange_token", shortLived)

	var out Token
	if err := c.get(ctx, "/oauth/access_token", "/oauth/access_token", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// graphError mirrors the Graph API error envelope.
type graphError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (c *Client) get(ctx context.Context, path, label string, query url.Values, dest any) error {
	op := "facebook " + label
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		if c.metrics != nil {
			c.metrics.VendorRequests.WithLabelValues("facebook", label, "error").Inc()
		}
		return apperr.Wrap(apperr.KindUpstream, op, err)
	}
	defer res.Body.Close()

	statusLabel := strconv.Itoa(res.StatusCode)
	if c.metrics != nil {
		c.metrics.VendorRequests.WithLabelValues("facebook", label, statusLabel).Inc()
		c.metrics.VendorLatency.WithLabelValues("facebook", label, statusLabel).Observe(time.Since(start).Seconds())
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return apperr.Wrap(apperr.KindUpstream, op, fmt.Errorf("read response: %w", err))
	}
	if res.StatusCode >= 300 {
		return classifyGraphError(op, res.StatusCode, body)
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return apperr.Wrap(apperr.KindUpstream, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func classifyGraphError(op string, status int, body []byte) error {
	var ge graphError
	_ = json.Unmarshal(body, &ge)
	msg := ge.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	err := fmt.Errorf("graph error: status=%d code=%d message=%s", status, ge.Error.Code, msg)

	switch {
	case ge.Error.Code == 190 || status == http.StatusUnauthorized:
		return apperr.Wrap(apperr.KindUnauthorized, op, err)
	case ge.Error.Code == 4 || ge.Error.Code == 17 || ge.Error.Code == 32 || ge.Error.Code == 613 || status == http.StatusTooManyRequests:
		return apperr.Wrap(apperr.KindRateLimited, op, err)
	case ge.Error.Code == 100 || status == http.StatusNotFound:
		return apperr.Wrap(apperr.KindNotFound, op, err)
	case status == http.StatusForbidden:
		return apperr.Wrap(apperr.KindForbidden, op, err)
	case status >= 500:
		return apperr.Wrap(apperr.KindUpstream, op, err)
	}
	return apperr.Wrap(apperr.KindValidation, op, err)
}
