package evolution

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

	"leadhub/internal/apperr"
	"leadhub/internal/metrics"
)

// DefaultBaseURL is used when neither the environment nor system_settings name a bridge.
const DefaultBaseURL = "http://localhost:8080"

// Client provides typed access to the Evolution API WhatsApp bridge.
type Client struct {
	logger  *slog.Logger
	baseURL string
	apiKey  string
	http    *http.Client
	metrics *metrics.Metrics
}

// Config holds bridge client configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// New creates a new bridge client.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		logger:  logger.With("component", "evolution"),
		baseURL: base,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		metrics: m,
	}
}

// HTTPError is a non-2xx bridge response.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("evolution error: status=%d body=%s", e.Status, e.Body)
}

// Profile is the subset of /chat/fetchProfile used for presence.
type Profile struct {
	WUID     string
	Name     string
	Picture  string
	Presence string
	Status   string
	LastSeen *time.Time
}

// IsOnline reports whether the contact is currently active.
func (p Profile) IsOnline() bool {
	switch strings.ToLower(p.Presence) {
	case "available", "composing", "recording", "online":
		return true
	}
	return false
}

// UnmarshalJSON accepts the bridge's loosely typed profile payload.
func (p *Profile) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.WUID = readString(raw, "wuid", "id")
	p.Name = readString(raw, "name", "pushName")
	p.Picture = readString(raw, "picture", "profilePictureUrl")
	p.Presence = readString(raw, "presence", "lastKnownPresence")

	if status, ok := raw["status"]; ok {
		var nested struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(status, &nested); err == nil {
			p.Status = nested.Status
		} else {
			var s string
			if err := json.Unmarshal(status, &s); err == nil {
				p.Status = s
			}
		}
	}

	if seen, ok := raw["lastSeen"]; ok {
		var secs int64
		if err := json.Unmarshal(seen, &secs); err == nil && secs > 0 {
			t := time.Unix(secs, 0).UTC()
			p.LastSeen = &t
		} else {
			var str string
			if err := json.Unmarshal(seen, &str); err == nil {
				if t, err := time.Parse(time.RFC3339, str); err == nil {
					p.LastSeen = &t
				} else if n, err := strconv.ParseInt(str, 10, 64); err == nil && n > 0 {
					t := time.Unix(n, 0).UTC()
					p.LastSeen = &t
				}
			}
		}
	}
	return nil
}

// FetchPresence looks up the profile and presence of a phone number.
func (c *Client) FetchPresence(ctx context.Context, instance, number string) (*Profile, error) {
	var out Profile
	endpoint := "/chat/fetchProfile/" + url.PathEscape(instance)
	if err := c.do(ctx, http.MethodPost, endpoint, map[string]string{"number": number}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Contact is one entry of /chat/findContacts.
type Contact struct {
	ID            string `json:"id"`
	RemoteJID     string `json:"remoteJid"`
	PushName      string `json:"pushName"`
	ProfilePicURL string `json:"profilePicUrl"`
}

// FindContacts lists the address book of a connected instance.
func (c *Client) FindContacts(ctx context.Context, instance string) ([]Contact, error) {
	var out []Contact
	endpoint := "/chat/findContacts/" + url.PathEscape(instance)
	if err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"where": map[string]any{}}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Logout ends the WhatsApp session of an instance.
func (c *Client) Logout(ctx context.Context, instance string) error {
	return c.do(ctx, http.MethodDelete, "/instance/logout/"+url.PathEscape(instance), nil, nil)
}

// ConnectionState returns the bridge-side state ("open", "connecting", "close").
func (c *Client) ConnectionState(ctx context.Context, instance string) (string, error) {
	var out struct {
		Instance struct {
			State string `json:"state"`
		} `json:"instance"`
		State string `json:"state"`
	}
	if err := c.do(ctx, http.MethodGet, "/instance/connectionState/"+url.PathEscape(instance), nil, &out); err != nil {
		return "", err
	}
	if out.Instance.State != "" {
		return out.Instance.State, nil
	}
	return out.State, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload any, dest any) error {
	op := "evolution " + endpointLabel(endpoint)

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "leadhub/evolution-client")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}

	label := endpointLabel(endpoint)
	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		if c.metrics != nil {
			c.metrics.VendorRequests.WithLabelValues("evolution", label, "error").Inc()
		}
		return apperr.Wrap(apperr.KindUpstream, op, err)
	}
	defer res.Body.Close()

	statusLabel := strconv.Itoa(res.StatusCode)
	if c.metrics != nil {
		c.metrics.VendorRequests.WithLabelValues("evolution", label, statusLabel).Inc()
		c.metrics.VendorLatency.WithLabelValues("evolution", label, statusLabel).Observe(time.Since(start).Seconds())
	}

	bodyBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return apperr.Wrap(apperr.KindUpstream, op, fmt.Errorf("read response: %w", err))
	}

	if res.StatusCode >= 300 {
		return classifyHTTPError(op, res.StatusCode, string(bodyBytes))
	}
	if dest == nil || len(bytes.TrimSpace(bodyBytes)) == 0 {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, dest); err != nil {
		return apperr.Wrap(apperr.KindUpstream, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// classifyHTTPError maps a bridge failure to an error kind once, so callers never inspect text.
func classifyHTTPError(op string, status int, body string) error {
	snippet := strings.TrimSpace(body)
	if len(snippet) > 512 {
		snippet = snippet[:512]
	}
	httpErr := &HTTPError{Status: status, Body: snippet}
	lower := strings.ToLower(snippet)

	switch {
	case strings.Contains(lower, "connection closed"),
		strings.Contains(lower, "not connected"),
		strings.Contains(lower, "instance is closed"),
		strings.Contains(lower, "disconnected"):
		return apperr.Wrap(apperr.KindNotConnected, op, httpErr)
	case status == http.StatusBadRequest, status == http.StatusTooManyRequests:
		return apperr.Wrap(apperr.KindRateLimited, op, httpErr)
	case status == http.StatusNotFound:
		return apperr.Wrap(apperr.KindNotFound, op, httpErr)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return apperr.Wrap(apperr.KindUnauthorized, op, httpErr)
	}
	return apperr.Wrap(apperr.KindUpstream, op, httpErr)
}

// endpointLabel strips the instance segment so metrics stay low-cardinality.
func endpointLabel(endpoint string) string {
	parts := strings.Split(strings.Trim(endpoint, "/"), "/")
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return "/" + strings.Join(parts, "/")
}

func readString(raw map[string]json.RawMessage, keys ...string) string {
	for _, key := range keys {
		val, ok := raw[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(val, &s); err == nil && s != "" {
			return s
		}
	}
	return ""
}
