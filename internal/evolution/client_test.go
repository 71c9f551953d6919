package evolution

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadhub/internal/apperr"
	"leadhub/internal/logging"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, APIKey: "secret", Timeout: time.Second}, logging.Discard(), nil)
}

func TestFetchPresence(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat/fetchProfile/main", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("apikey"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "5511999990000", body["number"])

		_, _ = w.Write([]byte(`{"wuid":"5511999990000@s.whatsapp.net","name":"Ana","presence":"available","status":{"status":"busy"},"lastSeen":1767225600}`))
	})

	p, err := c.FetchPresence(context.Background(), "main", "5511999990000")
	require.NoError(t, err)
	assert.True(t, p.IsOnline())
	assert.Equal(t, "busy", p.Status)
	require.NotNil(t, p.LastSeen)
	assert.Equal(t, int64(1767225600), p.LastSeen.Unix())
}

func TestClassifiesBridgeErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   apperr.Kind
	}{
		{"bad request", http.StatusBadRequest, `{"message":"rate"}`, apperr.KindRateLimited},
		{"not found", http.StatusNotFound, `{}`, apperr.KindNotFound},
		{"unauthorized", http.StatusUnauthorized, `{}`, apperr.KindUnauthorized},
		{"closed session", http.StatusBadRequest, `{"message":"Connection Closed"}`, apperr.KindNotConnected},
		{"server error", http.StatusInternalServerError, `oops`, apperr.KindUpstream},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := c.FetchPresence(context.Background(), "main", "1")
			require.Error(t, err)
			assert.Equal(t, tc.kind, apperr.KindOf(err))

			var httpErr *HTTPError
			require.ErrorAs(t, err, &httpErr)
			assert.Equal(t, tc.status, httpErr.Status)
		})
	}
}

func TestFindContactsAndLogout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/chat/findContacts/main":
			_, _ = w.Write([]byte(`[{"id":"1","remoteJid":"5511@s.whatsapp.net","pushName":"Ana"},{"id":"2","remoteJid":"123-456@g.us"}]`))
		case "/instance/logout/main":
			assert.Equal(t, http.MethodDelete, r.Method)
			w.WriteHeader(http.StatusOK)
		case "/instance/connectionState/main":
			_, _ = w.Write([]byte(`{"instance":{"instanceName":"main","state":"open"}}`))
		default:
			http.NotFound(w, r)
		}
	})

	contacts, err := c.FindContacts(context.Background(), "main")
	require.NoError(t, err)
	require.Len(t, contacts, 2)
	assert.Equal(t, "Ana", contacts[0].PushName)

	require.NoError(t, c.Logout(context.Background(), "main"))

	state, err := c.ConnectionState(context.Background(), "main")
	require.NoError(t, err)
	assert.Equal(t, "open", state)
}

func TestTransportFailureIsUpstream(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond}, logging.Discard(), nil)
	err := c.Logout(context.Background(), "main")
	require.Error(t, err)
	assert.Equal(t, apperr.KindUpstream, apperr.KindOf(err))
	assert.True(t, apperr.Retryable(err))
}

func TestEndpointLabel(t *testing.T) {
	assert.Equal(t, "/chat/fetchProfile", endpointLabel("/chat/fetchProfile/main"))
	assert.Equal(t, "/instance/logout", endpointLabel("/instance/logout/sales-2"))
}

func TestPhoneFromJID(t *testing.T) {
	cases := map[string]struct {
		phone string
		ok    bool
	}{
		"5511999990000@s.whatsapp.net":    {"5511999990000", true},
		"5511999990000:12@s.whatsapp.net": {"5511999990000", true},
		"5511999990000@c.us":              {"5511999990000", true},
		"+5511999990000":                  {"5511999990000", true},
		"120363025246125888@g.us":         {"", false},
		"status@broadcast":                {"", false},
		"":                                {"", false},
	}
	for in, want := range cases {
		phone, ok := PhoneFromJID(in)
		assert.Equal(t, want.ok, ok, in)
		assert.Equal(t, want.phone, phone, in)
	}
	assert.True(t, IsGroupJID("120363025246125888@g.us"))
	assert.False(t, IsGroupJID("5511@s.whatsapp.net"))
	assert.Equal(t, "5511@s.whatsapp.net", UserJID("5511"))
}

type fakeSettings map[string]string

func (f fakeSettings) GetSetting(_ context.Context, key string) (string, bool, error) {
	v, ok := f[key]
	return v, ok, nil
}

func TestResolveConfig(t *testing.T) {
	ctx := context.Background()
	logger := logging.Discard()

	cfg, err := ResolveConfig(ctx, Config{BaseURL: "http://env"}, fakeSettings{SettingAPIURL: "http://db"}, false, logger)
	require.NoError(t, err)
	assert.Equal(t, "http://env", cfg.BaseURL)

	cfg, err = ResolveConfig(ctx, Config{}, fakeSettings{SettingAPIURL: "http://db", SettingAPIKey: "k"}, false, logger)
	require.NoError(t, err)
	assert.Equal(t, "http://db", cfg.BaseURL)
	assert.Equal(t, "k", cfg.APIKey)

	cfg, err = ResolveConfig(ctx, Config{}, fakeSettings{}, false, logger)
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, cfg.BaseURL)

	_, err = ResolveConfig(ctx, Config{}, fakeSettings{}, true, logger)
	assert.True(t, apperr.Is(err, apperr.KindConfig))
}
