package alertnotify

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/wardgate/sentinel/backend/internal/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.NotificationProvider{}))
	return db
}

func TestNormalizeURL_Discord(t *testing.T) {
	url := normalizeURL("discord", "https://discord.com/api/webhooks/12345/abcDEF_-")
	assert.Equal(t, "discord://abcDEF_-@12345", url)

	// Non-discord URLs pass through untouched.
	assert.Equal(t, "slack://token@channel", normalizeURL("slack", "slack://token@channel"))
}

func TestSendWebhook_PostsPayload(t *testing.T) {
	received := make(chan map[string]string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		received <- body
	}))
	defer srv.Close()

	s := New(nil, nil)
	p := &models.NotificationProvider{Name: "hook", Type: "webhook", URL: srv.URL}
	require.NoError(t, s.sendWebhook(p, "notify", "Alert: spike", "20 failures in 5m"))

	select {
	case body := <-received:
		assert.Equal(t, "notify", body["kind"])
		assert.Equal(t, "Alert: spike", body["title"])
		assert.Equal(t, "20 failures in 5m", body["message"])
	case <-time.After(time.Second):
		t.Fatal("webhook not delivered")
	}
}

func TestSendWebhook_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := New(nil, nil)
	p := &models.NotificationProvider{Name: "hook", Type: "webhook", URL: srv.URL}
	assert.Error(t, s.sendWebhook(p, "notify", "t", "m"))
}

func TestValidateTargetURL(t *testing.T) {
	_, err := validateTargetURL("http://localhost:9000/hook")
	assert.NoError(t, err, "explicit loopback is allowed for local testing")

	_, err = validateTargetURL("ftp://example.com/hook")
	assert.Error(t, err)

	_, err = validateTargetURL("http:///nohost")
	assert.Error(t, err)
}

func TestIsPrivateIP(t *testing.T) {
	private := []string{"10.1.2.3", "172.16.0.1", "192.168.1.1", "127.0.0.1", "169.254.1.1"}
	for _, ip := range private {
		assert.True(t, isPrivateIP(net.ParseIP(ip)), ip)
	}
	assert.False(t, isPrivateIP(net.ParseIP("203.0.113.1")))
}

func TestWantsKind(t *testing.T) {
	p := models.NotificationProvider{Kinds: "notify, email"}
	assert.True(t, p.WantsKind("notify"))
	assert.True(t, p.WantsKind("email"))
	assert.False(t, p.WantsKind("webhook"))

	all := models.NotificationProvider{}
	assert.True(t, all.WantsKind("webhook"))
}

func TestSaveProvider_Validation(t *testing.T) {
	s := New(setupTestDB(t), nil)

	assert.Error(t, s.SaveProvider(&models.NotificationProvider{Name: "no-url"}))

	p := &models.NotificationProvider{Name: "hook", Type: "webhook", URL: "http://localhost:9000/hook", Enabled: true}
	require.NoError(t, s.SaveProvider(p))
	assert.NotEmpty(t, p.ID)

	providers, err := s.ListProviders()
	require.NoError(t, err)
	assert.Len(t, providers, 1)
}

func TestSaveProvider_DisabledStaysDisabled(t *testing.T) {
	s := New(setupTestDB(t), nil)

	p := &models.NotificationProvider{Name: "paused", Type: "webhook", URL: "http://localhost:9000/hook", Enabled: false}
	require.NoError(t, s.SaveProvider(p))

	providers, err := s.ListProviders()
	require.NoError(t, err)
	require.Len(t, providers, 1)
	assert.False(t, providers[0].Enabled, "disabled provider must read back disabled")
}
