package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/wardgate/sentinel/backend/internal/audit"
	"github.com/wardgate/sentinel/backend/internal/correlation"
	"github.com/wardgate/sentinel/backend/internal/identity"
	"github.com/wardgate/sentinel/backend/internal/kvstore"
	"github.com/wardgate/sentinel/backend/internal/logger"
	"github.com/wardgate/sentinel/backend/internal/models"
	"github.com/wardgate/sentinel/backend/internal/monitoring"
	"github.com/wardgate/sentinel/backend/internal/ratelimit"
	"github.com/wardgate/sentinel/backend/internal/threatintel"
)

type authEnv struct {
	router *gin.Engine
	db     *gorm.DB
	tokens *identity.TokenService
	trail  *audit.Trail
}

func newAuthEnv(t *testing.T, idpURL string, denyList []string) *authEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger.Init(false, &bytes.Buffer{})

	db := OpenTestDB(t)
	require.NoError(t, db.AutoMigrate(
		&models.AuditEvent{}, &models.AuditChain{}, &models.Alert{}, &models.ThreatSighting{},
	))

	store := kvstore.New(nil, "", time.Second)
	limiter := ratelimit.New(store, ratelimit.Config{
		MaxEmail:        3,
		MaxIP:           20,
		Window:          time.Minute,
		LockoutDuration: time.Minute,
	})

	var sources []threatintel.Source
	if len(denyList) > 0 {
		sources = append(sources, threatintel.NewStaticListSource(nil, denyList))
	}
	threats := threatintel.New(db, sources, time.Minute, time.Second)

	tokens, err := identity.NewTokenService("test-secret", time.Hour, 24*time.Hour, store)
	require.NoError(t, err)

	trail, err := audit.New(db, audit.Config{SignatureKey: "audit-key"})
	require.NoError(t, err)
	t.Cleanup(trail.Close)

	correlator := correlation.New(correlation.DefaultRules())
	monitor := monitoring.New(db, nil, time.Minute, monitoring.DefaultRules())

	h := NewAuthHandler(limiter, threats, identity.NewProvider(idpURL), tokens, trail, correlator, nil, monitor)

	router := gin.New()
	router.POST("/auth-login", h.Login)
	router.POST("/auth-logout", h.Logout)
	router.POST("/auth-refresh", h.Refresh)
	router.POST("/auth-validate", h.Validate)
	return &authEnv{router: router, db: db, tokens: tokens, trail: trail}
}

// fakeIdP accepts a single email/password pair on /verify.
func fakeIdP(t *testing.T, email, password string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var creds struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if creds.Email != email || creds.Password != password {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id": "u-1", "email": creds.Email, "name": "Test User",
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, router *gin.Engine, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestLoginSuccessIssuesTokens(t *testing.T) {
	idp := fakeIdP(t, "user@example.com", "correct-horse")
	env := newAuthEnv(t, idp.URL, nil)

	w := postJSON(t, env.router, "/auth-login", gin.H{
		"email": "user@example.com", "password": "correct-horse",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decodeBody(t, w)
	access, _ := body["accessToken"].(string)
	require.NotEmpty(t, access)
	assert.NotEmpty(t, body["refreshToken"])
	assert.EqualValues(t, 3600, body["expiresIn"])

	claims, err := env.tokens.ValidateAccess(context.Background(), access)
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", claims.Email)

	events, err := env.trail.QueryEvents(audit.QueryFilters{Outcome: "success"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "login", events[0].Action)
	assert.Equal(t, "user@example.com", events[0].Actor)
}

func TestLoginInvalidCredentials(t *testing.T) {
	idp := fakeIdP(t, "user@example.com", "correct-horse")
	env := newAuthEnv(t, idp.URL, nil)

	w := postJSON(t, env.router, "/auth-login", gin.H{
		"email": "user@example.com", "password": "wrong",
	})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "invalid credentials", decodeBody(t, w)["error"])

	events, err := env.trail.QueryEvents(audit.QueryFilters{Outcome: "failure"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Details, "invalid_credentials")
}

func TestLoginMissingFieldsRejected(t *testing.T) {
	idp := fakeIdP(t, "user@example.com", "correct-horse")
	env := newAuthEnv(t, idp.URL, nil)

	w := postJSON(t, env.router, "/auth-login", gin.H{"email": "user@example.com"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLoginRateLimitedAfterRepeatedFailures(t *testing.T) {
	idp := fakeIdP(t, "user@example.com", "correct-horse")
	env := newAuthEnv(t, idp.URL, nil)

	attempt := gin.H{"email": "target@example.com", "password": "wrong"}
	for i := 0; i < 3; i++ {
		w := postJSON(t, env.router, "/auth-login", attempt)
		require.Contains(t, []int{http.StatusUnauthorized, http.StatusTooManyRequests}, w.Code)
	}

	w := postJSON(t, env.router, "/auth-login", attempt)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// The correct password is refused too while the lockout holds.
	w = postJSON(t, env.router, "/auth-login", gin.H{
		"email": "target@example.com", "password": "correct-horse",
	})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestLoginBlockedByThreatIntel(t *testing.T) {
	idp := fakeIdP(t, "user@example.com", "correct-horse")
	// httptest requests arrive from 192.0.2.1.
	env := newAuthEnv(t, idp.URL, []string{"192.0.2.0/24"})

	w := postJSON(t, env.router, "/auth-login", gin.H{
		"email": "user@example.com", "password": "correct-horse",
	})
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "request blocked", decodeBody(t, w)["error"])

	var sightings int64
	env.db.Model(&models.ThreatSighting{}).Count(&sightings)
	assert.EqualValues(t, 1, sightings)
}

func TestLoginProviderUnavailable(t *testing.T) {
	idp := fakeIdP(t, "user@example.com", "correct-horse")
	url := idp.URL
	idp.Close()
	env := newAuthEnv(t, url, nil)

	w := postJSON(t, env.router, "/auth-login", gin.H{
		"email": "user@example.com", "password": "correct-horse",
	})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRefreshRotatesAndSpendsToken(t *testing.T) {
	idp := fakeIdP(t, "user@example.com", "correct-horse")
	env := newAuthEnv(t, idp.URL, nil)

	login := postJSON(t, env.router, "/auth-login", gin.H{
		"email": "user@example.com", "password": "correct-horse",
	})
	require.Equal(t, http.StatusOK, login.Code)
	refresh, _ := decodeBody(t, login)["refreshToken"].(string)
	require.NotEmpty(t, refresh)

	w := postJSON(t, env.router, "/auth-refresh", gin.H{"refreshToken": refresh})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rotated := decodeBody(t, w)
	assert.NotEmpty(t, rotated["accessToken"])
	assert.NotEqual(t, refresh, rotated["refreshToken"])

	// The spent refresh token is single-use.
	w = postJSON(t, env.router, "/auth-refresh", gin.H{"refreshToken": refresh})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLogoutRevokesToken(t *testing.T) {
	idp := fakeIdP(t, "user@example.com", "correct-horse")
	env := newAuthEnv(t, idp.URL, nil)

	login := postJSON(t, env.router, "/auth-login", gin.H{
		"email": "user@example.com", "password": "correct-horse",
	})
	require.Equal(t, http.StatusOK, login.Code)
	access, _ := decodeBody(t, login)["accessToken"].(string)

	w := postJSON(t, env.router, "/auth-logout", gin.H{"token": access})
	require.Equal(t, http.StatusOK, w.Code)

	w = postJSON(t, env.router, "/auth-validate", gin.H{"token": access})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, false, decodeBody(t, w)["valid"])
}

func TestValidateAcceptsLiveToken(t *testing.T) {
	idp := fakeIdP(t, "user@example.com", "correct-horse")
	env := newAuthEnv(t, idp.URL, nil)

	login := postJSON(t, env.router, "/auth-login", gin.H{
		"email": "user@example.com", "password": "correct-horse",
	})
	require.Equal(t, http.StatusOK, login.Code)
	access, _ := decodeBody(t, login)["accessToken"].(string)

	w := postJSON(t, env.router, "/auth-validate", gin.H{"token": access})
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, "user@example.com", body["email"])
}

func TestValidateRejectsGarbageToken(t *testing.T) {
	idp := fakeIdP(t, "user@example.com", "correct-horse")
	env := newAuthEnv(t, idp.URL, nil)

	w := postJSON(t, env.router, "/auth-validate", gin.H{"token": "not-a-jwt"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestValidateRateLimitedAfterRepeatedGarbageTokens(t *testing.T) {
	idp := fakeIdP(t, "user@example.com", "correct-horse")
	env := newAuthEnv(t, idp.URL, nil)

	// Each invalid token counts against the caller's IP, same as a failed login.
	for i := 0; i < 20; i++ {
		w := postJSON(t, env.router, "/auth-validate", gin.H{"token": "not-a-jwt"})
		require.Contains(t, []int{http.StatusUnauthorized, http.StatusTooManyRequests}, w.Code)
	}

	w := postJSON(t, env.router, "/auth-validate", gin.H{"token": "not-a-jwt"})
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestLogoutRateLimitedAfterRepeatedGarbageTokens(t *testing.T) {
	idp := fakeIdP(t, "user@example.com", "correct-horse")
	env := newAuthEnv(t, idp.URL, nil)

	for i := 0; i < 20; i++ {
		w := postJSON(t, env.router, "/auth-logout", gin.H{"token": "not-a-jwt"})
		require.Contains(t, []int{http.StatusUnauthorized, http.StatusTooManyRequests}, w.Code)
	}

	w := postJSON(t, env.router, "/auth-logout", gin.H{"token": "not-a-jwt"})
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestRefreshFailuresCountTowardLockout(t *testing.T) {
	idp := fakeIdP(t, "user@example.com", "correct-horse")
	env := newAuthEnv(t, idp.URL, nil)

	login := postJSON(t, env.router, "/auth-login", gin.H{
		"email": "user@example.com", "password": "correct-horse",
	})
	require.Equal(t, http.StatusOK, login.Code)
	refresh, _ := decodeBody(t, login)["refreshToken"].(string)
	require.NotEmpty(t, refresh)

	for i := 0; i < 20; i++ {
		w := postJSON(t, env.router, "/auth-refresh", gin.H{"refreshToken": "not-a-refresh-token"})
		require.Contains(t, []int{http.StatusUnauthorized, http.StatusTooManyRequests}, w.Code)
	}

	// The IP lockout applies even to a valid refresh token.
	w := postJSON(t, env.router, "/auth-refresh", gin.H{"refreshToken": refresh})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}
