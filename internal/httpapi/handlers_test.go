package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"iotguard.dev/internal/audit"
	"iotguard.dev/internal/auth"
	"iotguard.dev/internal/credential"
	"iotguard.dev/internal/device"
	"iotguard.dev/internal/httpapi"
	"iotguard.dev/internal/ingest"
	"iotguard.dev/internal/store/memory"
	"iotguard.dev/internal/token"
)

type apiFixture struct {
	api     *httpapi.API
	handler http.Handler
	auth    *auth.Service
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	issuer, err := token.NewIssuer(
		token.Config{Key: "user-access-test-key", TTL: 15 * time.Minute},
		token.Config{Key: "user-refresh-test-key", TTL: 24 * time.Hour},
		token.Config{Key: "device-access-test-key", TTL: 5 * time.Minute},
	)
	require.NoError(t, err)

	store := memory.New()
	hasher := credential.NewHasher(credential.WithCost(bcrypt.MinCost))
	rec := audit.NewRecorder(store.Events())
	authSvc := auth.NewService(store.Users(), store.RefreshTokens(), issuer, hasher, rec)
	deviceSvc := device.NewService(store.Devices(), issuer, hasher, rec)
	guard := ingest.NewGuard(store.Devices(), 2048, time.Second)
	ingestSvc := ingest.NewService(deviceSvc, guard, store.Readings(), issuer, rec)

	api := httpapi.New(authSvc, deviceSvc, ingestSvc, rec, httpapi.ReadyProbe{}, "test",
		httpapi.WithRateLimit(1000, 1000))
	return &apiFixture{api: api, handler: api.Handler(), auth: authSvc}
}

func (f *apiFixture) do(t *testing.T, method, path, bearerToken string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+bearerToken)
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), dst))
}

// login registers a fresh user and returns its access token.
func (f *apiFixture) login(t *testing.T, email string) string {
	t.Helper()
	creds := map[string]string{"email": email, "password": "correct horse battery"}
	rr := f.do(t, http.MethodPost, "/v1/auth/register", "", creds)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = f.do(t, http.MethodPost, "/v1/auth/login", "", creds)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp struct {
		Tokens struct {
			AccessToken string `json:"access_token"`
		} `json:"tokens"`
	}
	decodeBody(t, rr, &resp)
	require.NotEmpty(t, resp.Tokens.AccessToken)
	return resp.Tokens.AccessToken
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)
	rr := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp map[string]any
	decodeBody(t, rr, &resp)
	require.Equal(t, "ok", resp["status"])
	require.Equal(t, "test", resp["version"])
	require.NotEmpty(t, rr.Header().Get("X-Request-Id"))
	require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
}

func TestAuthFlow(t *testing.T) {
	f := newAPIFixture(t)
	creds := map[string]string{"email": "flow@example.com", "password": "correct horse battery"}

	rr := f.do(t, http.MethodPost, "/v1/auth/register", "", creds)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var user struct {
		ID    string `json:"id"`
		Email string `json:"email"`
		Role  string `json:"role"`
	}
	decodeBody(t, rr, &user)
	require.Equal(t, "flow@example.com", user.Email)
	require.Equal(t, auth.RoleUser, user.Role)

	// Duplicate registration conflicts.
	rr = f.do(t, http.MethodPost, "/v1/auth/register", "", creds)
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = f.do(t, http.MethodPost, "/v1/auth/login", "", creds)
	require.Equal(t, http.StatusOK, rr.Code)
	var login struct {
		Tokens struct {
			AccessToken      string `json:"access_token"`
			RefreshToken     string `json:"refresh_token"`
			TokenType        string `json:"token_type"`
			ExpiresInMinutes int    `json:"expires_in_minutes"`
		} `json:"tokens"`
	}
	decodeBody(t, rr, &login)
	require.Equal(t, "bearer", login.Tokens.TokenType)
	require.Equal(t, 15, login.Tokens.ExpiresInMinutes)

	// Rotation: the new pair works, the old refresh token is dead.
	rr = f.do(t, http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh_token": login.Tokens.RefreshToken})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var rotated struct {
		RefreshToken string `json:"refresh_token"`
	}
	decodeBody(t, rr, &rotated)
	require.NotEqual(t, login.Tokens.RefreshToken, rotated.RefreshToken)

	rr = f.do(t, http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh_token": login.Tokens.RefreshToken})
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = f.do(t, http.MethodPost, "/v1/auth/logout", "", map[string]string{"refresh_token": rotated.RefreshToken})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh_token": rotated.RefreshToken})
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestLoginBadCredentialsUniform(t *testing.T) {
	f := newAPIFixture(t)
	f.login(t, "uniform@example.com")

	wrongPass := f.do(t, http.MethodPost, "/v1/auth/login", "",
		map[string]string{"email": "uniform@example.com", "password": "nope nope nope"})
	unknownUser := f.do(t, http.MethodPost, "/v1/auth/login", "",
		map[string]string{"email": "ghost@example.com", "password": "nope nope nope"})

	require.Equal(t, http.StatusUnauthorized, wrongPass.Code)
	require.Equal(t, http.StatusUnauthorized, unknownUser.Code)

	var a, b map[string]any
	decodeBody(t, wrongPass, &a)
	decodeBody(t, unknownUser, &b)
	require.Equal(t, a["error"], b["error"])
}

func TestDeviceLifecycleOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	userToken := f.login(t, "owner@example.com")

	rr := f.do(t, http.MethodPost, "/v1/devices", userToken,
		map[string]string{"name": "Rooftop", "category": "weather_station"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created struct {
		Device struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"device"`
		Secret string `json:"secret"`
	}
	decodeBody(t, rr, &created)
	require.NotEmpty(t, created.Secret)
	require.Equal(t, "active", created.Device.Status)
	require.Equal(t, "/v1/devices/"+created.Device.ID, rr.Header().Get("Location"))

	// Unknown category is rejected before touching the service.
	rr = f.do(t, http.MethodPost, "/v1/devices", userToken,
		map[string]string{"name": "X", "category": "toaster"})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	// Secret exchange needs no user session.
	rr = f.do(t, http.MethodPost, "/v1/devices/"+created.Device.ID+"/token", "",
		map[string]string{"secret": created.Secret})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var tok struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	decodeBody(t, rr, &tok)
	require.Equal(t, "bearer", tok.TokenType)

	// Ingest one reading with the device token.
	rr = f.do(t, http.MethodPost, "/v1/readings", tok.AccessToken,
		map[string]any{"payload": map[string]any{"temperature_c": 19.5}})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var reading struct {
		DeviceID  string `json:"device_id"`
		Simulated bool   `json:"simulated"`
	}
	decodeBody(t, rr, &reading)
	require.Equal(t, created.Device.ID, reading.DeviceID)
	require.False(t, reading.Simulated)

	// The owner sees it.
	rr = f.do(t, http.MethodGet, "/v1/devices/"+created.Device.ID+"/readings", userToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var listing struct {
		Items []json.RawMessage `json:"items"`
	}
	decodeBody(t, rr, &listing)
	require.Len(t, listing.Items, 1)

	// A stranger is authenticated but not authorized.
	strangerToken := f.login(t, "stranger@example.com")
	rr = f.do(t, http.MethodGet, "/v1/devices/"+created.Device.ID, strangerToken, nil)
	require.Equal(t, http.StatusForbidden, rr.Code)

	// Rotating the secret kills outstanding device tokens.
	rr = f.do(t, http.MethodPost, "/v1/devices/"+created.Device.ID+"/rotate-secret", userToken, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rr = f.do(t, http.MethodPost, "/v1/readings", tok.AccessToken,
		map[string]any{"payload": map[string]any{"temperature_c": 20.0}})
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = f.do(t, http.MethodPost, "/v1/devices/"+created.Device.ID+"/deactivate", userToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var after struct {
		Status string `json:"status"`
	}
	decodeBody(t, rr, &after)
	require.Equal(t, "deactivated", after.Status)

	// Deletion is a soft terminal state: the device drops out of listings
	// but stays readable by id.
	rr = f.do(t, http.MethodDelete, "/v1/devices/"+created.Device.ID, userToken, nil)
	require.Equal(t, http.StatusNoContent, rr.Code)
	rr = f.do(t, http.MethodGet, "/v1/devices/"+created.Device.ID, userToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	decodeBody(t, rr, &after)
	require.Equal(t, "deleted", after.Status)

	rr = f.do(t, http.MethodGet, "/v1/devices", userToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var devices struct {
		Items []json.RawMessage `json:"items"`
	}
	decodeBody(t, rr, &devices)
	require.Empty(t, devices.Items)
}

func TestIngestPayloadTooLargeOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	userToken := f.login(t, "big@example.com")

	rr := f.do(t, http.MethodPost, "/v1/devices", userToken,
		map[string]string{"category": "weather_station"})
	require.Equal(t, http.StatusCreated, rr.Code)
	var created struct {
		Device struct {
			ID string `json:"id"`
		} `json:"device"`
		Secret string `json:"secret"`
	}
	decodeBody(t, rr, &created)

	rr = f.do(t, http.MethodPost, "/v1/devices/"+created.Device.ID+"/token", "",
		map[string]string{"secret": created.Secret})
	require.Equal(t, http.StatusOK, rr.Code)
	var tok struct {
		AccessToken string `json:"access_token"`
	}
	decodeBody(t, rr, &tok)

	oversized := json.RawMessage(fmt.Sprintf(`{"data":%q}`, bytes.Repeat([]byte("x"), 2049)))
	rr = f.do(t, http.MethodPost, "/v1/readings", tok.AccessToken,
		map[string]any{"payload": oversized})
	require.Equal(t, http.StatusRequestEntityTooLarge, rr.Code, rr.Body.String())
}

func TestSecurityEventsAdminOnly(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.auth.EnsureAdmin(context.Background(), "root@example.com", "correct horse battery"))

	userToken := f.login(t, "pleb@example.com")
	rr := f.do(t, http.MethodGet, "/v1/security-events", userToken, nil)
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = f.do(t, http.MethodPost, "/v1/auth/login", "",
		map[string]string{"email": "root@example.com", "password": "correct horse battery"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var login struct {
		Tokens struct {
			AccessToken string `json:"access_token"`
		} `json:"tokens"`
	}
	decodeBody(t, rr, &login)

	rr = f.do(t, http.MethodGet, "/v1/security-events?limit=10", login.Tokens.AccessToken, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var events struct {
		Items []struct {
			EventType string `json:"event_type"`
		} `json:"items"`
	}
	decodeBody(t, rr, &events)
	require.NotEmpty(t, events.Items)

	// Non-integer limit is a client error.
	rr = f.do(t, http.MethodGet, "/v1/security-events?limit=banana", login.Tokens.AccessToken, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDeviceCategories(t *testing.T) {
	f := newAPIFixture(t)
	rr := f.do(t, http.MethodGet, "/v1/device-categories", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Items []struct {
			Slug string `json:"slug"`
		} `json:"items"`
	}
	decodeBody(t, rr, &resp)
	require.Len(t, resp.Items, 5)
	for i := 1; i < len(resp.Items); i++ {
		require.Less(t, resp.Items[i-1].Slug, resp.Items[i].Slug)
	}
}

func TestErrorEnvelopeCarriesRequestID(t *testing.T) {
	f := newAPIFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/devices", nil)
	req.Header.Set("X-Request-Id", "req-abc-123")
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusUnauthorized, rr.Code)
	var resp map[string]any
	decodeBody(t, rr, &resp)
	require.Equal(t, "req-abc-123", resp["request_id"])
	require.Equal(t, "req-abc-123", rr.Header().Get("X-Request-Id"))
}

func TestMethodNotAllowed(t *testing.T) {
	f := newAPIFixture(t)
	rr := f.do(t, http.MethodDelete, "/v1/auth/login", "", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	require.Equal(t, "POST", rr.Header().Get("Allow"))
}
