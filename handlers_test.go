package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	jwtSecret = []byte("test-secret")
	return &App{
		DB:            NewMemoryDB(),
		log:           zap.NewNop(),
		hasher:        NewHasher(4, 4),
		sso:           noopFederator{},
		roles:         NewStaticRoles(nil),
		accessTTL:     30 * time.Minute,
		refreshTTL:    24 * time.Hour,
		rotateRefresh: true,
	}
}

func postForm(t *testing.T, a *App, path string, form url.Values, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rr := httptest.NewRecorder()
	a.Router().ServeHTTP(rr, req)
	return rr
}

func postJSON(t *testing.T, a *App, path string, body string, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rr := httptest.NewRecorder()
	a.Router().ServeHTTP(rr, req)
	return rr
}

func doRequest(t *testing.T, a *App, method, path, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rr := httptest.NewRecorder()
	a.Router().ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &m), "body: %s", rr.Body.String())
	return m
}

func registrationForm(email string) url.Values {
	return url.Values{
		"username":                       {email},
		"password":                       {"Secret1"},
		"first_name":                     {"Alice"},
		"last_name":                      {"Archer"},
		"accepted_terms_and_conditions":  {"true"},
		"allow_marketing_communications": {"false"},
	}
}

// registerTestUser registers a user and returns the response body, which
// includes a token pair.
func registerTestUser(t *testing.T, a *App, email string) map[string]interface{} {
	t.Helper()
	rr := postForm(t, a, "/users", registrationForm(email), "")
	require.Equal(t, http.StatusOK, rr.Code, "body: %s", rr.Body.String())
	return decodeBody(t, rr)
}

// registerTestClient registers a client under the given bearer token.
func registerTestClient(t *testing.T, a *App, bearer, name string) map[string]interface{} {
	t.Helper()
	body := `{}`
	if name != "" {
		body = `{"client_name":` + jsonString(name) + `}`
	}
	rr := postJSON(t, a, "/clients", body, bearer)
	require.Equal(t, http.StatusOK, rr.Code, "body: %s", rr.Body.String())
	return decodeBody(t, rr)
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

var challengeParam = regexp.MustCompile(`([^\s=]+)="([^"]*)"`)

func parseChallenge(header string) map[string]string {
	out := map[string]string{}
	for _, m := range challengeParam.FindAllStringSubmatch(header, -1) {
		out[m[1]] = m[2]
	}
	return out
}

func TestPasswordGrant(t *testing.T) {
	a := newTestApp(t)
	registerTestUser(t, a, "a@x.com")

	rr := postForm(t, a, "/oauth2/token", url.Values{
		"grant_type": {"password"},
		"username":   {"a@x.com"},
		"password":   {"Secret1"},
	}, "")
	require.Equal(t, http.StatusOK, rr.Code, "body: %s", rr.Body.String())

	body := decodeBody(t, rr)
	assert.NotEmpty(t, body["access_token"])
	assert.NotEmpty(t, body["refresh_token"])
	assert.Equal(t, "bearer", strings.ToLower(body["token_type"].(string)))
	assert.Greater(t, body["expires_in"].(float64), float64(0))
}

func TestPasswordGrantNormalizesEmail(t *testing.T) {
	a := newTestApp(t)
	registerTestUser(t, a, "a@x.com")

	rr := postForm(t, a, "/oauth2/token", url.Values{
		"grant_type": {"password"},
		"username":   {"  A@X.Com "},
		"password":   {"Secret1"},
	}, "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestPasswordGrantBadCredentials(t *testing.T) {
	a := newTestApp(t)
	registerTestUser(t, a, "a@x.com")

	cases := map[string]url.Values{
		"wrong password": {
			"grant_type": {"password"},
			"username":   {"a@x.com"},
			"password":   {"Secret2"},
		},
		"unknown user": {
			"grant_type": {"password"},
			"username":   {"b@x.com"},
			"password":   {"Secret1"},
		},
		"missing password": {
			"grant_type": {"password"},
			"username":   {"a@x.com"},
		},
		"missing username": {
			"grant_type": {"password"},
			"password":   {"Secret1"},
		},
	}
	for name, form := range cases {
		t.Run(name, func(t *testing.T) {
			rr := postForm(t, a, "/oauth2/token", form, "")
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, ErrInvalidGrant, decodeBody(t, rr)["error"])
		})
	}
}

func TestTokenEndpointGrantTypeValidation(t *testing.T) {
	a := newTestApp(t)

	rr := postForm(t, a, "/oauth2/token", url.Values{}, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, ErrInvalidRequest, decodeBody(t, rr)["error"])

	rr = postForm(t, a, "/oauth2/token", url.Values{"grant_type": {"authorization_code"}}, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, ErrInvalidRequest, decodeBody(t, rr)["error"])
}

func TestPasswordGrantWithClientCredentials(t *testing.T) {
	a := newTestApp(t)
	user := registerTestUser(t, a, "a@x.com")
	client := registerTestClient(t, a, user["access_token"].(string), "My Test Client")

	form := url.Values{
		"grant_type":    {"password"},
		"username":      {"a@x.com"},
		"password":      {"Secret1"},
		"client_id":     {client["client_id"].(string)},
		"client_secret": {client["client_secret"].(string)},
	}
	rr := postForm(t, a, "/oauth2/token", form, "")
	require.Equal(t, http.StatusOK, rr.Code, "body: %s", rr.Body.String())

	t.Run("wrong secret", func(t *testing.T) {
		bad := url.Values{}
		for k, v := range form {
			bad[k] = v
		}
		bad.Set("client_secret", "nope")
		rr := postForm(t, a, "/oauth2/token", bad, "")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, ErrInvalidGrant, decodeBody(t, rr)["error"])
	})

	t.Run("another user's client", func(t *testing.T) {
		other := registerTestUser(t, a, "b@x.com")
		otherClient := registerTestClient(t, a, other["access_token"].(string), "Other Client")

		bad := url.Values{}
		for k, v := range form {
			bad[k] = v
		}
		bad.Set("client_id", otherClient["client_id"].(string))
		bad.Set("client_secret", otherClient["client_secret"].(string))
		rr := postForm(t, a, "/oauth2/token", bad, "")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, ErrInvalidGrant, decodeBody(t, rr)["error"])
	})
}

func TestRefreshGrantRotation(t *testing.T) {
	a := newTestApp(t)
	user := registerTestUser(t, a, "a@x.com")
	old := user["refresh_token"].(string)

	rr := postForm(t, a, "/oauth2/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {old},
	}, "")
	require.Equal(t, http.StatusOK, rr.Code, "body: %s", rr.Body.String())
	body := decodeBody(t, rr)
	next := body["refresh_token"].(string)
	assert.NotEqual(t, old, next)

	// the consumed token is gone for good
	rr = postForm(t, a, "/oauth2/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {old},
	}, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, ErrInvalidGrant, decodeBody(t, rr)["error"])
}

func TestRefreshGrantWithoutRotationReusesToken(t *testing.T) {
	a := newTestApp(t)
	a.rotateRefresh = false
	user := registerTestUser(t, a, "a@x.com")
	token := user["refresh_token"].(string)

	rr := postForm(t, a, "/oauth2/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {token},
	}, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, token, decodeBody(t, rr)["refresh_token"])

	// still usable
	rr = postForm(t, a, "/oauth2/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {token},
	}, "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRefreshGrantBoundToClient(t *testing.T) {
	a := newTestApp(t)
	a.rotateRefresh = false
	user := registerTestUser(t, a, "a@x.com")
	client := registerTestClient(t, a, user["access_token"].(string), "My Test Client")
	token := user["refresh_token"].(string)

	// binding use: refresh with client credentials
	rr := postForm(t, a, "/oauth2/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {token},
		"client_id":     {client["client_id"].(string)},
		"client_secret": {client["client_secret"].(string)},
	}, "")
	require.Equal(t, http.StatusOK, rr.Code, "body: %s", rr.Body.String())
	// a bound token's value is withheld from the reuse response
	_, present := decodeBody(t, rr)["refresh_token"]
	assert.False(t, present)

	t.Run("bound token requires its client's credentials", func(t *testing.T) {
		rr := postForm(t, a, "/oauth2/token", url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {token},
		}, "")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, ErrInvalidGrant, decodeBody(t, rr)["error"])
	})

	t.Run("bound token rejects a different client", func(t *testing.T) {
		otherClient := registerTestClient(t, a, user["access_token"].(string), "Second Client")
		rr := postForm(t, a, "/oauth2/token", url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {token},
			"client_id":     {otherClient["client_id"].(string)},
			"client_secret": {otherClient["client_secret"].(string)},
		}, "")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, ErrInvalidGrant, decodeBody(t, rr)["error"])
	})
}

func TestRefreshGrantTamperedToken(t *testing.T) {
	a := newTestApp(t)
	user := registerTestUser(t, a, "a@x.com")
	token := user["refresh_token"].(string)

	for _, bad := range []string{token + "x", token[:len(token)-1], "random-garbage", ""} {
		rr := postForm(t, a, "/oauth2/token", url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {bad},
		}, "")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, ErrInvalidGrant, decodeBody(t, rr)["error"])
	}
}

func TestConcurrentRefreshSingleUse(t *testing.T) {
	a := newTestApp(t)
	user := registerTestUser(t, a, "a@x.com")
	token := user["refresh_token"].(string)

	const callers = 2
	codes := make([]int, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rr := postForm(t, a, "/oauth2/token", url.Values{
				"grant_type":    {"refresh_token"},
				"refresh_token": {token},
			}, "")
			codes[i] = rr.Code
		}(i)
	}
	wg.Wait()

	ok, failed := 0, 0
	for _, code := range codes {
		switch code {
		case http.StatusOK:
			ok++
		case http.StatusBadRequest:
			failed++
		}
	}
	assert.Equal(t, 1, ok, "exactly one refresh must win")
	assert.Equal(t, callers-1, failed)
}

func TestTokenInfo(t *testing.T) {
	a := newTestApp(t)
	user := registerTestUser(t, a, "a@x.com")

	rr := doRequest(t, a, http.MethodGet, "/oauth2/tokeninfo", user["access_token"].(string))
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	assert.Equal(t, "VALID", body["token_status"])
	assert.Equal(t, "NONE", body["token_elevation"])
	_, present := body["token_elevation_expires_in"]
	assert.False(t, present)
}

func TestTokenInfoInvalidTokens(t *testing.T) {
	a := newTestApp(t)

	for name, bearer := range map[string]string{
		"missing": "",
		"garbage": "not-a-jwt",
	} {
		t.Run(name, func(t *testing.T) {
			rr := doRequest(t, a, http.MethodGet, "/oauth2/tokeninfo", bearer)
			require.Equal(t, http.StatusOK, rr.Code)
			body := decodeBody(t, rr)
			assert.Equal(t, "INVALID", body["token_status"])
			_, present := body["token_elevation"]
			assert.False(t, present)
			_, present = body["token_elevation_expires_in"]
			assert.False(t, present)
		})
	}
}

func TestTokenInfoElevated(t *testing.T) {
	a := newTestApp(t)
	user := registerTestUser(t, a, "a@x.com")
	userID := int64(user["user_id"].(float64))

	now := time.Now()
	elevExpires := now.Add(10 * time.Minute).Unix()
	rec := &AccessTokenRecord{
		ID:                 "elevated-token",
		UserID:             userID,
		IssuedAt:           now.Unix(),
		ExpiresAt:          now.Add(time.Hour).Unix(),
		Elevation:          ElevationCritical,
		ElevationExpiresAt: &elevExpires,
	}
	require.NoError(t, a.DB.CreateAccessToken(rec))
	signed, err := signAccessToken(rec, "")
	require.NoError(t, err)

	rr := doRequest(t, a, http.MethodGet, "/oauth2/tokeninfo", signed)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	assert.Equal(t, "VALID", body["token_status"])
	assert.Equal(t, "CRITICAL", body["token_elevation"])
	assert.Greater(t, body["token_elevation_expires_in"].(float64), float64(0))
}

func TestTokenInfoExpiredElevationDegradesToNone(t *testing.T) {
	a := newTestApp(t)
	user := registerTestUser(t, a, "a@x.com")
	userID := int64(user["user_id"].(float64))

	now := time.Now()
	elevExpires := now.Add(-time.Minute).Unix()
	rec := &AccessTokenRecord{
		ID:                 "stale-elevation",
		UserID:             userID,
		IssuedAt:           now.Unix(),
		ExpiresAt:          now.Add(time.Hour).Unix(),
		Elevation:          ElevationElevated,
		ElevationExpiresAt: &elevExpires,
	}
	require.NoError(t, a.DB.CreateAccessToken(rec))
	signed, err := signAccessToken(rec, "")
	require.NoError(t, err)

	rr := doRequest(t, a, http.MethodGet, "/oauth2/tokeninfo", signed)
	body := decodeBody(t, rr)
	assert.Equal(t, "VALID", body["token_status"])
	assert.Equal(t, "NONE", body["token_elevation"])
	_, present := body["token_elevation_expires_in"]
	assert.False(t, present)
}

func TestRevokeEndpoint(t *testing.T) {
	a := newTestApp(t)
	user := registerTestUser(t, a, "a@x.com")
	refresh := user["refresh_token"].(string)
	access := user["access_token"].(string)

	rr := postForm(t, a, "/oauth2/revoke", url.Values{"token": {refresh}}, "")
	require.Equal(t, http.StatusOK, rr.Code)

	// the access token rode on that refresh token
	rr = doRequest(t, a, http.MethodGet, "/oauth2/tokeninfo", access)
	assert.Equal(t, "INVALID", decodeBody(t, rr)["token_status"])

	rr = postForm(t, a, "/oauth2/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refresh},
	}, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, ErrInvalidGrant, decodeBody(t, rr)["error"])
}

func TestRevokeEndpointValidation(t *testing.T) {
	a := newTestApp(t)
	rr := postForm(t, a, "/oauth2/revoke", url.Values{}, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, ErrInvalidRequest, decodeBody(t, rr)["error"])
}

func TestProtectedEndpointChallenge(t *testing.T) {
	a := newTestApp(t)

	rr := doRequest(t, a, http.MethodGet, "/clients/1", "")
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	params := parseChallenge(rr.Header().Get("WWW-Authenticate"))
	assert.Equal(t, "invalid_token", params["error"])
	assert.NotEmpty(t, params["error_description"])
}

func TestExpiredAccessTokenRejected(t *testing.T) {
	a := newTestApp(t)
	a.accessTTL = -time.Minute
	user := registerTestUser(t, a, "a@x.com")

	rr := doRequest(t, a, http.MethodGet, "/oauth2/tokeninfo", user["access_token"].(string))
	assert.Equal(t, "INVALID", decodeBody(t, rr)["token_status"])

	rr = postJSON(t, a, "/clients", `{"client_name":"X"}`, user["access_token"].(string))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "invalid_token", parseChallenge(rr.Header().Get("WWW-Authenticate"))["error"])
}
