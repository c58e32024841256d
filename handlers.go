package main

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const clientURNPrefix = "urn:authd:client:"

func clientURN(id int64) string { return fmt.Sprintf("%s%d", clientURNPrefix, id) }

func parseClientURN(urn string) (int64, bool) {
	raw, ok := strings.CutPrefix(urn, clientURNPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		return 0, false
	}
	return id, true
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// issueAccessToken persists a new access token record and returns its signed
// bearer form. expires_in is fixed at issuance and not recomputed afterwards.
func (a *App) issueAccessToken(userID int64, client *Client, refreshTokenID *int64) (string, int64, error) {
	now := time.Now()
	rec := &AccessTokenRecord{
		ID:             uuid.NewString(),
		UserID:         userID,
		RefreshTokenID: refreshTokenID,
		IssuedAt:       now.Unix(),
		ExpiresAt:      now.Add(a.accessTTL).Unix(),
		Elevation:      ElevationNone,
	}
	urn := ""
	if client != nil {
		rec.ClientID = &client.ID
		urn = clientURN(client.ID)
	}
	if err := a.DB.CreateAccessToken(rec); err != nil {
		return "", 0, err
	}
	signed, err := signAccessToken(rec, urn)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(a.accessTTL / time.Second), nil
}

// HandleToken is the OAuth2 token endpoint.
// POST /oauth2/token (form-encoded)
func (a *App) HandleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, ErrInvalidRequest, "the request body could not be parsed")
		return
	}
	switch r.PostFormValue("grant_type") {
	case "password":
		a.passwordGrant(w, r)
	case "refresh_token":
		a.refreshGrant(w, r)
	case "":
		writeOAuthError(w, http.StatusBadRequest, ErrInvalidRequest, "grant_type is required")
	default:
		writeOAuthError(w, http.StatusBadRequest, ErrInvalidRequest, "unsupported grant type")
	}
}

// clientFromCredentials resolves optional client_id/client_secret form
// parameters. Any mismatch reports invalid_grant; the response never says
// whether the client exists, whom it belongs to, or which check failed.
func (a *App) clientFromCredentials(r *http.Request, userID int64) (*Client, bool) {
	id := r.PostFormValue("client_id")
	secret := r.PostFormValue("client_secret")
	if id == "" && secret == "" {
		return nil, true
	}
	clientID, ok := parseClientURN(id)
	if !ok {
		return nil, false
	}
	client, err := a.DB.GetClient(clientID)
	if err != nil || client == nil || client.UserID != userID {
		return nil, false
	}
	if !secretsEqual(client.Secret, secret) {
		return nil, false
	}
	if err := a.DB.TouchClient(client.ID, time.Now()); err != nil {
		a.log.Warn("touch client", zap.Int64("client_id", client.ID), zap.Error(err))
	}
	return client, true
}

func (a *App) passwordGrant(w http.ResponseWriter, r *http.Request) {
	username := normalizeEmail(r.PostFormValue("username"))
	password := r.PostFormValue("password")
	// fail before any lookup so missing credentials cannot probe for
	// registered addresses
	if username == "" || password == "" {
		writeOAuthError(w, http.StatusBadRequest, ErrInvalidGrant, "username and password are required")
		return
	}
	user, err := a.DB.GetUserByEmail(username)
	if err != nil {
		a.log.Error("user lookup", zap.Error(err))
		writeServerError(w)
		return
	}
	if user == nil || !a.hasher.Compare(r.Context(), user.PasswordHash, password) {
		writeOAuthError(w, http.StatusBadRequest, ErrInvalidGrant, "the username and/or password is incorrect")
		return
	}
	client, ok := a.clientFromCredentials(r, user.ID)
	if !ok {
		writeOAuthError(w, http.StatusBadRequest, ErrInvalidGrant, "the client credentials are incorrect")
		return
	}
	resp, err := a.issueTokenPair(user, client, "")
	if err != nil {
		a.log.Error("issue tokens", zap.Error(err))
		writeServerError(w)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// issueTokenPair mints a fresh refresh token plus an access token backed by
// it.
func (a *App) issueTokenPair(user *User, client *Client, ssoRefreshToken string) (*tokenResponse, error) {
	value, err := genToken(32)
	if err != nil {
		return nil, err
	}
	rt := &RefreshToken{
		Token:           value,
		UserID:          user.ID,
		SSORefreshToken: ssoRefreshToken,
		ExpiresAt:       time.Now().Add(a.refreshTTL).Unix(),
	}
	if client != nil {
		rt.ClientID = &client.ID
	}
	rt, err = a.DB.CreateRefreshToken(rt)
	if err != nil {
		return nil, err
	}
	access, expiresIn, err := a.issueAccessToken(user.ID, client, &rt.ID)
	if err != nil {
		return nil, err
	}
	return &tokenResponse{
		AccessToken:  access,
		TokenType:    "bearer",
		ExpiresIn:    expiresIn,
		RefreshToken: rt.Token,
	}, nil
}

func (a *App) refreshGrant(w http.ResponseWriter, r *http.Request) {
	raw := r.PostFormValue("refresh_token")
	if raw == "" {
		writeOAuthError(w, http.StatusBadRequest, ErrInvalidGrant, "refresh_token is required")
		return
	}
	rt, err := a.DB.GetRefreshToken(raw)
	if err != nil {
		a.log.Error("refresh token lookup", zap.Error(err))
		writeServerError(w)
		return
	}
	if rt == nil || rt.Revoked || rt.ExpiresAt < time.Now().Unix() {
		writeOAuthError(w, http.StatusBadRequest, ErrInvalidGrant, "the refresh token is invalid")
		return
	}

	var client *Client
	if rt.ClientID != nil {
		// a bound token is only usable with its own client's credentials
		client, err = a.DB.GetClient(*rt.ClientID)
		if err != nil {
			a.log.Error("client lookup", zap.Error(err))
			writeServerError(w)
			return
		}
		supplied, ok := a.clientFromCredentials(r, rt.UserID)
		if client == nil || !ok || supplied == nil || supplied.ID != client.ID {
			writeOAuthError(w, http.StatusBadRequest, ErrInvalidGrant, "the refresh token is invalid")
			return
		}
	} else {
		supplied, ok := a.clientFromCredentials(r, rt.UserID)
		if !ok {
			writeOAuthError(w, http.StatusBadRequest, ErrInvalidGrant, "the client credentials are incorrect")
			return
		}
		if supplied != nil {
			// first use with client credentials binds the token
			if err := a.DB.BindRefreshTokenToClient(rt.ID, supplied.ID); err != nil {
				a.log.Error("bind refresh token", zap.Error(err))
				writeServerError(w)
				return
			}
			rt.ClientID = &supplied.ID
			client = supplied
		}
	}

	resp := &tokenResponse{TokenType: "bearer"}
	backing := rt
	if a.rotateRefresh {
		// exactly one concurrent caller wins the rotation
		won, err := a.DB.ConsumeRefreshToken(raw)
		if err != nil {
			a.log.Error("consume refresh token", zap.Error(err))
			writeServerError(w)
			return
		}
		if !won {
			writeOAuthError(w, http.StatusBadRequest, ErrInvalidGrant, "the refresh token is invalid")
			return
		}
		value, err := genToken(32)
		if err != nil {
			writeServerError(w)
			return
		}
		next := &RefreshToken{
			Token:           value,
			UserID:          rt.UserID,
			ClientID:        rt.ClientID,
			SSORefreshToken: rt.SSORefreshToken,
			ExpiresAt:       time.Now().Add(a.refreshTTL).Unix(),
		}
		next, err = a.DB.CreateRefreshToken(next)
		if err != nil {
			a.log.Error("create refresh token", zap.Error(err))
			writeServerError(w)
			return
		}
		backing = next
		resp.RefreshToken = next.Token
	} else if rt.ClientID == nil {
		// reuse policy keeps the same token; a bound token's value is
		// withheld from the response
		resp.RefreshToken = rt.Token
	}

	access, expiresIn, err := a.issueAccessToken(rt.UserID, client, &backing.ID)
	if err != nil {
		a.log.Error("issue access token", zap.Error(err))
		writeServerError(w)
		return
	}
	resp.AccessToken = access
	resp.ExpiresIn = expiresIn
	writeJSON(w, http.StatusOK, resp)
}

type tokenInfoResponse struct {
	Status             string `json:"token_status"`
	Elevation          string `json:"token_elevation,omitempty"`
	ElevationExpiresIn *int64 `json:"token_elevation_expires_in,omitempty"`
}

// HandleTokenInfo reports a bearer token's current validity. The reason a
// token is invalid is never disclosed here.
// GET /oauth2/tokeninfo
func (a *App) HandleTokenInfo(w http.ResponseWriter, r *http.Request) {
	rec, err := a.lookupBearer(r)
	if err != nil {
		a.log.Error("token lookup", zap.Error(err))
		writeServerError(w)
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusOK, tokenInfoResponse{Status: "INVALID"})
		return
	}
	resp := tokenInfoResponse{Status: "VALID", Elevation: string(ElevationNone)}
	if rec.Elevation != ElevationNone && rec.ElevationExpiresAt != nil {
		if remaining := *rec.ElevationExpiresAt - time.Now().Unix(); remaining > 0 {
			resp.Elevation = string(rec.Elevation)
			resp.ElevationExpiresIn = &remaining
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleRevoke revokes a refresh token by value.
// POST /oauth2/revoke (form-encoded)
func (a *App) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, ErrInvalidRequest, "the request body could not be parsed")
		return
	}
	token := r.PostFormValue("token")
	if token == "" {
		writeOAuthError(w, http.StatusBadRequest, ErrInvalidRequest, "token is required")
		return
	}
	if err := a.DB.RevokeRefreshToken(token); err != nil {
		a.log.Error("revoke refresh token", zap.Error(err))
		writeServerError(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"revoked": true})
}

// lookupBearer resolves the Authorization header to a live access token
// record, or nil when the token is missing, unparsable, expired, or its
// backing refresh token has been revoked.
func (a *App) lookupBearer(r *http.Request) (*AccessTokenRecord, error) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return nil, nil
	}
	claims, err := parseAccessToken(strings.TrimPrefix(auth, "Bearer "))
	if err != nil {
		return nil, nil
	}
	rec, err := a.DB.GetAccessToken(claims.ID)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.ExpiresAt < time.Now().Unix() {
		return nil, nil
	}
	if rec.ClientID != nil {
		// a deregistered client takes its tokens with it
		client, err := a.DB.GetClient(*rec.ClientID)
		if err != nil {
			return nil, err
		}
		if client == nil {
			return nil, nil
		}
	}
	if rec.RefreshTokenID != nil {
		rt, err := a.DB.GetRefreshTokenByID(*rec.RefreshTokenID)
		if err != nil {
			return nil, err
		}
		if rt == nil || rt.Revoked {
			return nil, nil
		}
	}
	return rec, nil
}
