package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type clientRegistration struct {
	Name  string `json:"client_name"`
	Brand string `json:"client_brand"`
	Model string `json:"client_model"`
	OS    string `json:"client_os"`
}

func clientInfo(c *Client, secret bool) map[string]interface{} {
	info := map[string]interface{}{
		"client_id":      clientURN(c.ID),
		"client_uri":     fmt.Sprintf("/clients/%d", c.ID),
		"client_name":    c.Name,
		"client_brand":   c.Brand,
		"client_model":   c.Model,
		"client_os":      c.OS,
		"last_used_date": c.LastUsedAt.UTC().Format(time.RFC3339),
	}
	if secret {
		info["client_secret"] = c.Secret
	}
	return info
}

// HandleRegisterClient registers a new client for the authenticated user.
// The secret appears in this response and on the client's own describe calls.
// POST /clients
func (a *App) HandleRegisterClient(w http.ResponseWriter, r *http.Request) {
	rec := tokenFromContext(r.Context())

	var reg clientRegistration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		writeOAuthError(w, http.StatusBadRequest, ErrInvalidRequest, "the client details could not be parsed")
		return
	}

	if reg.Name == "" {
		n, err := a.DB.CountClients(rec.UserID)
		if err != nil {
			a.log.Error("count clients", zap.Error(err))
			writeServerError(w)
			return
		}
		reg.Name = fmt.Sprintf("Client %d", n+1)
	}

	secret, err := genToken(32)
	if err != nil {
		writeServerError(w)
		return
	}
	client, err := a.DB.CreateClient(&Client{
		UserID: rec.UserID,
		Name:   reg.Name,
		Brand:  reg.Brand,
		Model:  reg.Model,
		OS:     reg.OS,
		Secret: secret,
	})
	if err != nil {
		a.log.Error("create client", zap.Error(err))
		writeServerError(w)
		return
	}

	// a token bound to the new client, for the dynamic-registration
	// management calls
	registrationToken, _, err := a.issueAccessToken(rec.UserID, client, nil)
	if err != nil {
		a.log.Error("issue registration token", zap.Error(err))
		writeServerError(w)
		return
	}

	info := clientInfo(client, true)
	info["registration_access_token"] = registrationToken
	writeJSON(w, http.StatusOK, info)
}

func clientIDFromPath(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id < 1 {
		return 0, false
	}
	return id, true
}

// HandleDescribeClient returns a client's own registration info. A token
// bound to a different client is refused outright; a client of another user
// is indistinguishable from a nonexistent one.
// GET /clients/{id}
func (a *App) HandleDescribeClient(w http.ResponseWriter, r *http.Request) {
	rec := tokenFromContext(r.Context())
	id, ok := clientIDFromPath(r)
	if !ok {
		writeOAuthError(w, http.StatusNotFound, ErrNotFound, "client not found")
		return
	}
	client, err := a.DB.GetClient(id)
	if err != nil {
		a.log.Error("client lookup", zap.Error(err))
		writeServerError(w)
		return
	}
	if client == nil || client.UserID != rec.UserID {
		writeOAuthError(w, http.StatusNotFound, ErrNotFound, "client not found")
		return
	}
	if rec.ClientID != nil && *rec.ClientID != client.ID {
		writeOAuthError(w, http.StatusForbidden, ErrForbidden, "the access token does not identify this client")
		return
	}
	if rec.ClientID != nil {
		now := time.Now()
		if err := a.DB.TouchClient(client.ID, now); err != nil {
			a.log.Warn("touch client", zap.Int64("client_id", client.ID), zap.Error(err))
		} else {
			client.LastUsedAt = now
		}
	}
	writeJSON(w, http.StatusOK, clientInfo(client, true))
}

// HandleDeregisterClient removes a client and revokes every refresh token
// bound to it in the same transaction. Access tokens riding on those refresh
// tokens fail validation from then on.
// DELETE /clients/{id}
func (a *App) HandleDeregisterClient(w http.ResponseWriter, r *http.Request) {
	rec := tokenFromContext(r.Context())
	id, ok := clientIDFromPath(r)
	if !ok {
		writeOAuthError(w, http.StatusNotFound, ErrNotFound, "client not found")
		return
	}
	deleted, err := a.DB.DeleteClientCascade(id, rec.UserID)
	if err != nil {
		a.log.Error("deregister client", zap.Int64("client_id", id), zap.Error(err))
		writeServerError(w)
		return
	}
	if !deleted {
		// another user's client and a nonexistent one answer identically
		writeOAuthError(w, http.StatusNotFound, ErrNotFound, "client not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
