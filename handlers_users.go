package main

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"unicode/utf8"

	"go.uber.org/zap"
)

var emailPattern = regexp.MustCompile(`\A[^@]+@[^@]+\.[^@.]+\z`)

func userInfo(u *User) map[string]interface{} {
	return map[string]interface{}{
		"user_id":                             u.ID,
		"user_uri":                            fmt.Sprintf("/users/%d", u.ID),
		"user_username":                       u.Email,
		"user_first_name":                     u.FirstName,
		"user_last_name":                      u.LastName,
		"user_allow_marketing_communications": u.AllowMarketing,
	}
}

func validName(name string) bool {
	n := utf8.RuneCountInString(name)
	return n >= 1 && n <= 50
}

// HandleRegisterUser registers a user and signs them straight in, returning
// a token pair alongside the user info. This is the bootstrap that makes
// client registration an authenticated action.
// POST /users (form-encoded)
func (a *App) HandleRegisterUser(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, ErrInvalidRequest, "the request body could not be parsed")
		return
	}
	email := normalizeEmail(r.PostFormValue("username"))
	password := r.PostFormValue("password")
	firstName := r.PostFormValue("first_name")
	lastName := r.PostFormValue("last_name")

	switch {
	case !emailPattern.MatchString(email):
		writeOAuthError(w, http.StatusBadRequest, ErrInvalidRequest, "username must be a valid email address")
		return
	case len(password) < MinPasswordLength:
		// rejected before any hashing work is queued
		writeOAuthError(w, http.StatusBadRequest, ErrInvalidRequest,
			fmt.Sprintf("password must be at least %d characters", MinPasswordLength))
		return
	case !validName(firstName):
		writeOAuthError(w, http.StatusBadRequest, ErrInvalidRequest, "first_name must be between 1 and 50 characters")
		return
	case !validName(lastName):
		writeOAuthError(w, http.StatusBadRequest, ErrInvalidRequest, "last_name must be between 1 and 50 characters")
		return
	}
	if accepted, err := strconv.ParseBool(r.PostFormValue("accepted_terms_and_conditions")); err != nil || !accepted {
		writeOAuthError(w, http.StatusBadRequest, ErrInvalidRequest, "the terms and conditions must be accepted")
		return
	}
	// required with no implicit default; absence is not false
	allowMarketing, err := strconv.ParseBool(r.PostFormValue("allow_marketing_communications"))
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, ErrInvalidRequest, "allow_marketing_communications is required")
		return
	}

	hash, err := a.hasher.Hash(r.Context(), password)
	if err != nil {
		a.log.Error("hash password", zap.Error(err))
		writeServerError(w)
		return
	}
	user, err := a.DB.CreateUser(&User{
		Email:          email,
		PasswordHash:   hash,
		FirstName:      firstName,
		LastName:       lastName,
		AllowMarketing: allowMarketing,
	})
	if err == ErrDuplicateEmail {
		writeJSON(w, http.StatusBadRequest, oauthError{
			Code:        ErrInvalidRequest,
			Reason:      "username_already_taken",
			Description: "this username is already taken",
		})
		return
	}
	if err != nil {
		a.log.Error("create user", zap.Error(err))
		writeServerError(w)
		return
	}

	// the federated identity service keeps its own account; we only hold on
	// to the opaque token it hands back
	ssoRefreshToken, err := a.sso.Register(r.Context(), user, password)
	if err != nil {
		a.log.Warn("sso registration", zap.Int64("user_id", user.ID), zap.Error(err))
	}

	tokens, err := a.issueTokenPair(user, nil, ssoRefreshToken)
	if err != nil {
		a.log.Error("issue tokens", zap.Error(err))
		writeServerError(w)
		return
	}

	resp := userInfo(user)
	resp["access_token"] = tokens.AccessToken
	resp["token_type"] = tokens.TokenType
	resp["expires_in"] = tokens.ExpiresIn
	resp["refresh_token"] = tokens.RefreshToken
	writeJSON(w, http.StatusOK, resp)
}

// HandleFindUsers is the privileged user search.
// GET /admin/users?username=|first_name=&last_name=|user_id=
func (a *App) HandleFindUsers(w http.ResponseWriter, r *http.Request) {
	rec := tokenFromContext(r.Context())
	requester, err := a.DB.GetUserByID(rec.UserID)
	if err != nil {
		a.log.Error("user lookup", zap.Error(err))
		writeServerError(w)
		return
	}
	if requester == nil || !a.roles.IsAdmin(requester.Email) {
		writeOAuthError(w, http.StatusForbidden, ErrForbidden, "this action requires a privileged role")
		return
	}

	params := r.URL.Query()
	var q UserQuery
	switch {
	case params.Get("username") != "":
		q.Email = normalizeEmail(params.Get("username"))
	case params.Get("user_id") != "":
		id, err := strconv.ParseInt(params.Get("user_id"), 10, 64)
		if err != nil || id < 1 {
			writeOAuthError(w, http.StatusBadRequest, ErrInvalidRequest, "user_id must be a positive integer")
			return
		}
		q.UserID = id
	case params.Get("first_name") != "" && params.Get("last_name") != "":
		q.FirstName = params.Get("first_name")
		q.LastName = params.Get("last_name")
	default:
		writeOAuthError(w, http.StatusBadRequest, ErrInvalidRequest,
			"search requires username, user_id, or first_name and last_name")
		return
	}

	users, err := a.DB.FindUsers(q)
	if err != nil {
		a.log.Error("find users", zap.Error(err))
		writeServerError(w)
		return
	}
	items := make([]map[string]interface{}, 0, len(users))
	for _, u := range users {
		items = append(items, userInfo(u))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}
