package main

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

// MinPasswordLength is enforced before any hashing work is queued.
const MinPasswordLength = 6

var jwtSecret []byte

func genToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Hasher runs bcrypt work through a bounded worker pool so hashing cost
// never stalls the request-handling goroutines beyond the configured width.
type Hasher struct {
	sem  *semaphore.Weighted
	cost int
}

func NewHasher(workers int64, cost int) *Hasher {
	if workers < 1 {
		workers = 1
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Hasher{sem: semaphore.NewWeighted(workers), cost: cost}
}

func (h *Hasher) Hash(ctx context.Context, password string) (string, error) {
	// the semaphore's fast path can succeed on a dead context
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer h.sem.Release(1)
	b, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	return string(b), err
}

// Compare verifies a password against a stored hash. bcrypt's own comparison
// is constant-time over the hash output.
func (h *Hasher) Compare(ctx context.Context, hash, password string) bool {
	if ctx.Err() != nil {
		return false
	}
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return false
	}
	defer h.sem.Release(1)
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// secretsEqual compares opaque client secrets without leaking length-prefix
// timing.
func secretsEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// accessClaims are the JWT claims embedded in access tokens. The record
// behind the jti carries elevation and the refresh-token linkage.
type accessClaims struct {
	ClientID string `json:"cid,omitempty"`
	jwt.RegisteredClaims
}

func signAccessToken(rec *AccessTokenRecord, clientURN string) (string, error) {
	claims := accessClaims{
		ClientID: clientURN,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        rec.ID,
			Subject:   fmt.Sprintf("%d", rec.UserID),
			IssuedAt:  jwt.NewNumericDate(time.Unix(rec.IssuedAt, 0)),
			ExpiresAt: jwt.NewNumericDate(time.Unix(rec.ExpiresAt, 0)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret)
}

// parseAccessToken verifies signature and expiry. A nil error means the JWT
// itself is sound; revocation is still the store's call.
func parseAccessToken(raw string) (*accessClaims, error) {
	claims := &accessClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	return claims, nil
}
